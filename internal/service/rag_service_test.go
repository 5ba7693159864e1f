package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/xxxsen/earnrag/internal/ai"
	"github.com/xxxsen/earnrag/internal/chunker"
	"github.com/xxxsen/earnrag/internal/config"
	"github.com/xxxsen/earnrag/internal/embedcache"
	"github.com/xxxsen/earnrag/internal/filestore"
	"github.com/xxxsen/earnrag/internal/model"
	appErr "github.com/xxxsen/earnrag/internal/pkg/errors"
	"github.com/xxxsen/earnrag/internal/repo"
	"github.com/xxxsen/earnrag/internal/retriever"
	"github.com/xxxsen/earnrag/internal/testutil"
	"github.com/xxxsen/earnrag/internal/vectorindex"
)

const testDim = 64

type countingEmbedder struct {
	inner ai.IEmbedder
	calls atomic.Int64
	// hook runs before every provider call; set it before starting goroutines.
	hook func(text string)
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) (*ai.Embedding, error) {
	c.calls.Add(1)
	if c.hook != nil {
		c.hook(text)
	}
	return c.inner.Embed(ctx, text)
}

func (c *countingEmbedder) ModelName() string {
	return c.inner.ModelName()
}

type fixture struct {
	db        *sqlx.DB
	svc       *RAGService
	embedder  *countingEmbedder
	indexPath string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, cleanup := testutil.OpenTestDB(t)
	t.Cleanup(cleanup)
	f := &fixture{db: conn, indexPath: filepath.Join(t.TempDir(), "faiss_index.bin")}
	f.svc, f.embedder = f.open(t, chunker.Config{MaxLength: 1000, Overlap: 200})
	return f
}

func (f *fixture) open(t *testing.T, chunking chunker.Config) (*RAGService, *countingEmbedder) {
	t.Helper()
	svc, emb, err := f.build(chunking)
	require.NoError(t, err)
	require.NoError(t, svc.Open(context.Background()))
	return svc, emb
}

func (f *fixture) build(chunking chunker.Config) (*RAGService, *countingEmbedder, error) {
	emb := &countingEmbedder{inner: ai.NewEmbedder(ai.NewHashingProvider(testDim), "hashing-64")}
	cache, err := embedcache.New(emb, repo.NewEmbeddingCacheRepo(f.db), embedcache.Config{
		Dimension: testDim,
		LRUSize:   128,
		LRUTTL:    time.Minute,
	})
	if err != nil {
		return nil, nil, err
	}
	svc, err := NewRAGService(f.db, cache, Options{
		IndexPath:   f.indexPath,
		Metric:      vectorindex.MetricL2,
		Chunking:    chunking,
		Multiplier:  4,
		MaxK:        50,
		Concurrency: 4,
	})
	if err != nil {
		return nil, nil, err
	}
	return svc, emb, nil
}

// transcriptText returns exactly n characters of distinct words.
func transcriptText(prefix string, n int) string {
	var b strings.Builder
	for i := 0; b.Len() < n; i++ {
		fmt.Fprintf(&b, "%s%d ", prefix, i)
	}
	return b.String()[:n]
}

func newTranscript(company, quarter, year, text string) *model.Transcript {
	return &model.Transcript{Company: company, Quarter: quarter, FiscalYear: year, RawText: text}
}

func TestIngestEarningsCallScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := newTranscript("Salesforce", "Q2", "FY26", transcriptText("rev", 2500))

	res, err := f.svc.StoreTranscript(ctx, tr)
	require.NoError(t, err)
	require.Equal(t, 3, res.Chunks)
	require.Equal(t, 3, res.Added)
	require.Equal(t, int64(3), res.Usage.Misses)
	require.Greater(t, res.Usage.Cost, 0.0)
	require.Equal(t, int64(3), f.embedder.calls.Load())

	active, err := repo.NewChunkRepo(f.db).ListActiveByTranscript(ctx, tr.ID)
	require.NoError(t, err)
	require.Len(t, active, 3)
	runes := []rune(tr.RawText)
	require.Equal(t, string(runes[0:1000]), active[0].Text)
	require.Equal(t, string(runes[800:1800]), active[1].Text)
	require.Equal(t, string(runes[1600:2500]), active[2].Text)

	again, err := f.svc.StoreTranscript(ctx, tr)
	require.NoError(t, err)
	require.True(t, again.Skipped)
	require.Equal(t, int64(3), again.Usage.Hits)
	require.Zero(t, again.Usage.Cost)
	require.Equal(t, 1.0, again.Usage.HitRate())
	require.Equal(t, int64(3), f.embedder.calls.Load())

	rebuilt, err := f.svc.Rebuild(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, rebuilt.Chunks)
	require.Equal(t, int64(3), rebuilt.Usage.Hits)
	require.Zero(t, rebuilt.Usage.Misses)
	require.Zero(t, rebuilt.Usage.Cost)
	require.Equal(t, 1.0, rebuilt.Usage.HitRate())
	require.Equal(t, int64(3), f.embedder.calls.Load())

	out, err := f.svc.Retrieve(ctx, active[1].Text, 2, "")
	require.NoError(t, err)
	require.Len(t, out.Chunks, 2)
	require.Equal(t, 1, out.Chunks[0].Ordinal)
	require.InDelta(t, 0, out.Chunks[0].Distance, 1e-5)
	require.LessOrEqual(t, out.Chunks[0].Distance, out.Chunks[1].Distance)
	require.Equal(t, int64(1), out.Usage.Hits)
}

func TestIngestChangedTranscriptTombstonesOldChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := newTranscript("Snowflake", "Q1", "FY26", transcriptText("old", 1500))
	_, err := f.svc.StoreTranscript(ctx, tr)
	require.NoError(t, err)

	tr.RawText = transcriptText("new", 900)
	res, err := f.svc.StoreTranscript(ctx, tr)
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Tombstoned)
	require.Equal(t, 1, res.Added)

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.TotalChunks)
	require.Equal(t, int64(2), stats.TombstonedChunks)
	require.Equal(t, 3, stats.IndexVectors)
}

func TestRetrieveCompanyFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, q := range []string{"Q1", "Q2", "Q3"} {
		_, err := f.svc.StoreTranscript(ctx, newTranscript("Microsoft", q, "FY25", transcriptText(fmt.Sprintf("azure%d", i), 2000)))
		require.NoError(t, err)
	}
	_, err := f.svc.StoreTranscript(ctx, newTranscript("Apple", "Q1", "FY25", transcriptText("iphone", 900)))
	require.NoError(t, err)

	query := transcriptText("azure1", 300)
	mixed, err := f.svc.Retrieve(ctx, query, 3, "")
	require.NoError(t, err)
	require.Len(t, mixed.Chunks, 3)

	filtered, err := f.svc.Retrieve(ctx, query, 3, "APPLE")
	require.NoError(t, err)
	require.Len(t, filtered.Chunks, 1)
	require.Equal(t, "Apple", filtered.Chunks[0].Company)

	none, err := f.svc.Retrieve(ctx, query, 3, "Oracle")
	require.NoError(t, err)
	require.Empty(t, none.Chunks)
}

func TestRetrieveArguments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	empty, err := f.svc.Retrieve(ctx, "cloud growth", 5, "")
	require.NoError(t, err)
	require.Empty(t, empty.Chunks)
	require.Zero(t, f.embedder.calls.Load())

	_, err = f.svc.Retrieve(ctx, "cloud growth", 0, "")
	require.True(t, appErr.IsInvalid(err))
	_, err = f.svc.Retrieve(ctx, "  ", 3, "")
	require.True(t, appErr.IsInvalid(err))
}

func TestApplyRetention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, q := range []string{"Q1", "Q2", "Q3", "Q4"} {
		_, err := f.svc.StoreTranscript(ctx, newTranscript("Datadog", q, "FY25", transcriptText(fmt.Sprintf("dd%d", i), 500)))
		require.NoError(t, err)
	}
	_, err := f.svc.StoreTranscript(ctx, newTranscript("Okta", "Q1", "FY25", transcriptText("okta", 500)))
	require.NoError(t, err)

	_, err = f.svc.ApplyRetention(ctx, 0)
	require.True(t, appErr.IsInvalid(err))

	res, err := f.svc.ApplyRetention(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Transcripts)
	require.Equal(t, int64(2), res.Tombstoned)

	list, err := f.svc.Transcripts().ListByCompany(ctx, "datadog")
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, tr := range list {
		require.Contains(t, []string{"Q3", "Q4"}, tr.Quarter)
	}

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, stats.IndexVectors)
	require.Equal(t, int64(2), stats.TombstonedChunks)

	out, err := f.svc.Retrieve(ctx, transcriptText("dd0", 200), 5, "datadog")
	require.NoError(t, err)
	require.Len(t, out.Chunks, 2)
	for _, c := range out.Chunks {
		require.Contains(t, []string{"Q3", "Q4"}, c.Quarter)
	}
}

func TestSyncIndexesPendingTranscripts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	store := f.svc.Transcripts()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Upsert(ctx, newTranscript("Zscaler", fmt.Sprintf("Q%d", i%4+1), fmt.Sprintf("FY%d", 20+i), transcriptText(fmt.Sprintf("zs%d", i), 1200))))
	}
	res, err := f.svc.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, res.Transcripts)
	require.Equal(t, 10, res.Added)

	again, err := f.svc.Sync(ctx)
	require.NoError(t, err)
	require.Zero(t, again.Added)

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(10), stats.TotalChunks)
	require.Equal(t, 10, stats.IndexVectors)
	require.Equal(t, int64(10), stats.CacheEntries)
	require.NotEmpty(t, stats.LastEmbeddingDate)
}

func TestOpenRestoresStateAndDetectsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.StoreTranscript(ctx, newTranscript("MongoDB", "Q3", "FY26", transcriptText("atlas", 2500)))
	require.NoError(t, err)
	before, err := f.svc.Stats(ctx)
	require.NoError(t, err)

	reopened, emb := f.open(t, chunker.Config{MaxLength: 1000, Overlap: 200})
	after, err := reopened.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, before.IndexVectors, after.IndexVectors)
	require.Equal(t, before.EmbeddingCost, after.EmbeddingCost)
	require.Equal(t, before.CacheMisses, after.CacheMisses)

	out, err := reopened.Retrieve(ctx, transcriptText("atlas", 400), 1, "mongodb")
	require.NoError(t, err)
	require.Len(t, out.Chunks, 1)
	require.Equal(t, 0, out.Chunks[0].Ordinal)
	require.Equal(t, int64(1), emb.calls.Load())

	drifted, _, err := f.build(chunker.Config{MaxLength: 500, Overlap: 100})
	require.NoError(t, err)
	require.True(t, appErr.IsConfiguration(drifted.Open(ctx)))

	require.NoError(t, os.Remove(f.indexPath))
	missing, _, err := f.build(chunker.Config{MaxLength: 1000, Overlap: 200})
	require.NoError(t, err)
	require.True(t, appErr.IsConsistency(missing.Open(ctx)))
}

func TestConcurrentIngestOfOneTranscriptRecordsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := newTranscript("Datadog", "Q2", "FY26", transcriptText("apm", 2500))
	require.NoError(t, f.svc.Transcripts().Upsert(ctx, tr))
	f.embedder.hook = func(string) { time.Sleep(100 * time.Millisecond) }

	results := make([]*IngestResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.Ingest(ctx, tr)
		}(i)
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	added := 0
	for i := range results {
		require.NoError(t, errs[i])
		added += results[i].Added
	}
	require.Equal(t, 3, added)
	require.True(t, results[0].Skipped || results[1].Skipped)

	active, err := repo.NewChunkRepo(f.db).ListActiveByTranscript(ctx, tr.ID)
	require.NoError(t, err)
	require.Len(t, active, 3)
	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, stats.IndexVectors)

	out, err := f.svc.Retrieve(ctx, active[0].Text, 2, "")
	require.NoError(t, err)
	require.Len(t, out.Chunks, 2)
	require.NotEqual(t, out.Chunks[0].Ordinal, out.Chunks[1].Ordinal)
}

func TestSlowQueryEmbeddingDoesNotBlockIngest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.StoreTranscript(ctx, newTranscript("Nvidia", "Q2", "FY26", transcriptText("gpu", 1200)))
	require.NoError(t, err)

	const slowQuery = "data center revenue outlook"
	started := make(chan struct{})
	release := make(chan struct{})
	f.embedder.hook = func(text string) {
		if text == slowQuery {
			close(started)
			<-release
		}
	}

	type outcome struct {
		res *retriever.Result
		err error
	}
	slow := make(chan outcome, 1)
	go func() {
		res, err := f.svc.Retrieve(ctx, slowQuery, 2, "")
		slow <- outcome{res: res, err: err}
	}()
	<-started

	ingested := make(chan error, 1)
	go func() {
		_, err := f.svc.StoreTranscript(ctx, newTranscript("AMD", "Q2", "FY26", transcriptText("cpu", 900)))
		ingested <- err
	}()
	select {
	case err := <-ingested:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		close(release)
		t.Fatal("ingest blocked behind a query embedding")
	}

	fast, err := f.svc.Retrieve(ctx, transcriptText("cpu", 300), 1, "amd")
	require.NoError(t, err)
	require.Len(t, fast.Chunks, 1)

	close(release)
	got := <-slow
	require.NoError(t, got.err)
	require.Len(t, got.res.Chunks, 2)
}

func TestOpenDetectsWordBoundaryDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.StoreTranscript(ctx, newTranscript("Okta", "Q1", "FY26", transcriptText("sso", 1500)))
	require.NoError(t, err)

	stored, err := repo.NewMetaRepo(f.db).GetAll(ctx)
	require.NoError(t, err)
	require.Equal(t, "false", stored[repo.MetaChunkWordBoundary])

	drifted, _, err := f.build(chunker.Config{MaxLength: 1000, Overlap: 200, WordBoundary: true})
	require.NoError(t, err)
	require.True(t, appErr.IsConfiguration(drifted.Open(ctx)))

	same, _, err := f.build(chunker.Config{MaxLength: 1000, Overlap: 200})
	require.NoError(t, err)
	require.NoError(t, same.Open(ctx))
}

func TestOpenRecordsMissingBuildParams(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.StoreTranscript(ctx, newTranscript("Zscaler", "Q3", "FY26", transcriptText("zt", 1100)))
	require.NoError(t, err)
	meta := repo.NewMetaRepo(f.db)
	require.NoError(t, meta.Delete(ctx, repo.MetaChunkWordBoundary))

	f.open(t, chunker.Config{MaxLength: 1000, Overlap: 200})
	stored, err := meta.GetAll(ctx)
	require.NoError(t, err)
	require.Equal(t, "false", stored[repo.MetaChunkWordBoundary])
}

func TestReindexingFailsFast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.reindexing.Store(true)
	defer f.svc.reindexing.Store(false)

	_, err := f.svc.Retrieve(ctx, "margin", 3, "")
	require.True(t, appErr.IsReindexing(err))
	_, err = f.svc.StoreTranscript(ctx, newTranscript("Adobe", "Q1", "FY25", "creative cloud"))
	require.True(t, appErr.IsReindexing(err))
	_, err = f.svc.Rebuild(ctx)
	require.True(t, appErr.IsReindexing(err))
}

func TestBackupWritesSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.StoreTranscript(ctx, newTranscript("Workday", "Q2", "FY26", transcriptText("hcm", 1800)))
	require.NoError(t, err)

	store, err := filestore.New(config.FileStoreConfig{Type: "local", Dir: t.TempDir()})
	require.NoError(t, err)
	res, err := f.svc.Backup(ctx, store)
	require.NoError(t, err)
	require.Equal(t, 2, res.Vectors)
	require.True(t, strings.HasPrefix(res.Key, "index/faiss_index-"))

	rc, err := store.Open(ctx, res.Key)
	require.NoError(t, err)
	defer rc.Close()
	ix, err := vectorindex.ReadFrom(rc)
	require.NoError(t, err)
	require.Equal(t, 2, ix.Len())
}

func TestImportFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "salesforce_q2_fy26.txt"), []byte(transcriptText("crm", 1200)), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "servicenow_q1_fy25.md"), []byte("# Prepared remarks\n\nNow Assist demand was strong."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	res, err := f.svc.ImportFiles(ctx, []string{dir})
	require.NoError(t, err)
	require.Equal(t, 3, res.Files)
	require.Equal(t, 2, res.Imported)
	require.Len(t, res.Skipped, 1)

	companies, err := f.svc.Transcripts().ListCompanies(ctx)
	require.NoError(t, err)
	require.Len(t, companies, 2)

	synced, err := f.svc.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, synced.Transcripts)
}

func TestParseTranscriptName(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		company string
		quarter string
		year    string
		format  string
		wantErr bool
	}{
		{name: "plain", file: "salesforce_q2_fy26.txt", company: "Salesforce", quarter: "Q2", year: "FY26", format: model.TranscriptFormatText},
		{name: "upper case", file: "/data/ORACLE_Q4_FY24.TXT", company: "Oracle", quarter: "Q4", year: "FY24", format: model.TranscriptFormatText},
		{name: "markdown", file: "adobe_q1_fy25.md", company: "Adobe", quarter: "Q1", year: "FY25", format: model.TranscriptFormatMarkdown},
		{name: "too short", file: "adobe_q1.txt", wantErr: true},
		{name: "empty part", file: "adobe__fy25.txt", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTranscriptName(tt.file)
			if tt.wantErr {
				require.True(t, appErr.IsInvalid(err))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.company, got.Company)
			require.Equal(t, tt.quarter, got.Quarter)
			require.Equal(t, tt.year, got.FiscalYear)
			require.Equal(t, tt.format, got.Format)
		})
	}
}
