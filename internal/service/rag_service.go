package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xxxsen/earnrag/internal/chunker"
	"github.com/xxxsen/earnrag/internal/embedcache"
	"github.com/xxxsen/earnrag/internal/filestore"
	"github.com/xxxsen/earnrag/internal/model"
	appErr "github.com/xxxsen/earnrag/internal/pkg/errors"
	"github.com/xxxsen/earnrag/internal/repo"
	"github.com/xxxsen/earnrag/internal/retriever"
	"github.com/xxxsen/earnrag/internal/vectorindex"
)

type Options struct {
	IndexPath   string
	Metric      vectorindex.Metric
	Chunking    chunker.Config
	Multiplier  int
	MaxK        int
	Concurrency int
}

type IngestResult struct {
	TranscriptID int64            `json:"transcript_id"`
	Chunks       int              `json:"chunks"`
	Added        int              `json:"added"`
	Tombstoned   int64            `json:"tombstoned"`
	Skipped      bool             `json:"skipped"`
	Usage        embedcache.Usage `json:"usage"`
}

type SyncResult struct {
	Transcripts int              `json:"transcripts"`
	Added       int              `json:"added"`
	Usage       embedcache.Usage `json:"usage"`
}

type RebuildResult struct {
	Transcripts int              `json:"transcripts"`
	Chunks      int              `json:"chunks"`
	Usage       embedcache.Usage `json:"usage"`
}

type RetentionResult struct {
	Transcripts int64 `json:"transcripts"`
	Tombstoned  int64 `json:"tombstoned"`
}

type BackupResult struct {
	Key     string `json:"key"`
	Vectors int    `json:"vectors"`
	Bytes   int64  `json:"bytes"`
}

// RAGService owns the vector index and keeps it in step with the chunk
// registry. Index writes and registry commits go through mu; reads share it.
type RAGService struct {
	db          *sqlx.DB
	transcripts *repo.TranscriptRepo
	chunks      *repo.ChunkRepo
	cacheRepo   *repo.EmbeddingCacheRepo
	meta        *repo.MetaRepo
	cache       *embedcache.Cache
	chunker     *chunker.Chunker
	opts        Options

	mu         sync.RWMutex
	index      *vectorindex.Index
	retriever  *retriever.Retriever
	reindexing atomic.Bool

	usageMu  sync.Mutex
	usage    embedcache.Usage
	lastDate string
}

func NewRAGService(db *sqlx.DB, cache *embedcache.Cache, opts Options) (*RAGService, error) {
	if cache == nil {
		return nil, fmt.Errorf("%w: embedding cache is required", appErr.ErrConfiguration)
	}
	ck, err := chunker.New(opts.Chunking)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", appErr.ErrConfiguration, err)
	}
	if opts.Metric == "" {
		opts.Metric = vectorindex.MetricL2
	}
	if opts.IndexPath == "" {
		return nil, fmt.Errorf("%w: index path is required", appErr.ErrConfiguration)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxK <= 0 {
		opts.MaxK = 50
	}
	return &RAGService{
		db:          db,
		transcripts: repo.NewTranscriptRepo(db),
		chunks:      repo.NewChunkRepo(db),
		cacheRepo:   repo.NewEmbeddingCacheRepo(db),
		meta:        repo.NewMetaRepo(db),
		cache:       cache,
		chunker:     ck,
		opts:        opts,
	}, nil
}

// Open checks the stored build parameters against the configuration, loads
// (or creates) the index and verifies it covers exactly the registry rows.
func (s *RAGService) Open(ctx context.Context) error {
	logger := logutil.GetLogger(ctx)
	stored, err := s.meta.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("read meta: %w", err)
	}
	total, _, err := s.chunks.Count(ctx)
	if err != nil {
		return fmt.Errorf("count registry: %w", err)
	}
	if total > 0 {
		if err := s.checkDrift(stored); err != nil {
			return err
		}
	}

	index, err := vectorindex.Load(s.opts.IndexPath, s.opts.Metric, s.cache.Dimension())
	switch {
	case errors.Is(err, os.ErrNotExist):
		if total > 0 {
			return fmt.Errorf("%w: index file %s missing while registry holds %d rows, run rebuild",
				appErr.ErrConsistency, s.opts.IndexPath, total)
		}
		index, err = vectorindex.New(s.cache.Dimension(), s.opts.Metric)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	}
	if int64(index.Len()) != total {
		return fmt.Errorf("%w: index holds %d vectors, registry holds %d rows, run rebuild",
			appErr.ErrConsistency, index.Len(), total)
	}
	// Parameters match or were never recorded; record them now.
	if err := s.meta.Set(ctx, s.buildParams()); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}

	s.usageMu.Lock()
	s.usage = embedcache.Usage{
		Hits:   repo.ParseInt(stored, repo.MetaCacheHits),
		Misses: repo.ParseInt(stored, repo.MetaCacheMisses),
		Tokens: repo.ParseInt(stored, repo.MetaEmbeddingTokens),
		Cost:   repo.ParseFloat(stored, repo.MetaEmbeddingCost),
	}
	s.lastDate = stored[repo.MetaLastEmbeddingDate]
	s.usageMu.Unlock()

	s.mu.Lock()
	s.index = index
	s.retriever = retriever.New(s.cache, index, s.chunks, s.opts.Multiplier)
	s.mu.Unlock()
	logger.Info("rag index opened",
		zap.String("path", s.opts.IndexPath),
		zap.Int("vectors", index.Len()),
		zap.String("metric", string(s.opts.Metric)),
		zap.String("model", s.cache.ModelName()),
	)
	return nil
}

func (s *RAGService) buildParams() map[string]string {
	cfg := s.chunker.Config()
	return map[string]string{
		repo.MetaEmbeddingModel:    s.cache.ModelName(),
		repo.MetaEmbeddingDim:      strconv.Itoa(s.cache.Dimension()),
		repo.MetaIndexMetric:       string(s.opts.Metric),
		repo.MetaChunkMaxLength:    strconv.Itoa(cfg.MaxLength),
		repo.MetaChunkOverlap:      strconv.Itoa(cfg.Overlap),
		repo.MetaChunkWordBoundary: strconv.FormatBool(cfg.WordBoundary),
	}
}

// checkDrift compares the parameters the index was built with against the
// running configuration. Any difference requires a rebuild.
func (s *RAGService) checkDrift(stored map[string]string) error {
	want := s.buildParams()
	for key := range want {
		got, ok := stored[key]
		if !ok {
			continue
		}
		if got != want[key] {
			return fmt.Errorf("%w: %s changed from %q to %q, run rebuild", appErr.ErrConfiguration, key, got, want[key])
		}
	}
	return nil
}

func (s *RAGService) ready() error {
	if s.reindexing.Load() {
		return appErr.ErrReindexing
	}
	if s.index == nil {
		return fmt.Errorf("%w: index is not open", appErr.ErrConfiguration)
	}
	return nil
}

// StoreTranscript saves t in the transcript store and ingests it.
func (s *RAGService) StoreTranscript(ctx context.Context, t *model.Transcript) (*IngestResult, error) {
	if s.reindexing.Load() {
		return nil, appErr.ErrReindexing
	}
	if err := s.transcripts.Upsert(ctx, t); err != nil {
		return nil, err
	}
	return s.Ingest(ctx, t)
}

// Ingest chunks and embeds t and appends the new vectors. A transcript whose
// active chunks already carry the same fingerprints is left untouched and
// reported as skipped, with every chunk counted as a cache hit in Usage. A
// changed one has its old rows tombstoned in the same transaction that
// records the new ones. Concurrent ingests of one transcript are settled
// under the writer lock, so only one of them records chunks.
func (s *RAGService) Ingest(ctx context.Context, t *model.Transcript) (*IngestResult, error) {
	if s.reindexing.Load() {
		return nil, appErr.ErrReindexing
	}
	s.mu.RLock()
	err := s.ready()
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if t == nil || t.ID <= 0 {
		return nil, fmt.Errorf("%w: transcript must be stored before ingest", appErr.ErrInvalid)
	}
	logger := logutil.GetLogger(ctx).With(zap.Int64("transcript_id", t.ID), zap.String("company", t.Company))
	res := &IngestResult{TranscriptID: t.ID}

	chunks := s.chunker.Chunk(ctx, t)
	res.Chunks = len(chunks)
	active, err := s.chunks.ListActiveByTranscript(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if sameFingerprints(active, chunks) || (len(active) == 0 && len(chunks) == 0) {
		res.Skipped = true
		res.Usage = embedcache.Usage{Hits: int64(len(chunks))}
		logger.Debug("transcript already indexed", zap.Int("chunks", len(chunks)))
		return res, nil
	}

	vectors, usage, err := s.cache.EmbedChunks(ctx, chunks, s.opts.Concurrency)
	res.Usage = usage
	s.recordUsage(ctx, usage)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	// Another ingest of t may have committed while this one was embedding.
	active, err = s.chunks.ListActiveByTranscript(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if sameFingerprints(active, chunks) {
		res.Skipped = true
		logger.Debug("transcript indexed concurrently", zap.Int("chunks", len(chunks)))
		return res, nil
	}
	base := int64(s.index.Len())
	now := time.Now().Unix()
	records := make([]model.ChunkRecord, 0, len(chunks))
	for i, c := range chunks {
		records = append(records, model.ChunkRecord{
			Position:     base + int64(i),
			TranscriptID: t.ID,
			Ordinal:      c.Ordinal,
			Company:      t.Company,
			Quarter:      t.Quarter,
			FiscalYear:   t.FiscalYear,
			Text:         c.Text,
			Fingerprint:  c.Fingerprint,
			Ctime:        now,
		})
	}
	err = repo.RunInTx(ctx, s.db, func(tx *sqlx.Tx) error {
		n, err := s.chunks.WithTx(tx).Tombstone(ctx, t.ID)
		if err != nil {
			return err
		}
		res.Tombstoned = n
		return s.chunks.WithTx(tx).Record(ctx, records)
	})
	if err != nil {
		return nil, err
	}
	if len(vectors) > 0 {
		first, err := s.index.Append(vectors...)
		if err != nil {
			return nil, fmt.Errorf("%w: registry committed at %d but index append failed: %v", appErr.ErrConsistency, base, err)
		}
		if first != base {
			return nil, fmt.Errorf("%w: index appended at %d, registry at %d", appErr.ErrConsistency, first, base)
		}
	}
	if err := s.index.Save(s.opts.IndexPath); err != nil {
		return nil, fmt.Errorf("save index: %w", err)
	}
	res.Added = len(records)
	logger.Info("transcript ingested",
		zap.Int("added", res.Added),
		zap.Int64("tombstoned", res.Tombstoned),
		zap.Int64("cache_hits", usage.Hits),
		zap.Int64("cache_misses", usage.Misses),
		zap.Float64("cost", usage.Cost),
	)
	return res, nil
}

func sameFingerprints(active []model.ChunkRecord, chunks []model.Chunk) bool {
	if len(active) != len(chunks) || len(active) == 0 {
		return false
	}
	for i := range active {
		if active[i].Fingerprint != chunks[i].Fingerprint {
			return false
		}
	}
	return true
}

// Sync ingests every stored transcript that has no active chunks.
func (s *RAGService) Sync(ctx context.Context) (*SyncResult, error) {
	pending, err := s.transcripts.ListUnindexed(ctx)
	if err != nil {
		return nil, err
	}
	res := &SyncResult{}
	if len(pending) == 0 {
		return res, nil
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i := range pending {
		t := &pending[i]
		g.Go(func() error {
			r, err := s.Ingest(gctx, t)
			if r != nil {
				mu.Lock()
				res.Usage.Add(r.Usage)
				if r.Added > 0 {
					res.Transcripts++
					res.Added += r.Added
				}
				mu.Unlock()
			}
			if err != nil {
				return fmt.Errorf("ingest transcript %d: %w", t.ID, err)
			}
			return nil
		})
	}
	err = g.Wait()
	logutil.GetLogger(ctx).Info("sync finished",
		zap.Int("pending", len(pending)),
		zap.Int("transcripts", res.Transcripts),
		zap.Int("added", res.Added),
		zap.Float64("cost", res.Usage.Cost),
	)
	return res, err
}

// Retrieve returns the k nearest chunks for query. k is capped at MaxK. The
// query is embedded before the read lock is taken so a slow provider never
// holds up ingest commits.
func (s *RAGService) Retrieve(ctx context.Context, query string, k int, company string) (*retriever.Result, error) {
	if k > s.opts.MaxK {
		k = s.opts.MaxK
	}
	if err := retriever.Validate(query, k); err != nil {
		return nil, err
	}
	s.mu.RLock()
	err := s.ready()
	empty := err == nil && s.index.Len() == 0
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if empty {
		return &retriever.Result{}, nil
	}

	vec, usage, err := s.cache.Embed(ctx, query)
	s.recordUsage(ctx, usage)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	res, err := s.retriever.Search(ctx, vec, k, company)
	if err != nil {
		return nil, err
	}
	res.Usage = usage
	return res, nil
}

func (s *RAGService) Stats(ctx context.Context) (*model.Stats, error) {
	total, tombstoned, err := s.chunks.Count(ctx)
	if err != nil {
		return nil, err
	}
	transcripts, companies, err := s.transcripts.Count(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := s.cacheRepo.Count(ctx, s.cache.ModelName())
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	vectors := 0
	if s.index != nil {
		vectors = s.index.Len()
	}
	s.mu.RUnlock()
	s.usageMu.Lock()
	usage := s.usage
	last := s.lastDate
	s.usageMu.Unlock()
	return &model.Stats{
		TotalChunks:       total,
		TombstonedChunks:  tombstoned,
		IndexVectors:      vectors,
		TotalTranscripts:  transcripts,
		TotalCompanies:    companies,
		CacheEntries:      entries,
		CacheHits:         usage.Hits,
		CacheMisses:       usage.Misses,
		CacheHitRate:      usage.HitRate(),
		EmbeddingTokens:   usage.Tokens,
		EmbeddingCost:     usage.Cost,
		EmbeddingModel:    s.cache.ModelName(),
		IndexMetric:       string(s.opts.Metric),
		LastEmbeddingDate: last,
	}, nil
}

// Rebuild discards the index and registry and recreates both from the
// transcript store. Retrieval and ingestion fail with ErrReindexing until it
// returns.
func (s *RAGService) Rebuild(ctx context.Context) (*RebuildResult, error) {
	if !s.reindexing.CompareAndSwap(false, true) {
		return nil, appErr.ErrReindexing
	}
	defer s.reindexing.Store(false)
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := logutil.GetLogger(ctx)
	start := time.Now()
	all, err := s.transcripts.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	builder, err := vectorindex.NewBuilder(s.cache.Dimension(), s.opts.Metric)
	if err != nil {
		return nil, err
	}
	res := &RebuildResult{Transcripts: len(all)}
	now := time.Now().Unix()
	var records []model.ChunkRecord
	for i := range all {
		t := &all[i]
		chunks := s.chunker.Chunk(ctx, t)
		vectors, usage, err := s.cache.EmbedChunks(ctx, chunks, s.opts.Concurrency)
		res.Usage.Add(usage)
		s.recordUsage(ctx, usage)
		if err != nil {
			return nil, fmt.Errorf("embed transcript %d: %w", t.ID, err)
		}
		for j, vec := range vectors {
			pos, err := builder.Add(vec)
			if err != nil {
				return nil, err
			}
			records = append(records, model.ChunkRecord{
				Position:     pos,
				TranscriptID: t.ID,
				Ordinal:      chunks[j].Ordinal,
				Company:      t.Company,
				Quarter:      t.Quarter,
				FiscalYear:   t.FiscalYear,
				Text:         chunks[j].Text,
				Fingerprint:  chunks[j].Fingerprint,
				Ctime:        now,
			})
		}
	}
	index := builder.Seal()
	err = repo.RunInTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := s.chunks.WithTx(tx).Truncate(ctx); err != nil {
			return err
		}
		if err := s.chunks.WithTx(tx).Record(ctx, records); err != nil {
			return err
		}
		return s.meta.WithTx(tx).Set(ctx, s.buildParams())
	})
	if err != nil {
		return nil, err
	}
	if err := index.Save(s.opts.IndexPath); err != nil {
		return nil, fmt.Errorf("save index: %w", err)
	}
	s.index = index
	if s.retriever == nil {
		s.retriever = retriever.New(s.cache, index, s.chunks, s.opts.Multiplier)
	} else {
		s.retriever.SetIndex(index)
	}
	res.Chunks = len(records)
	logger.Info("index rebuilt",
		zap.Int("transcripts", res.Transcripts),
		zap.Int("chunks", res.Chunks),
		zap.Float64("hit_rate", res.Usage.HitRate()),
		zap.Float64("cost", res.Usage.Cost),
		zap.Duration("duration", time.Since(start)),
	)
	return res, nil
}

// ApplyRetention keeps the newest keep quarters per company. Older
// transcripts are deleted and their registry rows tombstoned together.
func (s *RAGService) ApplyRetention(ctx context.Context, keep int) (*RetentionResult, error) {
	if keep <= 0 {
		return nil, fmt.Errorf("%w: keep must be > 0", appErr.ErrInvalid)
	}
	if s.reindexing.Load() {
		return nil, appErr.ErrReindexing
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.transcripts.ListExpired(ctx, keep)
	if err != nil {
		return nil, err
	}
	res := &RetentionResult{}
	if len(ids) == 0 {
		return res, nil
	}
	err = repo.RunInTx(ctx, s.db, func(tx *sqlx.Tx) error {
		n, err := s.chunks.WithTx(tx).Tombstone(ctx, ids...)
		if err != nil {
			return err
		}
		res.Tombstoned = n
		deleted, err := s.transcripts.WithTx(tx).DeleteByIDs(ctx, ids)
		if err != nil {
			return err
		}
		res.Transcripts = deleted
		return nil
	})
	if err != nil {
		return nil, err
	}
	logutil.GetLogger(ctx).Info("retention applied",
		zap.Int("keep_quarters", keep),
		zap.Int64("transcripts", res.Transcripts),
		zap.Int64("tombstoned", res.Tombstoned),
	)
	return res, nil
}

// Backup writes a snapshot of the index to store under a timestamped key.
func (s *RAGService) Backup(ctx context.Context, store filestore.Store) (*BackupResult, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: artifact store is not configured", appErr.ErrConfiguration)
	}
	if s.reindexing.Load() {
		return nil, appErr.ErrReindexing
	}
	var buf bytes.Buffer
	s.mu.RLock()
	if err := s.ready(); err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	vectors := s.index.Len()
	_, err := s.index.WriteTo(&buf)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("snapshot index: %w", err)
	}
	key := "index/" + strings.TrimSuffix(baseName(s.opts.IndexPath), ".bin") + "-" + time.Now().UTC().Format("20060102T150405Z") + ".bin"
	data := buf.Bytes()
	if err := store.Save(ctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
		return nil, fmt.Errorf("upload index snapshot: %w", err)
	}
	logutil.GetLogger(ctx).Info("index backed up",
		zap.String("store", store.Type()),
		zap.String("key", key),
		zap.Int("vectors", vectors),
	)
	return &BackupResult{Key: key, Vectors: vectors, Bytes: int64(len(data))}, nil
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

// recordUsage folds u into the cumulative counters and persists them.
func (s *RAGService) recordUsage(ctx context.Context, u embedcache.Usage) {
	if u == (embedcache.Usage{}) {
		return
	}
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	s.usage.Add(u)
	values := map[string]string{
		repo.MetaCacheHits:       strconv.FormatInt(s.usage.Hits, 10),
		repo.MetaCacheMisses:     strconv.FormatInt(s.usage.Misses, 10),
		repo.MetaEmbeddingTokens: strconv.FormatInt(s.usage.Tokens, 10),
		repo.MetaEmbeddingCost:   strconv.FormatFloat(s.usage.Cost, 'f', -1, 64),
	}
	if u.Misses > 0 {
		s.lastDate = time.Now().UTC().Format(time.RFC3339)
		values[repo.MetaLastEmbeddingDate] = s.lastDate
	}
	if err := s.meta.Set(ctx, values); err != nil {
		logutil.GetLogger(ctx).Warn("persist embedding usage failed", zap.Error(err))
	}
}

// Transcripts exposes the transcript store for read-only callers.
func (s *RAGService) Transcripts() *repo.TranscriptRepo {
	return s.transcripts
}

// CacheRepo exposes the embedding cache table for maintenance jobs.
func (s *RAGService) CacheRepo() *repo.EmbeddingCacheRepo {
	return s.cacheRepo
}

func (s *RAGService) ModelName() string {
	return s.cache.ModelName()
}
