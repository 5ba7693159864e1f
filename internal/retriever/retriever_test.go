package retriever

import (
	"context"
	"errors"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/xxxsen/earnrag/internal/embedcache"
	"github.com/xxxsen/earnrag/internal/model"
	appErr "github.com/xxxsen/earnrag/internal/pkg/errors"
	"github.com/xxxsen/earnrag/internal/repo"
	"github.com/xxxsen/earnrag/internal/testutil"
	"github.com/xxxsen/earnrag/internal/vectorindex"
)

type fixedEmbedder struct {
	vec   []float32
	calls int
	err   error
}

func (f *fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, embedcache.Usage, error) {
	f.calls++
	if f.err != nil {
		return nil, embedcache.Usage{}, f.err
	}
	return f.vec, embedcache.Usage{Hits: 1}, nil
}

type fixture struct {
	db       *sqlx.DB
	index    *vectorindex.Index
	registry *repo.ChunkRepo
}

// newFixture stores one chunk per entry; entry i sits at distance i from the
// origin along the x axis.
func newFixture(t *testing.T, companies []string) (*fixture, func()) {
	db, cleanup := testutil.OpenTestDB(t)
	ix, err := vectorindex.New(2, vectorindex.MetricL2)
	require.NoError(t, err)
	registry := repo.NewChunkRepo(db)
	records := make([]model.ChunkRecord, 0, len(companies))
	for i, c := range companies {
		pos, err := ix.Append([]float32{float32(i), 0})
		require.NoError(t, err)
		records = append(records, model.ChunkRecord{
			Position:     pos,
			TranscriptID: int64(i + 1),
			Company:      c,
			Quarter:      "Q1",
			FiscalYear:   "FY25",
			Text:         c + " chunk",
			Fingerprint:  c,
		})
	}
	require.NoError(t, registry.Record(context.Background(), records))
	return &fixture{db: db, index: ix, registry: registry}, cleanup
}

func positions(chunks []model.RetrievedChunk) []int64 {
	out := make([]int64, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.Position)
	}
	return out
}

func TestRetrieveUnfilteredAscending(t *testing.T) {
	f, cleanup := newFixture(t, []string{"Microsoft", "Apple", "Microsoft", "Nvidia"})
	defer cleanup()
	r := New(&fixedEmbedder{vec: []float32{0, 0}}, f.index, f.registry, 4)

	res, err := r.Retrieve(context.Background(), "cloud growth", 3, "")
	require.NoError(t, err)
	require.Equal(t, []int64{0, 1, 2}, positions(res.Chunks))
	for i := 1; i < len(res.Chunks); i++ {
		require.LessOrEqual(t, res.Chunks[i-1].Distance, res.Chunks[i].Distance)
	}
	require.Equal(t, "Apple", res.Chunks[1].Company)
	require.Equal(t, int64(1), res.Usage.Hits)
}

func TestRetrieveCompanyFilterWidens(t *testing.T) {
	companies := make([]string, 0, 40)
	for i := 0; i < 37; i++ {
		companies = append(companies, "Microsoft")
	}
	companies = append(companies, "Apple", "Apple", "Apple")
	f, cleanup := newFixture(t, companies)
	defer cleanup()
	r := New(&fixedEmbedder{vec: []float32{0, 0}}, f.index, f.registry, 4)

	unfiltered, err := r.Retrieve(context.Background(), "q", 2, "")
	require.NoError(t, err)
	require.Equal(t, "Microsoft", unfiltered.Chunks[0].Company)

	res, err := r.Retrieve(context.Background(), "q", 2, "aPPle")
	require.NoError(t, err)
	require.Len(t, res.Chunks, 2)
	for _, c := range res.Chunks {
		require.Equal(t, "Apple", c.Company)
	}
	require.Equal(t, []int64{37, 38}, positions(res.Chunks))
	require.Equal(t, 40, res.Searched)

	res, err = r.Retrieve(context.Background(), "q", 10, "apple")
	require.NoError(t, err)
	require.Len(t, res.Chunks, 3)
}

func TestRetrieveSkipsTombstones(t *testing.T) {
	f, cleanup := newFixture(t, []string{"Microsoft", "Apple", "Nvidia"})
	defer cleanup()
	r := New(&fixedEmbedder{vec: []float32{0, 0}}, f.index, f.registry, 4)

	_, err := f.registry.Tombstone(context.Background(), 1)
	require.NoError(t, err)
	res, err := r.Retrieve(context.Background(), "q", 2, "")
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, positions(res.Chunks))
	require.Equal(t, 3, f.index.Len())

	res, err = r.Retrieve(context.Background(), "q", 2, "microsoft")
	require.NoError(t, err)
	require.Empty(t, res.Chunks)
}

func TestRetrieveUnknownCompanySkipsEmbedding(t *testing.T) {
	f, cleanup := newFixture(t, []string{"Microsoft"})
	defer cleanup()
	emb := &fixedEmbedder{vec: []float32{0, 0}}
	r := New(emb, f.index, f.registry, 4)
	res, err := r.Retrieve(context.Background(), "q", 5, "Tesla")
	require.NoError(t, err)
	require.Empty(t, res.Chunks)
	require.Zero(t, emb.calls)
}

func TestSearchUsesCallerVector(t *testing.T) {
	f, cleanup := newFixture(t, []string{"Microsoft", "Apple", "Microsoft", "Apple"})
	defer cleanup()
	emb := &fixedEmbedder{vec: []float32{0, 0}}
	r := New(emb, f.index, f.registry, 2)

	res, err := r.Search(context.Background(), []float32{3, 0}, 2, "apple")
	require.NoError(t, err)
	require.Equal(t, []int64{3, 1}, positions(res.Chunks))
	require.Zero(t, emb.calls)
	require.Zero(t, res.Usage)

	_, err = r.Search(context.Background(), []float32{0, 0}, 0, "")
	require.ErrorIs(t, err, appErr.ErrInvalid)
}

func TestRetrieveInvalidAndEmpty(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	ix, err := vectorindex.New(2, vectorindex.MetricL2)
	require.NoError(t, err)
	emb := &fixedEmbedder{vec: []float32{0, 0}}
	r := New(emb, ix, repo.NewChunkRepo(db), 4)

	_, err = r.Retrieve(context.Background(), "q", 0, "")
	require.ErrorIs(t, err, appErr.ErrInvalid)
	_, err = r.Retrieve(context.Background(), "  ", 3, "")
	require.ErrorIs(t, err, appErr.ErrInvalid)

	res, err := r.Retrieve(context.Background(), "q", 3, "")
	require.NoError(t, err)
	require.Empty(t, res.Chunks)
	require.Zero(t, emb.calls)
}

func TestRetrieveMissingRowIsConsistencyError(t *testing.T) {
	f, cleanup := newFixture(t, []string{"Microsoft"})
	defer cleanup()
	_, err := f.index.Append([]float32{0.5, 0})
	require.NoError(t, err)
	r := New(&fixedEmbedder{vec: []float32{0, 0}}, f.index, f.registry, 4)
	_, err = r.Retrieve(context.Background(), "q", 2, "")
	require.ErrorIs(t, err, appErr.ErrConsistency)
}

func TestRetrieveProviderFailure(t *testing.T) {
	f, cleanup := newFixture(t, []string{"Microsoft"})
	defer cleanup()
	r := New(&fixedEmbedder{err: errors.Join(appErr.ErrProvider, errors.New("timeout"))}, f.index, f.registry, 4)
	res, err := r.Retrieve(context.Background(), "q", 1, "")
	require.ErrorIs(t, err, appErr.ErrProvider)
	require.Nil(t, res)
}
