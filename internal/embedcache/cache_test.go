package embedcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/earnrag/internal/ai"
	"github.com/xxxsen/earnrag/internal/chunker"
	"github.com/xxxsen/earnrag/internal/model"
	appErr "github.com/xxxsen/earnrag/internal/pkg/errors"
	"github.com/xxxsen/earnrag/internal/repo"
	"github.com/xxxsen/earnrag/internal/testutil"
)

type countingEmbedder struct {
	model   string
	dim     int
	calls   atomic.Int32
	release chan struct{}
	started chan struct{}
	once    sync.Once
	err     error
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) (*ai.Embedding, error) {
	e.calls.Add(1)
	if e.started != nil {
		e.once.Do(func() { close(e.started) })
	}
	if e.release != nil {
		<-e.release
	}
	if e.err != nil {
		return nil, e.err
	}
	vec := make([]float32, e.dim)
	for i := range vec {
		vec[i] = float32(len(text) + i)
	}
	return &ai.Embedding{Vector: vec, Tokens: 1000}, nil
}

func (e *countingEmbedder) ModelName() string {
	return e.model
}

type memStore struct {
	mu    sync.Mutex
	items map[string]*model.EmbeddingCache
	saves int
}

func newMemStore() *memStore {
	return &memStore{items: map[string]*model.EmbeddingCache{}}
}

func (s *memStore) Get(ctx context.Context, modelName, contentHash string) (*model.EmbeddingCache, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[modelName+"/"+contentHash]
	return item, ok, nil
}

func (s *memStore) Save(ctx context.Context, item *model.EmbeddingCache) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.items[item.ModelName+"/"+item.ContentHash] = item
	return nil
}

func TestGetOrComputeHitAfterMiss(t *testing.T) {
	emb := &countingEmbedder{model: "m1", dim: 4}
	store := newMemStore()
	c, err := New(emb, store, Config{Dimension: 4, CostPerMillion: 0.02})
	require.NoError(t, err)
	ctx := context.Background()

	v1, u1, err := c.Embed(ctx, "operating margin")
	require.NoError(t, err)
	require.Equal(t, Usage{Misses: 1, Tokens: 1000, Cost: 0.00002}, u1)

	v2, u2, err := c.Embed(ctx, "operating margin")
	require.NoError(t, err)
	require.Equal(t, v1, v2)
	require.Equal(t, Usage{Hits: 1}, u2)
	require.Equal(t, int32(1), emb.calls.Load())
	require.Equal(t, 1, store.saves)
}

func TestGetOrComputeUsesLRU(t *testing.T) {
	emb := &countingEmbedder{model: "m1", dim: 2}
	c, err := New(emb, nil, Config{Dimension: 2, LRUSize: 8, LRUTTL: time.Minute})
	require.NoError(t, err)
	ctx := context.Background()
	fp := chunker.Fingerprint("query")
	v, _, err := c.GetOrCompute(ctx, fp, "query")
	require.NoError(t, err)
	v[0] = 999
	again, u, err := c.GetOrCompute(ctx, fp, "query")
	require.NoError(t, err)
	require.NotEqual(t, float32(999), again[0])
	require.Equal(t, int64(1), u.Hits)
	require.Equal(t, int32(1), emb.calls.Load())
}

func TestModelChangeInvalidatesCache(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	c1, err := New(&countingEmbedder{model: "small", dim: 3}, store, Config{Dimension: 3})
	require.NoError(t, err)
	_, _, err = c1.Embed(ctx, "guidance")
	require.NoError(t, err)

	other := &countingEmbedder{model: "large", dim: 3}
	c2, err := New(other, store, Config{Dimension: 3})
	require.NoError(t, err)
	_, u, err := c2.Embed(ctx, "guidance")
	require.NoError(t, err)
	require.Equal(t, int64(1), u.Misses)
	require.Equal(t, int32(1), other.calls.Load())
}

func TestConcurrentMissesShareOneCall(t *testing.T) {
	emb := &countingEmbedder{model: "m1", dim: 2, release: make(chan struct{}), started: make(chan struct{})}
	c, err := New(emb, newMemStore(), Config{Dimension: 2})
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	usages := make([]Usage, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, usages[i], errs[i] = c.Embed(context.Background(), "same text")
		}(i)
	}
	<-emb.started
	time.Sleep(20 * time.Millisecond)
	close(emb.release)
	wg.Wait()

	var total Usage
	for i := range usages {
		require.NoError(t, errs[i])
		total.Add(usages[i])
	}
	require.Equal(t, int32(1), emb.calls.Load())
	require.Equal(t, int64(1), total.Misses)
	require.Equal(t, int64(n-1), total.Hits)
	require.Equal(t, int64(1000), total.Tokens)
}

func TestAbandonedCallerDoesNotFailWaiters(t *testing.T) {
	emb := &countingEmbedder{model: "m1", dim: 2, release: make(chan struct{}), started: make(chan struct{})}
	store := newMemStore()
	c, err := New(emb, store, Config{Dimension: 2})
	require.NoError(t, err)

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, _, err := c.Embed(firstCtx, "shared text")
		firstErr <- err
	}()
	<-emb.started

	type outcome struct {
		vec   []float32
		usage Usage
		err   error
	}
	second := make(chan outcome, 1)
	go func() {
		vec, usage, err := c.Embed(context.Background(), "shared text")
		second <- outcome{vec: vec, usage: usage, err: err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)
	close(emb.release)

	got := <-second
	require.NoError(t, got.err)
	require.Len(t, got.vec, 2)
	require.Equal(t, int64(1), got.usage.Hits)
	require.Equal(t, int32(1), emb.calls.Load())

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, 1, store.saves)
}

func TestDimensionMismatchIsConfigurationError(t *testing.T) {
	c, err := New(&countingEmbedder{model: "m1", dim: 3}, newMemStore(), Config{Dimension: 4})
	require.NoError(t, err)
	_, u, err := c.Embed(context.Background(), "x")
	require.ErrorIs(t, err, appErr.ErrConfiguration)
	require.Equal(t, int64(1000), u.Tokens)

	store := newMemStore()
	require.NoError(t, store.Save(context.Background(), &model.EmbeddingCache{
		ModelName: "m1", ContentHash: chunker.Fingerprint("y"), Embedding: []float32{1},
	}))
	c, err = New(&countingEmbedder{model: "m1", dim: 4}, store, Config{Dimension: 4})
	require.NoError(t, err)
	_, _, err = c.Embed(context.Background(), "y")
	require.ErrorIs(t, err, appErr.ErrConfiguration)
}

func TestNewRequiresModel(t *testing.T) {
	_, err := New(&countingEmbedder{model: " ", dim: 2}, nil, Config{Dimension: 2})
	require.ErrorIs(t, err, appErr.ErrConfiguration)
	_, err = New(&countingEmbedder{model: "m", dim: 2}, nil, Config{})
	require.ErrorIs(t, err, appErr.ErrConfiguration)
}

func TestProviderFailureNotCached(t *testing.T) {
	emb := &countingEmbedder{model: "m1", dim: 2, err: errors.New("boom")}
	store := newMemStore()
	c, err := New(emb, store, Config{Dimension: 2})
	require.NoError(t, err)
	_, u, err := c.Embed(context.Background(), "x")
	require.Error(t, err)
	require.Equal(t, Usage{}, u)
	require.Zero(t, store.saves)
}

func TestEmbedChunksWithDatabaseStore(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	emb := &countingEmbedder{model: "m1", dim: 3}
	c, err := New(emb, repo.NewEmbeddingCacheRepo(db), Config{Dimension: 3})
	require.NoError(t, err)

	ch, err := chunker.New(chunker.Config{MaxLength: 10, Overlap: 2})
	require.NoError(t, err)
	chunks := ch.Chunk(context.Background(), &model.Transcript{ID: 1, RawText: "abcdefghijklmnopqrstuvwxyz"})
	require.Len(t, chunks, 3)

	vectors, u, err := c.EmbedChunks(context.Background(), chunks, 4)
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	require.Equal(t, int64(3), u.Misses)

	fresh, err := New(emb, repo.NewEmbeddingCacheRepo(db), Config{Dimension: 3})
	require.NoError(t, err)
	again, u, err := fresh.EmbedChunks(context.Background(), chunks, 2)
	require.NoError(t, err)
	require.Equal(t, vectors, again)
	require.Equal(t, Usage{Hits: 3}, u)
	require.InDelta(t, 1.0, u.HitRate(), 1e-9)
	require.Equal(t, int32(3), emb.calls.Load())
}
