package embedcache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/xxxsen/earnrag/internal/ai"
	"github.com/xxxsen/earnrag/internal/chunker"
	"github.com/xxxsen/earnrag/internal/model"
	appErr "github.com/xxxsen/earnrag/internal/pkg/errors"
)

const DefaultCostPerMillion = 0.02

// Store persists vectors keyed by (model, fingerprint).
type Store interface {
	Get(ctx context.Context, modelName, contentHash string) (*model.EmbeddingCache, bool, error)
	Save(ctx context.Context, item *model.EmbeddingCache) error
}

type Config struct {
	Dimension      int
	CostPerMillion float64
	LRUSize        int
	LRUTTL         time.Duration
}

// Usage is the accounting of one or more cache calls. Tokens and cost only
// grow on misses.
type Usage struct {
	Hits   int64   `json:"hits"`
	Misses int64   `json:"misses"`
	Tokens int64   `json:"tokens"`
	Cost   float64 `json:"cost"`
}

func (u *Usage) Add(o Usage) {
	u.Hits += o.Hits
	u.Misses += o.Misses
	u.Tokens += o.Tokens
	u.Cost += o.Cost
}

func (u Usage) HitRate() float64 {
	total := u.Hits + u.Misses
	if total == 0 {
		return 0
	}
	return float64(u.Hits) / float64(total)
}

type Cache struct {
	embedder ai.IEmbedder
	store    Store
	model    string
	cfg      Config
	lru      *expirable.LRU[string, []float32]
	group    singleflight.Group
}

type flightResult struct {
	vector []float32
	tokens int
	hit    bool
}

func New(embedder ai.IEmbedder, store Store, cfg Config) (*Cache, error) {
	if embedder == nil || strings.TrimSpace(embedder.ModelName()) == "" {
		return nil, fmt.Errorf("%w: embedding model is not configured", appErr.ErrConfiguration)
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: embedding dimension must be > 0", appErr.ErrConfiguration)
	}
	if cfg.CostPerMillion <= 0 {
		cfg.CostPerMillion = DefaultCostPerMillion
	}
	c := &Cache{
		embedder: embedder,
		store:    store,
		model:    embedder.ModelName(),
		cfg:      cfg,
	}
	if cfg.LRUSize > 0 && cfg.LRUTTL > 0 {
		c.lru = expirable.NewLRU[string, []float32](cfg.LRUSize, nil, cfg.LRUTTL)
	}
	return c, nil
}

func (c *Cache) ModelName() string {
	return c.model
}

func (c *Cache) Dimension() int {
	return c.cfg.Dimension
}

// Embed fingerprints text and resolves it through the cache.
func (c *Cache) Embed(ctx context.Context, text string) ([]float32, Usage, error) {
	return c.GetOrCompute(ctx, chunker.Fingerprint(text), text)
}

// GetOrCompute returns the vector for fingerprint, calling the provider only
// when no row exists for the active model. Concurrent misses for the same
// fingerprint share one provider call. The shared call is detached from the
// caller's cancellation, so a caller that gives up only stops waiting.
func (c *Cache) GetOrCompute(ctx context.Context, fingerprint, text string) ([]float32, Usage, error) {
	if c.lru != nil {
		if cached, ok := c.lru.Get(fingerprint); ok {
			logutil.GetLogger(ctx).Debug("embedding cache hit (lru)", zap.String("fingerprint", fingerprint))
			return cloneVector(cached), Usage{Hits: 1}, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, Usage{}, err
	}
	executed := false
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(fingerprint, func() (interface{}, error) {
		executed = true
		return c.resolve(shared, fingerprint, text)
	})
	var flight singleflight.Result
	select {
	case <-ctx.Done():
		return nil, Usage{}, ctx.Err()
	case flight = <-ch:
	}
	v, err := flight.Val, flight.Err
	var usage Usage
	res, _ := v.(*flightResult)
	if executed && res != nil && !res.hit {
		usage.Misses = 1
		usage.Tokens = int64(res.tokens)
		usage.Cost = c.cost(res.tokens)
	}
	if err != nil {
		return nil, usage, err
	}
	if !executed || res.hit {
		usage.Hits = 1
	}
	if c.lru != nil {
		c.lru.Add(fingerprint, cloneVector(res.vector))
	}
	return cloneVector(res.vector), usage, nil
}

func (c *Cache) resolve(ctx context.Context, fingerprint, text string) (*flightResult, error) {
	logger := logutil.GetLogger(ctx)
	if c.store != nil {
		item, ok, err := c.store.Get(ctx, c.model, fingerprint)
		if err != nil {
			return nil, fmt.Errorf("read embedding cache %s: %w", fingerprint, err)
		}
		if ok && item.ModelName == c.model {
			if len(item.Embedding) != c.cfg.Dimension {
				return nil, fmt.Errorf("%w: cached vector %s has dimension %d, want %d",
					appErr.ErrConfiguration, fingerprint, len(item.Embedding), c.cfg.Dimension)
			}
			logger.Debug("embedding cache hit (db)", zap.String("fingerprint", fingerprint))
			return &flightResult{vector: item.Embedding, hit: true}, nil
		}
	}
	res, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed %s: %w", fingerprint, err)
	}
	out := &flightResult{vector: res.Vector, tokens: res.Tokens}
	if len(res.Vector) != c.cfg.Dimension {
		return out, fmt.Errorf("%w: model %s returned dimension %d, want %d",
			appErr.ErrConfiguration, c.model, len(res.Vector), c.cfg.Dimension)
	}
	logger.Debug("embedding cache miss", zap.String("fingerprint", fingerprint), zap.Int("tokens", res.Tokens))
	if c.store != nil {
		if err := c.store.Save(ctx, &model.EmbeddingCache{
			ModelName:   c.model,
			ContentHash: fingerprint,
			Dimension:   len(res.Vector),
			Embedding:   res.Vector,
			Tokens:      res.Tokens,
			Ctime:       time.Now().Unix(),
		}); err != nil {
			return out, fmt.Errorf("persist embedding %s: %w", fingerprint, err)
		}
	}
	return out, nil
}

// EmbedChunks resolves every chunk, running up to concurrency lookups at a
// time. Vectors come back in chunk order.
func (c *Cache) EmbedChunks(ctx context.Context, chunks []model.Chunk, concurrency int) ([][]float32, Usage, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	vectors := make([][]float32, len(chunks))
	usages := make([]Usage, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range chunks {
		g.Go(func() error {
			vec, u, err := c.GetOrCompute(gctx, chunks[i].Fingerprint, chunks[i].Text)
			usages[i] = u
			if err != nil {
				return err
			}
			vectors[i] = vec
			return nil
		})
	}
	err := g.Wait()
	var total Usage
	for _, u := range usages {
		total.Add(u)
	}
	if err != nil {
		return nil, total, err
	}
	return vectors, total, nil
}

func (c *Cache) cost(tokens int) float64 {
	return float64(tokens) * c.cfg.CostPerMillion / 1_000_000
}

func cloneVector(values []float32) []float32 {
	if len(values) == 0 {
		return nil
	}
	clone := make([]float32, len(values))
	copy(clone, values)
	return clone
}
