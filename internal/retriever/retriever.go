package retriever

import (
	"context"
	"fmt"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/earnrag/internal/embedcache"
	"github.com/xxxsen/earnrag/internal/model"
	appErr "github.com/xxxsen/earnrag/internal/pkg/errors"
	"github.com/xxxsen/earnrag/internal/vectorindex"
)

const DefaultMultiplier = 4

type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, embedcache.Usage, error)
}

type Searcher interface {
	Search(query []float32, k int) ([]vectorindex.Hit, error)
	Len() int
}

type Registry interface {
	LookupMany(ctx context.Context, positions []int64) (map[int64]model.ChunkRecord, error)
	CountActiveByCompany(ctx context.Context, company string) (int64, error)
}

type Result struct {
	Chunks   []model.RetrievedChunk `json:"chunks"`
	Usage    embedcache.Usage       `json:"usage"`
	Searched int                    `json:"searched"`
}

type Retriever struct {
	embedder   QueryEmbedder
	index      Searcher
	registry   Registry
	multiplier int
}

func New(embedder QueryEmbedder, index Searcher, registry Registry, multiplier int) *Retriever {
	if multiplier < 2 {
		multiplier = DefaultMultiplier
	}
	return &Retriever{embedder: embedder, index: index, registry: registry, multiplier: multiplier}
}

// SetIndex replaces the index searched by later calls. Callers serialise it
// against Retrieve.
func (r *Retriever) SetIndex(index Searcher) {
	r.index = index
}

// Validate checks the arguments shared by every retrieval.
func Validate(query string, k int) error {
	if k <= 0 {
		return fmt.Errorf("%w: k must be > 0", appErr.ErrInvalid)
	}
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("%w: empty query", appErr.ErrInvalid)
	}
	return nil
}

// Retrieve returns the k chunks nearest to query, optionally restricted to one
// company (case-insensitive). When filtering or tombstones leave fewer than k
// results the search is widened until k results are found, the index is
// exhausted, or every active chunk of the company has been collected.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, company string) (*Result, error) {
	if err := Validate(query, k); err != nil {
		return nil, err
	}
	companyKey := companyKeyOf(company)
	want, err := r.target(ctx, k, companyKey)
	if err != nil {
		return nil, err
	}
	if want == 0 {
		return &Result{}, nil
	}
	vec, usage, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	res, err := r.search(ctx, vec, k, companyKey, want)
	if err != nil {
		return nil, err
	}
	res.Usage = usage
	return res, nil
}

// Search is Retrieve for a query the caller has already embedded. It never
// calls the embedder.
func (r *Retriever) Search(ctx context.Context, vec []float32, k int, company string) (*Result, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be > 0", appErr.ErrInvalid)
	}
	companyKey := companyKeyOf(company)
	want, err := r.target(ctx, k, companyKey)
	if err != nil {
		return nil, err
	}
	if want == 0 {
		return &Result{}, nil
	}
	return r.search(ctx, vec, k, companyKey, want)
}

func companyKeyOf(company string) string {
	return strings.ToLower(strings.TrimSpace(company))
}

// target returns how many results a search can still produce: k, or fewer
// when the company has fewer active chunks. Zero means nothing to search.
func (r *Retriever) target(ctx context.Context, k int, companyKey string) (int, error) {
	if r.index.Len() == 0 {
		return 0, nil
	}
	if companyKey == "" {
		return k, nil
	}
	active, err := r.registry.CountActiveByCompany(ctx, companyKey)
	if err != nil {
		return 0, err
	}
	return int(min(int64(k), active)), nil
}

func (r *Retriever) search(ctx context.Context, vec []float32, k int, companyKey string, want int) (*Result, error) {
	res := &Result{}
	n := r.index.Len()
	kp := k
	for {
		if kp > n {
			kp = n
		}
		res.Searched = kp
		hits, err := r.index.Search(vec, kp)
		if err != nil {
			return nil, err
		}
		chunks, err := r.collect(ctx, hits, companyKey, k)
		if err != nil {
			return nil, err
		}
		res.Chunks = chunks
		if len(chunks) >= want || kp >= n {
			break
		}
		kp *= r.multiplier
	}
	logutil.GetLogger(ctx).Debug("retrieve finished",
		zap.Int("k", k),
		zap.String("company", companyKey),
		zap.Int("searched", res.Searched),
		zap.Int("returned", len(res.Chunks)),
	)
	return res, nil
}

func (r *Retriever) collect(ctx context.Context, hits []vectorindex.Hit, companyKey string, k int) ([]model.RetrievedChunk, error) {
	positions := make([]int64, 0, len(hits))
	for _, h := range hits {
		positions = append(positions, h.Position)
	}
	records, err := r.registry.LookupMany(ctx, positions)
	if err != nil {
		return nil, err
	}
	out := make([]model.RetrievedChunk, 0, k)
	for _, h := range hits {
		rec, ok := records[h.Position]
		if !ok {
			return nil, fmt.Errorf("%w: index position %d has no registry row", appErr.ErrConsistency, h.Position)
		}
		if rec.Tombstoned {
			continue
		}
		if companyKey != "" && rec.CompanyKey != companyKey {
			continue
		}
		out = append(out, model.RetrievedChunk{ChunkRecord: rec, Distance: h.Distance})
		if len(out) == k {
			break
		}
	}
	return out, nil
}
