package vectorindex

import (
	"container/heap"
	"fmt"
	"math"
	"sort"
	"sync"

	appErr "github.com/xxxsen/earnrag/internal/pkg/errors"
)

type Metric string

const (
	MetricL2     Metric = "l2"
	MetricCosine Metric = "cosine"
)

func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case MetricL2, MetricCosine:
		return Metric(s), nil
	default:
		return "", fmt.Errorf("%w: unknown metric %q", appErr.ErrConfiguration, s)
	}
}

// Hit is one search result. For l2 the distance is squared euclidean, for
// cosine it is 1 - cosine similarity.
type Hit struct {
	Position int64   `json:"position"`
	Distance float32 `json:"distance"`
}

// Builder accumulates vectors before the index is sealed for search.
type Builder struct {
	dim    int
	metric Metric
	data   []float32
}

func NewBuilder(dim int, metric Metric) (*Builder, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension must be > 0", appErr.ErrConfiguration)
	}
	if _, err := ParseMetric(string(metric)); err != nil {
		return nil, err
	}
	return &Builder{dim: dim, metric: metric}, nil
}

func (b *Builder) Add(vec []float32) (int64, error) {
	if len(vec) != b.dim {
		return 0, dimensionError(len(vec), b.dim)
	}
	pos := int64(len(b.data) / b.dim)
	b.data = append(b.data, prepare(vec, b.metric)...)
	return pos, nil
}

func (b *Builder) Len() int {
	return len(b.data) / b.dim
}

// Seal hands the vectors over to a searchable index. The builder must not be
// used afterwards.
func (b *Builder) Seal() *Index {
	ix := &Index{dim: b.dim, metric: b.metric, data: b.data}
	b.data = nil
	return ix
}

// Index is an exact flat index. Positions are assigned in append order and
// never reused.
type Index struct {
	mu     sync.RWMutex
	dim    int
	metric Metric
	data   []float32
}

// New returns an empty, ready index.
func New(dim int, metric Metric) (*Index, error) {
	b, err := NewBuilder(dim, metric)
	if err != nil {
		return nil, err
	}
	return b.Seal(), nil
}

func (ix *Index) Dimension() int {
	return ix.dim
}

func (ix *Index) Metric() Metric {
	return ix.metric
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.data) / ix.dim
}

// Append adds vectors in order and returns the position of the first one.
// Nothing is appended when any vector has the wrong dimension.
func (ix *Index) Append(vecs ...[]float32) (int64, error) {
	for _, v := range vecs {
		if len(v) != ix.dim {
			return 0, dimensionError(len(v), ix.dim)
		}
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	first := int64(len(ix.data) / ix.dim)
	for _, v := range vecs {
		ix.data = append(ix.data, prepare(v, ix.metric)...)
	}
	return first, nil
}

// Vector returns a copy of the stored vector at position.
func (ix *Index) Vector(position int64) ([]float32, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if position < 0 || position >= int64(len(ix.data)/ix.dim) {
		return nil, false
	}
	start := int(position) * ix.dim
	out := make([]float32, ix.dim)
	copy(out, ix.data[start:start+ix.dim])
	return out, true
}

// Search returns up to k hits ordered by ascending distance, ties by position.
func (ix *Index) Search(query []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be > 0", appErr.ErrInvalid)
	}
	if len(query) != ix.dim {
		return nil, dimensionError(len(query), ix.dim)
	}
	q := prepare(query, ix.metric)

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n := len(ix.data) / ix.dim
	if n == 0 {
		return nil, nil
	}
	if k > n {
		k = n
	}
	h := make(hitHeap, 0, k)
	for i := 0; i < n; i++ {
		d := ix.distance(q, ix.data[i*ix.dim:(i+1)*ix.dim])
		hit := Hit{Position: int64(i), Distance: d}
		if len(h) < k {
			heap.Push(&h, hit)
			continue
		}
		if less(hit, h[0]) {
			h[0] = hit
			heap.Fix(&h, 0)
		}
	}
	out := []Hit(h)
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out, nil
}

func (ix *Index) distance(q, v []float32) float32 {
	switch ix.metric {
	case MetricCosine:
		var dot float32
		for i := range q {
			dot += q[i] * v[i]
		}
		return 1 - dot
	default:
		var sum float32
		for i := range q {
			d := q[i] - v[i]
			sum += d * d
		}
		return sum
	}
}

// prepare copies vec; cosine vectors are stored unit length.
func prepare(vec []float32, metric Metric) []float32 {
	out := make([]float32, len(vec))
	copy(out, vec)
	if metric != MetricCosine {
		return out
	}
	var sum float64
	for _, v := range out {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return out
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range out {
		out[i] *= inv
	}
	return out
}

func dimensionError(got, want int) error {
	return fmt.Errorf("%w: vector dimension %d, index dimension %d", appErr.ErrConfiguration, got, want)
}

func less(a, b Hit) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.Position < b.Position
}

// hitHeap is a max-heap on (distance, position) holding the best k hits.
type hitHeap []Hit

func (h hitHeap) Len() int            { return len(h) }
func (h hitHeap) Less(i, j int) bool  { return less(h[j], h[i]) }
func (h hitHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x interface{}) { *h = append(*h, x.(Hit)) }
func (h *hitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
