package ai

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const defaultHashingDimension = 256

type hashingConfig struct {
	Dimension int `json:"dimension"`
}

// hashingProvider is an offline bag-of-words embedder. Texts sharing words
// land close together, which is enough for local runs without an API key.
type hashingProvider struct {
	dim int
}

func NewHashingProvider(dim int) IProvider {
	if dim <= 0 {
		dim = defaultHashingDimension
	}
	return &hashingProvider{dim: dim}
}

func (p *hashingProvider) Name() string {
	return "hashing"
}

func (p *hashingProvider) Embed(ctx context.Context, model string, text string) (*Embedding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	vec := make([]float32, p.dim)
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[h.Sum32()%uint32(p.dim)]++
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum > 0 {
		inv := float32(1 / math.Sqrt(sum))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return &Embedding{Vector: vec, Tokens: len(words)}, nil
}

func (p *hashingProvider) Generate(ctx context.Context, model string, req *GenerateRequest) (string, error) {
	return "", fmt.Errorf("hashing provider cannot generate text: %w", ErrUnavailable)
}

func createHashingFactory(args interface{}) (IProvider, error) {
	cfg := &hashingConfig{}
	if args != nil {
		if err := decodeConfig(args, cfg); err != nil {
			return nil, err
		}
	}
	return NewHashingProvider(cfg.Dimension), nil
}

func init() {
	Register("hashing", createHashingFactory)
}
