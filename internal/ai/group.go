package ai

import (
	"context"
	"fmt"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type GeneratorEntry struct {
	Name      string
	Generator IGenerator
}

type EmbedderEntry struct {
	Name     string
	Embedder IEmbedder
}

type groupGenerator struct {
	items []GeneratorEntry
}

func NewGroupGenerator(items []GeneratorEntry) IGenerator {
	if len(items) == 0 {
		return nil
	}
	if len(items) == 1 {
		return items[0].Generator
	}
	return &groupGenerator{items: items}
}

func (g *groupGenerator) Generate(ctx context.Context, req *GenerateRequest) (string, error) {
	var lastErr error
	for i, item := range g.items {
		if item.Generator == nil {
			continue
		}
		res, err := item.Generator.Generate(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		logutil.GetLogger(ctx).Warn("generator failed", zap.Int("index", i), zap.String("name", item.Name), zap.Error(err))
	}
	if lastErr == nil {
		return "", fmt.Errorf("generator not configured")
	}
	return "", lastErr
}

// groupEmbedder fails over between endpoints serving the same model, so a
// vector never changes meaning depending on which endpoint answered.
type groupEmbedder struct {
	model string
	items []EmbedderEntry
}

func NewGroupEmbedder(items []EmbedderEntry) (IEmbedder, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("embedder not configured")
	}
	model := items[0].Embedder.ModelName()
	for _, item := range items[1:] {
		if item.Embedder.ModelName() != model {
			return nil, fmt.Errorf("fallback embedder %s uses model %s, want %s", item.Name, item.Embedder.ModelName(), model)
		}
	}
	if len(items) == 1 {
		return items[0].Embedder, nil
	}
	return &groupEmbedder{model: model, items: items}, nil
}

func (g *groupEmbedder) Embed(ctx context.Context, text string) (*Embedding, error) {
	var lastErr error
	for i, item := range g.items {
		res, err := item.Embedder.Embed(ctx, text)
		if err == nil {
			return res, nil
		}
		lastErr = err
		logutil.GetLogger(ctx).Warn("embedder failed", zap.Int("index", i), zap.String("name", item.Name), zap.Error(err))
	}
	return nil, lastErr
}

func (g *groupEmbedder) ModelName() string {
	return g.model
}
