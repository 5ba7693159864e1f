package ai

import (
	"fmt"
	"time"

	"github.com/xxxsen/earnrag/internal/config"
)

// BuildEmbedder assembles the configured embedder with its fallbacks and
// wraps it with retry, timeout and rate limiting.
func BuildEmbedder(cfg config.EmbeddingConfig) (IEmbedder, error) {
	primary, err := newEmbedderFrom(config.ProviderConfig{
		Provider:  cfg.Provider,
		Model:     cfg.Model,
		APIKey:    cfg.APIKey,
		APIKeyEnv: cfg.APIKeyEnv,
		BaseURL:   cfg.BaseURL,
	}, cfg.Dimension)
	if err != nil {
		return nil, err
	}
	entries := []EmbedderEntry{{Name: cfg.Provider, Embedder: primary}}
	for _, fb := range cfg.Fallback {
		if fb.Model == "" {
			fb.Model = cfg.Model
		}
		e, err := newEmbedderFrom(fb, cfg.Dimension)
		if err != nil {
			return nil, err
		}
		entries = append(entries, EmbedderEntry{Name: fb.Provider, Embedder: e})
	}
	group, err := NewGroupEmbedder(entries)
	if err != nil {
		return nil, err
	}
	return WrapRetry(group, RetryConfig{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     time.Duration(cfg.BackoffMillis) * time.Millisecond,
		Timeout:     time.Duration(cfg.TimeoutSeconds) * time.Second,
		RatePerSec:  cfg.RateLimitPerSec,
	}), nil
}

func newEmbedderFrom(pc config.ProviderConfig, dim int) (IEmbedder, error) {
	provider, err := NewProvider(pc.Provider, map[string]interface{}{
		"api_key":   config.ResolveKey(pc.APIKey, pc.APIKeyEnv),
		"base_url":  pc.BaseURL,
		"dimension": dim,
	})
	if err != nil {
		return nil, fmt.Errorf("init embedding provider: %w", err)
	}
	return NewEmbedder(provider, pc.Model), nil
}

func BuildGenerator(cfg config.GenerationConfig) (IGenerator, error) {
	provider, err := NewProvider(cfg.Provider, map[string]interface{}{
		"api_key":  config.ResolveKey(cfg.APIKey, cfg.APIKeyEnv),
		"base_url": cfg.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("init generation provider: %w", err)
	}
	gen := NewGroupGenerator([]GeneratorEntry{{Name: cfg.Provider, Generator: NewGenerator(provider, cfg.Model)}})
	return WrapTimeout(gen, time.Duration(cfg.TimeoutSeconds)*time.Second), nil
}
