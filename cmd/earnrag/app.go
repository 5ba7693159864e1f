package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/earnrag/internal/ai"
	"github.com/xxxsen/earnrag/internal/chunker"
	"github.com/xxxsen/earnrag/internal/config"
	"github.com/xxxsen/earnrag/internal/db"
	"github.com/xxxsen/earnrag/internal/embedcache"
	"github.com/xxxsen/earnrag/internal/repo"
	"github.com/xxxsen/earnrag/internal/service"
	"github.com/xxxsen/earnrag/internal/vectorindex"
)

type app struct {
	cfg     *config.Config
	db      *sqlx.DB
	rag     *service.RAGService
	answers *service.AnswerService
}

func loadConfig(path string, envFiles []string) (*config.Config, error) {
	config.LoadEnv(envFiles...)
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg = config.Default()
	} else if cfg, err = config.Load(path); err != nil {
		return nil, err
	}
	logger.Init(
		cfg.LogConfig.File,
		cfg.LogConfig.Level,
		int(cfg.LogConfig.FileCount),
		int(cfg.LogConfig.FileSize),
		int(cfg.LogConfig.KeepDays),
		cfg.LogConfig.Console,
	)
	logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", path))
	return cfg, nil
}

// openApp wires storage, the embedding cache and the services. When
// withIndex is set the index is opened and checked against the registry.
func openApp(ctx context.Context, cfg *config.Config, withIndex bool) (*app, error) {
	conn, err := db.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.ApplyMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	rag, err := buildRAG(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if withIndex {
		if err := rag.Open(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	var generator ai.IGenerator
	if g, err := ai.BuildGenerator(cfg.Generation); err != nil {
		logutil.GetLogger(ctx).Warn("generation provider disabled", zap.Error(err))
	} else {
		generator = g
	}
	answers := service.NewAnswerService(rag, generator, service.AnswerOptions{
		Model:       cfg.Generation.Model,
		Temperature: cfg.Generation.Temperature,
		MaxTokens:   cfg.Generation.MaxTokens,
		DefaultK:    cfg.Retrieval.DefaultK,
	})
	return &app{cfg: cfg, db: conn, rag: rag, answers: answers}, nil
}

func buildRAG(conn *sqlx.DB, cfg *config.Config) (*service.RAGService, error) {
	embedder, err := ai.BuildEmbedder(cfg.Embedding)
	if err != nil {
		return nil, err
	}
	cache, err := embedcache.New(embedder, repo.NewEmbeddingCacheRepo(conn), embedcache.Config{
		Dimension:      cfg.Embedding.Dimension,
		CostPerMillion: cfg.Embedding.CostPerMillion,
		LRUSize:        cfg.Embedding.LRUSize,
		LRUTTL:         time.Duration(cfg.Embedding.LRUTTLSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	metric, err := vectorindex.ParseMetric(cfg.Index.Metric)
	if err != nil {
		return nil, err
	}
	return service.NewRAGService(conn, cache, service.Options{
		IndexPath: cfg.Index.Path,
		Metric:    metric,
		Chunking: chunker.Config{
			MaxLength:    cfg.Chunking.MaxLength,
			Overlap:      cfg.Chunking.Overlap,
			WordBoundary: cfg.Chunking.WordBoundary,
		},
		Multiplier:  cfg.Retrieval.WidenMultiplier,
		MaxK:        cfg.Retrieval.MaxK,
		Concurrency: cfg.Ingest.Concurrency,
	})
}

func (a *app) Close() {
	if a.db != nil {
		_ = a.db.Close()
	}
}
