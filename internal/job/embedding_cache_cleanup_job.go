package job

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type staleCacheDeleter interface {
	DeleteStale(ctx context.Context, activeModel string, cutoff int64) (int64, error)
}

// EmbeddingCacheCleanupJob drops cache rows of models other than the active
// one once they are older than maxAgeDays.
type EmbeddingCacheCleanupJob struct {
	repo        staleCacheDeleter
	activeModel string
	maxAgeDays  int
}

func NewEmbeddingCacheCleanupJob(repo staleCacheDeleter, activeModel string, maxAgeDays int) *EmbeddingCacheCleanupJob {
	return &EmbeddingCacheCleanupJob{repo: repo, activeModel: activeModel, maxAgeDays: maxAgeDays}
}

func (j *EmbeddingCacheCleanupJob) Name() string {
	return "embedding_cache_cleanup"
}

func (j *EmbeddingCacheCleanupJob) Run(ctx context.Context) error {
	if j.repo == nil || j.activeModel == "" {
		return nil
	}
	maxAgeDays := j.maxAgeDays
	if maxAgeDays <= 0 {
		maxAgeDays = 30
	}
	cutoff := time.Now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour).Unix()
	n, err := j.repo.DeleteStale(ctx, j.activeModel, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		logutil.GetLogger(ctx).Info("stale embeddings removed", zap.Int64("rows", n), zap.String("active_model", j.activeModel))
	}
	return nil
}
