package job

import (
	"context"

	"github.com/xxxsen/earnrag/internal/service"
)

type RetentionJob struct {
	rag          *service.RAGService
	keepQuarters int
}

func NewRetentionJob(rag *service.RAGService, keepQuarters int) *RetentionJob {
	return &RetentionJob{rag: rag, keepQuarters: keepQuarters}
}

func (j *RetentionJob) Name() string {
	return "transcript_retention"
}

// Run is a no-op when no quarter limit is configured.
func (j *RetentionJob) Run(ctx context.Context) error {
	if j.rag == nil || j.keepQuarters <= 0 {
		return nil
	}
	_, err := j.rag.ApplyRetention(ctx, j.keepQuarters)
	return err
}
