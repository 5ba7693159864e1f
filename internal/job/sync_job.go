package job

import (
	"context"

	"github.com/xxxsen/earnrag/internal/service"
)

type SyncJob struct {
	rag *service.RAGService
}

func NewSyncJob(rag *service.RAGService) *SyncJob {
	return &SyncJob{rag: rag}
}

func (j *SyncJob) Name() string {
	return "transcript_sync"
}

func (j *SyncJob) Run(ctx context.Context) error {
	if j.rag == nil {
		return nil
	}
	_, err := j.rag.Sync(ctx)
	return err
}
