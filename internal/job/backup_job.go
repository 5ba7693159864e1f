package job

import (
	"context"

	"github.com/xxxsen/earnrag/internal/filestore"
	"github.com/xxxsen/earnrag/internal/service"
)

type BackupJob struct {
	rag   *service.RAGService
	store filestore.Store
}

func NewBackupJob(rag *service.RAGService, store filestore.Store) *BackupJob {
	return &BackupJob{rag: rag, store: store}
}

func (j *BackupJob) Name() string {
	return "index_backup"
}

func (j *BackupJob) Run(ctx context.Context) error {
	if j.rag == nil || j.store == nil {
		return nil
	}
	_, err := j.rag.Backup(ctx, j.store)
	return err
}
