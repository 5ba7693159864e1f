package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/didi/gendry/builder"
	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"

	"github.com/xxxsen/earnrag/internal/model"
)

type EmbeddingCacheRepo struct {
	db sqlx.ExtContext
}

func NewEmbeddingCacheRepo(db *sqlx.DB) *EmbeddingCacheRepo {
	return &EmbeddingCacheRepo{db: db}
}

// Get returns the cached vector for (modelName, contentHash). Rows written by
// another model are never returned.
func (r *EmbeddingCacheRepo) Get(ctx context.Context, modelName, contentHash string) (*model.EmbeddingCache, bool, error) {
	where := map[string]interface{}{
		"model_name":   modelName,
		"content_hash": contentHash,
	}
	sqlStr, args, err := builder.BuildSelect("embedding_cache", where, []string{"model_name", "content_hash", "dimension", "embedding", "tokens", "ctime"})
	if err != nil {
		return nil, false, err
	}
	var row struct {
		ModelName   string          `db:"model_name"`
		ContentHash string          `db:"content_hash"`
		Dimension   int             `db:"dimension"`
		Embedding   pgvector.Vector `db:"embedding"`
		Tokens      int             `db:"tokens"`
		Ctime       int64           `db:"ctime"`
	}
	if err := getContext(ctx, r.db, &row, sqlStr, args); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if row.ModelName != modelName {
		return nil, false, nil
	}
	return &model.EmbeddingCache{
		ModelName:   row.ModelName,
		ContentHash: row.ContentHash,
		Dimension:   row.Dimension,
		Embedding:   row.Embedding.Slice(),
		Tokens:      row.Tokens,
		Ctime:       row.Ctime,
	}, true, nil
}

func (r *EmbeddingCacheRepo) Save(ctx context.Context, item *model.EmbeddingCache) error {
	data := map[string]interface{}{
		"model_name":   item.ModelName,
		"content_hash": item.ContentHash,
		"dimension":    len(item.Embedding),
		"embedding":    pgvector.NewVector(item.Embedding),
		"tokens":       item.Tokens,
		"ctime":        item.Ctime,
	}
	sqlStr, args, err := builder.BuildInsert("embedding_cache", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr += ` ON CONFLICT (model_name, content_hash) DO UPDATE SET
		dimension = EXCLUDED.dimension,
		embedding = EXCLUDED.embedding,
		tokens = EXCLUDED.tokens,
		ctime = EXCLUDED.ctime`
	_, err = execContext(ctx, r.db, sqlStr, args)
	return err
}

func (r *EmbeddingCacheRepo) Count(ctx context.Context, modelName string) (int64, error) {
	const sqlStr = `SELECT COUNT(1) FROM embedding_cache WHERE model_name = ?`
	var count int64
	if err := getContext(ctx, r.db, &count, sqlStr, []interface{}{modelName}); err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteStale removes rows of models other than activeModel written before
// cutoff. Rows of the active model are kept regardless of age.
func (r *EmbeddingCacheRepo) DeleteStale(ctx context.Context, activeModel string, cutoff int64) (int64, error) {
	where := map[string]interface{}{
		"model_name !=": activeModel,
		"ctime <":       cutoff,
	}
	sqlStr, args, err := builder.BuildDelete("embedding_cache", where)
	if err != nil {
		return 0, err
	}
	res, err := execContext(ctx, r.db, sqlStr, args)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
