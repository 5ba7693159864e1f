package repo

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/didi/gendry/builder"
	"github.com/jmoiron/sqlx"

	"github.com/xxxsen/earnrag/internal/pkg/dbutil"
)

const (
	MetaEmbeddingModel    = "embedding_model"
	MetaEmbeddingDim      = "embedding_dimension"
	MetaIndexMetric       = "index_metric"
	MetaChunkMaxLength    = "chunk_max_length"
	MetaChunkOverlap      = "chunk_overlap"
	MetaChunkWordBoundary = "chunk_word_boundary"
	MetaEmbeddingTokens   = "embedding_tokens"
	MetaEmbeddingCost     = "embedding_cost"
	MetaCacheHits         = "cache_hits"
	MetaCacheMisses       = "cache_misses"
	MetaLastEmbeddingDate = "last_embedding_date"
)

// MetaRepo is a small key/value table for build parameters and cumulative
// counters.
type MetaRepo struct {
	db sqlx.ExtContext
}

func NewMetaRepo(db *sqlx.DB) *MetaRepo {
	return &MetaRepo{db: db}
}

func (r *MetaRepo) WithTx(tx *sqlx.Tx) *MetaRepo {
	return &MetaRepo{db: tx}
}

func (r *MetaRepo) Get(ctx context.Context, key string) (string, bool, error) {
	sqlStr, args, err := builder.BuildSelect("meta", map[string]interface{}{"meta_key": key}, []string{"meta_value"})
	if err != nil {
		return "", false, err
	}
	var value string
	if err := getContext(ctx, r.db, &value, sqlStr, args); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (r *MetaRepo) GetAll(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		Key   string `db:"meta_key"`
		Value string `db:"meta_value"`
	}
	if err := selectContext(ctx, r.db, &rows, "SELECT meta_key, meta_value FROM meta", nil); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Value
	}
	return out, nil
}

func (r *MetaRepo) Set(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	now := time.Now().Unix()
	data := make([]map[string]interface{}, 0, len(values))
	for k, v := range values {
		data = append(data, map[string]interface{}{
			"meta_key":   k,
			"meta_value": v,
			"mtime":      now,
		})
	}
	sqlStr, args, err := builder.BuildInsert("meta", data)
	if err != nil {
		return err
	}
	sqlStr += ` ON CONFLICT (meta_key) DO UPDATE SET meta_value = EXCLUDED.meta_value, mtime = EXCLUDED.mtime`
	_, err = execContext(ctx, r.db, sqlStr, args)
	return err
}

// Delete removes keys; used when a rebuild resets counters.
func (r *MetaRepo) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	sqlStr, args, err := builder.BuildDelete("meta", map[string]interface{}{"meta_key in": dbutil.InArgs(keys)})
	if err != nil {
		return err
	}
	_, err = execContext(ctx, r.db, sqlStr, args)
	return err
}

func ParseInt(values map[string]string, key string) int64 {
	v, _ := strconv.ParseInt(values[key], 10, 64)
	return v
}

func ParseFloat(values map[string]string, key string) float64 {
	v, _ := strconv.ParseFloat(values[key], 64)
	return v
}
