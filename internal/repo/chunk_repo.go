package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/didi/gendry/builder"
	"github.com/jmoiron/sqlx"

	"github.com/xxxsen/earnrag/internal/model"
	"github.com/xxxsen/earnrag/internal/pkg/dbutil"
	appErr "github.com/xxxsen/earnrag/internal/pkg/errors"
)

const (
	recordBatchSize = 200
	lookupBatchSize = 500
)

var chunkColumns = []string{"position", "transcript_id", "ordinal", "company", "company_key", "quarter", "fiscal_year", "chunk_text", "fingerprint", "tombstoned", "ctime"}

// ChunkRepo is the registry mapping vector index positions to chunks.
type ChunkRepo struct {
	db sqlx.ExtContext
}

func NewChunkRepo(db *sqlx.DB) *ChunkRepo {
	return &ChunkRepo{db: db}
}

func (r *ChunkRepo) WithTx(tx *sqlx.Tx) *ChunkRepo {
	return &ChunkRepo{db: tx}
}

// Record appends registry rows. Callers run it inside the transaction that
// covers the whole ingest so that either every row lands or none does.
func (r *ChunkRepo) Record(ctx context.Context, records []model.ChunkRecord) error {
	for start := 0; start < len(records); start += recordBatchSize {
		end := min(start+recordBatchSize, len(records))
		data := make([]map[string]interface{}, 0, end-start)
		for _, rec := range records[start:end] {
			data = append(data, map[string]interface{}{
				"position":      rec.Position,
				"transcript_id": rec.TranscriptID,
				"ordinal":       rec.Ordinal,
				"company":       rec.Company,
				"company_key":   CompanyKey(rec.Company),
				"quarter":       rec.Quarter,
				"fiscal_year":   rec.FiscalYear,
				"chunk_text":    rec.Text,
				"fingerprint":   rec.Fingerprint,
				"tombstoned":    boolToInt(rec.Tombstoned),
				"ctime":         rec.Ctime,
			})
		}
		sqlStr, args, err := builder.BuildInsert("chunk_registry", data)
		if err != nil {
			return err
		}
		if _, err := execContext(ctx, r.db, sqlStr, args); err != nil {
			if dbutil.IsConflict(err) {
				return fmt.Errorf("%w: position already recorded near %d", appErr.ErrConsistency, records[start].Position)
			}
			return err
		}
	}
	return nil
}

// Lookup returns the active record at position; tombstoned rows are not found.
func (r *ChunkRepo) Lookup(ctx context.Context, position int64) (*model.ChunkRecord, error) {
	where := map[string]interface{}{
		"position":   position,
		"tombstoned": 0,
	}
	sqlStr, args, err := builder.BuildSelect("chunk_registry", where, chunkColumns)
	if err != nil {
		return nil, err
	}
	var rec model.ChunkRecord
	if err := getContext(ctx, r.db, &rec, sqlStr, args); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// LookupMany returns the records at positions, tombstoned ones included.
// Positions without a row are absent from the result.
func (r *ChunkRepo) LookupMany(ctx context.Context, positions []int64) (map[int64]model.ChunkRecord, error) {
	out := make(map[int64]model.ChunkRecord, len(positions))
	for start := 0; start < len(positions); start += lookupBatchSize {
		end := min(start+lookupBatchSize, len(positions))
		where := map[string]interface{}{
			"position in": dbutil.InArgs(positions[start:end]),
		}
		sqlStr, args, err := builder.BuildSelect("chunk_registry", where, chunkColumns)
		if err != nil {
			return nil, err
		}
		var items []model.ChunkRecord
		if err := selectContext(ctx, r.db, &items, sqlStr, args); err != nil {
			return nil, err
		}
		for _, item := range items {
			out[item.Position] = item
		}
	}
	return out, nil
}

func (r *ChunkRepo) ListActiveByTranscript(ctx context.Context, transcriptID int64) ([]model.ChunkRecord, error) {
	where := map[string]interface{}{
		"transcript_id": transcriptID,
		"tombstoned":    0,
		"_orderby":      "ordinal asc",
	}
	sqlStr, args, err := builder.BuildSelect("chunk_registry", where, chunkColumns)
	if err != nil {
		return nil, err
	}
	var items []model.ChunkRecord
	if err := selectContext(ctx, r.db, &items, sqlStr, args); err != nil {
		return nil, err
	}
	return items, nil
}

// Tombstone marks every chunk of the transcripts deleted. Positions stay
// occupied in the index.
func (r *ChunkRepo) Tombstone(ctx context.Context, transcriptIDs ...int64) (int64, error) {
	if len(transcriptIDs) == 0 {
		return 0, nil
	}
	where := map[string]interface{}{
		"transcript_id in": dbutil.InArgs(transcriptIDs),
		"tombstoned":       0,
	}
	update := map[string]interface{}{
		"tombstoned": 1,
	}
	sqlStr, args, err := builder.BuildUpdate("chunk_registry", where, update)
	if err != nil {
		return 0, err
	}
	res, err := execContext(ctx, r.db, sqlStr, args)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *ChunkRepo) CountActiveByCompany(ctx context.Context, company string) (int64, error) {
	const sqlStr = `SELECT COUNT(1) FROM chunk_registry WHERE company_key = ? AND tombstoned = 0`
	var count int64
	if err := getContext(ctx, r.db, &count, sqlStr, []interface{}{CompanyKey(company)}); err != nil {
		return 0, err
	}
	return count, nil
}

// Count returns the number of registry rows, tombstones included, and how
// many of them are tombstoned.
func (r *ChunkRepo) Count(ctx context.Context) (total int64, tombstoned int64, err error) {
	var row struct {
		Total      int64         `db:"total"`
		Tombstoned sql.NullInt64 `db:"tombstoned"`
	}
	const sqlStr = `SELECT COUNT(1) AS total, SUM(tombstoned) AS tombstoned FROM chunk_registry`
	if err := getContext(ctx, r.db, &row, sqlStr, nil); err != nil {
		return 0, 0, err
	}
	return row.Total, row.Tombstoned.Int64, nil
}

// Truncate removes every registry row; used only by a full rebuild.
func (r *ChunkRepo) Truncate(ctx context.Context) error {
	_, err := execContext(ctx, r.db, "DELETE FROM chunk_registry", nil)
	return err
}
