package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/didi/gendry/builder"
	"github.com/jmoiron/sqlx"

	"github.com/xxxsen/earnrag/internal/model"
	"github.com/xxxsen/earnrag/internal/pkg/dbutil"
	appErr "github.com/xxxsen/earnrag/internal/pkg/errors"
)

var transcriptColumns = []string{"id", "company", "quarter", "fiscal_year", "transcript_date", "source_url", "format", "raw_text", "word_count", "ctime"}

type TranscriptRepo struct {
	db sqlx.ExtContext
}

func NewTranscriptRepo(db *sqlx.DB) *TranscriptRepo {
	return &TranscriptRepo{db: db}
}

func (r *TranscriptRepo) WithTx(tx *sqlx.Tx) *TranscriptRepo {
	return &TranscriptRepo{db: tx}
}

// CompanyKey is the case-insensitive form used for company lookups.
func CompanyKey(company string) string {
	return strings.ToLower(strings.TrimSpace(company))
}

// Upsert stores t keyed by (company, quarter, fiscal year) and sets t.ID.
func (r *TranscriptRepo) Upsert(ctx context.Context, t *model.Transcript) error {
	if strings.TrimSpace(t.Company) == "" || t.Quarter == "" || t.FiscalYear == "" {
		return appErr.ErrInvalid
	}
	if t.Format == "" {
		t.Format = model.TranscriptFormatText
	}
	if t.Ctime == 0 {
		t.Ctime = time.Now().Unix()
	}
	t.WordCount = len(strings.Fields(t.RawText))
	data := map[string]interface{}{
		"company":         strings.TrimSpace(t.Company),
		"company_key":     CompanyKey(t.Company),
		"quarter":         t.Quarter,
		"fiscal_year":     t.FiscalYear,
		"transcript_date": t.TranscriptDate,
		"source_url":      t.SourceURL,
		"format":          t.Format,
		"raw_text":        t.RawText,
		"word_count":      t.WordCount,
		"ctime":           t.Ctime,
	}
	sqlStr, args, err := builder.BuildInsert("transcripts", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr += ` ON CONFLICT (company_key, quarter, fiscal_year) DO UPDATE SET
		company = EXCLUDED.company,
		transcript_date = EXCLUDED.transcript_date,
		source_url = EXCLUDED.source_url,
		format = EXCLUDED.format,
		raw_text = EXCLUDED.raw_text,
		word_count = EXCLUDED.word_count,
		ctime = EXCLUDED.ctime
		RETURNING id`
	var id int64
	if err := getContext(ctx, r.db, &id, sqlStr, args); err != nil {
		return err
	}
	t.ID = id
	return nil
}

func (r *TranscriptRepo) GetByID(ctx context.Context, id int64) (*model.Transcript, error) {
	where := map[string]interface{}{
		"id": id,
	}
	sqlStr, args, err := builder.BuildSelect("transcripts", where, transcriptColumns)
	if err != nil {
		return nil, err
	}
	var t model.Transcript
	if err := getContext(ctx, r.db, &t, sqlStr, args); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *TranscriptRepo) ListByCompany(ctx context.Context, company string) ([]model.Transcript, error) {
	where := map[string]interface{}{
		"company_key": CompanyKey(company),
		"_orderby":    "fiscal_year desc, quarter desc",
	}
	return r.list(ctx, where)
}

// ListAll returns every transcript in insertion order.
func (r *TranscriptRepo) ListAll(ctx context.Context) ([]model.Transcript, error) {
	return r.list(ctx, map[string]interface{}{"_orderby": "id asc"})
}

func (r *TranscriptRepo) ListByIDs(ctx context.Context, ids []int64) ([]model.Transcript, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	where := map[string]interface{}{
		"id in":    dbutil.InArgs(ids),
		"_orderby": "id asc",
	}
	return r.list(ctx, where)
}

func (r *TranscriptRepo) list(ctx context.Context, where map[string]interface{}) ([]model.Transcript, error) {
	sqlStr, args, err := builder.BuildSelect("transcripts", where, transcriptColumns)
	if err != nil {
		return nil, err
	}
	var items []model.Transcript
	if err := selectContext(ctx, r.db, &items, sqlStr, args); err != nil {
		return nil, err
	}
	return items, nil
}

// ListUnindexed returns transcripts that have no active chunk in the registry.
func (r *TranscriptRepo) ListUnindexed(ctx context.Context) ([]model.Transcript, error) {
	sqlStr := `SELECT ` + strings.Join(prefixed("t.", transcriptColumns), ", ") + `
		FROM transcripts t
		WHERE NOT EXISTS (
			SELECT 1 FROM chunk_registry c WHERE c.transcript_id = t.id AND c.tombstoned = 0
		)
		ORDER BY t.id ASC`
	var items []model.Transcript
	if err := selectContext(ctx, r.db, &items, sqlStr, nil); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *TranscriptRepo) ListCompanies(ctx context.Context) ([]model.CompanySummary, error) {
	const sqlStr = `SELECT company_key, company, quarter, fiscal_year, word_count
		FROM transcripts
		ORDER BY company_key ASC, fiscal_year DESC, quarter DESC`
	var rows []struct {
		CompanyKey string `db:"company_key"`
		Company    string `db:"company"`
		Quarter    string `db:"quarter"`
		FiscalYear string `db:"fiscal_year"`
		WordCount  int    `db:"word_count"`
	}
	if err := selectContext(ctx, r.db, &rows, sqlStr, nil); err != nil {
		return nil, err
	}
	var out []model.CompanySummary
	index := map[string]int{}
	for _, row := range rows {
		i, ok := index[row.CompanyKey]
		if !ok {
			out = append(out, model.CompanySummary{Company: row.Company})
			i = len(out) - 1
			index[row.CompanyKey] = i
		}
		out[i].TranscriptCount++
		out[i].TotalWords += row.WordCount
		out[i].Quarters = append(out[i].Quarters, row.Quarter+" "+row.FiscalYear)
	}
	return out, nil
}

// ListExpired returns ids of transcripts beyond the newest keep quarters of
// their company.
func (r *TranscriptRepo) ListExpired(ctx context.Context, keep int) ([]int64, error) {
	const sqlStr = `SELECT id, company_key FROM transcripts
		ORDER BY company_key ASC, fiscal_year DESC, quarter DESC, id DESC`
	var rows []struct {
		ID         int64  `db:"id"`
		CompanyKey string `db:"company_key"`
	}
	if err := selectContext(ctx, r.db, &rows, sqlStr, nil); err != nil {
		return nil, err
	}
	seen := map[string]int{}
	var expired []int64
	for _, row := range rows {
		seen[row.CompanyKey]++
		if seen[row.CompanyKey] > keep {
			expired = append(expired, row.ID)
		}
	}
	return expired, nil
}

func (r *TranscriptRepo) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	sqlStr, args, err := builder.BuildDelete("transcripts", map[string]interface{}{"id in": dbutil.InArgs(ids)})
	if err != nil {
		return 0, err
	}
	res, err := execContext(ctx, r.db, sqlStr, args)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *TranscriptRepo) Count(ctx context.Context) (transcripts int64, companies int64, err error) {
	var row struct {
		Transcripts int64 `db:"transcripts"`
		Companies   int64 `db:"companies"`
	}
	const sqlStr = `SELECT COUNT(1) AS transcripts, COUNT(DISTINCT company_key) AS companies FROM transcripts`
	if err := getContext(ctx, r.db, &row, sqlStr, nil); err != nil {
		return 0, 0, err
	}
	return row.Transcripts, row.Companies, nil
}

func prefixed(prefix string, columns []string) []string {
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		out = append(out, prefix+c)
	}
	return out
}
