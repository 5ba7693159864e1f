package repo

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/xxxsen/earnrag/internal/pkg/dbutil"
)

// RunInTx runs fn inside one transaction, rolling back when fn fails.
func RunInTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func execContext(ctx context.Context, q sqlx.ExtContext, sqlStr string, args []interface{}) (sql.Result, error) {
	sqlStr, args = dbutil.Finalize(q.DriverName(), sqlStr, args)
	return q.ExecContext(ctx, sqlStr, args...)
}

func selectContext(ctx context.Context, q sqlx.ExtContext, dest interface{}, sqlStr string, args []interface{}) error {
	sqlStr, args = dbutil.Finalize(q.DriverName(), sqlStr, args)
	return sqlx.SelectContext(ctx, q, dest, sqlStr, args...)
}

func getContext(ctx context.Context, q sqlx.ExtContext, dest interface{}, sqlStr string, args []interface{}) error {
	sqlStr, args = dbutil.Finalize(q.DriverName(), sqlStr, args)
	return sqlx.GetContext(ctx, q, dest, sqlStr, args...)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
