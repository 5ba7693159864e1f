package dbutil

import (
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var limitRegex = regexp.MustCompile(`(?i)LIMIT\s+\?\s*,\s*\?`)

// Finalize adapts a gendry-built statement to the given driver.
// Postgres needs $N placeholders and LIMIT/OFFSET; sqlite takes the query as is.
func Finalize(driverName string, query string, args []interface{}) (string, []interface{}) {
	bindType := sqlx.BindType(driverName)
	if bindType != sqlx.DOLLAR {
		return query, args
	}
	loc := limitRegex.FindStringIndex(query)
	if loc != nil {
		prefix := query[:loc[0]]
		qCount := strings.Count(prefix, "?")
		if qCount+1 < len(args) {
			args[qCount], args[qCount+1] = args[qCount+1], args[qCount]
			query = limitRegex.ReplaceAllString(query, "LIMIT ? OFFSET ?")
		}
	}
	return sqlx.Rebind(bindType, query), args
}

func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if pgErr, ok := err.(*pq.Error); ok {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// InArgs converts a typed slice into the []interface{} gendry expects for "x in".
func InArgs[T any](values []T) []interface{} {
	out := make([]interface{}, 0, len(values))
	for _, v := range values {
		out = append(out, v)
	}
	return out
}
