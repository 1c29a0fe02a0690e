package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// Repo is the sqlite-backed store for monitors, ownership periods, evidence and events.
type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrActivePeriodExists is returned when a second active period is inserted for the same job and user.
	ErrActivePeriodExists = errors.New("active ownership period already exists")
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// WithTx runs fn inside a transaction and commits when fn returns nil.
func (r Repo) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// isActivePeriodViolation matches only the partial unique index on active
// (job_guid, takeover_username) periods, not primary key collisions.
func isActivePeriodViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: ghost_ownership_periods.job_guid")
}

func whereClause(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(clauses, " AND ")
}

// regionClause matches any of regions case-insensitively. Empty regions match everything.
func regionClause(regions []string) (string, []any) {
	if len(regions) == 0 {
		return "", nil
	}
	marks := make([]string, len(regions))
	args := make([]any, len(regions))
	for i, r := range regions {
		marks[i] = "?"
		args[i] = strings.ToUpper(strings.TrimSpace(r))
	}
	return "UPPER(region) IN (" + strings.Join(marks, ",") + ")", args
}
