// Package repository is the single bridge between Postgres and the
// in-memory state machines of internal/domain. It never leaks SQL or raw
// rows to callers; every method returns domain values or enginerr-wrapped
// errors.
//
// It is built directly on jackc/pgx/v5's pgxpool.Pool rather than GORM
// (which backs the lower-traffic schema bootstrap in internal/db),
// following the teacher's own split between a declarative admin path and a
// raw-SQL transactional path: every write here checks
// CommandTag.RowsAffected() to detect a zero-row update (mapped to
// NotFound or StaleWrite depending on context), and every row scan
// distinguishes pgx.ErrNoRows from other errors — the idiom the teacher's
// phase-store uses throughout.
package repository

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"evalorch.io/internal/enginerr"
)

func wrapNotFound(what string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, enginerr.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, enginerr.ErrTransient)
}

func wrapTransient(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", what, enginerr.ErrTransient)
}
