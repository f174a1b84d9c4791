// Package sqlite registers the "sqlite" storage backend (modernc.org/sqlite).
//
// Key design points vs Postgres:
//   - SQLite has one writer at a time. The pool is capped at a single
//     connection so concurrent loads queue in database/sql instead of failing
//     with SQLITE_BUSY.
//   - VARCHAR(128) only sets TEXT affinity; lengths are not enforced.
//   - BOOLEAN columns store 0/1 and scan back as int64 through Query.
package sqlite

import (
	"context"
	"errors"
	"strings"

	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"ingest/internal/statement"
	"ingest/internal/storage"
	"ingest/internal/storage/sqldb"
)

func init() {
	storage.Register("sqlite", New)
}

// New opens a SQLite database (cfg.DSN is a file path or "file:" URI).
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	s, err := Open(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Open is New returning the concrete store.
func Open(ctx context.Context, dsn string) (*sqldb.Store, error) {
	return sqldb.Open(ctx, dsn, sqldb.Options{
		Driver:          "sqlite",
		Dialect:         statement.SQLite{},
		ExistsSQL:       `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`,
		ColumnsSQL:      `SELECT name FROM pragma_table_info(?) ORDER BY cid`,
		MaxOpenConns:    1,
		IsAlreadyExists: isAlreadyExists,
		IsDuplicateKey:  isDuplicateKey,
	})
}

func isAlreadyExists(err error) bool {
	return err != nil && strings.Contains(err.Error(), "already exists")
}

func isDuplicateKey(err error) bool {
	var se *sqlitedrv.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
