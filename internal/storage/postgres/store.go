// Package postgres registers the "postgres" storage backend (pgx/v5 pool).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ingest/internal/statement"
	"ingest/internal/storage"
)

/*
Store implements storage.Store for Postgres.

It provides:
  - Catalog checks against information_schema in the connection's current schema
  - Create-if-missing DDL that tolerates concurrent creators
  - Chunk inserts inside a single pgx transaction, with the chunk ledger
    consulted and written in that same transaction
  - A raw query passthrough sharing the pool
*/
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Postgres SQLSTATE codes.
const (
	codeDuplicateTable = "42P07"
	// CREATE TABLE IF NOT EXISTS racing itself can fail on the pg_type
	// unique index instead of reporting 42P07.
	codeUniqueViolation = "23505"
)

const (
	existsSQL  = `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1)`
	columnsSQL = `SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = $1 ORDER BY ordinal_position`
)

// New creates a Postgres-backed Store and ensures the chunk ledger exists.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := &Store{pool: pool, now: time.Now}
	if err := s.CreateTable(ctx, statement.BuildLedgerCreate(s.Dialect())); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: create ledger: %w", err)
	}
	return s, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Dialect() statement.Dialect { return statement.Postgres{} }

func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	var ok bool
	if err := s.pool.QueryRow(ctx, existsSQL, table).Scan(&ok); err != nil {
		return false, fmt.Errorf("table exists %s: %w", table, err)
	}
	return ok, nil
}

func (s *Store) TableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.pool.Query(ctx, columnsSQL, table)
	if err != nil {
		return nil, fmt.Errorf("table columns %s: %w", table, err)
	}
	cols, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("table columns %s: %w", table, err)
	}
	return cols, nil
}

// CreateTable executes create-if-missing DDL; losing a creation race is success.
func (s *Store) CreateTable(ctx context.Context, ddl statement.Statement) error {
	if _, err := s.pool.Exec(ctx, ddl.SQL, ddl.Args...); err != nil {
		if isAlreadyExists(err) {
			return nil
		}
		return err
	}
	return nil
}

// InsertBatch executes b in one transaction.
//
// When b.ChunkKey is set, the ledger row is looked up first and inserted last.
// Two sessions committing the same key concurrently collide on the ledger
// primary key; the loser reports Duplicate and its rows are rolled back.
func (s *Store) InsertBatch(ctx context.Context, b storage.Batch) (storage.InsertResult, error) {
	if len(b.Statements) == 0 {
		return storage.InsertResult{}, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storage.InsertResult{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	d := s.Dialect()
	if b.ChunkKey != "" {
		lookup := statement.BuildLedgerLookup(d, b.ChunkKey)
		var prior int64
		err := tx.QueryRow(ctx, lookup.SQL, lookup.Args...).Scan(&prior)
		switch {
		case err == nil:
			return storage.InsertResult{Duplicate: true}, nil
		case !errors.Is(err, pgx.ErrNoRows):
			return storage.InsertResult{}, fmt.Errorf("ledger lookup: %w", err)
		}
	}

	var total int64
	for i, st := range b.Statements {
		cmd, err := tx.Exec(ctx, st.SQL, st.Args...)
		if err != nil {
			return storage.InsertResult{}, fmt.Errorf("insert %s statement %d/%d: %w", b.Table, i+1, len(b.Statements), err)
		}
		total += cmd.RowsAffected()
	}

	if b.ChunkKey != "" {
		rec := statement.BuildLedgerInsert(d, b.ChunkKey, b.Table, total, s.now())
		if _, err := tx.Exec(ctx, rec.SQL, rec.Args...); err != nil {
			if sqlState(err) == codeUniqueViolation {
				return storage.InsertResult{Duplicate: true}, nil
			}
			return storage.InsertResult{}, fmt.Errorf("ledger insert: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return storage.InsertResult{}, fmt.Errorf("commit: %w", err)
	}
	return storage.InsertResult{RowsAffected: total}, nil
}

// Query runs caller-supplied SQL on the shared pool.
func (s *Store) Query(ctx context.Context, q string, maxRows int) (*storage.QueryResult, error) {
	if !storage.IsReadQuery(q) {
		cmd, err := s.pool.Exec(ctx, q)
		if err != nil {
			return nil, err
		}
		return &storage.QueryResult{IsWrite: true, AffectedRows: cmd.RowsAffected()}, nil
	}

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	out := &storage.QueryResult{Columns: make([]string, len(fds))}
	for i, fd := range fds {
		out.Columns[i] = fd.Name
	}
	for rows.Next() {
		if maxRows > 0 && len(out.Rows) == maxRows {
			out.Truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		for i := range values {
			values[i] = storage.NormalizeValue(values[i])
		}
		out.Rows = append(out.Rows, values)
	}
	return out, rows.Err()
}

func isAlreadyExists(err error) bool {
	switch sqlState(err) {
	case codeDuplicateTable, codeUniqueViolation:
		return true
	}
	return false
}

// sqlState returns the SQLSTATE of a server error in err's chain, or "".
func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
