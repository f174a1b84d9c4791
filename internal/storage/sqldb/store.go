// Package sqldb implements storage.Store on top of database/sql.
//
// The sqlite, mssql and mysql backends differ only in driver name, dialect,
// catalog queries and error classification; they configure a Store through
// Options and register it under their kind.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ingest/internal/schema"
	"ingest/internal/statement"
	"ingest/internal/storage"
)

// Options configures a Store for one backend.
type Options struct {
	// Driver is the database/sql driver name ("sqlite", "sqlserver", "mysql").
	Driver  string
	Dialect statement.Dialect

	// ExistsSQL takes the table name as its only parameter and returns one
	// row with a count > 0 when the table exists.
	ExistsSQL string
	// ColumnsSQL takes the table name as its only parameter and returns the
	// column names in ordinal order.
	ColumnsSQL string

	// MaxOpenConns caps the pool; 0 leaves the driver default.
	MaxOpenConns int

	// IsAlreadyExists reports a CREATE TABLE that lost a race to a concurrent
	// creator. nil means never.
	IsAlreadyExists func(error) bool
	// IsDuplicateKey reports a primary key violation (ledger race). nil means never.
	IsDuplicateKey func(error) bool

	// ResultTypes maps a result column's DatabaseTypeName (upper-cased, any
	// "(n)" suffix dropped) to the type Query restores its cells to. nil uses
	// DefaultResultTypes.
	ResultTypes map[string]schema.ColumnType

	// Now stamps ledger rows; defaults to time.Now.
	Now func() time.Time
}

// DefaultResultTypes covers the column types the dialects create.
var DefaultResultTypes = map[string]schema.ColumnType{
	"BOOLEAN":          schema.Boolean,
	"BOOL":             schema.Boolean,
	"BIT":              schema.Boolean,
	"FLOAT":            schema.Float,
	"DOUBLE":           schema.Float,
	"DOUBLE PRECISION": schema.Float,
	"REAL":             schema.Float,
}

// resultType looks up the restore type of a result column; 0 means none.
func (o Options) resultType(dbType string) schema.ColumnType {
	types := o.ResultTypes
	if types == nil {
		types = DefaultResultTypes
	}
	name := strings.ToUpper(strings.TrimSpace(dbType))
	if i := strings.IndexByte(name, '('); i >= 0 {
		name = strings.TrimSpace(name[:i])
	}
	return types[name]
}

// Store implements storage.Store for database/sql drivers.
type Store struct {
	db   dbConn
	opts Options
}

var _ storage.Store = (*Store)(nil)

// Open opens dsn with opts.Driver, verifies connectivity and ensures the chunk
// ledger exists.
//
// Errors:
//   - open/ping failures, and ledger DDL failures, are returned wrapped with
//     the driver name. The pool is closed on any failure.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	raw, err := sql.Open(opts.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: open: %w", opts.Driver, err)
	}
	if opts.MaxOpenConns > 0 {
		raw.SetMaxOpenConns(opts.MaxOpenConns)
		raw.SetMaxIdleConns(opts.MaxOpenConns)
	}
	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("%s: ping: %w", opts.Driver, err)
	}

	s := newStore(&sqlDB{db: raw}, opts)
	if err := s.CreateTable(ctx, statement.BuildLedgerCreate(opts.Dialect)); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("%s: create ledger: %w", opts.Driver, err)
	}
	return s, nil
}

func newStore(db dbConn, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{db: db, opts: opts}
}

// Close releases database resources held by this store.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

func (s *Store) Dialect() statement.Dialect { return s.opts.Dialect }

// TableExists runs the backend's catalog query for table.
func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, s.opts.ExistsSQL, table).Scan(&n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("table exists %s: %w", table, err)
	}
	return n > 0, nil
}

// TableColumns returns table's column names in ordinal order.
func (s *Store) TableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.opts.ColumnsSQL, table)
	if err != nil {
		return nil, fmt.Errorf("table columns %s: %w", table, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("table columns %s: %w", table, err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// CreateTable executes ddl. A racing creator's "already exists" error is
// treated as success.
func (s *Store) CreateTable(ctx context.Context, ddl statement.Statement) error {
	if _, err := s.db.ExecContext(ctx, ddl.SQL, ddl.Args...); err != nil {
		if s.opts.IsAlreadyExists != nil && s.opts.IsAlreadyExists(err) {
			return nil
		}
		return err
	}
	return nil
}

// InsertBatch executes b atomically, consulting the ledger when b.ChunkKey is set.
func (s *Store) InsertBatch(ctx context.Context, b storage.Batch) (storage.InsertResult, error) {
	if len(b.Statements) == 0 {
		return storage.InsertResult{}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.InsertResult{}, fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	d := s.opts.Dialect
	if b.ChunkKey != "" {
		lookup := statement.BuildLedgerLookup(d, b.ChunkKey)
		var prior int64
		err := tx.QueryRowContext(ctx, lookup.SQL, lookup.Args...).Scan(&prior)
		switch {
		case err == nil:
			return storage.InsertResult{Duplicate: true}, nil
		case !errors.Is(err, sql.ErrNoRows):
			return storage.InsertResult{}, fmt.Errorf("ledger lookup: %w", err)
		}
	}

	var total int64
	for i, st := range b.Statements {
		res, err := tx.ExecContext(ctx, st.SQL, st.Args...)
		if err != nil {
			return storage.InsertResult{}, fmt.Errorf("insert %s statement %d/%d: %w", b.Table, i+1, len(b.Statements), err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	if total == 0 {
		// Some drivers do not report affected rows for multi-row VALUES.
		total = int64(b.Rows)
	}

	if b.ChunkKey != "" {
		rec := statement.BuildLedgerInsert(d, b.ChunkKey, b.Table, total, s.opts.Now())
		if _, err := tx.ExecContext(ctx, rec.SQL, rec.Args...); err != nil {
			if s.opts.IsDuplicateKey != nil && s.opts.IsDuplicateKey(err) {
				return storage.InsertResult{Duplicate: true}, nil
			}
			return storage.InsertResult{}, fmt.Errorf("ledger insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if b.ChunkKey != "" && s.opts.IsDuplicateKey != nil && s.opts.IsDuplicateKey(err) {
			return storage.InsertResult{Duplicate: true}, nil
		}
		return storage.InsertResult{}, fmt.Errorf("commit: %w", err)
	}
	committed = true
	return storage.InsertResult{RowsAffected: total}, nil
}

// Query runs caller-supplied SQL and normalizes result cells.
func (s *Store) Query(ctx context.Context, q string, maxRows int) (*storage.QueryResult, error) {
	if !storage.IsReadQuery(q) {
		res, err := s.db.ExecContext(ctx, q)
		if err != nil {
			return nil, err
		}
		n, _ := res.RowsAffected()
		return &storage.QueryResult{IsWrite: true, AffectedRows: n}, nil
	}

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	cts, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	types := make([]schema.ColumnType, len(cts))
	for i, ct := range cts {
		types[i] = s.opts.resultType(ct.DatabaseTypeName())
	}
	out := &storage.QueryResult{Columns: cols}
	for rows.Next() {
		if maxRows > 0 && len(out.Rows) == maxRows {
			out.Truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i := range values {
			values[i] = storage.NormalizeAs(values[i], types[i])
		}
		out.Rows = append(out.Rows, values)
	}
	return out, rows.Err()
}
