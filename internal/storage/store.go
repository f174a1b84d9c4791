package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"ingest/internal/statement"
)

// Config is the minimal configuration needed to open a Store.
//
// When to use:
//   - Use Config when constructing a Store via New.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//
// Errors:
//   - New returns an error if Kind is empty or unsupported.
type Config struct {
	Kind string
	DSN  string
}

// Store is the backend-agnostic handle the reconciler and loader talk to.
//
// One Store is opened at process start and shared by every request; all
// implementations are safe for concurrent use. Each backend implements these
// semantics in its own idiomatic way (pgxpool transactions for Postgres,
// database/sql for the rest).
type Store interface {
	// Close releases backend resources (connection pools).
	//
	// Edge cases:
	//   - Call once at process shutdown.
	Close()

	// Dialect returns the SQL dialect statements for this store must use.
	Dialect() statement.Dialect

	// TableExists reports whether table is present in the store's catalog.
	// table is matched exactly; callers pass normalized names.
	TableExists(ctx context.Context, table string) (bool, error)

	// TableColumns returns the column names of table in ordinal order. An
	// absent table yields an empty slice.
	TableColumns(ctx context.Context, table string) ([]string, error)

	// CreateTable executes create-if-missing DDL. A concurrent creator winning
	// the race is not an error.
	CreateTable(ctx context.Context, ddl statement.Statement) error

	// InsertBatch executes every statement of b in one transaction.
	//
	// When b.ChunkKey is set the ledger is consulted inside the same
	// transaction: a committed key returns Duplicate=true without inserting,
	// otherwise the key is recorded together with the rows. Any failure rolls
	// back every statement.
	InsertBatch(ctx context.Context, b Batch) (InsertResult, error)

	// Query runs caller-supplied SQL. Reads return at most maxRows rows
	// (maxRows <= 0 means unlimited); writes return the affected row count.
	Query(ctx context.Context, sql string, maxRows int) (*QueryResult, error)
}

// ---- factories ----

// Factory opens a Store for a backend kind.
type Factory func(ctx context.Context, cfg Config) (Store, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by New.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered. Failing fast avoids ambiguous backend
//     selection.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New opens a Store using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with Register. New takes a read lock while
//     selecting the factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing storage.kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds returns the registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
