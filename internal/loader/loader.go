// Package loader bulk-loads chunks of schemaless records into SQL tables.
//
// Load is the single entry point for a chunk: it validates the table name,
// reconciles the table against the store (creating it on first use), builds
// batched parameterized INSERTs and executes them in one transaction. A
// failure anywhere rolls back the whole chunk.
//
// Idempotency:
//   - Chunks loaded with a client Sequence carry a chunk key derived from the
//     table, the sequence and the chunk's canonical JSON. The store records
//     committed keys in a ledger inside the insert transaction, so a retried
//     chunk is reported as Duplicate and inserts nothing.
//   - Chunks without a Sequence have bag semantics: a retry appends the rows
//     again.
package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"ingest/internal/faults"
	"ingest/internal/keylock"
	"ingest/internal/metrics"
	"ingest/internal/naming"
	"ingest/internal/reconcile"
	"ingest/internal/schema"
	"ingest/internal/statement"
	"ingest/internal/storage"
)

// DefaultMaxChunkRows caps a single chunk when Options.MaxChunkRows is unset.
const DefaultMaxChunkRows = 10000

// Logger is the minimal logging interface used by the loader.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Options configures a Loader.
type Options struct {
	// MaxChunkRows rejects larger chunks with a data_quality fault.
	// <= 0 uses DefaultMaxChunkRows.
	MaxChunkRows int

	// StoreTimeout bounds each store round trip. <= 0 uses
	// reconcile.DefaultStoreTimeout.
	StoreTimeout time.Duration

	// ValidateDrift enables the proactive schema drift check.
	ValidateDrift bool

	Logger Logger
}

// LoadOptions are per-chunk options.
type LoadOptions struct {
	// Sequence is the caller's stable identifier for this chunk (for example
	// "<run id>:<chunk index>"). Empty disables duplicate detection.
	Sequence string
}

// Result reports what a Load or Create did.
type Result struct {
	Table     string        `json:"table"`
	Created   bool          `json:"created"`
	Rows      int64         `json:"rows"`
	Duplicate bool          `json:"duplicate"`
	ChunkKey  string        `json:"chunk_key,omitempty"`
	Schema    schema.Schema `json:"-"`
}

// Loader is safe for concurrent use. Share one Loader per store.
type Loader struct {
	store storage.Store
	rec   *reconcile.Reconciler
	opts  Options
	keys  keylock.Map
}

// New returns a Loader over store.
func New(store storage.Store, opts Options) *Loader {
	if opts.MaxChunkRows <= 0 {
		opts.MaxChunkRows = DefaultMaxChunkRows
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = reconcile.DefaultStoreTimeout
	}
	return &Loader{
		store: store,
		rec: reconcile.New(store, reconcile.Options{
			StoreTimeout:  opts.StoreTimeout,
			ValidateDrift: opts.ValidateDrift,
			Logger:        opts.Logger,
		}),
		opts: opts,
	}
}

// MaxChunkRows returns the effective per-chunk row cap.
func (l *Loader) MaxChunkRows() int { return l.opts.MaxChunkRows }

// Load inserts chunk into table, creating the table from chunk[0] if needed.
//
// Behavior:
//   - An empty chunk succeeds with Rows=0 and touches nothing.
//   - chunk[0] is the representative record; later records may omit
//     attributes (bound as NULL) but may not add new ones.
//   - All rows commit together or not at all.
//
// Errors are *faults.Error: InvalidName, Inference, DataQuality, SchemaDrift,
// Metadata, DDL, DML or Timeout.
func (l *Loader) Load(ctx context.Context, table string, chunk []*schema.Record, lo LoadOptions) (Result, error) {
	const op = "load"
	logf := l.logger()
	start := time.Now()

	if len(chunk) == 0 {
		metrics.RecordChunk("empty")
		logf("stage=load table=%s rows=0 status=empty", naming.Normalize(table))
		return Result{Table: naming.Normalize(table)}, nil
	}

	id, err := naming.NewIdentity(table)
	if err != nil {
		return l.fail(faults.E(faults.InvalidName, op, naming.Normalize(table), err))
	}
	if len(chunk) > l.opts.MaxChunkRows {
		return l.fail(faults.E(faults.DataQuality, op, id.Normalized,
			fmt.Errorf("chunk has %d records, limit is %d", len(chunk), l.opts.MaxChunkRows)))
	}

	out, err := l.reconcile(ctx, id, chunk[0])
	if err != nil {
		return l.fail(err)
	}
	res := Result{Table: id.Normalized, Created: out.Created, Schema: out.Schema}

	stmts, err := statement.BuildBatchInsert(l.store.Dialect(), id.Normalized, out.Schema, chunk)
	if err != nil {
		return l.fail(faults.E(faults.DataQuality, op, id.Normalized, err))
	}

	batch := storage.Batch{Table: id.Normalized, Statements: stmts, Rows: len(chunk)}
	if lo.Sequence != "" {
		key, err := ChunkKey(id.Normalized, lo.Sequence, chunk)
		if err != nil {
			return l.fail(faults.E(faults.DataQuality, op, id.Normalized, err))
		}
		batch.ChunkKey = key
		res.ChunkKey = key

		unlock, err := l.keys.Lock(ctx, key)
		if err != nil {
			return l.fail(faults.E(faults.DML, op, id.Normalized, err))
		}
		defer unlock()
	}

	ins, err := l.insert(ctx, batch)
	if err != nil {
		return l.fail(faults.E(faults.DML, op, id.Normalized, err))
	}

	res.Rows = ins.RowsAffected
	res.Duplicate = ins.Duplicate
	if ins.Duplicate {
		metrics.RecordChunk("duplicate")
		metrics.RecordRows("duplicate", int64(len(chunk)))
	} else {
		metrics.RecordChunk("ok")
		metrics.RecordRows("inserted", ins.RowsAffected)
	}
	logf("stage=load table=%s ok rows=%d created=%v duplicate=%v duration=%s",
		res.Table, res.Rows, res.Created, res.Duplicate, durMS(start))
	return res, nil
}

// Create reconciles table from sample without inserting anything. A nil or
// empty sample is a successful no-op.
func (l *Loader) Create(ctx context.Context, table string, sample *schema.Record) (Result, error) {
	if sample == nil || sample.Len() == 0 {
		return Result{Table: naming.Normalize(table)}, nil
	}
	id, err := naming.NewIdentity(table)
	if err != nil {
		return Result{}, faults.E(faults.InvalidName, "create", naming.Normalize(table), err)
	}
	out, err := l.reconcile(ctx, id, sample)
	if err != nil {
		return Result{}, err
	}
	return Result{Table: id.Normalized, Created: out.Created, Schema: out.Schema}, nil
}

// Exists reports whether table is present.
func (l *Loader) Exists(ctx context.Context, table string) (bool, error) {
	id, err := naming.NewIdentity(table)
	if err != nil {
		return false, faults.E(faults.InvalidName, "exists", naming.Normalize(table), err)
	}
	return l.rec.Exists(ctx, id)
}

// Query runs caller-supplied SQL on the store.
func (l *Loader) Query(ctx context.Context, sql string, maxRows int) (*storage.QueryResult, error) {
	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, l.opts.StoreTimeout)
	defer cancel()

	res, err := l.store.Query(sctx, sql, maxRows)
	if err != nil {
		metrics.RecordStep("query", "error", time.Since(start))
		return nil, faults.E(faults.Query, "query", "", err)
	}
	metrics.RecordStep("query", "ok", time.Since(start))
	return res, nil
}

// ChunkKey derives the idempotency key of a chunk: hex SHA-256 over the
// normalized table name, the client sequence and the chunk's JSON encoding
// (attribute order included).
func ChunkKey(table, sequence string, chunk []*schema.Record) (string, error) {
	body, err := json.Marshal(chunk)
	if err != nil {
		return "", fmt.Errorf("encode chunk: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(table))
	h.Write([]byte{0})
	h.Write([]byte(sequence))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *Loader) reconcile(ctx context.Context, id naming.Identity, sample *schema.Record) (reconcile.Outcome, error) {
	start := time.Now()
	out, err := l.rec.Reconcile(ctx, id, sample)
	metrics.RecordStep("reconcile", status(err), time.Since(start))
	return out, err
}

func (l *Loader) insert(ctx context.Context, b storage.Batch) (storage.InsertResult, error) {
	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, l.opts.StoreTimeout)
	defer cancel()

	res, err := l.store.InsertBatch(sctx, b)
	metrics.RecordStep("dml", status(err), time.Since(start))
	l.logger()("stage=dml table=%s statements=%d rows=%d keyed=%v status=%s duration=%s",
		b.Table, len(b.Statements), b.Rows, b.ChunkKey != "", status(err), durMS(start))
	return res, err
}

func (l *Loader) fail(err error) (Result, error) {
	metrics.RecordChunk("error")
	l.logger()("stage=load status=error err=%v", err)
	return Result{}, err
}

func (l *Loader) logger() func(format string, v ...any) {
	if l.opts.Logger == nil {
		return log.New(discardWriter{}, "", 0).Printf
	}
	return l.opts.Logger.Printf
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }
