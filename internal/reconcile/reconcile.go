// Package reconcile decides whether a table must be created before a chunk
// can be loaded, and creates it at most once.
//
// Reconcile synthesizes a schema from one representative record, checks the
// store's catalog for the normalized table name, and issues create-if-missing
// DDL only when the table is absent. Creation is serialized per table inside
// the process and relies on the store's own create-if-not-exists primitive
// across processes, so concurrent callers observe exactly one CREATE.
//
// Present tables are never altered. Whether the chunk's attributes fit an
// existing table is left to the store's INSERT by default; with
// Options.ValidateDrift the reconciler compares against the catalog up front.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"ingest/internal/faults"
	"ingest/internal/keylock"
	"ingest/internal/metrics"
	"ingest/internal/naming"
	"ingest/internal/schema"
	"ingest/internal/statement"
	"ingest/internal/storage"
)

// DefaultStoreTimeout bounds each store round trip when Options.StoreTimeout
// is unset.
const DefaultStoreTimeout = 30 * time.Second

// Logger is the minimal logging interface used by the reconciler.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// State is the table's lifecycle state. A table moves from Absent to Present
// exactly once and never back.
type State string

const (
	Absent  State = "absent"
	Present State = "present"
)

// Options configures a Reconciler.
type Options struct {
	// StoreTimeout bounds every metadata query and DDL statement.
	StoreTimeout time.Duration

	// ValidateDrift makes Reconcile compare the sample's attributes with the
	// existing table's columns and fail before any insert is attempted.
	ValidateDrift bool

	Logger Logger
}

// Outcome reports what Reconcile found or did.
type Outcome struct {
	State   State
	Created bool
	// Schema is the schema synthesized from the sample. It drives the INSERT
	// column list whether or not the table was created.
	Schema schema.Schema
}

// DriftError lists sample attributes the existing table has no column for.
type DriftError struct {
	Table   string
	Unknown []string
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("table %s has no columns %s", e.Table, strings.Join(e.Unknown, ", "))
}

// Reconciler is safe for concurrent use. One Reconciler should be shared by
// every caller of a store so its per-table locks are meaningful.
type Reconciler struct {
	store storage.Store
	opts  Options
	locks keylock.Map
}

// New returns a Reconciler over store.
func New(store storage.Store, opts Options) *Reconciler {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	return &Reconciler{store: store, opts: opts}
}

// Reconcile ensures the table named by id is present and returns the schema
// synthesized from sample.
//
// Errors (all *faults.Error):
//   - Inference: sample is empty or holds a value with no column type.
//   - DataQuality: two sample attributes differ only by case.
//   - Metadata: the catalog could not be queried. Not retried here.
//   - DDL: the store rejected CREATE; the table stays absent.
//   - SchemaDrift: ValidateDrift is set and the table lacks sample attributes.
//   - Timeout: a store round trip hit Options.StoreTimeout.
func (r *Reconciler) Reconcile(ctx context.Context, id naming.Identity, sample *schema.Record) (Outcome, error) {
	const op = "reconcile"
	logf := r.logger()
	table := id.Normalized

	sc, err := schema.Synthesize(sample)
	if err != nil {
		kind := faults.Inference
		if errors.Is(err, schema.ErrDuplicateAttribute) {
			kind = faults.DataQuality
		}
		return Outcome{}, faults.E(kind, op, table, err)
	}
	out := Outcome{State: Present, Schema: sc}

	present, err := r.tableExists(ctx, table)
	if err != nil {
		return Outcome{}, faults.E(faults.Metadata, op, table, err)
	}
	if present {
		return out, r.checkDrift(ctx, table, sc)
	}

	unlock, err := r.locks.Lock(ctx, table)
	if err != nil {
		return Outcome{}, faults.E(faults.DDL, op, table, err)
	}
	defer unlock()

	// Another caller may have created it while we waited.
	present, err = r.tableExists(ctx, table)
	if err != nil {
		return Outcome{}, faults.E(faults.Metadata, op, table, err)
	}
	if present {
		logf("stage=reconcile table=%s state=present created_by=peer", table)
		return out, r.checkDrift(ctx, table, sc)
	}

	ddl, err := statement.BuildCreate(r.store.Dialect(), table, sc)
	if err != nil {
		return Outcome{}, faults.E(faults.Inference, op, table, err)
	}

	start := time.Now()
	sctx, cancel := r.storeContext(ctx)
	err = r.store.CreateTable(sctx, ddl)
	cancel()
	if err != nil {
		metrics.RecordStep("ddl", "error", time.Since(start))
		logf("stage=ddl table=%s status=error duration=%s err=%v", table, durMS(start), err)
		return Outcome{}, faults.E(faults.DDL, op, table, err)
	}
	metrics.RecordStep("ddl", "ok", time.Since(start))
	logf("stage=ddl table=%s ok columns=%d duration=%s", table, sc.Len(), durMS(start))

	out.Created = true
	return out, nil
}

// Exists reports whether the table named by id is present.
func (r *Reconciler) Exists(ctx context.Context, id naming.Identity) (bool, error) {
	ok, err := r.tableExists(ctx, id.Normalized)
	if err != nil {
		return false, faults.E(faults.Metadata, "exists", id.Normalized, err)
	}
	return ok, nil
}

func (r *Reconciler) tableExists(ctx context.Context, table string) (bool, error) {
	sctx, cancel := r.storeContext(ctx)
	defer cancel()
	return r.store.TableExists(sctx, table)
}

// checkDrift is a no-op unless ValidateDrift is set. Column names compare the
// way the store resolves them: case-folded unless the dialect keeps quoted
// identifiers exact.
func (r *Reconciler) checkDrift(ctx context.Context, table string, sc schema.Schema) error {
	if !r.opts.ValidateDrift {
		return nil
	}

	sctx, cancel := r.storeContext(ctx)
	cols, err := r.store.TableColumns(sctx, table)
	cancel()
	if err != nil {
		return faults.E(faults.Metadata, "reconcile", table, err)
	}

	key := func(name string) string { return name }
	if statement.FoldsColumnCase(r.store.Dialect()) {
		key = naming.Normalize
	}
	have := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		have[key(c)] = struct{}{}
	}
	var unknown []string
	for _, name := range sc.Names() {
		if _, ok := have[key(name)]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return faults.E(faults.SchemaDrift, "reconcile", table, &DriftError{Table: table, Unknown: unknown})
	}
	return nil
}

func (r *Reconciler) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opts.StoreTimeout)
}

func (r *Reconciler) logger() func(format string, v ...any) {
	if r.opts.Logger == nil {
		return log.New(discardWriter{}, "", 0).Printf
	}
	return r.opts.Logger.Printf
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }
