// Package metrics is the process-wide metrics seam.
//
// Core code records through the package-level helpers (RecordStep,
// RecordRows, RecordChunk, RecordHTTP). A Backend is installed once at startup
// with SetBackend; until then every call goes to a no-op backend, so tests and
// tools that never configure metrics pay nothing.
//
// Metric names use Prometheus-style snake_case. Backends translate them to
// their own conventions (the Datadog backend maps ingest_step_total to
// ingest.step.total).
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Metric names.
const (
	StepTotal           = "ingest_step_total"                    // labels: step, status
	StepDurationSeconds = "ingest_step_duration_seconds"         // labels: step, status
	RowsTotal           = "ingest_rows_total"                    // labels: kind
	ChunksTotal         = "ingest_chunks_total"                  // labels: status
	HTTPRequestsTotal   = "ingest_http_requests_total"           // labels: route, status
	HTTPErrorsTotal     = "ingest_http_errors_total"             // labels: route, status
	HTTPDurationSeconds = "ingest_http_request_duration_seconds" // labels: route, status
)

// Labels are metric dimensions. Keep values low-cardinality.
type Labels map[string]string

// Backend receives metric updates. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. nil restores the no-op
// backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter adds delta to a counter on the current backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram records one sample on the current backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush asks the current backend to submit buffered data.
func Flush() error {
	return current().Flush()
}

// RecordStep counts one execution of a pipeline step and its duration.
// status is "ok" or "error".
func RecordStep(step, status string, d time.Duration) {
	b := current()
	l := Labels{"step": step, "status": status}
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRows counts rows by outcome kind ("inserted", "duplicate").
func RecordRows(kind string, n int64) {
	if n <= 0 {
		return
	}
	current().IncCounter(RowsTotal, float64(n), Labels{"kind": kind})
}

// RecordChunk counts one chunk by outcome status ("ok", "duplicate", "empty", "error").
func RecordChunk(status string) {
	current().IncCounter(ChunksTotal, 1, Labels{"status": status})
}

// RecordHTTP records one served request. err is the handler's failure, if any;
// 5xx statuses count as errors even without one.
func RecordHTTP(route string, status int, err error, d time.Duration) {
	b := current()
	l := Labels{"route": route, "status": strconv.Itoa(status)}
	b.IncCounter(HTTPRequestsTotal, 1, l)
	if err != nil || status >= 500 {
		b.IncCounter(HTTPErrorsTotal, 1, l)
	}
	b.ObserveHistogram(HTTPDurationSeconds, d.Seconds(), l)
}
