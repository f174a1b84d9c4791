package datadog

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"ingest/internal/metrics"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

func quietOptions(fs *fakeSubmitter) Options {
	return Options{
		JobName:    "job1",
		FlushEvery: 24 * time.Hour,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(1000, 0) },
		newTicker:  func(time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	}
}

// TestResolveEnvTag verifies environment-tag precedence and defaults.
//
// Edge cases:
//   - ENV wins over DD_ENV.
//   - Whitespace-only env vars are ignored.
//   - If neither is set, "env:unknown" is returned.
func TestResolveEnvTag(t *testing.T) {
	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_used_when_ENV_empty", env: "", dd: "stage", want: "env:stage"},
		{name: "whitespace_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
		{name: "default_unknown", env: "", dd: "", want: "env:unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("ENV", tc.env)
			t.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag()=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestLabelTags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		keys   []string
		labels metrics.Labels
		want   []string
	}{
		{name: "all_present", keys: []string{"step", "status"}, labels: metrics.Labels{"step": "ddl", "status": "ok"}, want: []string{"step:ddl", "status:ok"}},
		{name: "missing_becomes_unknown", keys: []string{"route", "status"}, labels: metrics.Labels{"route": "/load"}, want: []string{"route:/load", "status:unknown"}},
		{name: "nil_labels", keys: []string{"kind"}, labels: nil, want: []string{"kind:unknown"}},
		{name: "undeclared_dropped", keys: []string{"status"}, labels: metrics.Labels{"status": "ok", "table": "cars"}, want: []string{"status:ok"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := splitTags(labelTags(tc.keys, tc.labels))
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("tags=%v, want %v", got, tc.want)
			}
		})
	}
}

func TestWithTags(t *testing.T) {
	t.Parallel()

	base := []string{"env:prod", "job:ingest"}
	got := withTags(base, "step:ddl")
	want := []string{"env:prod", "job:ingest", "step:ddl"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("withTags=%v, want %v", got, want)
	}

	got[0] = "mutated"
	if base[0] != "env:prod" {
		t.Fatalf("withTags aliased base slice")
	}
}

func TestPercentileNearestRank(t *testing.T) {
	t.Parallel()

	s := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	tests := []struct {
		p    float64
		want float64
	}{
		{p: 0, want: 1},
		{p: 0.5, want: 6},
		{p: 0.9, want: 9},
		{p: 0.99, want: 10},
		{p: 1, want: 10},
	}
	for _, tc := range tests {
		if got := percentileNearestRank(s, tc.p); got != tc.want {
			t.Fatalf("p=%v got %v, want %v", tc.p, got, tc.want)
		}
	}
	if got := percentileNearestRank(nil, 0.5); got != 0 {
		t.Fatalf("empty got %v, want 0", got)
	}
}

func TestAddPercentiles(t *testing.T) {
	t.Parallel()

	var series []datadogV2.MetricSeries
	samples := []float64{3, 1, 2}
	addPercentiles(&series, []string{"step:ddl"}, "ingest.step.duration_seconds", samples, 42)

	if len(series) != 6 {
		t.Fatalf("series=%d, want 6", len(series))
	}
	if samples[0] != 3 {
		t.Fatalf("addPercentiles mutated input: %v", samples)
	}

	byName := map[string]float64{}
	for _, s := range series {
		if got := s.Points[0].GetTimestamp(); got != 42 {
			t.Fatalf("%s timestamp=%d, want 42", s.Metric, got)
		}
		byName[s.Metric] = s.Points[0].GetValue()
	}
	if got := byName["ingest.step.duration_seconds.max"]; got != 3 {
		t.Fatalf("max=%v, want 3", got)
	}
	if got := byName["ingest.step.duration_seconds.samples"]; got != 3 {
		t.Fatalf("samples=%v, want 3", got)
	}

	series = nil
	addPercentiles(&series, nil, "x", nil, 0)
	if len(series) != 0 {
		t.Fatalf("empty samples produced %d series", len(series))
	}
}

func TestNewBackend_Defaults(t *testing.T) {
	fs := &fakeSubmitter{}
	opts := Options{
		Tags:      []string{"service:ingest"},
		submitter: fs,
		newTicker: func(time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	}

	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend() err=%v, want nil", err)
	}
	defer func() { _ = b.Close() }()

	if !contains(b.baseTags, "job:ingest") {
		t.Fatalf("baseTags missing job:ingest: %v", b.baseTags)
	}
	if !contains(b.baseTags, "service:ingest") {
		t.Fatalf("baseTags missing service:ingest: %v", b.baseTags)
	}
	if b.flushEvery != 60*time.Second {
		t.Fatalf("flushEvery=%s, want 60s", b.flushEvery)
	}
}

func TestFlush_SubmitsAndResets(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.StepTotal, 2, metrics.Labels{"step": "ddl", "status": "ok"})
	b.IncCounter(metrics.RowsTotal, 3, metrics.Labels{"kind": "inserted"})
	b.IncCounter(metrics.ChunksTotal, 1, nil)
	b.ObserveHistogram(metrics.StepDurationSeconds, 0.5, metrics.Labels{"step": "ddl", "status": "ok"})
	b.IncCounter(metrics.HTTPRequestsTotal, 7, metrics.Labels{"route": "/load", "status": "200"})
	b.ObserveHistogram(metrics.HTTPDurationSeconds, 0.1, metrics.Labels{"route": "/load", "status": "200"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
	if len(b.counts) != 0 || len(b.samples) != 0 {
		t.Fatalf("buffers not reset after Flush")
	}

	payload, ok := fs.last()
	if !ok {
		t.Fatalf("missing payload")
	}

	var names []string
	tagsByName := map[string][]string{}
	for _, s := range payload.Series {
		names = append(names, s.Metric)
		tagsByName[s.Metric] = s.Tags
	}
	sort.Strings(names)

	for _, w := range []string{
		"ingest.chunks.total",
		"ingest.rows.total",
		"ingest.step.total",
		"ingest.step.duration_seconds.p50",
		"ingest.step.duration_seconds.samples",
		"ingest.http.requests.total",
		"ingest.http.request_duration_seconds.p50",
		"ingest.http.request_duration_seconds.samples",
	} {
		if !contains(names, w) {
			t.Fatalf("payload missing metric %q; got=%v", w, names)
		}
	}

	if tags := tagsByName["ingest.chunks.total"]; !contains(tags, "status:unknown") || !contains(tags, "job:job1") {
		t.Fatalf("chunks tags=%v", tags)
	}
	if tags := tagsByName["ingest.http.requests.total"]; !contains(tags, "route:/load") || !contains(tags, "status:200") {
		t.Fatalf("http tags=%v", tags)
	}
}

func TestFlush_SubmitErrorStillResets(t *testing.T) {
	fs := &fakeSubmitter{err: errors.New("intake down")}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.ChunksTotal, 1, metrics.Labels{"status": "ok"})
	if err := b.Flush(); err == nil {
		t.Fatalf("Flush() err=nil, want submit error")
	}
	if len(b.counts) != 0 {
		t.Fatalf("counts=%v, want reset", b.counts)
	}
}

func TestFlush_NoDataDoesNotSubmit(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 0 {
		t.Fatalf("unexpected submission count=%d, want 0", fs.count())
	}
}

func TestBuildSeries_DeterministicOrder(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.RowsTotal, 1, metrics.Labels{"kind": "inserted"})
	b.IncCounter(metrics.ChunksTotal, 1, metrics.Labels{"status": "ok"})
	b.IncCounter(metrics.RowsTotal, 1, metrics.Labels{"kind": "duplicate"})

	series := b.buildSeries(b.snapshotAndReset(), 7)
	var got []string
	for _, s := range series {
		got = append(got, s.Metric+"|"+s.Tags[len(s.Tags)-1])
	}
	want := []string{
		"ingest.chunks.total|status:ok",
		"ingest.rows.total|kind:duplicate",
		"ingest.rows.total|kind:inserted",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("order=%v, want %v", got, want)
	}
}

// TestLoopAndClose verifies the background loop flushes periodically and Close performs a final flush.
func TestLoopAndClose(t *testing.T) {
	fs := &fakeSubmitter{}
	opts := Options{
		JobName:    "job1",
		FlushEvery: 5 * time.Millisecond,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(2000, 0) },
	}

	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}

	b.IncCounter(metrics.ChunksTotal, 1, metrics.Labels{"status": "ok"})

	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		if fs.count() >= 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if fs.count() < 1 {
		_ = b.Close()
		t.Fatalf("expected at least one background Flush submission; got %d", fs.count())
	}

	b.IncCounter(metrics.ChunksTotal, 1, metrics.Labels{"status": "ok"})
	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v, want nil", err)
	}
	if fs.count() < 2 {
		t.Fatalf("expected at least 2 submissions after Close; got %d", fs.count())
	}
}

func TestBackend_ConcurrentAccess(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	workers := runtime.GOMAXPROCS(0) * 2
	const perWorker = 200

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				b.IncCounter(metrics.RowsTotal, 1, metrics.Labels{"kind": "inserted"})
				b.ObserveHistogram(metrics.StepDurationSeconds, 0.01, metrics.Labels{"step": "dml", "status": "ok"})
			}
		}()
	}
	wg.Wait()

	snap := b.snapshotAndReset()
	k := seriesKey{metric: "ingest.rows.total", tags: "kind:inserted"}
	if got, want := snap.counts[k], float64(workers*perWorker); got != want {
		t.Fatalf("rows count=%v, want %v", got, want)
	}
	hk := seriesKey{metric: "ingest.step.duration_seconds", tags: "step:dml\x00status:ok"}
	if got, want := len(snap.samples[hk]), workers*perWorker; got != want {
		t.Fatalf("samples=%d, want %d", got, want)
	}
}

func TestIncCounterAndObserveHistogram_Ignored(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	b.IncCounter("not_a_metric", 1, nil)
	b.IncCounter(metrics.RowsTotal, 0, metrics.Labels{"kind": "inserted"})
	b.IncCounter(metrics.RowsTotal, -3, metrics.Labels{"kind": "inserted"})
	b.ObserveHistogram(metrics.StepDurationSeconds, -1, nil)
	b.ObserveHistogram(metrics.RowsTotal, 1, nil)

	if snap := b.snapshotAndReset(); !snap.isEmpty() {
		t.Fatalf("snapshot=%+v, want empty", snap)
	}
}

func contains[T comparable](xs []T, v T) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
