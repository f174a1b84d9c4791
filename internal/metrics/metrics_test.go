package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type call struct {
	kind   string
	name   string
	value  float64
	labels Labels
}

type recordingBackend struct {
	mu    sync.Mutex
	calls []call
}

func (r *recordingBackend) IncCounter(name string, delta float64, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{"counter", name, delta, labels})
}

func (r *recordingBackend) ObserveHistogram(name string, value float64, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{"histogram", name, value, labels})
}

func (r *recordingBackend) Flush() error { return nil }

func TestRecordStep(t *testing.T) {
	rb := &recordingBackend{}
	SetBackend(rb)
	defer SetBackend(nil)

	RecordStep("ddl", "ok", 1500*time.Millisecond)

	if len(rb.calls) != 2 {
		t.Fatalf("calls=%d, want 2", len(rb.calls))
	}
	if c := rb.calls[0]; c.name != StepTotal || c.value != 1 || c.labels["step"] != "ddl" || c.labels["status"] != "ok" {
		t.Fatalf("counter call=%+v", c)
	}
	if c := rb.calls[1]; c.name != StepDurationSeconds || c.value != 1.5 {
		t.Fatalf("histogram call=%+v", c)
	}
}

func TestRecordRows_SkipsZero(t *testing.T) {
	rb := &recordingBackend{}
	SetBackend(rb)
	defer SetBackend(nil)

	RecordRows("inserted", 0)
	RecordRows("inserted", 3)

	if len(rb.calls) != 1 || rb.calls[0].value != 3 || rb.calls[0].labels["kind"] != "inserted" {
		t.Fatalf("calls=%+v", rb.calls)
	}
}

func TestRecordHTTP_ErrorsCounted(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		err        error
		wantErrors int
	}{
		{name: "ok", status: 200},
		{name: "client_error", status: 400, err: errors.New("bad"), wantErrors: 1},
		{name: "server_error_no_err", status: 503, wantErrors: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rb := &recordingBackend{}
			SetBackend(rb)
			defer SetBackend(nil)

			RecordHTTP("/load", tc.status, tc.err, time.Millisecond)

			errs := 0
			for _, c := range rb.calls {
				if c.name == HTTPErrorsTotal {
					errs++
				}
				if c.labels["route"] != "/load" {
					t.Fatalf("route label=%q", c.labels["route"])
				}
			}
			if errs != tc.wantErrors {
				t.Fatalf("error counters=%d, want %d", errs, tc.wantErrors)
			}
		})
	}
}

func TestSetBackend_NilRestoresNop(t *testing.T) {
	SetBackend(nil)
	if err := Flush(); err != nil {
		t.Fatalf("nop Flush: %v", err)
	}
	RecordChunk("ok") // must not panic
}
