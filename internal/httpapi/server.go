// Package httpapi exposes the loader over HTTP.
//
// Every route takes and returns JSON. Failures are written as
//
//	{"error": {"kind": "...", "message": "...", "retryable": false}}
//
// with a status derived from the fault kind, and logged once here.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"ingest/internal/faults"
	"ingest/internal/loader"
	"ingest/internal/metrics"
	"ingest/internal/schema"
	"ingest/internal/storage"
)

// HeaderRequestID carries the request id in both directions.
const HeaderRequestID = "X-Request-ID"

// DefaultMaxBodyBytes caps request bodies when Options.MaxBodyBytes is unset.
const DefaultMaxBodyBytes = 32 << 20

// Logger is the minimal logging interface used by the server.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Service is the loader surface the routes call. *loader.Loader implements it.
type Service interface {
	Load(ctx context.Context, table string, chunk []*schema.Record, lo loader.LoadOptions) (loader.Result, error)
	Create(ctx context.Context, table string, sample *schema.Record) (loader.Result, error)
	Exists(ctx context.Context, table string) (bool, error)
	Query(ctx context.Context, sql string, maxRows int) (*storage.QueryResult, error)
}

// Options configures a Server.
type Options struct {
	// MaxBodyBytes caps request bodies; <= 0 uses DefaultMaxBodyBytes.
	MaxBodyBytes int64
	// RateLimitRPS is a process-wide token bucket; <= 0 disables it.
	RateLimitRPS   float64
	RateLimitBurst int
	// MaxQueryRows caps /query results; 0 means no cap.
	MaxQueryRows int

	Logger Logger
}

// Server routes requests to a Service.
type Server struct {
	svc     Service
	opts    Options
	limiter *rate.Limiter
}

// New returns a Server over svc.
func New(svc Service, opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	s := &Server{svc: svc, opts: opts}
	if opts.RateLimitRPS > 0 {
		burst := opts.RateLimitBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), burst)
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /{$}", s.route("ready", s.handleReady))
	mux.Handle("POST /exists", s.route("exists", s.handleExists))
	mux.Handle("POST /create", s.route("create", s.handleCreate))
	mux.Handle("POST /load", s.route("load", s.handleLoad))
	mux.Handle("POST /build", s.route("build", s.handleBuild))
	mux.Handle("POST /query", s.route("query", s.handleQuery))
	return mux
}

type handlerFunc func(r *http.Request) (any, error)

// route wraps h with the request id, rate limit, body cap, error rendering,
// metrics and the access log line.
func (s *Server) route(name string, h handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := r.Header.Get(HeaderRequestID)
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, reqID)

		var (
			status int
			body   any
			err    error
		)
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			status, body = http.StatusTooManyRequests, errorBody{Error: errorDetail{
				Kind:      "rate_limited",
				Message:   "too many requests",
				Retryable: true,
			}}
			err = errRateLimited
		} else {
			r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
			body, err = h(r)
			status = http.StatusOK
			if err != nil {
				status, body = renderError(err)
			}
		}

		writeJSON(w, status, body)
		metrics.RecordHTTP(name, status, err, time.Since(start))

		logf := s.logger()
		if err != nil {
			logf("stage=http route=%s request_id=%s status=%d err=%v duration=%s",
				name, reqID, status, err, durMS(start))
			return
		}
		logf("stage=http route=%s request_id=%s status=%d ok duration=%s",
			name, reqID, status, durMS(start))
	})
}

var errRateLimited = errors.New("rate limited")

func (s *Server) handleReady(*http.Request) (any, error) {
	return map[string]bool{"ready": true}, nil
}

type existsRequest struct {
	Name string `json:"name"`
}

type existsResponse struct {
	Exists bool `json:"exists"`
}

func (s *Server) handleExists(r *http.Request) (any, error) {
	var req existsRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	ok, err := s.svc.Exists(r.Context(), req.Name)
	if err != nil {
		return nil, err
	}
	return existsResponse{Exists: ok}, nil
}

type createRequest struct {
	Name   string          `json:"name"`
	Sample json.RawMessage `json:"sample"`
}

type createResponse struct {
	Table   string          `json:"table"`
	Created bool            `json:"created"`
	Columns []schema.Column `json:"columns"`
}

func (s *Server) handleCreate(r *http.Request) (any, error) {
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	var sample *schema.Record
	if !isNull(req.Sample) {
		rec, err := decodeRecord(req.Sample)
		if err != nil {
			return nil, faults.E(faults.BadRequest, "create", "", fmt.Errorf("sample: %w", err))
		}
		sample = rec
	}
	res, err := s.svc.Create(r.Context(), req.Name, sample)
	if err != nil {
		return nil, err
	}
	return createResponse{Table: res.Table, Created: res.Created, Columns: columns(res.Schema)}, nil
}

type loadRequest struct {
	Name     string            `json:"name"`
	Records  []json.RawMessage `json:"records"`
	Sequence string            `json:"sequence,omitempty"`
}

func (s *Server) handleLoad(r *http.Request) (any, error) {
	var req loadRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	chunk, err := decodeRecords(req.Records)
	if err != nil {
		return nil, faults.E(faults.BadRequest, "load", "", err)
	}
	res, err := s.svc.Load(r.Context(), req.Name, chunk, loader.LoadOptions{Sequence: req.Sequence})
	if err != nil {
		return nil, err
	}
	return res, nil
}

type buildRequest struct {
	Name string            `json:"name"`
	Data []json.RawMessage `json:"data"`
}

type buildResponse struct {
	Table  string          `json:"table,omitempty"`
	Fields []schema.Column `json:"fields"`
	Rows   int64           `json:"rows"`
}

// handleBuild loads data and answers with the synthesized field list.
func (s *Server) handleBuild(r *http.Request) (any, error) {
	var req buildRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if len(req.Data) == 0 {
		s.logger()("stage=build table=%s warn=%q", req.Name, "data len is 0, could not build schema or create table")
		return buildResponse{Fields: []schema.Column{}}, nil
	}
	chunk, err := decodeRecords(req.Data)
	if err != nil {
		return nil, faults.E(faults.BadRequest, "build", "", err)
	}
	res, err := s.svc.Load(r.Context(), req.Name, chunk, loader.LoadOptions{})
	if err != nil {
		return nil, err
	}
	return buildResponse{Table: res.Table, Fields: columns(res.Schema), Rows: res.Rows}, nil
}

type queryRequest struct {
	Query   string `json:"query"`
	MaxRows int    `json:"max_rows,omitempty"`
}

func (s *Server) handleQuery(r *http.Request) (any, error) {
	var req queryRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if req.Query == "" {
		return nil, faults.E(faults.BadRequest, "query", "", errors.New("query is empty"))
	}
	res, err := s.svc.Query(r.Context(), req.Query, s.maxRows(req.MaxRows))
	if err != nil {
		return nil, err
	}
	return res, nil
}

// maxRows clamps a requested row cap to Options.MaxQueryRows.
func (s *Server) maxRows(requested int) int {
	limit := s.opts.MaxQueryRows
	if requested <= 0 {
		return limit
	}
	if limit > 0 && requested > limit {
		return limit
	}
	return requested
}

func (s *Server) logger() func(format string, v ...any) {
	if s.opts.Logger == nil {
		return log.New(io.Discard, "", 0).Printf
	}
	return s.opts.Logger.Printf
}

// decodeBody decodes one JSON object from the request body. Unknown fields
// and trailing data are bad requests.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &bodyTooLargeError{limit: tooLarge.Limit}
		}
		return faults.E(faults.BadRequest, "decode", "", fmt.Errorf("decode request: %w", err))
	}
	if dec.More() {
		return faults.E(faults.BadRequest, "decode", "", errors.New("decode request: trailing data after JSON object"))
	}
	return nil
}

type bodyTooLargeError struct{ limit int64 }

func (e *bodyTooLargeError) Error() string {
	return fmt.Sprintf("request body exceeds %d bytes", e.limit)
}

func decodeRecords(raws []json.RawMessage) ([]*schema.Record, error) {
	out := make([]*schema.Record, 0, len(raws))
	for i, raw := range raws {
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// decodeRecord decodes one JSON object keeping attribute order.
func decodeRecord(raw json.RawMessage) (*schema.Record, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, errors.New("not a JSON object")
	}
	rec := schema.NewRecord()
	if err := rec.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return rec, nil
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func columns(s schema.Schema) []schema.Column {
	if s.Columns == nil {
		return []schema.Column{}
	}
	return s.Columns
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }
