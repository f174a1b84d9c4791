// Package probe previews what ingest would do with a dataset.
//
// It reads a bounded prefix of the input (default 20KB), streams records out
// of it, synthesizes the table schema from the first record and checks every
// other sampled record against that schema. Nothing touches a store: the
// result carries the create DDL for the selected backend instead.
package probe

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"ingest/internal/naming"
	"ingest/internal/parser"
	csvparser "ingest/internal/parser/csv"
	jsonparser "ingest/internal/parser/json"
	"ingest/internal/schema"
	"ingest/internal/statement"
)

// Defaults applied by Run.
const (
	DefaultMaxBytes   = 20000
	DefaultMaxRecords = 1000
)

// Options configures a probe run.
type Options struct {
	// Source is an http(s):// URL, a file:// URL or a local path.
	Source string
	// MaxBytes bounds the sample read from Source.
	MaxBytes int
	// MaxRecords bounds the records checked from the sample.
	MaxRecords int
	// Table is the destination name; it is validated like a load would.
	Table string
	// Backend selects the DDL dialect: postgres | sqlite | mssql | mysql.
	Backend string
	// Format is json, csv or empty to sniff it from the sample.
	Format string

	AllowInsecureTLS bool

	// CSV tunes CSV decoding; JSON tunes JSON decoding.
	CSV  csvparser.Options
	JSON jsonparser.Options
}

// Misfit is a sampled record the synthesized schema would reject.
type Misfit struct {
	Line  int    `json:"line"`
	Error string `json:"error"`
}

// Result is the outcome of a probe.
type Result struct {
	Table     string          `json:"table"`
	Backend   string          `json:"backend"`
	Format    string          `json:"format"`
	Sampled   int             `json:"sampled"`
	Truncated bool            `json:"truncated"`
	Columns   []schema.Column `json:"columns"`
	DDL       string          `json:"ddl"`
	Misfits   []Misfit        `json:"misfits,omitempty"`
}

// PeekFn fetches at most n bytes from source and reports whether more were
// available.
type PeekFn func(ctx context.Context, source string, n int, insecure bool) ([]byte, bool, error)

// Run samples opt.Source with Peek and analyzes the sample.
func Run(ctx context.Context, opt Options) (Result, error) {
	return RunWith(ctx, Peek, opt)
}

// RunWith is Run with a caller-supplied fetcher.
func RunWith(ctx context.Context, peek PeekFn, opt Options) (Result, error) {
	if opt.MaxBytes <= 0 {
		opt.MaxBytes = DefaultMaxBytes
	}
	sample, truncated, err := peek(ctx, opt.Source, opt.MaxBytes, opt.AllowInsecureTLS)
	if err != nil {
		return Result{}, fmt.Errorf("peek %s: %w", opt.Source, err)
	}
	return Analyze(ctx, sample, truncated, opt)
}

// Analyze infers the table for an in-memory sample.
//
// A truncated sample is cut back to its last newline; parse errors after at
// least one record are then blamed on the cut and ignored.
//
// Errors:
//   - The table name is invalid or the backend has no dialect.
//   - The sample has no records, or its first record has no usable schema.
//   - A parse error in an untruncated sample.
func Analyze(ctx context.Context, sample []byte, truncated bool, opt Options) (Result, error) {
	id, err := naming.NewIdentity(opt.Table)
	if err != nil {
		return Result{}, err
	}
	d, err := statement.DialectFor(opt.Backend)
	if err != nil {
		return Result{}, err
	}
	if opt.MaxRecords <= 0 {
		opt.MaxRecords = DefaultMaxRecords
	}

	if truncated {
		if i := bytes.LastIndexByte(sample, '\n'); i >= 0 {
			sample = sample[:i+1]
		}
	}
	format := opt.Format
	if format == "" {
		format = SniffFormat(sample)
	}

	rows, parseErr := sampleRecords(ctx, sample, format, opt)
	if parseErr != nil && (!truncated || len(rows) == 0) {
		return Result{}, parseErr
	}
	if len(rows) == 0 {
		return Result{}, errors.New("probe: sample contains no records")
	}

	s, err := schema.Synthesize(rows[0].Record)
	if err != nil {
		return Result{}, fmt.Errorf("probe: line %d: %w", rows[0].Line, err)
	}
	ddl, err := statement.BuildCreate(d, id.Normalized, s)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Table:     id.Normalized,
		Backend:   d.Name(),
		Format:    format,
		Sampled:   len(rows),
		Truncated: truncated,
		Columns:   s.Columns,
		DDL:       ddl.SQL,
	}
	for _, r := range rows[1:] {
		if _, err := statement.BuildBatchInsert(d, id.Normalized, s, []*schema.Record{r.Record}); err != nil {
			res.Misfits = append(res.Misfits, Misfit{Line: r.Line, Error: err.Error()})
		}
	}
	return res, nil
}

// sampleRecords parses up to opt.MaxRecords records. The first parse error
// stops parsing and is returned with the records read so far.
func sampleRecords(ctx context.Context, sample []byte, format string, opt Options) ([]parser.Row, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan parser.Row)
	var firstErr error
	onErr := func(line int, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("parse error at line %d: %w", line, err)
		}
		cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer close(out)
		switch format {
		case "json":
			done <- jsonparser.StreamRecords(ctx, bytes.NewReader(sample), opt.JSON, out, onErr)
		case "csv":
			done <- csvparser.StreamRecords(ctx, bytes.NewReader(sample), opt.CSV, out, onErr)
		default:
			done <- fmt.Errorf("probe: unknown format %q", format)
		}
	}()

	var rows []parser.Row
	for r := range out {
		if len(rows) < opt.MaxRecords {
			rows = append(rows, r)
		}
		if len(rows) == opt.MaxRecords {
			cancel()
		}
	}
	err := <-done
	if firstErr != nil {
		return rows, firstErr
	}
	if errors.Is(err, context.Canceled) && len(rows) == opt.MaxRecords {
		return rows, nil
	}
	return rows, err
}

// SniffFormat guesses json or csv from the first non-space byte.
func SniffFormat(sample []byte) string {
	trim := bytes.TrimSpace(sample)
	if len(trim) > 0 && (trim[0] == '{' || trim[0] == '[') {
		return "json"
	}
	return "csv"
}

// Peek reads at most n bytes from a URL or path.
func Peek(ctx context.Context, source string, n int, insecure bool) ([]byte, bool, error) {
	if n <= 0 {
		return nil, false, errors.New("peek: n must be > 0")
	}

	var rc io.ReadCloser
	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, false, err
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", n))
		client := &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{InsecureSkipVerify: insecure}, //nolint:gosec // opt-in flag
			},
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, false, err
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
			resp.Body.Close()
			return nil, false, fmt.Errorf("GET %s: %s", source, resp.Status)
		}
		rc = resp.Body
	default:
		f, err := os.Open(strings.TrimPrefix(source, "file://"))
		if err != nil {
			return nil, false, err
		}
		rc = f
	}
	defer rc.Close()

	// One extra byte tells a full read from a truncated one.
	buf, err := io.ReadAll(io.LimitReader(rc, int64(n)+1))
	if err != nil {
		return nil, false, err
	}
	if len(buf) > n {
		return buf[:n], true, nil
	}
	return buf, false, nil
}
