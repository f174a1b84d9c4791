// Package csv streams delimited text as ordered records.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"

	"ingest/internal/naming"
	"ingest/internal/parser"
	"ingest/internal/schema"
)

// Options tunes decoding.
type Options struct {
	// Comma is the field delimiter; zero means ','.
	Comma rune
	// LazyQuotes relaxes quote handling (see encoding/csv).
	LazyQuotes bool
	// TrimSpace trims surrounding whitespace from every cell.
	TrimSpace bool
	// InferScalars turns cells that parse as numbers into float64,
	// "true"/"false" into bool and empty cells into null. Otherwise every
	// cell is a string, empty ones included.
	InferScalars bool
}

// StreamRecords reads a header line and streams every following line into
// out as a record whose attributes follow header order.
//
// Header names are normalized (lower-cased, spaces to underscores, BOM
// stripped). With InferScalars, empty cells bind as null since the column
// type is unknown; without it they stay "" so a text-only table accepts them.
// Short lines leave trailing attributes null; extra cells are ignored.
//
// Malformed lines are reported to onErr and skipped. out is not closed.
func StreamRecords(
	ctx context.Context,
	src io.Reader,
	opts Options,
	out chan<- parser.Row,
	onErr func(line int, err error),
) error {
	cr := csv.NewReader(src)
	if opts.Comma != 0 {
		cr.Comma = opts.Comma
	}
	cr.LazyQuotes = opts.LazyQuotes
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	line := 1
	hdr, err := cr.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		if onErr != nil {
			onErr(line, fmt.Errorf("read header: %w", err))
		}
		return fmt.Errorf("csv: read header: %w", err)
	}
	header := make([]string, len(hdr))
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		header[i] = strings.ReplaceAll(naming.Normalize(h), " ", "_")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cells, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				line = pe.StartLine
			}
			if onErr != nil {
				onErr(line, fmt.Errorf("csv read: %w", err))
			}
			continue
		}
		line, _ = cr.FieldPos(0)

		rec := schema.NewRecord()
		for i, name := range header {
			var v any
			if i < len(cells) {
				v = cellValue(cells[i], opts)
			}
			rec.Set(name, v)
		}

		select {
		case out <- parser.Row{Line: line, Record: rec}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func cellValue(s string, opts Options) any {
	if opts.TrimSpace && hasEdgeSpace(s) {
		s = strings.TrimSpace(s)
	}
	if !opts.InferScalars {
		return s
	}
	if s == "" {
		return nil
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if looksNumeric(s) {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return s
}

// looksNumeric keeps words ParseFloat accepts ("inf", "NaN") as text.
func looksNumeric(s string) bool {
	first, last := s[0], s[len(s)-1]
	return (first == '-' || first == '+' || first == '.' || isDigit(first)) && (last == '.' || isDigit(last))
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func hasEdgeSpace(s string) bool {
	if s == "" {
		return false
	}
	return unicode.IsSpace(rune(s[0])) || unicode.IsSpace(rune(s[len(s)-1]))
}
