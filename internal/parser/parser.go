// Package parser streams input files as ordered records for the batch CLI.
//
// Format-specific decoders live in sub-packages (parser/json, parser/csv) and
// share the Row type defined here.
package parser

import "ingest/internal/schema"

// Row is one decoded record and its 1-based position in the input.
type Row struct {
	Line   int
	Record *schema.Record
}
