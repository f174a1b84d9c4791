// Package storage defines the Store handle shared by the reconciler, loader
// and transport, the backend registry, and helpers common to every backend.
//
// Backends live in sub-packages and register themselves from init(); import
// ingest/internal/storage/all to link every backend into a binary.
package storage

import "ingest/internal/statement"

// Batch is one chunk's worth of INSERT statements.
type Batch struct {
	// Table is the normalized table name (recorded in the ledger).
	Table string
	// Statements are executed in order inside one transaction.
	Statements []statement.Statement
	// Rows is the number of records the statements carry.
	Rows int
	// ChunkKey is the idempotency key; empty means unkeyed (bag semantics).
	ChunkKey string
}

// InsertResult is the outcome of InsertBatch.
type InsertResult struct {
	// RowsAffected is the number of rows inserted (0 for a duplicate).
	RowsAffected int64
	// Duplicate is true when ChunkKey was already in the ledger.
	Duplicate bool
}

// QueryResult is the outcome of a raw passthrough query.
type QueryResult struct {
	Columns      []string `json:"columns,omitempty"`
	Rows         [][]any  `json:"rows,omitempty"`
	IsWrite      bool     `json:"is_write"`
	AffectedRows int64    `json:"affected_rows"`
	// Truncated is true when more rows were available than maxRows.
	Truncated bool `json:"truncated,omitempty"`
}
