package statement

import (
	"time"

	"ingest/internal/naming"
)

// Ledger columns. chunk_key is the hex sha256 chunk key and the primary key, so
// two transactions racing to commit the same chunk cannot both succeed.
var ledgerDefs = []string{
	"chunk_key VARCHAR(64) NOT NULL PRIMARY KEY",
	"table_name VARCHAR(128) NOT NULL",
	"row_count BIGINT NOT NULL",
	"loaded_at VARCHAR(40) NOT NULL",
}

// BuildLedgerCreate renders the create-if-missing DDL for the chunk ledger.
func BuildLedgerCreate(d Dialect) Statement {
	return Statement{SQL: d.CreateTable(naming.LedgerTable, ledgerDefs)}
}

// BuildLedgerLookup renders a query returning row_count for a committed chunk
// key. No row means the chunk has not been loaded.
func BuildLedgerLookup(d Dialect, chunkKey string) Statement {
	return Statement{
		SQL:  "SELECT row_count FROM " + d.QuoteIdent(naming.LedgerTable) + " WHERE chunk_key = " + d.Placeholder(1),
		Args: []any{chunkKey},
	}
}

// BuildLedgerInsert renders the INSERT recording a committed chunk. loadedAt is
// stored as RFC3339 UTC text so every backend round-trips it the same way.
func BuildLedgerInsert(d Dialect, chunkKey, table string, rows int64, loadedAt time.Time) Statement {
	return Statement{
		SQL: "INSERT INTO " + d.QuoteIdent(naming.LedgerTable) +
			" (chunk_key, table_name, row_count, loaded_at) VALUES (" +
			d.Placeholder(1) + ", " + d.Placeholder(2) + ", " + d.Placeholder(3) + ", " + d.Placeholder(4) + ")",
		Args: []any{chunkKey, table, rows, loadedAt.UTC().Format(time.RFC3339)},
	}
}
