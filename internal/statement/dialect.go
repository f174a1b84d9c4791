// Package statement renders the SQL the loader sends to a store.
//
// Everything here is pure and deterministic: builders take a Dialect, a table
// name, a schema.Schema and records, and return Statement values (SQL text plus
// bound arguments). Values are never spliced into SQL text; they always travel
// as driver parameters.
package statement

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"ingest/internal/schema"
)

// Statement is a single SQL statement and its positional arguments.
type Statement struct {
	SQL  string
	Args []any
}

// Dialect captures the per-backend differences in identifier quoting,
// placeholder syntax, column types and create-if-missing DDL.
type Dialect interface {
	// Name is the storage kind the dialect belongs to ("postgres", "sqlite", ...).
	Name() string
	// QuoteIdent quotes a single identifier (no schema qualification).
	QuoteIdent(name string) string
	// Placeholder returns the n-th (1-based) bind parameter marker.
	Placeholder(n int) string
	// ColumnType maps an inferred type to the backend's column type.
	ColumnType(t schema.ColumnType) string
	// CreateTable wraps column definitions in the backend's create-if-missing DDL.
	CreateTable(table string, defs []string) string
	// MaxParams is the largest number of bind parameters one statement may carry.
	MaxParams() int
}

// DialectFor returns the dialect registered for a storage kind.
func DialectFor(kind string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "postgres", "postgresql":
		return Postgres{}, nil
	case "sqlite":
		return SQLite{}, nil
	case "mssql", "sqlserver":
		return MSSQL{}, nil
	case "mysql":
		return MySQL{}, nil
	default:
		return nil, fmt.Errorf("statement: no dialect for storage kind %q", kind)
	}
}

// FoldsColumnCase reports whether the store matches quoted column names
// case-insensitively. Postgres keeps quoted identifiers exact, so "Name" and
// "name" are different columns there; SQLite, MySQL and SQL Server (default
// collation) treat them as one.
func FoldsColumnCase(d Dialect) bool {
	return d.Name() != "postgres"
}

var textType = fmt.Sprintf("VARCHAR(%d)", schema.TextCapacity)

// Postgres renders SQL for PostgreSQL.
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) QuoteIdent(name string) string { return pgx.Identifier{name}.Sanitize() }

func (Postgres) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (Postgres) ColumnType(t schema.ColumnType) string {
	switch t {
	case schema.Float:
		return "FLOAT"
	case schema.Boolean:
		return "BOOLEAN"
	default:
		return textType
	}
}

func (d Postgres) CreateTable(table string, defs []string) string {
	return createIfNotExists(d.QuoteIdent(table), defs)
}

// MaxParams is the wire protocol limit (uint16 parameter count).
func (Postgres) MaxParams() int { return 65535 }

// SQLite renders SQL for SQLite (modernc.org/sqlite).
//
// SQLite does not enforce VARCHAR lengths; the declared type only sets column
// affinity. Booleans are stored as 0/1 integers.
type SQLite struct{}

func (SQLite) Name() string { return "sqlite" }

func (SQLite) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (SQLite) Placeholder(int) string { return "?" }

func (SQLite) ColumnType(t schema.ColumnType) string {
	switch t {
	case schema.Float:
		return "FLOAT"
	case schema.Boolean:
		return "BOOLEAN"
	default:
		return textType
	}
}

func (d SQLite) CreateTable(table string, defs []string) string {
	return createIfNotExists(d.QuoteIdent(table), defs)
}

// MaxParams matches SQLITE_MAX_VARIABLE_NUMBER for SQLite >= 3.32.
func (SQLite) MaxParams() int { return 32766 }

// MSSQL renders SQL for Microsoft SQL Server.
type MSSQL struct{}

func (MSSQL) Name() string { return "mssql" }

// QuoteIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func (MSSQL) QuoteIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (MSSQL) Placeholder(n int) string { return fmt.Sprintf("@p%d", n) }

func (MSSQL) ColumnType(t schema.ColumnType) string {
	switch t {
	case schema.Float:
		return "FLOAT"
	case schema.Boolean:
		return "BIT"
	default:
		return fmt.Sprintf("NVARCHAR(%d)", schema.TextCapacity)
	}
}

// CreateTable wraps the CREATE in an OBJECT_ID guard; SQL Server has no
// CREATE TABLE IF NOT EXISTS.
func (d MSSQL) CreateTable(table string, defs []string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(table, "'", "''"),
		d.QuoteIdent(table),
		strings.Join(defs, ", "),
	)
}

// MaxParams stays under the server's 2100 parameter limit.
func (MSSQL) MaxParams() int { return 2000 }

// MySQL renders SQL for MySQL / MariaDB.
type MySQL struct{}

func (MySQL) Name() string { return "mysql" }

func (MySQL) QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (MySQL) Placeholder(int) string { return "?" }

func (MySQL) ColumnType(t schema.ColumnType) string {
	switch t {
	case schema.Float:
		return "DOUBLE"
	case schema.Boolean:
		return "BOOLEAN"
	default:
		return textType
	}
}

func (d MySQL) CreateTable(table string, defs []string) string {
	return createIfNotExists(d.QuoteIdent(table), defs)
}

// MaxParams is the prepared statement placeholder limit.
func (MySQL) MaxParams() int { return 65535 }

func createIfNotExists(quotedTable string, defs []string) string {
	return "CREATE TABLE IF NOT EXISTS " + quotedTable + " (" + strings.Join(defs, ", ") + ")"
}
