package statement

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ingest/internal/schema"
)

var (
	// ErrNoRecords is returned by BuildBatchInsert for an empty record slice.
	// Callers treat empty chunks as a no-op before building statements.
	ErrNoRecords = errors.New("statement: no records to insert")
	// ErrEmptySchema is returned when a schema has no columns.
	ErrEmptySchema = errors.New("statement: schema has no columns")
	// ErrNilRecord is returned for a nil entry in a record slice.
	ErrNilRecord = errors.New("statement: record is null")
)

// ValueError reports a record value that does not fit its declared column.
type ValueError struct {
	Record int
	Column string
	Want   schema.ColumnType
	Value  any
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("record %d: attribute %q: %T value does not fit %s column", e.Record, e.Column, e.Value, e.Want)
}

// UnknownAttributeError reports an attribute that is not part of the schema
// derived from the representative record.
type UnknownAttributeError struct {
	Record    int
	Attribute string
}

func (e *UnknownAttributeError) Error() string {
	return fmt.Sprintf("record %d: attribute %q is not in the table schema", e.Record, e.Attribute)
}

// BuildCreate renders the create-if-missing DDL for table.
//
// Columns appear in schema order, each as <quoted name> <dialect type>. No
// primary key, constraint or identity column is added: the table stores rows
// with bag semantics.
func BuildCreate(d Dialect, table string, s schema.Schema) (Statement, error) {
	if s.Len() == 0 {
		return Statement{}, ErrEmptySchema
	}
	defs := make([]string, 0, s.Len())
	for _, c := range s.Columns {
		defs = append(defs, d.QuoteIdent(c.Name)+" "+d.ColumnType(c.Type))
	}
	return Statement{SQL: d.CreateTable(table, defs)}, nil
}

// BuildBatchInsert renders multi-row INSERT statements for records.
//
// When to use:
//   - After the table has been reconciled; s is the schema synthesized from the
//     chunk's representative record.
//
// Behavior:
//   - The column list is s in schema order; every record contributes one value
//     tuple in that same order.
//   - A record missing an attribute binds NULL for that column. A JSON null binds
//     NULL for any column type.
//   - Usually exactly one statement is returned. When len(records)*s.Len()
//     exceeds d.MaxParams(), rows are split across several statements; callers
//     must execute them in one transaction.
//
// Errors:
//   - ErrNoRecords, ErrEmptySchema.
//   - ErrNilRecord (wrapped with the record index) for a nil record.
//   - *UnknownAttributeError when a record carries an attribute s lacks.
//   - *ValueError when a value's kind does not match its column type.
func BuildBatchInsert(d Dialect, table string, s schema.Schema, records []*schema.Record) ([]Statement, error) {
	if len(records) == 0 {
		return nil, ErrNoRecords
	}
	if s.Len() == 0 {
		return nil, ErrEmptySchema
	}

	rows := make([][]any, 0, len(records))
	for i, rec := range records {
		row, err := bindRecord(i, s, rec)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}

	perStmt := d.MaxParams() / s.Len()
	if perStmt < 1 {
		return nil, fmt.Errorf("statement: %d columns exceed the %s parameter limit of %d", s.Len(), d.Name(), d.MaxParams())
	}

	out := make([]Statement, 0, (len(rows)+perStmt-1)/perStmt)
	for start := 0; start < len(rows); start += perStmt {
		end := start + perStmt
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, buildInsert(d, table, s.Names(), rows[start:end]))
	}
	return out, nil
}

// buildInsert constructs a single INSERT statement and its args.
//
// Constraints:
//   - every row has len(columns) values.
//   - placeholders are numbered from 1 per statement.
func buildInsert(d Dialect, table string, columns []string, rows [][]any) Statement {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(d.QuoteIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.QuoteIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.Placeholder(p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	return Statement{SQL: b.String(), Args: args}
}

func bindRecord(idx int, s schema.Schema, rec *schema.Record) ([]any, error) {
	if rec == nil {
		return nil, fmt.Errorf("record %d: %w", idx, ErrNilRecord)
	}
	for p := rec.Oldest(); p != nil; p = p.Next() {
		if _, ok := s.Lookup(p.Key); !ok {
			return nil, &UnknownAttributeError{Record: idx, Attribute: p.Key}
		}
	}

	row := make([]any, s.Len())
	for j, c := range s.Columns {
		v, ok := rec.Get(c.Name)
		if !ok || v == nil {
			continue
		}
		bv, ok := bindValue(c.Type, v)
		if !ok {
			return nil, &ValueError{Record: idx, Column: c.Name, Want: c.Type, Value: v}
		}
		row[j] = bv
	}
	return row, nil
}

// bindValue converts v to the driver value for a column of type t.
func bindValue(t schema.ColumnType, v any) (any, bool) {
	switch t {
	case schema.Text:
		s, ok := v.(string)
		return s, ok
	case schema.Boolean:
		b, ok := v.(bool)
		return b, ok
	case schema.Float:
		return toFloat(v)
	default:
		return nil, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
