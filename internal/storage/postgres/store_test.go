package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"ingest/internal/naming"
	"ingest/internal/schema"
	"ingest/internal/statement"
	"ingest/internal/storage"
)

func TestIsAlreadyExists(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "duplicate_table", err: &pgconn.PgError{Code: "42P07"}, want: true},
		{name: "pg_type_race", err: fmt.Errorf("exec: %w", &pgconn.PgError{Code: "23505"}), want: true},
		{name: "undefined_column", err: &pgconn.PgError{Code: "42703"}, want: false},
		{name: "not_a_server_error", err: errors.New("relation already exists"), want: false},
		{name: "nil", err: nil, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isAlreadyExists(tc.err); got != tc.want {
				t.Fatalf("isAlreadyExists(%v)=%v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestCatalogQueriesBindTableName(t *testing.T) {
	t.Parallel()

	for _, q := range []string{existsSQL, columnsSQL} {
		if want := "table_name = $1"; !strings.Contains(q, want) {
			t.Fatalf("query %q does not bind %q", q, want)
		}
	}
}

// TestStore_Live runs against a real server when INGEST_TEST_POSTGRES_DSN is set.
func TestStore_Live(t *testing.T) {
	dsn := os.Getenv("INGEST_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("INGEST_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	st, err := New(ctx, storage.Config{Kind: "postgres", DSN: dsn})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer st.Close()

	table := "ingest_live_test_cars"
	if _, err := st.Query(ctx, "DROP TABLE IF EXISTS "+table, 0); err != nil {
		t.Fatalf("drop: %v", err)
	}
	defer st.Query(ctx, "DROP TABLE IF EXISTS "+table, 0)

	sc := schema.Schema{Columns: []schema.Column{{Name: "a", Type: schema.Text}, {Name: "b", Type: schema.Float}}}
	ddl, err := statement.BuildCreate(st.Dialect(), table, sc)
	if err != nil {
		t.Fatalf("BuildCreate: %v", err)
	}
	if err := st.CreateTable(ctx, ddl); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	ok, err := st.TableExists(ctx, table)
	if err != nil || !ok {
		t.Fatalf("TableExists=%v, %v", ok, err)
	}

	stmts, err := statement.BuildBatchInsert(st.Dialect(), table, sc, []*schema.Record{schema.MustParseRecord(`{"a":"O'Brien","b":1}`)})
	if err != nil {
		t.Fatalf("BuildBatchInsert: %v", err)
	}
	key := "live-test-" + table
	defer st.Query(ctx, "DELETE FROM "+naming.LedgerTable+" WHERE chunk_key = '"+key+"'", 0)

	res, err := st.InsertBatch(ctx, storage.Batch{Table: table, Statements: stmts, Rows: 1, ChunkKey: key})
	if err != nil || res.RowsAffected != 1 {
		t.Fatalf("InsertBatch=%+v, %v", res, err)
	}
	res, err = st.InsertBatch(ctx, storage.Batch{Table: table, Statements: stmts, Rows: 1, ChunkKey: key})
	if err != nil || !res.Duplicate {
		t.Fatalf("second InsertBatch=%+v, %v; want duplicate", res, err)
	}
}
