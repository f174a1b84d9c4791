// Package mssql registers the "mssql" storage backend for Microsoft SQL Server
// (github.com/microsoft/go-mssqldb, driver name "sqlserver").
//
// SQL Server specifics:
//   - There is no CREATE TABLE IF NOT EXISTS; DDL is wrapped in an OBJECT_ID
//     guard by statement.MSSQL. Two sessions can still pass the guard at the
//     same time, so error 2714 ("There is already an object named ...") is
//     treated as a lost race, not a failure.
//   - A statement carries at most 2100 parameters; statement.MSSQL splits
//     batches below that and InsertBatch runs the pieces in one transaction.
//   - Catalog lookups are scoped to the login's default schema.
package mssql

import (
	"context"
	"errors"

	mssqldb "github.com/microsoft/go-mssqldb"

	"ingest/internal/statement"
	"ingest/internal/storage"
	"ingest/internal/storage/sqldb"
)

// SQL Server error numbers.
const (
	errObjectExists   = 2714
	errDuplicateKey   = 2627 // PRIMARY KEY / UNIQUE constraint
	errDuplicateIndex = 2601 // unique index
)

const (
	existsSQL  = `SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = SCHEMA_NAME() AND TABLE_NAME = @p1`
	columnsSQL = `SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA = SCHEMA_NAME() AND TABLE_NAME = @p1 ORDER BY ORDINAL_POSITION`
)

func init() {
	storage.Register("mssql", New)
}

// New opens a SQL Server store.
//
// This method validates connectivity via PingContext and ensures the chunk
// ledger exists.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	s, err := sqldb.Open(ctx, cfg.DSN, options())
	if err != nil {
		return nil, err
	}
	return s, nil
}

func options() sqldb.Options {
	return sqldb.Options{
		Driver:     "sqlserver",
		Dialect:    statement.MSSQL{},
		ExistsSQL:  existsSQL,
		ColumnsSQL: columnsSQL,
		// Conservative defaults for bursty loads.
		MaxOpenConns:    64,
		IsAlreadyExists: func(err error) bool { return errorNumber(err) == errObjectExists },
		IsDuplicateKey: func(err error) bool {
			n := errorNumber(err)
			return n == errDuplicateKey || n == errDuplicateIndex
		},
	}
}

// errorNumber returns the SQL Server error number in err's chain, or 0.
func errorNumber(err error) int32 {
	var me mssqldb.Error
	if errors.As(err, &me) {
		return me.SQLErrorNumber()
	}
	return 0
}
