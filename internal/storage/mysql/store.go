// Package mysql registers the "mysql" storage backend
// (github.com/go-sql-driver/mysql).
//
// MySQL commits DDL implicitly, so CreateTable is never part of a load
// transaction; InsertBatch transactions contain only DML and the ledger row.
package mysql

import (
	"context"
	"errors"

	mysqldrv "github.com/go-sql-driver/mysql"

	"ingest/internal/schema"
	"ingest/internal/statement"
	"ingest/internal/storage"
	"ingest/internal/storage/sqldb"
)

// MySQL server error numbers.
const (
	errTableExists  = 1050 // ER_TABLE_EXISTS_ERROR
	errDuplicateKey = 1062 // ER_DUP_ENTRY
)

const (
	existsSQL  = `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?`
	columnsSQL = `SELECT column_name FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = ? ORDER BY ordinal_position`
)

// BOOLEAN is an alias of TINYINT(1); the driver reports it as TINYINT.
var resultTypes = map[string]schema.ColumnType{
	"TINYINT": schema.Boolean,
	"BOOLEAN": schema.Boolean,
	"BOOL":    schema.Boolean,
	"FLOAT":   schema.Float,
	"DOUBLE":  schema.Float,
}

func init() {
	storage.Register("mysql", New)
}

// New opens a MySQL store. cfg.DSN uses the driver's format,
// e.g. "user:pass@tcp(host:3306)/db".
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	if _, err := mysqldrv.ParseDSN(cfg.DSN); err != nil {
		return nil, err
	}
	s, err := sqldb.Open(ctx, cfg.DSN, options())
	if err != nil {
		return nil, err
	}
	return s, nil
}

func options() sqldb.Options {
	return sqldb.Options{
		Driver:          "mysql",
		Dialect:         statement.MySQL{},
		ExistsSQL:       existsSQL,
		ColumnsSQL:      columnsSQL,
		MaxOpenConns:    32,
		ResultTypes:     resultTypes,
		IsAlreadyExists: func(err error) bool { return errorNumber(err) == errTableExists },
		IsDuplicateKey:  func(err error) bool { return errorNumber(err) == errDuplicateKey },
	}
}

func errorNumber(err error) uint16 {
	var me *mysqldrv.MySQLError
	if errors.As(err, &me) {
		return me.Number
	}
	return 0
}
