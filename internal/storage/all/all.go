// Package all links every storage backend into a binary.
package all

import (
	_ "ingest/internal/storage/mssql"
	_ "ingest/internal/storage/mysql"
	_ "ingest/internal/storage/postgres"
	_ "ingest/internal/storage/sqlite"
)
