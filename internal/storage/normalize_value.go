package storage

import (
	"strconv"
	"strings"
	"time"

	"ingest/internal/schema"
)

// NormalizeValue converts a driver-returned value to a JSON-safe scalar.
//
// Backends must not assume a particular underlying type for result cells;
// this helper keeps query results consistent across backends:
//   - []byte -> string
//   - time.Time -> RFC3339Nano (UTC)
//   - every integer kind -> int64, float32 -> float64
//   - everything else is returned as-is.
func NormalizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

// NormalizeAs is NormalizeValue for a cell whose column type is known.
//
// Drivers without a native boolean hand back BOOLEAN columns as integers, and
// text protocols hand back numbers as bytes; both are restored to the Go type
// the column was loaded from:
//   - Boolean: integers -> v != 0, "0"/"1"/"true"/"false" -> bool
//   - Float: integers -> float64, numeric text -> float64
//
// Values that do not convert, and a zero t, fall back to NormalizeValue.
func NormalizeAs(v any, t schema.ColumnType) any {
	v = NormalizeValue(v)
	switch t {
	case schema.Boolean:
		switch x := v.(type) {
		case int64:
			return x != 0
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(x)); err == nil {
				return b
			}
		}
	case schema.Float:
		switch x := v.(type) {
		case int64:
			return float64(x)
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
				return f
			}
		}
	}
	return v
}

var readPrefixes = []string{"SELECT", "WITH", "SHOW", "DESCRIBE", "DESC", "EXPLAIN", "PRAGMA", "VALUES"}

// IsReadQuery reports whether q returns a result set rather than an affected
// row count. Detection is by leading keyword only.
func IsReadQuery(q string) bool {
	s := strings.ToUpper(strings.TrimLeft(q, " \t\r\n("))
	for _, p := range readPrefixes {
		if strings.HasPrefix(s, p) {
			rest := s[len(p):]
			if rest == "" || rest[0] == ' ' || rest[0] == '\t' || rest[0] == '\n' || rest[0] == '\r' || rest[0] == '(' || rest[0] == '*' {
				return true
			}
		}
	}
	return false
}
