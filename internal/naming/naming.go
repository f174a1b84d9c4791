// Package naming canonicalizes caller-supplied table names.
//
// The normalized (lower-cased) name is the only form the rest of the system
// uses: it is compared against store metadata AND emitted in generated SQL, so
// a table created as "Cars" is created, checked, and loaded as "cars".
package naming

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// MaxLen is the longest accepted normalized table name, in bytes. It matches
// the Postgres identifier limit, the tightest of the supported backends.
const MaxLen = 63

// LedgerTable is the store table holding committed chunk keys. Callers may not
// load into it.
const LedgerTable = "ingest_chunk_ledger"

// ErrInvalidName is wrapped by every validation failure from NewIdentity.
var ErrInvalidName = errors.New("invalid table name")

// Identity is a (raw, normalized) table name pair.
type Identity struct {
	Raw        string `json:"raw"`
	Normalized string `json:"name"`
}

func (id Identity) String() string { return id.Normalized }

// Normalize trims surrounding whitespace and lower-cases name.
//
// Normalize is idempotent and case-insensitive:
//
//	Normalize(Normalize(s)) == Normalize(s)
//	Normalize("Cars") == Normalize("cars")
func Normalize(name string) string {
	// A Caser is stateful; build one per call so Normalize stays goroutine-safe.
	return cases.Lower(language.Und).String(strings.TrimSpace(name))
}

// NewIdentity normalizes raw and validates the result as a table name.
//
// Accepted names match [a-z_][a-z0-9_]* after normalization and are at most
// MaxLen bytes. Because every accepted name is a plain identifier, generated
// SQL never depends on quoting to stay well-formed.
//
// Errors:
//   - ErrInvalidName (wrapped) when the name is empty, too long, contains other
//     characters, or names the ledger table.
func NewIdentity(raw string) (Identity, error) {
	n := Normalize(raw)
	if n == "" {
		return Identity{}, fmt.Errorf("%w: name is empty", ErrInvalidName)
	}
	if len(n) > MaxLen {
		return Identity{}, fmt.Errorf("%w: %q is longer than %d bytes", ErrInvalidName, raw, MaxLen)
	}
	for i := 0; i < len(n); i++ {
		c := n[i]
		switch {
		case c == '_', c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return Identity{}, fmt.Errorf("%w: %q may only contain letters, digits and underscores and must not start with a digit", ErrInvalidName, raw)
		}
	}
	if n == LedgerTable {
		return Identity{}, fmt.Errorf("%w: %q is reserved", ErrInvalidName, raw)
	}
	return Identity{Raw: raw, Normalized: n}, nil
}
