// Package schema implements type inference and schema synthesis for
// semi-structured records.
//
// The package is responsible for:
//   - Mapping a single scalar value to a column storage type (InferType)
//   - Mapping a representative record to an ordered column schema (Synthesize)
//
// Design constraints:
//   - Column order is the insertion order of the representative record. The
//     same order is reused verbatim for CREATE column lists and INSERT value
//     tuples, so it must never be re-sorted.
//   - Inference is strict: an attribute whose type cannot be inferred fails the
//     whole synthesis instead of being dropped.
//
// This package is side-effect free and has no store dependencies.
package schema

import (
	"errors"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Record is one semi-structured input row: attribute name -> scalar value.
//
// Records decode from JSON objects with their attribute order intact
// (orderedmap implements json.Unmarshaler). Numbers decode as float64.
type Record = orderedmap.OrderedMap[string, any]

// NewRecord returns an empty Record ready for Set calls.
func NewRecord() *Record {
	return orderedmap.New[string, any]()
}

// ColumnType is the storage type inferred for an attribute.
type ColumnType int

const (
	// Text is a bounded-length string column (TextCapacity characters).
	// Longer values are not validated locally; the store rejects them.
	Text ColumnType = iota + 1
	// Float is a floating-point numeric column. Integral numbers also map here;
	// no integer subtype is distinguished.
	Float
	// Boolean is a true/false column.
	Boolean
)

// TextCapacity is the character capacity of Text columns.
const TextCapacity = 128

// String returns the lower-case name used in JSON responses and logs.
func (t ColumnType) String() string {
	switch t {
	case Text:
		return "text"
	case Float:
		return "float"
	case Boolean:
		return "boolean"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// MarshalText lets ColumnType render as its name in JSON.
func (t ColumnType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Column is a single attribute of a Schema.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Schema is an ordered attribute -> type mapping.
type Schema struct {
	Columns []Column `json:"columns"`
}

// Len returns the number of columns.
func (s Schema) Len() int { return len(s.Columns) }

// Names returns the column names in schema order.
func (s Schema) Names() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

// Lookup returns the column named name, if present.
//
// Lookup is case-sensitive: attribute names are preserved exactly as the
// client sent them.
func (s Schema) Lookup(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

var (
	// ErrUnsupportedType is wrapped by every inference failure.
	ErrUnsupportedType = errors.New("schema: unsupported value type")
	// ErrEmptyRecord is returned when a representative record has no attributes.
	ErrEmptyRecord = errors.New("schema: representative record has no attributes")
	// ErrEmptyAttribute is returned for an attribute with an empty name.
	ErrEmptyAttribute = errors.New("schema: attribute name is empty")
	// ErrDuplicateAttribute is wrapped when two attribute names differ only
	// by case. Most stores fold column-name case, so the CREATE would fail.
	ErrDuplicateAttribute = errors.New("schema: attribute names collide")
)

// UnsupportedValueError reports the attribute and Go type that could not be
// mapped to a ColumnType.
type UnsupportedValueError struct {
	Attribute string
	Value     any
}

func (e *UnsupportedValueError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("schema: attribute %q: cannot infer a column type from null", e.Attribute)
	}
	return fmt.Sprintf("schema: attribute %q: cannot infer a column type from %T", e.Attribute, e.Value)
}

func (e *UnsupportedValueError) Unwrap() error { return ErrUnsupportedType }
