package schema

import (
	"encoding/json"
	"fmt"

	"golang.org/x/text/cases"
)

// InferType maps a single scalar value to its column storage type.
//
// Mapping:
//   - string                       -> Text
//   - any Go numeric, json.Number  -> Float
//   - bool                         -> Boolean
//
// Errors:
//   - Every other kind (nil, maps, slices, structs) returns an
//     *UnsupportedValueError wrapping ErrUnsupportedType. The attribute name is
//     left empty; Synthesize fills it in.
func InferType(v any) (ColumnType, error) {
	switch v.(type) {
	case string:
		return Text, nil
	case float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		json.Number:
		return Float, nil
	case bool:
		return Boolean, nil
	default:
		return 0, &UnsupportedValueError{Value: v}
	}
}

// Synthesize derives a Schema from one representative record.
//
// When to use:
//   - Call Synthesize with the first record of a chunk (or an explicit sample)
//     before creating a table or building INSERT column lists.
//
// Behavior:
//   - Iterates only the attributes the caller actually set, in insertion order.
//   - The returned column order matches the record order exactly.
//
// Errors:
//   - ErrEmptyRecord if rec is nil or has no attributes.
//   - ErrEmptyAttribute if an attribute name is empty.
//   - ErrDuplicateAttribute (wrapped, naming both attributes) if two names
//     are equal under Unicode case folding, e.g. "A" and "a".
//   - *UnsupportedValueError (wrapping ErrUnsupportedType) for the first
//     attribute whose value kind cannot be inferred. No partial schema is
//     returned.
func Synthesize(rec *Record) (Schema, error) {
	if rec == nil || rec.Len() == 0 {
		return Schema{}, ErrEmptyRecord
	}

	fold := cases.Fold()
	seen := make(map[string]string, rec.Len())
	cols := make([]Column, 0, rec.Len())
	for p := rec.Oldest(); p != nil; p = p.Next() {
		if p.Key == "" {
			return Schema{}, ErrEmptyAttribute
		}
		k := fold.String(p.Key)
		if prev, ok := seen[k]; ok {
			return Schema{}, fmt.Errorf("%w: %q and %q", ErrDuplicateAttribute, prev, p.Key)
		}
		seen[k] = p.Key
		t, err := InferType(p.Value)
		if err != nil {
			return Schema{}, &UnsupportedValueError{Attribute: p.Key, Value: p.Value}
		}
		cols = append(cols, Column{Name: p.Key, Type: t})
	}
	return Schema{Columns: cols}, nil
}

// MustParseRecord decodes a JSON object into a Record and panics on error.
// It exists for tests and examples.
func MustParseRecord(s string) *Record {
	rec := NewRecord()
	if err := json.Unmarshal([]byte(s), rec); err != nil {
		panic(fmt.Sprintf("schema: parse record: %v", err))
	}
	return rec
}
