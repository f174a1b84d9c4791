// Package json streams JSON input as ordered records.
//
// The batch CLI reads files far larger than a single chunk, so the parser
// decodes one record at a time and never holds the whole document.
package json

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"ingest/internal/parser"
	"ingest/internal/schema"
)

// Options tunes decoding.
type Options struct {
	// ArrayJoinSeparator, when non-empty, flattens arrays of strings into one
	// string joined by the separator. Empty leaves arrays untouched, so
	// schema inference rejects them.
	ArrayJoinSeparator string
}

// StreamRecords parses JSON from r and streams each record into out.
//
// Streaming behavior:
//   - If the root is a JSON array, it streams each object element one-by-one.
//   - If the root is a JSON object and contains an array field whose first
//     non-null element is an object, it streams that field one-by-one
//     (envelope pattern).
//   - Otherwise the root object is one record. Arrays of scalars stay
//     attributes, so ArrayJoinSeparator can flatten them.
//   - Objects following the root value (JSON Lines) are emitted as well.
//
// Attribute order inside every record is preserved from the input.
//
// out is not closed; the caller owns it. onParseErr, when non-nil, is told the
// line of a malformed record before StreamRecords returns the error.
func StreamRecords(
	ctx context.Context,
	r io.Reader,
	opts Options,
	out chan<- parser.Row,
	onParseErr func(line int, err error),
) error {
	dec := json.NewDecoder(r)
	line := 0

	emit := func(rec *schema.Record) error {
		line++
		if opts.ArrayJoinSeparator != "" {
			joinStringArrays(rec, opts.ArrayJoinSeparator)
		}
		select {
		case out <- parser.Row{Line: line, Record: rec}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Peek the first token so we can stream arrays/envelopes without buffering.
	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		if onParseErr != nil {
			onParseErr(0, err)
		}
		return fmt.Errorf("json: read first token: %w", err)
	}

	d, ok := tok.(json.Delim)
	if !ok {
		return fmt.Errorf("json: unsupported root token %T (want object or array)", tok)
	}

	switch d {
	case '[':
		if err := streamArrayOfObjects(ctx, dec, emit, onParseErr, &line); err != nil {
			return err
		}
		if end, err := dec.Token(); err != nil {
			return fmt.Errorf("json: read array end: %w", err)
		} else if end != json.Delim(']') {
			return fmt.Errorf("json: expected array end ']', got %v", end)
		}

	case '{':
		streamed, single, err := streamEnvelopeOrSingle(ctx, dec, emit, onParseErr, &line)
		if err != nil {
			return err
		}
		if end, err := dec.Token(); err != nil {
			return fmt.Errorf("json: read object end: %w", err)
		} else if end != json.Delim('}') {
			return fmt.Errorf("json: expected object end '}', got %v", end)
		}
		if !streamed {
			if err := emit(single); err != nil {
				return err
			}
		}

	default:
		return fmt.Errorf("json: unsupported root delimiter %q", d)
	}

	return streamTrailingObjects(ctx, dec, emit, onParseErr, &line)
}

func streamTrailingObjects(
	ctx context.Context,
	dec *json.Decoder,
	emit func(*schema.Record) error,
	onParseErr func(line int, err error),
	line *int,
) error {
	for {
		rec, err := decodeRecord(dec)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if onParseErr != nil {
				onParseErr(*line+1, err)
			}
			return fmt.Errorf("json: decode trailing object: %w", err)
		}
		if rec == nil {
			continue
		}
		if err := emit(rec); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// streamArrayOfObjects streams elements of the current array (after '[' has
// been consumed). Every element must be an object; null elements are skipped.
func streamArrayOfObjects(
	ctx context.Context,
	dec *json.Decoder,
	emit func(*schema.Record) error,
	onParseErr func(line int, err error),
	line *int,
) error {
	for dec.More() {
		rec, err := decodeRecord(dec)
		if err != nil {
			if onParseErr != nil {
				onParseErr(*line+1, err)
			}
			return fmt.Errorf("json: decode array element: %w", err)
		}
		if rec == nil {
			continue
		}
		if err := emit(rec); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

// decodeRecord decodes the next value as an ordered record. A JSON null
// yields (nil, nil); any other non-object value is an error.
func decodeRecord(dec *json.Decoder) (*schema.Record, error) {
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("element is not an object: %.32s", raw)
	}
	rec := schema.NewRecord()
	if err := rec.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return rec, nil
}

// streamEnvelopeOrSingle walks a root object (after '{' has been consumed).
//
// If it finds a field whose value is an array of objects, it streams that
// array as records and skips the remaining fields (envelope behavior).
//
// Otherwise it builds a single record, in field order, for the caller to emit.
func streamEnvelopeOrSingle(
	ctx context.Context,
	dec *json.Decoder,
	emit func(*schema.Record) error,
	onParseErr func(line int, err error),
	line *int,
) (streamed bool, single *schema.Record, _ error) {
	single = schema.NewRecord()

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			if onParseErr != nil {
				onParseErr(*line+1, err)
			}
			return false, nil, fmt.Errorf("json: read object key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return false, nil, fmt.Errorf("json: object key not a string (got %T)", keyTok)
		}

		valTok, err := dec.Token()
		if err != nil {
			if onParseErr != nil {
				onParseErr(*line+1, err)
			}
			return false, nil, fmt.Errorf("json: read object value token: %w", err)
		}

		if delim, ok := valTok.(json.Delim); ok && delim == '[' {
			head, envelope, err := peekArray(dec)
			if err != nil {
				if onParseErr != nil {
					onParseErr(*line+1, err)
				}
				return false, nil, fmt.Errorf("json: read array field %q: %w", key, err)
			}
			if !envelope {
				arr, err := finishArray(dec, head)
				if err != nil {
					if onParseErr != nil {
						onParseErr(*line+1, err)
					}
					return false, nil, fmt.Errorf("json: read array field %q: %w", key, err)
				}
				single.Set(key, arr)
				continue
			}

			// head ends with the first object of the envelope.
			first := schema.NewRecord()
			if err := first.UnmarshalJSON(head[len(head)-1]); err != nil {
				if onParseErr != nil {
					onParseErr(*line+1, err)
				}
				return false, nil, fmt.Errorf("json: decode array element: %w", err)
			}
			if err := emit(first); err != nil {
				return false, nil, err
			}
			if err := streamArrayOfObjects(ctx, dec, emit, onParseErr, line); err != nil {
				return false, nil, err
			}
			endTok, err := dec.Token()
			if err != nil {
				return false, nil, fmt.Errorf("json: read envelope array end: %w", err)
			}
			if endTok != json.Delim(']') {
				return false, nil, fmt.Errorf("json: expected ']' after envelope array, got %v", endTok)
			}

			// Skip remaining fields of the root object without decoding them.
			for dec.More() {
				if _, err := dec.Token(); err != nil {
					return true, nil, fmt.Errorf("json: skip envelope key: %w", err)
				}
				if err := skipNextValue(dec); err != nil {
					return true, nil, err
				}
			}
			return true, nil, nil
		}

		val, err := materializeValueFromFirstToken(dec, valTok)
		if err != nil {
			if onParseErr != nil {
				onParseErr(*line+1, err)
			}
			return false, nil, err
		}
		single.Set(key, val)
	}

	return false, single, nil
}

// peekArray reads elements of the current array (after '[' has been consumed)
// up to and including the first non-null one. envelope reports whether that
// element is an object. An empty or all-null array is not an envelope.
func peekArray(dec *json.Decoder) (head []json.RawMessage, envelope bool, _ error) {
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, false, err
		}
		raw = bytes.TrimSpace(raw)
		head = append(head, raw)
		if bytes.Equal(raw, []byte("null")) {
			continue
		}
		return head, raw[0] == '{', nil
	}
	return head, false, nil
}

// finishArray decodes the peeked elements and the rest of the array as a
// plain attribute value, consuming the closing ']'.
func finishArray(dec *json.Decoder, head []json.RawMessage) ([]any, error) {
	arr := make([]any, 0, len(head))
	for _, raw := range head {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		arr = append(arr, v)
	}
	for dec.More() {
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		arr = append(arr, v)
	}
	if err := expectDelim(dec, ']'); err != nil {
		return nil, err
	}
	return arr, nil
}

// skipNextValue skips the next JSON value from the decoder, without materializing it.
func skipNextValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("json: skip value token: %w", err)
	}
	_, err = walkValue(dec, tok, false)
	return err
}

// materializeValueFromFirstToken builds a Go value for the current JSON value,
// given the first token has already been read. Nested objects become
// map[string]any; the record keeps them so inference can reject them by name.
func materializeValueFromFirstToken(dec *json.Decoder, tok any) (any, error) {
	return walkValue(dec, tok, true)
}

// walkValue consumes the value starting at tok and, when keep is set, returns
// it as a Go value.
func walkValue(dec *json.Decoder, tok any, keep bool) (any, error) {
	d, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}

	switch d {
	case '{':
		var m map[string]any
		if keep {
			m = make(map[string]any)
		}
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested object key: %w", err)
			}
			k, ok := kt.(string)
			if !ok {
				return nil, fmt.Errorf("json: nested object key not string (got %T)", kt)
			}
			vt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested object value token: %w", err)
			}
			v, err := walkValue(dec, vt, keep)
			if err != nil {
				return nil, err
			}
			if keep {
				m[k] = v
			}
		}
		if err := expectDelim(dec, '}'); err != nil {
			return nil, err
		}
		if !keep {
			return nil, nil
		}
		return m, nil

	case '[':
		var arr []any
		for dec.More() {
			vt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested array value token: %w", err)
			}
			v, err := walkValue(dec, vt, keep)
			if err != nil {
				return nil, err
			}
			if keep {
				arr = append(arr, v)
			}
		}
		if err := expectDelim(dec, ']'); err != nil {
			return nil, err
		}
		if !keep {
			return nil, nil
		}
		return arr, nil

	default:
		return nil, fmt.Errorf("json: unexpected delimiter %q", d)
	}
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	end, err := dec.Token()
	if err != nil {
		return fmt.Errorf("json: read %q: %w", want, err)
	}
	if end != want {
		return fmt.Errorf("json: expected %q, got %v", want, end)
	}
	return nil
}

// joinStringArrays flattens array-of-strings attributes in place. Arrays
// holding anything other than strings and nulls are left as they are.
func joinStringArrays(rec *schema.Record, sep string) {
	for p := rec.Oldest(); p != nil; p = p.Next() {
		if s, ok := joinStrings(p.Value, sep); ok {
			p.Value = s
		}
	}
}

func joinStrings(v any, sep string) (string, bool) {
	arr, ok := v.([]any)
	if !ok {
		return "", false
	}
	ss := make([]string, 0, len(arr))
	for _, it := range arr {
		if it == nil {
			continue
		}
		s, ok := it.(string)
		if !ok {
			return "", false
		}
		ss = append(ss, s)
	}
	return strings.Join(ss, sep), true
}
