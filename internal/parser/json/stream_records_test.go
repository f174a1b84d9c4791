package json

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"ingest/internal/parser"
	"ingest/internal/schema"
)

// runStream runs StreamRecords in a goroutine and collects everything it emits.
func runStream(ctx context.Context, input string, opts Options) (rows []parser.Row, err error, parseErrCalls []string) {
	out := make(chan parser.Row, 16)

	onParseErr := func(line int, e error) {
		parseErrCalls = append(parseErrCalls, fmt.Sprintf("line=%d err=%s", line, e.Error()))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		err = StreamRecords(ctx, strings.NewReader(input), opts, out, onParseErr)
		close(out)
	}()

	for r := range out {
		rows = append(rows, r)
	}
	<-done
	return rows, err, parseErrCalls
}

func keys(rec *schema.Record) []string {
	var out []string
	for p := rec.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Key)
	}
	return out
}

func get(rec *schema.Record, k string) any {
	v, _ := rec.Get(k)
	return v
}

func TestStreamRecords_RootArrayAndTrailingJSONL(t *testing.T) {
	input := `[
		{"z": 1, "a": "x"},
		null,
		{"z": 2, "a": "y"}
	]
	{"z": 3, "a": "w"}`

	rows, err, parseCalls := runStream(context.Background(), input, Options{})
	if err != nil {
		t.Fatalf("StreamRecords() err=%v, want nil", err)
	}
	if len(parseCalls) != 0 {
		t.Fatalf("onParseErr calls=%v, want none", parseCalls)
	}
	if len(rows) != 3 {
		t.Fatalf("rows=%d, want 3", len(rows))
	}
	for i, r := range rows {
		if r.Line != i+1 {
			t.Fatalf("rows[%d].Line=%d, want %d", i, r.Line, i+1)
		}
		if got, want := keys(r.Record), []string{"z", "a"}; !reflect.DeepEqual(got, want) {
			t.Fatalf("rows[%d] keys=%v, want %v (input order)", i, got, want)
		}
	}
	if got := get(rows[2].Record, "z"); got != 3.0 {
		t.Fatalf("z=%#v, want 3.0", got)
	}
}

func TestStreamRecords_JSONLines(t *testing.T) {
	input := "{\"a\":1}\n{\"a\":2}\n\n{\"a\":3}\n"

	rows, err, _ := runStream(context.Background(), input, Options{})
	if err != nil {
		t.Fatalf("StreamRecords() err=%v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows=%d, want 3", len(rows))
	}
}

func TestStreamRecords_EnvelopeStreamsFirstArrayField(t *testing.T) {
	input := `{
		"meta": {"ignore": [1,2,3]},
		"records": [{"x": 1}, {"x": 2}],
		"other": {"deep": [{"k": "v"}], "n": 10}
	}
	{"x": 3}`

	rows, err, parseCalls := runStream(context.Background(), input, Options{})
	if err != nil {
		t.Fatalf("StreamRecords() err=%v, want nil", err)
	}
	if len(parseCalls) != 0 {
		t.Fatalf("onParseErr calls=%v, want none", parseCalls)
	}
	if len(rows) != 3 {
		t.Fatalf("rows=%d, want 3", len(rows))
	}
	for i, want := range []float64{1, 2, 3} {
		if got := get(rows[i].Record, "x"); got != want {
			t.Fatalf("rows[%d].x=%#v, want %v", i, got, want)
		}
	}
}

func TestStreamRecords_SingleObjectKeepsOrderAndNestedValues(t *testing.T) {
	input := `{"x": 1, "nested": {"y": 2}, "flag": true}`

	rows, err, _ := runStream(context.Background(), input, Options{})
	if err != nil {
		t.Fatalf("StreamRecords() err=%v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows=%d, want 1", len(rows))
	}
	rec := rows[0].Record
	if got, want := keys(rec), []string{"x", "nested", "flag"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("keys=%v, want %v", got, want)
	}
	if got, want := get(rec, "nested"), map[string]any{"y": 2.0}; !reflect.DeepEqual(got, want) {
		t.Fatalf("nested=%#v, want %#v", got, want)
	}
	if got := get(rec, "flag"); got != true {
		t.Fatalf("flag=%#v, want true", got)
	}
}

func TestStreamRecords_ArrayJoinSeparator(t *testing.T) {
	input := `[{"tags": ["a", null, "b"], "mixed": ["a", 1], "empty": []}]`

	rows, err, _ := runStream(context.Background(), input, Options{ArrayJoinSeparator: "|"})
	if err != nil {
		t.Fatalf("StreamRecords() err=%v", err)
	}
	rec := rows[0].Record
	if got := get(rec, "tags"); got != "a|b" {
		t.Fatalf("tags=%#v, want a|b", got)
	}
	if got := get(rec, "empty"); got != "" {
		t.Fatalf("empty=%#v, want empty string", got)
	}
	if _, ok := get(rec, "mixed").([]any); !ok {
		t.Fatalf("mixed=%#v, want untouched array", get(rec, "mixed"))
	}

	rows, _, _ = runStream(context.Background(), input, Options{})
	if _, ok := get(rows[0].Record, "tags").([]any); !ok {
		t.Fatalf("tags joined without a separator configured")
	}
}

func TestStreamRecords_JSONLinesWithStringArrays(t *testing.T) {
	input := "{\"a\":\"x\",\"tags\":[\"p\",\"q\"]}\n{\"a\":\"y\",\"tags\":[\"r\"]}\n"

	rows, err, parseCalls := runStream(context.Background(), input, Options{ArrayJoinSeparator: ","})
	if err != nil {
		t.Fatalf("StreamRecords() err=%v, want nil", err)
	}
	if len(parseCalls) != 0 {
		t.Fatalf("onParseErr calls=%v, want none", parseCalls)
	}
	if len(rows) != 2 {
		t.Fatalf("rows=%d, want 2", len(rows))
	}
	for i, want := range []string{"p,q", "r"} {
		if got := get(rows[i].Record, "tags"); got != want {
			t.Fatalf("rows[%d].tags=%#v, want %q", i, got, want)
		}
		if got, wantKeys := keys(rows[i].Record), []string{"a", "tags"}; !reflect.DeepEqual(got, wantKeys) {
			t.Fatalf("rows[%d] keys=%v, want %v", i, got, wantKeys)
		}
	}
}

func TestStreamRecords_ScalarArraysStayAttributes(t *testing.T) {
	input := `{"id": 1, "scores": [null, 2, 3], "none": [], "after": "z"}`

	rows, err, _ := runStream(context.Background(), input, Options{})
	if err != nil {
		t.Fatalf("StreamRecords() err=%v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows=%d, want 1", len(rows))
	}
	rec := rows[0].Record
	if got, want := keys(rec), []string{"id", "scores", "none", "after"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("keys=%v, want %v", got, want)
	}
	if got, want := get(rec, "scores"), []any{nil, 2.0, 3.0}; !reflect.DeepEqual(got, want) {
		t.Fatalf("scores=%#v, want %#v", got, want)
	}
	if got, want := get(rec, "none"), []any{}; !reflect.DeepEqual(got, want) {
		t.Fatalf("none=%#v, want %#v", got, want)
	}
}

func TestStreamRecords_EnvelopeAfterScalarArrayAndNulls(t *testing.T) {
	input := `{"tags": ["t"], "records": [null, {"x": 1}, {"x": 2}], "n": 3}`

	rows, err, _ := runStream(context.Background(), input, Options{})
	if err != nil {
		t.Fatalf("StreamRecords() err=%v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows=%d, want 2", len(rows))
	}
	for i, want := range []float64{1, 2} {
		if got := get(rows[i].Record, "x"); got != want {
			t.Fatalf("rows[%d].x=%#v, want %v", i, got, want)
		}
		if rows[i].Line != i+1 {
			t.Fatalf("rows[%d].Line=%d, want %d", i, rows[i].Line, i+1)
		}
	}
}

func TestStreamRecords_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan parser.Row) // unbuffered; a send would block
	err := StreamRecords(ctx, strings.NewReader(`[{"a": 1}]`), Options{}, out, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}

func TestStreamRecords_EmptyInput(t *testing.T) {
	rows, err, _ := runStream(context.Background(), "  \n", Options{})
	if err != nil || len(rows) != 0 {
		t.Fatalf("rows=%d err=%v, want none", len(rows), err)
	}
}

func TestStreamRecords_ErrorPaths(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		wantErrSubstr string
		wantParseErr  string
	}{
		{name: "scalar_root", input: `42`, wantErrSubstr: "unsupported root token"},
		{name: "array_of_scalars", input: `[{"a":1}, 2]`, wantErrSubstr: "not an object", wantParseErr: "line=2"},
		{name: "truncated_element", input: `[{"a":1}, {"a":`, wantErrSubstr: "decode array element", wantParseErr: "line=2"},
		{name: "envelope_scalar_element", input: `{"r": [{"a":1}, 2]}`, wantErrSubstr: "not an object", wantParseErr: "line=2"},
		{name: "bad_trailing", input: `{"a":1} [1]`, wantErrSubstr: "decode trailing object", wantParseErr: "line=2"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err, parseCalls := runStream(context.Background(), tc.input, Options{})
			if err == nil || !strings.Contains(err.Error(), tc.wantErrSubstr) {
				t.Fatalf("err=%v, want substring %q", err, tc.wantErrSubstr)
			}
			if tc.wantParseErr == "" {
				return
			}
			if len(parseCalls) != 1 || !strings.HasPrefix(parseCalls[0], tc.wantParseErr) {
				t.Fatalf("onParseErr calls=%v, want one starting %q", parseCalls, tc.wantParseErr)
			}
		})
	}
}
