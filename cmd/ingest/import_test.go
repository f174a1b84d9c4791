package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"ingest/internal/faults"
	"ingest/internal/loader"
	"ingest/internal/schema"
	"ingest/internal/storage/sqlite"
)

// recordingLoader keeps every chunk it is handed.
type recordingLoader struct {
	mu     sync.Mutex
	chunks map[string]int // sequence -> records
	order  []int          // chunk sizes in call order
	failAt int            // 1-based call that fails; 0 never
	calls  int
}

func (r *recordingLoader) Load(_ context.Context, table string, chunk []*schema.Record, lo loader.LoadOptions) (loader.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failAt != 0 && r.calls == r.failAt {
		return loader.Result{}, faults.E(faults.DML, "load", table, errors.New("rejected"))
	}
	if r.chunks == nil {
		r.chunks = map[string]int{}
	}
	r.chunks[lo.Sequence] = len(chunk)
	r.order = append(r.order, len(chunk))
	return loader.Result{Table: table, Rows: int64(len(chunk)), Created: r.calls == 1}, nil
}

func jsonLines(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "{\"id\": %d, \"name\": \"n%d\"}\n", i, i)
	}
	return b.String()
}

func TestImportStream_ChunksAndSequences(t *testing.T) {
	t.Parallel()

	ld := &recordingLoader{}
	stats, err := importStream(context.Background(), strings.NewReader(jsonLines(25)), ld, importOptions{
		Table:     "events",
		ChunkSize: 10,
		Workers:   3,
		RunID:     "r1",
	})
	if err != nil {
		t.Fatalf("importStream: %v", err)
	}
	if stats.Chunks != 3 || stats.Rows != 25 || !stats.Created {
		t.Fatalf("stats=%+v", stats)
	}
	want := map[string]int{"r1:0": 10, "r1:1": 10, "r1:2": 5}
	if len(ld.chunks) != len(want) {
		t.Fatalf("chunks=%v, want %v", ld.chunks, want)
	}
	for seq, n := range want {
		if ld.chunks[seq] != n {
			t.Fatalf("chunks=%v, want %v", ld.chunks, want)
		}
	}
	if ld.order[0] != 10 {
		t.Fatalf("first loaded chunk has %d records, want chunk 0", ld.order[0])
	}
}

func TestImportStream_NoRunIDMeansNoSequence(t *testing.T) {
	t.Parallel()

	ld := &recordingLoader{}
	if _, err := importStream(context.Background(), strings.NewReader(jsonLines(3)), ld, importOptions{Table: "t", ChunkSize: 2}); err != nil {
		t.Fatalf("importStream: %v", err)
	}
	var seqs []string
	for s := range ld.chunks {
		seqs = append(seqs, s)
	}
	sort.Strings(seqs)
	if len(seqs) != 1 || seqs[0] != "" {
		t.Fatalf("sequences=%q, want only empty", seqs)
	}
}

func TestImportStream_CSV(t *testing.T) {
	t.Parallel()

	ld := &recordingLoader{}
	input := "id,name\n1,a\n2,b\n3,c\n"
	stats, err := importStream(context.Background(), strings.NewReader(input), ld, importOptions{
		Table:     "t",
		Format:    "csv",
		ChunkSize: 2,
		Workers:   2,
	})
	if err != nil {
		t.Fatalf("importStream: %v", err)
	}
	if stats.Rows != 3 || stats.Chunks != 2 {
		t.Fatalf("stats=%+v", stats)
	}
}

func TestImportStream_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		input  string
		format string
		failAt int
		want   string
	}{
		{name: "parse", input: jsonLines(5) + "{\"id\": \n", want: "parse error at line"},
		{name: "csv_parse", input: "a,b\n1,2\n\"bad,3\n", format: "csv", want: "parse error at line 3"},
		{name: "load", input: jsonLines(50), failAt: 2, want: "rejected"},
		{name: "first_chunk", input: jsonLines(50), failAt: 1, want: "chunk 0 (from line 1)"},
		{name: "format", input: jsonLines(1), format: "xml", want: "unknown input format"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ld := &recordingLoader{failAt: tc.failAt}
			_, err := importStream(context.Background(), strings.NewReader(tc.input), ld, importOptions{
				Table:     "t",
				Format:    tc.format,
				ChunkSize: 5,
				Workers:   2,
			})
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestImportStream_RerunSkipsCommittedChunks(t *testing.T) {
	t.Parallel()

	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "import.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(store.Close)
	ld := loader.New(store, loader.Options{})

	opts := importOptions{Table: "Events", ChunkSize: 4, Workers: 3, RunID: "nightly"}
	first, err := importStream(context.Background(), strings.NewReader(jsonLines(10)), ld, opts)
	if err != nil {
		t.Fatalf("first import: %v", err)
	}
	if first.Table != "events" || first.Rows != 10 || first.Duplicates != 0 || !first.Created {
		t.Fatalf("first=%+v", first)
	}

	second, err := importStream(context.Background(), strings.NewReader(jsonLines(10)), ld, opts)
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if second.Rows != 0 || second.Duplicates != 3 || second.Created {
		t.Fatalf("second=%+v, want every chunk duplicate", second)
	}

	res, err := store.Query(context.Background(), "SELECT COUNT(*) FROM events", 0)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if got := fmt.Sprint(res.Rows[0][0]); got != "10" {
		t.Fatalf("count=%s, want 10", got)
	}
}
