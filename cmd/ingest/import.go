package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ingest/internal/loader"
	"ingest/internal/parser"
	csvparser "ingest/internal/parser/csv"
	jsonparser "ingest/internal/parser/json"
	"ingest/internal/schema"
)

// chunkLoader is the part of *loader.Loader an import needs.
type chunkLoader interface {
	Load(ctx context.Context, table string, chunk []*schema.Record, lo loader.LoadOptions) (loader.Result, error)
}

type importOptions struct {
	Table     string
	Format    string // json | csv
	ChunkSize int
	Workers   int
	// RunID makes chunks idempotent: chunk i is loaded with sequence
	// "<RunID>:<i>", so re-running an interrupted import skips committed chunks.
	RunID string

	JSON jsonparser.Options
	CSV  csvparser.Options

	Logger *log.Logger
}

type importStats struct {
	Table      string
	Created    bool
	Chunks     int
	Duplicates int
	Rows       int64
}

type job struct {
	index     int
	firstLine int
	records   []*schema.Record
}

// importStream parses src and loads it into o.Table in chunks of o.ChunkSize.
//
// The first chunk is loaded before any other is dispatched so the table is
// created from the first record of the input. The remaining chunks are loaded
// by o.Workers goroutines. The first failure (parse or load) cancels the run.
func importStream(ctx context.Context, src io.Reader, ld chunkLoader, o importOptions) (importStats, error) {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1000
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	logf := func(string, ...any) {}
	if o.Logger != nil {
		logf = o.Logger.Printf
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	parseCtx, cancelParse := context.WithCancel(gctx)
	defer cancelParse()

	var (
		mu    sync.Mutex
		stats = importStats{Table: o.Table}
	)
	load := func(ctx context.Context, j job) error {
		lo := loader.LoadOptions{}
		if o.RunID != "" {
			lo.Sequence = fmt.Sprintf("%s:%d", o.RunID, j.index)
		}
		res, err := ld.Load(ctx, o.Table, j.records, lo)
		if err != nil {
			return fmt.Errorf("chunk %d (from line %d): %w", j.index, j.firstLine, err)
		}
		mu.Lock()
		stats.Table = res.Table
		stats.Created = stats.Created || res.Created
		stats.Chunks++
		stats.Rows += res.Rows
		if res.Duplicate {
			stats.Duplicates++
		}
		mu.Unlock()
		logf("stage=chunk index=%d rows=%d duplicate=%v", j.index, res.Rows, res.Duplicate)
		return nil
	}

	// 1) Reader: stream records; the first parse error stops the run.
	rows := make(chan parser.Row, o.ChunkSize)
	var (
		parseOnce sync.Once
		parseErr  error
	)
	onParseErr := func(line int, err error) {
		parseOnce.Do(func() {
			parseErr = fmt.Errorf("parse error at line %d: %w", line, err)
			cancelParse()
		})
	}
	g.Go(func() error {
		defer close(rows)
		var err error
		switch o.Format {
		case "csv":
			err = csvparser.StreamRecords(parseCtx, src, o.CSV, rows, onParseErr)
		case "", "json":
			err = jsonparser.StreamRecords(parseCtx, src, o.JSON, rows, onParseErr)
		default:
			err = fmt.Errorf("unknown input format %q", o.Format)
		}
		if parseErr != nil {
			return parseErr
		}
		return err
	})

	// 2) Chunker: group records; chunk 0 is loaded inline.
	jobs := make(chan job, o.Workers)
	g.Go(func() error {
		defer close(jobs)
		index := 0
		cur := job{}
		flush := func() error {
			if len(cur.records) == 0 {
				return nil
			}
			j := cur
			cur = job{index: index + 1}
			index++
			if j.index == 0 {
				return load(gctx, j)
			}
			select {
			case jobs <- j:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		for r := range rows {
			if len(cur.records) == 0 {
				cur.firstLine = r.Line
			}
			cur.records = append(cur.records, r.Record)
			if len(cur.records) == o.ChunkSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return flush()
	})

	// 3) Loaders.
	for i := 0; i < o.Workers; i++ {
		g.Go(func() error {
			for j := range jobs {
				if err := load(gctx, j); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return stats, err
	}
	logf("stage=import ok table=%s chunks=%d rows=%d duplicates=%d created=%v duration=%s",
		stats.Table, stats.Chunks, stats.Rows, stats.Duplicates, stats.Created,
		time.Since(start).Truncate(time.Millisecond))
	return stats, nil
}
