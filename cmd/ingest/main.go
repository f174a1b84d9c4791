package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ingest/internal/config"
	"ingest/internal/httpapi"
	"ingest/internal/loader"
	"ingest/internal/storage"

	_ "ingest/internal/storage/all"
)

// main imports one JSON or CSV file into a table, either through the configured
// store or through a running ingestd (-server).
func main() {
	var (
		cfgPath    string
		inputPath  string
		format     string
		table      string
		chunkSize  int
		workers    int
		runID      string
		joinArrays string
		csvComma   string
		csvInfer   bool
		serverURL  string
		attempts   int
	)

	flag.StringVar(&cfgPath, "config", "", "YAML config path (empty uses built-in defaults)")
	flag.StringVar(&inputPath, "input", "-", "input file; - reads stdin")
	flag.StringVar(&format, "format", "json", "input format: json (array, envelope or JSON lines) or csv")
	flag.StringVar(&table, "table", "", "destination table (required)")
	flag.IntVar(&chunkSize, "chunk-size", 1000, "records per chunk (one transaction each)")
	flag.IntVar(&workers, "workers", 4, "concurrent chunk loaders")
	flag.StringVar(&runID, "run-id", "", "stable id for this import; re-running with the same id skips committed chunks")
	flag.StringVar(&joinArrays, "join-arrays", "", "join JSON string arrays with this separator instead of rejecting them")
	flag.StringVar(&csvComma, "csv-comma", ",", "CSV field delimiter")
	flag.BoolVar(&csvInfer, "csv-infer", true, "store numeric and true/false CSV cells as numbers and booleans, empty cells as null; false loads every cell as text")
	flag.StringVar(&serverURL, "server", "", "load through a running ingestd at this base URL instead of opening the store")
	flag.IntVar(&attempts, "max-attempts", 3, "tries per chunk for retryable failures (with -server)")
	verbose := flag.Bool("v", false, "enable verbose logs")

	flag.Parse()

	if table == "" {
		fatalf("-table is required")
	}
	comma := []rune(csvComma)
	if len(comma) != 1 {
		fatalf("-csv-comma must be a single character, got %q", csvComma)
	}

	var logger *log.Logger
	if *verbose {
		logger = log.Default()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		ld      chunkLoader
		closeFn = func() {}
	)
	if serverURL != "" {
		copts := httpapi.ClientOptions{MaxAttempts: attempts}
		if logger != nil {
			copts.Logger = logger
		}
		ld = httpapi.NewClient(serverURL, copts)
	} else {
		local, closeStore := openLocal(ctx, cfgPath, logger, *verbose)
		closeFn = closeStore
		if chunkSize > local.MaxChunkRows() {
			log.Printf("chunk-size %d exceeds loader.max_chunk_rows; using %d", chunkSize, local.MaxChunkRows())
			chunkSize = local.MaxChunkRows()
		}
		ld = local
	}
	defer closeFn()

	var src io.Reader = os.Stdin
	if inputPath != "-" {
		f, err := os.Open(inputPath)
		if err != nil {
			closeFn()
			fatalf("open input: %v", err)
		}
		defer f.Close()
		src = f
	}

	o := importOptions{
		Table:     table,
		Format:    format,
		ChunkSize: chunkSize,
		Workers:   workers,
		RunID:     runID,
		Logger:    logger,
	}
	o.JSON.ArrayJoinSeparator = joinArrays
	o.CSV.Comma = comma[0]
	o.CSV.TrimSpace = true
	o.CSV.InferScalars = csvInfer

	stats, err := importStream(ctx, src, ld, o)
	if err != nil {
		log.Printf("import: table=%s chunks_done=%d rows=%d", stats.Table, stats.Chunks, stats.Rows)
		closeFn() // os.Exit skips deferred calls
		fatalf("import: %v", err)
	}
	fmt.Printf("table=%s created=%v chunks=%d rows=%d duplicates=%d\n",
		stats.Table, stats.Created, stats.Chunks, stats.Rows, stats.Duplicates)
}

// openLocal opens the configured store and returns a loader over it.
func openLocal(ctx context.Context, cfgPath string, logger *log.Logger, verbose bool) (*loader.Loader, func()) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	issues := config.Validate(cfg)
	for _, iss := range issues {
		if iss.Severity == config.SeverityError || verbose {
			fmt.Fprintf(os.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
		}
	}
	if config.HasErrors(issues) {
		log.Printf("Configuration is invalid: %v", cfgPath)
		os.Exit(1)
	}

	store, err := storage.New(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: cfg.Storage.DSN})
	if err != nil {
		fatalf("open storage: %v", err)
	}

	opts := loader.Options{
		MaxChunkRows:  cfg.Loader.MaxChunkRows,
		StoreTimeout:  cfg.Loader.StoreTimeout,
		ValidateDrift: cfg.Loader.ValidateDrift,
	}
	if logger != nil {
		opts.Logger = logger
	}
	return loader.New(store, opts), store.Close
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
