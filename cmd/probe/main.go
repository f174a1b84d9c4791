// Command probe previews the table ingest would create for a dataset.
//
// It reads a bounded prefix of the input (default 20KB), synthesizes the
// schema from the first record and reports, without touching a store:
//
//   - the inferred columns and their types,
//   - the create DDL for the selected backend,
//   - sampled records the schema would reject (extra attributes, type
//     mismatches).
//
// Output is JSON by default; -report prints a human-readable summary instead.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"ingest/internal/probe"
)

func main() {
	var (
		flagURL           = flag.String("url", "", "URL or path of the source file (JSON or CSV)")
		flagBytes         = flag.Int("bytes", probe.DefaultMaxBytes, "Number of bytes to sample from the start of the file")
		flagRecords       = flag.Int("records", probe.DefaultMaxRecords, "Maximum number of sampled records to check")
		flagName          = flag.String("name", "dataset_name", "Destination table name")
		flagBackend       = flag.String("backend", "postgres", "Storage backend for the DDL: postgres|mssql|mysql|sqlite")
		flagFormat        = flag.String("format", "", "Input format (json|csv); empty sniffs it from the sample")
		flagJoinArrays    = flag.String("join-arrays", "", "Join JSON string arrays with this separator")
		flagCSVInfer      = flag.Bool("csv-infer", true, "Type numeric and true/false CSV cells (empty cells become null); false keeps every cell as text")
		flagAllowInsecure = flag.Bool("allow-insecure", false, "Skip TLS verification for https sources")
		flagPretty        = flag.Bool("pretty", true, "Pretty-print JSON output")
		flagReport        = flag.Bool("report", false, "Print a human-readable report instead of JSON")
	)
	flag.Parse()

	if strings.TrimSpace(*flagURL) == "" {
		fmt.Fprintln(os.Stderr, "missing -url")
		flag.Usage()
		os.Exit(2)
	}

	// Probing should be fast; fail rather than hang on a slow source.
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	opt := probe.Options{
		Source:           *flagURL,
		MaxBytes:         *flagBytes,
		MaxRecords:       *flagRecords,
		Table:            *flagName,
		Backend:          *flagBackend,
		Format:           *flagFormat,
		AllowInsecureTLS: *flagAllowInsecure,
	}
	opt.JSON.ArrayJoinSeparator = *flagJoinArrays
	opt.CSV.TrimSpace = true
	opt.CSV.InferScalars = *flagCSVInfer

	res, err := probe.Run(ctx, opt)
	if err != nil {
		log.Fatalf("probe: %v", err)
	}

	if *flagReport {
		fmt.Fprintln(os.Stdout, res.Report())
		return
	}

	enc := json.NewEncoder(os.Stdout)
	if *flagPretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(res); err != nil {
		log.Fatalf("encode result: %v", err)
	}
}
