package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ingest/internal/config"
	"ingest/internal/httpapi"
	"ingest/internal/loader"
	"ingest/internal/metrics"
	"ingest/internal/metrics/datadog"
	"ingest/internal/storage"

	// register all backends with the storage factory.
	// config specifies which to use but we need to build in support for all of them.
	_ "ingest/internal/storage/all"
)

// main is the entry point for the ingest daemon. It loads the config,
// optionally initializes a metrics backend, opens the store and serves the
// HTTP API until interrupted.
func main() {
	var (
		cfgPath           string
		metricsBackendFlg string
		addrFlg           string
		validate          bool
	)

	flag.StringVar(&cfgPath, "config", "", "YAML config path (empty uses built-in defaults)")
	flag.StringVar(&metricsBackendFlg, "metrics-backend", "", "metrics backend to use (datadog, none); overrides config and METRICS_BACKEND")
	flag.StringVar(&addrFlg, "addr", "", "listen address (overrides config and INGEST_ADDR)")
	flag.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	verbose := flag.Bool("v", false, "enable verbose logs")

	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	if addrFlg != "" {
		cfg.Server.Addr = addrFlg
	}
	if metricsBackendFlg != "" {
		cfg.Metrics.Backend = metricsBackendFlg
	}

	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		log.Printf("Configuration is invalid: %v", cfgPath)
		os.Exit(1)
	}
	if validate {
		log.Printf("Configuration is valid: %v", cfgPath)
		os.Exit(0)
	}

	if err := run(cfg, *verbose); err != nil {
		fatalf("%v", err)
	}
}

func run(cfg config.Config, verbose bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	closeMetrics := setupMetrics(cfg.Metrics, verbose)
	defer closeMetrics()

	var logger loader.Logger
	if verbose {
		logger = log.Default()
	}

	store, err := storage.New(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: cfg.Storage.DSN})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	ld := loader.New(store, loader.Options{
		MaxChunkRows:  cfg.Loader.MaxChunkRows,
		StoreTimeout:  cfg.Loader.StoreTimeout,
		ValidateDrift: cfg.Loader.ValidateDrift,
		Logger:        logger,
	})
	api := httpapi.New(ld, httpapi.Options{
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		MaxQueryRows:   cfg.Server.MaxQueryRows,
		Logger:         log.Default(),
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("server: listening addr=%s storage=%s", cfg.Server.Addr, cfg.Storage.Kind)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Printf("server: shutting down timeout=%s", cfg.Server.ShutdownTimeout)
	shutdownCtx := context.Background()
	if cfg.Server.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(shutdownCtx, cfg.Server.ShutdownTimeout)
		defer cancel()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// setupMetrics installs the configured metrics backend and returns its
// shutdown hook. An unusable backend leaves the nop backend in place.
func setupMetrics(mc config.Metrics, verbose bool) func() {
	switch mc.Backend {
	case "datadog":
		// Not the signal context: the final Flush in Close runs after it is canceled.
		b, err := datadog.NewBackend(context.Background(), datadog.Options{
			JobName:    mc.JobName,
			Tags:       mc.Tags,
			FlushEvery: mc.FlushEvery,
		})
		if err != nil {
			log.Printf("metrics: failed to init datadog backend: %v; using nop", err)
			return func() {}
		}
		log.Printf("metrics: backend=%v job_name=%v tags=%v", mc.Backend, mc.JobName, mc.Tags)
		metrics.SetBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				log.Printf("metrics: datadog close/flush error: %v", err)
			}
		}

	case "", "none":
		if verbose {
			log.Printf("metrics: disabled (backend=%q)", mc.Backend)
		}

	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", mc.Backend)
	}
	return func() {}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
