// Package config loads the daemon and CLI configuration.
//
// Precedence is flag → env → file → default: Load applies the YAML file over
// Default(), then environment overrides; commands apply their flags last.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvStorageKind    = "INGEST_STORAGE_KIND"
	EnvDSN            = "INGEST_DSN"
	EnvAddr           = "INGEST_ADDR"
	EnvMetricsBackend = "METRICS_BACKEND"
	EnvMetricsTags    = "METRICS_TAGS"
)

// StorageKinds are the backends linked by ingest/internal/storage/all.
var StorageKinds = []string{"mssql", "mysql", "postgres", "sqlite"}

// Config is the whole configuration file.
type Config struct {
	Server  Server  `yaml:"server"`
	Storage Storage `yaml:"storage"`
	Loader  Loader  `yaml:"loader"`
	Metrics Metrics `yaml:"metrics"`
}

// Server configures the HTTP transport.
type Server struct {
	Addr            string        `yaml:"addr"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps"` // 0 disables limiting
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	MaxQueryRows    int           `yaml:"max_query_rows"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Storage selects the backend. DSN is expanded with os.ExpandEnv so
// credentials can stay in the environment ("postgres://u:${PGPASSWORD}@db/x").
type Storage struct {
	Kind string `yaml:"kind"` // postgres | sqlite | mssql | mysql
	DSN  string `yaml:"dsn"`
}

// Loader configures chunk loading.
type Loader struct {
	MaxChunkRows  int           `yaml:"max_chunk_rows"`
	StoreTimeout  time.Duration `yaml:"store_timeout"`
	ValidateDrift bool          `yaml:"validate_drift"`
}

// Metrics selects the metrics backend.
type Metrics struct {
	Backend    string        `yaml:"backend"` // datadog | none
	JobName    string        `yaml:"job_name"`
	Tags       []string      `yaml:"tags"`
	FlushEvery time.Duration `yaml:"flush_every"`
}

// Default returns the built-in configuration: a local SQLite file and no
// metrics.
func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			MaxBodyBytes:    32 << 20,
			RateLimitRPS:    50,
			RateLimitBurst:  100,
			MaxQueryRows:    1000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    2 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: Storage{Kind: "sqlite", DSN: "ingest.db"},
		Loader: Loader{
			MaxChunkRows: 10000,
			StoreTimeout: 30 * time.Second,
		},
		Metrics: Metrics{Backend: "none", JobName: "ingest", FlushEvery: 60 * time.Second},
	}
}

// Load reads path over Default() and applies environment overrides. An empty
// path skips the file.
//
// Errors:
//   - The file cannot be read.
//   - The YAML is malformed or names an unknown field.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Decode(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

// Decode parses YAML into cfg, keeping values of absent fields. Unknown
// fields are errors.
func Decode(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from the environment and expands the DSN.
// getenv is os.Getenv outside tests.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvStorageKind)); v != "" {
		c.Storage.Kind = v
	}
	if v := getenv(EnvDSN); v != "" {
		c.Storage.DSN = v
	}
	if v := strings.TrimSpace(getenv(EnvAddr)); v != "" {
		c.Server.Addr = v
	}
	if v := strings.TrimSpace(getenv(EnvMetricsBackend)); v != "" {
		c.Metrics.Backend = v
	}
	if v := getenv(EnvMetricsTags); v != "" {
		c.Metrics.Tags = append(c.Metrics.Tags, splitCSV(v)...)
	}
	c.Storage.DSN = os.Expand(c.Storage.DSN, getenv)
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Severity grades a validation Issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is the YAML path of the field.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

// Validate checks c and returns every issue found. Any SeverityError issue
// means the configuration must not be used.
func Validate(c Config) []Issue {
	var issues []Issue
	add := func(sev Severity, path, format string, a ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, a...)})
	}

	if c.Server.Addr == "" {
		add(SeverityError, "server.addr", "must not be empty")
	}
	if c.Server.MaxBodyBytes <= 0 {
		add(SeverityError, "server.max_body_bytes", "must be > 0 (got %d)", c.Server.MaxBodyBytes)
	}
	switch {
	case c.Server.RateLimitRPS < 0:
		add(SeverityError, "server.rate_limit_rps", "must be >= 0 (got %v)", c.Server.RateLimitRPS)
	case c.Server.RateLimitRPS == 0:
		add(SeverityWarning, "server.rate_limit_rps", "rate limiting disabled")
	case c.Server.RateLimitBurst < 1:
		add(SeverityError, "server.rate_limit_burst", "must be >= 1 when rate limiting is enabled")
	}
	if c.Server.MaxQueryRows < 0 {
		add(SeverityError, "server.max_query_rows", "must be >= 0 (got %d)", c.Server.MaxQueryRows)
	}
	if c.Server.ShutdownTimeout <= 0 {
		add(SeverityWarning, "server.shutdown_timeout", "not set; shutdown will not wait for in-flight requests")
	}

	if c.Storage.Kind == "" {
		add(SeverityError, "storage.kind", "must not be empty")
	} else if !slices.Contains(StorageKinds, c.Storage.Kind) {
		add(SeverityError, "storage.kind", "unsupported kind %q (want one of %s)", c.Storage.Kind, strings.Join(StorageKinds, ", "))
	}
	if strings.TrimSpace(c.Storage.DSN) == "" {
		add(SeverityError, "storage.dsn", "must not be empty")
	}

	if c.Loader.MaxChunkRows <= 0 {
		add(SeverityError, "loader.max_chunk_rows", "must be > 0 (got %d)", c.Loader.MaxChunkRows)
	} else if c.Loader.MaxChunkRows > 100000 {
		add(SeverityWarning, "loader.max_chunk_rows", "%d rows per chunk holds one transaction open for a long time", c.Loader.MaxChunkRows)
	}
	if c.Loader.StoreTimeout <= 0 {
		add(SeverityError, "loader.store_timeout", "must be > 0")
	}

	switch c.Metrics.Backend {
	case "", "none":
	case "datadog":
		if c.Metrics.FlushEvery > 0 && c.Metrics.FlushEvery < time.Second {
			add(SeverityWarning, "metrics.flush_every", "%s submits to Datadog more than once per second", c.Metrics.FlushEvery)
		}
	default:
		add(SeverityWarning, "metrics.backend", "unknown backend %q; metrics disabled", c.Metrics.Backend)
	}

	return issues
}

// HasErrors reports whether issues contains a SeverityError.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}
