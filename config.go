package sublimate

import (
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// Supported dialects
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// Supported PostgreSQL drivers
const (
	DriverPgdriver = "pgdriver"
	DriverPgx      = "pgx"
)

// Config holds engine configuration
type Config struct {
	// Connection
	URL     string // Connection string (required by New)
	Dialect string // "postgres" (default) or "sqlite"
	Driver  string // PostgreSQL driver: "pgdriver" (default) or "pgx"

	// Pool settings
	MaxOpenConns    int           // Max open connections (default: 25)
	MaxIdleConns    int           // Max idle connections (default: 5)
	ConnMaxLifetime time.Duration // Max connection lifetime (default: 5m)
	ConnMaxIdleTime time.Duration // Max idle time (default: 1m)

	// Timeouts (pgdriver only)
	DialTimeout  time.Duration // Connection dial timeout (default: 5s)
	ReadTimeout  time.Duration // Read timeout (default: 30s)
	WriteTimeout time.Duration // Write timeout (default: 30s)

	// Bridge
	// Max handler bodies running at once (0 = unbounded). Sublimate and
	// Request called from inside a running body do not count against it.
	MaxWorkers int

	// Outbound HTTP client exposed on RequestContext.Client
	ClientTimeout  time.Duration // Per-attempt timeout (default: 30s)
	ClientRetryMax int           // Retries after the first attempt (default: 3, -1 disables)

	// Errors
	ExposeInternalErrors bool // Send reasons of 5xx errors to clients

	// Observability (all optional)
	Logger          *slog.Logger          // Structured logger
	LogQueries      bool                  // Log all queries
	LogSlowQueries  time.Duration         // Log queries slower than this (0 = disabled)
	MetricsRegistry prometheus.Registerer // Prometheus registry for metrics
	Tracer          trace.Tracer          // OpenTelemetry tracer
}

// DefaultConfig returns sensible defaults
func DefaultConfig(url string) Config {
	cfg := Config{URL: url}
	cfg.applyDefaults()
	return cfg
}

// SQLiteConfig returns defaults for an SQLite database. A single connection
// is used so that in-memory databases are shared by every query.
func SQLiteConfig(url string) Config {
	cfg := Config{
		URL:          url,
		Dialect:      DialectSQLite,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in zero values with defaults
func (c *Config) applyDefaults() {
	if c.Dialect == "" {
		c.Dialect = DialectPostgres
	}
	if c.Driver == "" {
		c.Driver = DriverPgdriver
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 1 * time.Minute
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ClientTimeout == 0 {
		c.ClientTimeout = 30 * time.Second
	}
	if c.ClientRetryMax == 0 {
		c.ClientRetryMax = 3
	}
}

// envConfig mirrors the scalar part of Config for environment parsing.
type envConfig struct {
	URL                  string        `env:"URL"`
	Dialect              string        `env:"DIALECT"`
	Driver               string        `env:"DRIVER"`
	MaxOpenConns         int           `env:"MAX_OPEN_CONNS"`
	MaxIdleConns         int           `env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime      time.Duration `env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime      time.Duration `env:"CONN_MAX_IDLE_TIME"`
	DialTimeout          time.Duration `env:"DIAL_TIMEOUT"`
	ReadTimeout          time.Duration `env:"READ_TIMEOUT"`
	WriteTimeout         time.Duration `env:"WRITE_TIMEOUT"`
	MaxWorkers           int           `env:"MAX_WORKERS"`
	ClientTimeout        time.Duration `env:"CLIENT_TIMEOUT"`
	ClientRetryMax       int           `env:"CLIENT_RETRY_MAX"`
	ExposeInternalErrors bool          `env:"EXPOSE_INTERNAL_ERRORS"`
	LogQueries           bool          `env:"LOG_QUERIES"`
	LogSlowQueries       time.Duration `env:"LOG_SLOW_QUERIES"`
}

// ConfigFromEnv reads configuration from SUBLIMATE_* environment variables,
// e.g. SUBLIMATE_URL or SUBLIMATE_MAX_WORKERS. Unset values get defaults.
func ConfigFromEnv() (Config, error) {
	var ec envConfig
	if err := env.ParseWithOptions(&ec, env.Options{Prefix: "SUBLIMATE_"}); err != nil {
		return Config{}, &Error{
			Code:    CodeUnknown,
			Message: "invalid environment configuration",
			Op:      "ConfigFromEnv",
			Cause:   err,
		}
	}

	cfg := Config{
		URL:                  ec.URL,
		Dialect:              ec.Dialect,
		Driver:               ec.Driver,
		MaxOpenConns:         ec.MaxOpenConns,
		MaxIdleConns:         ec.MaxIdleConns,
		ConnMaxLifetime:      ec.ConnMaxLifetime,
		ConnMaxIdleTime:      ec.ConnMaxIdleTime,
		DialTimeout:          ec.DialTimeout,
		ReadTimeout:          ec.ReadTimeout,
		WriteTimeout:         ec.WriteTimeout,
		MaxWorkers:           ec.MaxWorkers,
		ClientTimeout:        ec.ClientTimeout,
		ClientRetryMax:       ec.ClientRetryMax,
		ExposeInternalErrors: ec.ExposeInternalErrors,
		LogQueries:           ec.LogQueries,
		LogSlowQueries:       ec.LogSlowQueries,
	}
	cfg.applyDefaults()
	return cfg, nil
}

// WithLogger enables query logging
func (c Config) WithLogger(logger *slog.Logger) Config {
	c.Logger = logger
	c.LogQueries = true
	return c
}

// WithSlowQueryLog logs queries slower than the threshold
func (c Config) WithSlowQueryLog(threshold time.Duration) Config {
	c.LogSlowQueries = threshold
	return c
}

// WithMetrics enables Prometheus metrics
func (c Config) WithMetrics(registry prometheus.Registerer) Config {
	c.MetricsRegistry = registry
	return c
}

// WithTracing enables OpenTelemetry tracing
func (c Config) WithTracing(tracer trace.Tracer) Config {
	c.Tracer = tracer
	return c
}

// WithMaxWorkers bounds how many handler bodies run at once
func (c Config) WithMaxWorkers(n int) Config {
	c.MaxWorkers = n
	return c
}

// WithClient configures the outbound HTTP client
func (c Config) WithClient(timeout time.Duration, retryMax int) Config {
	c.ClientTimeout = timeout
	c.ClientRetryMax = retryMax
	return c
}
