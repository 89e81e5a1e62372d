package sublimate

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/schema"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/fernandezvara/sublimate/future"
	"github.com/fernandezvara/sublimate/hooks"
)

// Engine owns the connection pool, the worker pool that runs handler
// bodies and the observers shared by every request.
type Engine struct {
	*bun.DB
	config  Config
	logger  *slog.Logger
	pool    *future.Pool
	client  *http.Client
	tracer  trace.Tracer
	metrics *hooks.RouteMetrics
	models  *modelRegistry
}

// New opens a database connection with the given configuration
func New(cfg Config) (*Engine, error) {
	cfg.applyDefaults()

	if cfg.URL == "" {
		return nil, &Error{
			Code:    CodeConnectionFailed,
			Message: "database URL is required",
			Op:      "New",
		}
	}

	sqlDB, err := openSQL(cfg)
	if err != nil {
		return nil, err
	}

	e, err := Open(sqlDB, cfg)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := e.PingContext(ctx); err != nil {
		_ = e.DB.Close()
		return nil, &Error{
			Code:    CodeConnectionFailed,
			Message: "failed to connect to database",
			Op:      "New",
			Cause:   err,
		}
	}

	return e, nil
}

func openSQL(cfg Config) (*sql.DB, error) {
	switch cfg.Dialect {
	case DialectSQLite:
		sqlDB, err := sql.Open("sqlite", cfg.URL)
		if err != nil {
			return nil, wrapError(err, "New")
		}
		return sqlDB, nil
	case DialectPostgres:
	default:
		return nil, &Error{
			Code:    CodeUnsupported,
			Message: fmt.Sprintf("unknown dialect %q", cfg.Dialect),
			Op:      "New",
		}
	}

	switch cfg.Driver {
	case DriverPgx:
		connConfig, err := pgx.ParseConfig(cfg.URL)
		if err != nil {
			return nil, &Error{
				Code:    CodeConnectionFailed,
				Message: "invalid connection string",
				Op:      "New",
				Cause:   err,
			}
		}
		connConfig.ConnectTimeout = cfg.DialTimeout
		return stdlib.OpenDB(*connConfig), nil
	case DriverPgdriver:
		connector := pgdriver.NewConnector(
			pgdriver.WithDSN(cfg.URL),
			pgdriver.WithDialTimeout(cfg.DialTimeout),
			pgdriver.WithReadTimeout(cfg.ReadTimeout),
			pgdriver.WithWriteTimeout(cfg.WriteTimeout),
		)
		return sql.OpenDB(connector), nil
	}

	return nil, &Error{
		Code:    CodeUnsupported,
		Message: fmt.Sprintf("unknown driver %q", cfg.Driver),
		Op:      "New",
	}
}

// Open builds an engine over an existing *sql.DB. cfg.Dialect selects the
// SQL dialect; connection settings other than the pool are ignored.
func Open(sqlDB *sql.DB, cfg Config) (*Engine, error) {
	cfg.applyDefaults()

	var dialect schema.Dialect
	var system string
	switch cfg.Dialect {
	case DialectSQLite:
		dialect = sqlitedialect.New()
		system = "sqlite"
	case DialectPostgres:
		dialect = pgdialect.New()
		system = "postgresql"
	default:
		return nil, &Error{
			Code:    CodeUnsupported,
			Message: fmt.Sprintf("unknown dialect %q", cfg.Dialect),
			Op:      "Open",
		}
	}

	// Configure pool
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	bunDB := bun.NewDB(sqlDB, dialect)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		DB:     bunDB,
		config: cfg,
		logger: logger,
		pool:   future.NewPool(cfg.MaxWorkers),
		client: newHTTPClient(cfg, logger),
		tracer: cfg.Tracer,
		models: newModelRegistry(),
	}

	// Add observability hooks
	if cfg.LogQueries || cfg.LogSlowQueries > 0 {
		bunDB.AddQueryHook(hooks.NewLoggerHook(logger, cfg.LogQueries, cfg.LogSlowQueries))
	}
	if cfg.MetricsRegistry != nil {
		hook, err := hooks.NewMetricsHook(cfg.MetricsRegistry)
		if err != nil {
			return nil, fmt.Errorf("sublimate: failed to create metrics hook: %w", err)
		}
		bunDB.AddQueryHook(hook)

		e.metrics, err = hooks.NewRouteMetrics(cfg.MetricsRegistry, func() float64 {
			return float64(e.pool.InFlight())
		})
		if err != nil {
			return nil, fmt.Errorf("sublimate: failed to create route metrics: %w", err)
		}
	}
	if cfg.Tracer != nil {
		bunDB.AddQueryHook(hooks.NewTracingHook(cfg.Tracer, system))
	}

	return e, nil
}

func newHTTPClient(cfg Config, logger *slog.Logger) *http.Client {
	rc := retryablehttp.NewClient()
	rc.Logger = logger
	rc.RetryMax = cfg.ClientRetryMax
	if rc.RetryMax < 0 {
		rc.RetryMax = 0
	}
	rc.HTTPClient.Timeout = cfg.ClientTimeout
	return rc.StandardClient()
}

// Close closes the database connection
func (e *Engine) Close() error {
	return e.DB.Close()
}

// Ping verifies the database connection is alive
func (e *Engine) Ping(ctx context.Context) error {
	if err := e.PingContext(ctx); err != nil {
		return wrapError(err, "Ping")
	}
	return nil
}

// Stats returns connection pool statistics
func (e *Engine) Stats() sql.DBStats {
	return e.DB.Stats()
}

// Bun returns the underlying bun.DB for direct access
func (e *Engine) Bun() *bun.DB {
	return e.DB
}

// Config returns the current configuration
func (e *Engine) Config() Config {
	return e.config
}

// Logger returns the engine logger
func (e *Engine) Logger() *slog.Logger {
	return e.logger
}

// Client returns the retrying HTTP client handed to request contexts
func (e *Engine) Client() *http.Client {
	return e.client
}

// Pool returns the worker pool that runs handler bodies
func (e *Engine) Pool() *future.Pool {
	return e.pool
}

// Handle returns the ambient (non-transactional) handle bound to ctx.
func (e *Engine) Handle(ctx context.Context) *DB {
	return newDB(ctx, e, e.DB)
}

// Database is what every handle offers: query builders, DDL builders and
// transactions. A *bun.DB and a bun.Tx both satisfy it.
type Database interface {
	bun.IConn
	Dialect() schema.Dialect
	NewSelect() *bun.SelectQuery
	NewInsert() *bun.InsertQuery
	NewUpdate() *bun.UpdateQuery
	NewDelete() *bun.DeleteQuery
	NewCreateTable() *bun.CreateTableQuery
	NewDropTable() *bun.DropTableQuery
	NewAddColumn() *bun.AddColumnQuery
	NewDropColumn() *bun.DropColumnQuery
	NewCreateIndex() *bun.CreateIndexQuery
	NewDropIndex() *bun.DropIndexQuery
	BeginTx(ctx context.Context, opts *sql.TxOptions) (bun.Tx, error)
}

// SQLDatabase is a Database that can also run arbitrary SQL text.
type SQLDatabase interface {
	Database
	NewRaw(query string, args ...any) *bun.RawQuery
}

var (
	_ SQLDatabase = (*bun.DB)(nil)
	_ SQLDatabase = (*bun.Tx)(nil)
)
