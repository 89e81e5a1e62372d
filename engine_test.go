package sublimate

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/uptrace/bun"
)

type Star struct {
	bun.BaseModel `bun:"table:stars,alias:star"`

	ID      int64     `bun:"id,pk,autoincrement" json:"id" yaml:"id" msgpack:"id"`
	Name    string    `bun:"name,notnull,unique" json:"name" yaml:"name" msgpack:"name"`
	Planets []*Planet `bun:"rel:has-many,join:id=star_id" json:"planets,omitempty" yaml:"planets,omitempty" msgpack:"planets,omitempty"`
}

type Planet struct {
	bun.BaseModel `bun:"table:planets,alias:planet"`

	ID     int64  `bun:"id,pk,autoincrement" json:"id" yaml:"id" msgpack:"id"`
	Name   string `bun:"name,notnull,unique" json:"name" yaml:"name" msgpack:"name"`
	Moons  int    `bun:"moons,notnull" json:"moons" yaml:"moons" msgpack:"moons"`
	StarID int64  `bun:"star_id,notnull" json:"star_id" yaml:"star_id" msgpack:"star_id"`
	Star   *Star  `bun:"rel:belongs-to,join:star_id=id" json:"star,omitempty" yaml:"star,omitempty" msgpack:"star,omitempty"`
}

type Comet struct {
	bun.BaseModel `bun:"table:comets,alias:comet"`
	Model
	SoftDeletableModel

	Name string `bun:"name,notnull" json:"name"`
}

// getTestEngine opens a private in-memory SQLite database.
func getTestEngine(t *testing.T) *Engine {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	url := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", name)

	e, err := New(SQLiteConfig(url))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })

	ctx := context.Background()
	for _, model := range []any{(*Star)(nil), (*Planet)(nil), (*Comet)(nil)} {
		if _, err := e.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			t.Fatalf("Failed to create test table: %v", err)
		}
	}
	return e
}

// seedSolarSystem stores the Sun and its four inner planets.
func seedSolarSystem(t *testing.T, e *Engine) *Star {
	t.Helper()
	ctx := context.Background()

	sun := &Star{Name: "The Sun"}
	if _, err := e.NewInsert().Model(sun).Exec(ctx); err != nil {
		t.Fatalf("Failed to insert star: %v", err)
	}

	planets := []Planet{
		{Name: "Mercury", Moons: 0, StarID: sun.ID},
		{Name: "Venus", Moons: 0, StarID: sun.ID},
		{Name: "Earth", Moons: 1, StarID: sun.ID},
		{Name: "Mars", Moons: 2, StarID: sun.ID},
	}
	if _, err := e.NewInsert().Model(&planets).Exec(ctx); err != nil {
		t.Fatalf("Failed to insert planets: %v", err)
	}
	return sun
}

func countPlanets(t *testing.T, e *Engine) int {
	t.Helper()
	n, err := e.NewSelect().Model((*Planet)(nil)).Count(context.Background())
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	return n
}

func TestNew_SQLite(t *testing.T) {
	e := getTestEngine(t)

	if err := e.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if e.Dialect().Name().String() != "sqlite" {
		t.Errorf("Expected sqlite dialect, got %s", e.Dialect().Name())
	}
	if e.Client() == nil {
		t.Error("Expected an outbound HTTP client")
	}
	if e.Pool().MaxWorkers() != 0 {
		t.Errorf("Expected unbounded worker pool, got %d", e.Pool().MaxWorkers())
	}
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Fatal("Expected error for missing URL")
	}

	code, ok := GetErrorCode(err)
	if !ok || code != CodeConnectionFailed {
		t.Errorf("Expected CodeConnectionFailed, got %v", err)
	}
}

func TestNew_UnknownDialect(t *testing.T) {
	_, err := New(Config{URL: "x", Dialect: "oracle"})

	code, ok := GetErrorCode(err)
	if !ok || code != CodeUnsupported {
		t.Errorf("Expected CodeUnsupported, got %v", err)
	}
}

func TestNew_UnknownDriver(t *testing.T) {
	_, err := New(Config{URL: "postgres://localhost/test", Driver: "odbc"})

	code, ok := GetErrorCode(err)
	if !ok || code != CodeUnsupported {
		t.Errorf("Expected CodeUnsupported, got %v", err)
	}
}

func TestEngine_HandleIsAmbient(t *testing.T) {
	e := getTestEngine(t)
	db := e.Handle(context.Background())

	if db.InTransaction() {
		t.Error("Expected ambient handle")
	}
	if db.Engine() != e {
		t.Error("Expected handle to point back at its engine")
	}

	conn, err := db.Conn()
	if err != nil {
		t.Fatalf("Conn failed: %v", err)
	}
	if conn != Database(e.DB) {
		t.Error("Expected ambient handle to wrap the engine's bun.DB")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("postgres://localhost/test")

	if cfg.URL != "postgres://localhost/test" {
		t.Error("URL not set")
	}
	if cfg.Dialect != DialectPostgres {
		t.Errorf("Expected postgres dialect, got %s", cfg.Dialect)
	}
	if cfg.Driver != DriverPgdriver {
		t.Errorf("Expected pgdriver, got %s", cfg.Driver)
	}
	if cfg.MaxOpenConns != 25 {
		t.Errorf("Expected MaxOpenConns=25, got %d", cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns != 5 {
		t.Errorf("Expected MaxIdleConns=5, got %d", cfg.MaxIdleConns)
	}
	if cfg.MaxWorkers != 0 {
		t.Errorf("Expected unbounded workers, got %d", cfg.MaxWorkers)
	}
}

func TestSQLiteConfig(t *testing.T) {
	cfg := SQLiteConfig("file::memory:")

	if cfg.Dialect != DialectSQLite {
		t.Errorf("Expected sqlite dialect, got %s", cfg.Dialect)
	}
	if cfg.MaxOpenConns != 1 {
		t.Errorf("Expected a single connection, got %d", cfg.MaxOpenConns)
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{URL: "postgres://localhost/test"}
	cfg.applyDefaults()

	if cfg.DialTimeout != 5*time.Second {
		t.Errorf("Expected DialTimeout=5s, got %v", cfg.DialTimeout)
	}
	if cfg.ClientTimeout != 30*time.Second {
		t.Errorf("Expected ClientTimeout=30s, got %v", cfg.ClientTimeout)
	}
	if cfg.ClientRetryMax != 3 {
		t.Errorf("Expected ClientRetryMax=3, got %d", cfg.ClientRetryMax)
	}
}

func TestConfig_Builders(t *testing.T) {
	cfg := DefaultConfig("postgres://localhost/test").
		WithSlowQueryLog(100*time.Millisecond).
		WithMaxWorkers(8).
		WithClient(time.Second, -1)

	if cfg.LogSlowQueries != 100*time.Millisecond {
		t.Errorf("Expected slow query threshold 100ms, got %v", cfg.LogSlowQueries)
	}
	if cfg.MaxWorkers != 8 {
		t.Errorf("Expected MaxWorkers=8, got %d", cfg.MaxWorkers)
	}
	if cfg.ClientTimeout != time.Second || cfg.ClientRetryMax != -1 {
		t.Errorf("Expected client (1s, -1), got (%v, %d)", cfg.ClientTimeout, cfg.ClientRetryMax)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("SUBLIMATE_URL", "file:env?mode=memory")
	t.Setenv("SUBLIMATE_DIALECT", "sqlite")
	t.Setenv("SUBLIMATE_MAX_WORKERS", "4")
	t.Setenv("SUBLIMATE_LOG_SLOW_QUERIES", "250ms")
	t.Setenv("SUBLIMATE_EXPOSE_INTERNAL_ERRORS", "true")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv failed: %v", err)
	}

	if cfg.URL != "file:env?mode=memory" {
		t.Errorf("Expected URL from env, got %s", cfg.URL)
	}
	if cfg.Dialect != DialectSQLite {
		t.Errorf("Expected sqlite, got %s", cfg.Dialect)
	}
	if cfg.MaxWorkers != 4 {
		t.Errorf("Expected MaxWorkers=4, got %d", cfg.MaxWorkers)
	}
	if cfg.LogSlowQueries != 250*time.Millisecond {
		t.Errorf("Expected 250ms, got %v", cfg.LogSlowQueries)
	}
	if !cfg.ExposeInternalErrors {
		t.Error("Expected ExposeInternalErrors=true")
	}
	if cfg.MaxOpenConns != 25 {
		t.Errorf("Expected defaults to be applied, got MaxOpenConns=%d", cfg.MaxOpenConns)
	}
}

func TestConfigFromEnv_Invalid(t *testing.T) {
	t.Setenv("SUBLIMATE_MAX_WORKERS", "many")

	if _, err := ConfigFromEnv(); err == nil {
		t.Error("Expected error for malformed integer")
	}
}
