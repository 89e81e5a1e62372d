package sublimate

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestHealth(t *testing.T) {
	e := getTestEngine(t)

	status := e.Health(context.Background())
	if !status.Healthy {
		t.Fatalf("Expected healthy engine, got error %q", status.Error)
	}
	if status.Latency == "" {
		t.Error("Expected latency to be reported")
	}
	if status.PoolStats.MaxOpenConnections != 1 {
		t.Errorf("Expected SQLite pool of 1, got %d", status.PoolStats.MaxOpenConnections)
	}
	if status.Workers.Max != 0 || status.Workers.InFlight != 0 {
		t.Errorf("Unexpected worker stats %+v", status.Workers)
	}
	if !e.IsHealthy(context.Background()) {
		t.Error("Expected IsHealthy to be true")
	}
}

func TestHealth_Closed(t *testing.T) {
	e := getTestEngine(t)
	_ = e.Close()

	status := e.Health(context.Background())
	if status.Healthy {
		t.Error("Expected closed engine to be unhealthy")
	}
	if status.Error == "" {
		t.Error("Expected an error message")
	}

	rec := httptest.NewRecorder()
	e.HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
}

func TestHealthHandler(t *testing.T) {
	e := getTestEngine(t)
	h := e.HealthHandler()

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if !status.Healthy {
		t.Error("Expected healthy status")
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Accept", MediaYAML)
	rec = httptest.NewRecorder()
	h(rec, req)

	var fromYAML map[string]any
	if err := yaml.Unmarshal(rec.Body.Bytes(), &fromYAML); err != nil {
		t.Fatalf("Failed to decode YAML: %v", err)
	}
	if fromYAML["healthy"] != true {
		t.Errorf("Expected healthy: true, got %v", fromYAML["healthy"])
	}
}

func TestPoolStatsFromSQL(t *testing.T) {
	stats := PoolStatsFromSQL(sql.DBStats{
		MaxOpenConnections: 10,
		OpenConnections:    4,
		InUse:              3,
		Idle:               1,
		WaitCount:          7,
		WaitDuration:       1500 * time.Millisecond,
	})

	expected := PoolStats{
		MaxOpenConnections: 10,
		OpenConnections:    4,
		InUse:              3,
		Idle:               1,
		WaitCount:          7,
		WaitDurationMs:     1500,
	}
	if stats != expected {
		t.Errorf("Expected %+v, got %+v", expected, stats)
	}
}
