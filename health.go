package sublimate

import (
	"context"
	"database/sql"
	"net/http"
	"time"
)

// HealthStatus represents the engine health status
type HealthStatus struct {
	Healthy   bool        `json:"healthy" yaml:"healthy" msgpack:"healthy"`
	Latency   string      `json:"latency" yaml:"latency" msgpack:"latency"`
	Error     string      `json:"error,omitempty" yaml:"error,omitempty" msgpack:"error,omitempty"`
	PoolStats PoolStats   `json:"pool_stats" yaml:"pool_stats" msgpack:"pool_stats"`
	Workers   WorkerStats `json:"workers" yaml:"workers" msgpack:"workers"`
}

// PoolStats contains connection pool statistics
type PoolStats struct {
	MaxOpenConnections int   `json:"max_open_connections" yaml:"max_open_connections" msgpack:"max_open_connections"`
	OpenConnections    int   `json:"open_connections" yaml:"open_connections" msgpack:"open_connections"`
	InUse              int   `json:"in_use" yaml:"in_use" msgpack:"in_use"`
	Idle               int   `json:"idle" yaml:"idle" msgpack:"idle"`
	WaitCount          int64 `json:"wait_count" yaml:"wait_count" msgpack:"wait_count"`
	WaitDurationMs     int64 `json:"wait_duration_ms" yaml:"wait_duration_ms" msgpack:"wait_duration_ms"`
}

// WorkerStats describes the worker pool running bridged bodies.
type WorkerStats struct {
	Max      int   `json:"max" yaml:"max" msgpack:"max"` // 0 when unbounded
	InFlight int64 `json:"in_flight" yaml:"in_flight" msgpack:"in_flight"`
}

// Health pings the database and reports pool and worker statistics.
func (e *Engine) Health(ctx context.Context) HealthStatus {
	start := time.Now()
	err := e.Ping(ctx)

	status := HealthStatus{
		Healthy:   err == nil,
		Latency:   time.Since(start).String(),
		PoolStats: PoolStatsFromSQL(e.Stats()),
		Workers: WorkerStats{
			Max:      e.pool.MaxWorkers(),
			InFlight: e.pool.InFlight(),
		},
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

// IsHealthy returns true if the database is reachable
func (e *Engine) IsHealthy(ctx context.Context) bool {
	return e.Ping(ctx) == nil
}

// HealthHandler serves Health, negotiated like any encodable route. An
// unhealthy engine answers 503.
func (e *Engine) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := e.Health(r.Context())
		code := http.StatusOK
		if !status.Healthy {
			code = http.StatusServiceUnavailable
		}

		res, err := Encode(r, code, status)
		if err != nil {
			writeError(w, r, e, err)
			return
		}
		res.Write(w)
	}
}

// PoolStatsFromSQL converts sql.DBStats to PoolStats
func PoolStatsFromSQL(stats sql.DBStats) PoolStats {
	return PoolStats{
		MaxOpenConnections: stats.MaxOpenConnections,
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		WaitCount:          stats.WaitCount,
		WaitDurationMs:     stats.WaitDuration.Milliseconds(),
	}
}
