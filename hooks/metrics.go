package hooks

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/uptrace/bun"
)

var latencyBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// MetricsHook records per-operation query metrics
type MetricsHook struct {
	queryDuration *prometheus.HistogramVec
	queryTotal    *prometheus.CounterVec
	queryErrors   *prometheus.CounterVec
}

// NewMetricsHook creates a new metrics hook and registers its collectors.
// Collectors already registered by another engine on the same registry are
// shared instead of failing.
func NewMetricsHook(registry prometheus.Registerer) (*MetricsHook, error) {
	h := &MetricsHook{}
	var err error

	h.queryDuration, err = register(registry, prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sublimate_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: latencyBuckets,
		},
		[]string{"operation"},
	))
	if err != nil {
		return nil, err
	}
	h.queryTotal, err = register(registry, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sublimate_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation"},
	))
	if err != nil {
		return nil, err
	}
	h.queryErrors, err = register(registry, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sublimate_query_errors_total",
			Help: "Total number of failed database queries",
		},
		[]string{"operation"},
	))
	if err != nil {
		return nil, err
	}

	return h, nil
}

// BeforeQuery is called before a query is executed
func (h *MetricsHook) BeforeQuery(ctx context.Context, event *bun.QueryEvent) context.Context {
	return ctx
}

// AfterQuery is called after a query is executed
func (h *MetricsHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	op := OperationType(event.Query)

	h.queryDuration.WithLabelValues(op).Observe(time.Since(event.StartTime).Seconds())
	h.queryTotal.WithLabelValues(op).Inc()
	if event.Err != nil {
		h.queryErrors.WithLabelValues(op).Inc()
	}
}

// register adds c to the registry, returning the collector that is
// actually registered under its name.
func register[C prometheus.Collector](registry prometheus.Registerer, c C) (C, error) {
	if err := registry.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, err
	}
	return c, nil
}
