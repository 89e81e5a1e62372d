package hooks

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RouteMetrics records the outcome of bridged route handlers.
type RouteMetrics struct {
	duration *prometheus.HistogramVec
	total    *prometheus.CounterVec
}

// NewRouteMetrics registers route collectors. inFlight, when non-nil, is
// exported as a gauge of busy bridge workers.
func NewRouteMetrics(registry prometheus.Registerer, inFlight func() float64) (*RouteMetrics, error) {
	m := &RouteMetrics{}
	var err error

	m.duration, err = register(registry, prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sublimate_route_duration_seconds",
			Help:    "Duration of bridged route handlers in seconds",
			Buckets: latencyBuckets,
		},
		[]string{"method", "transaction"},
	))
	if err != nil {
		return nil, err
	}
	m.total, err = register(registry, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sublimate_routes_total",
			Help: "Total number of bridged route invocations by status code",
		},
		[]string{"method", "code", "transaction"},
	))
	if err != nil {
		return nil, err
	}

	if inFlight != nil {
		if _, err := register(registry, prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "sublimate_workers_in_flight",
				Help: "Number of bridge workers currently running a handler body",
			},
			inFlight,
		)); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Observe records a single route invocation.
func (m *RouteMetrics) Observe(method string, code int, inTx bool, d time.Duration) {
	tx := strconv.FormatBool(inTx)
	m.duration.WithLabelValues(method, tx).Observe(d.Seconds())
	m.total.WithLabelValues(method, strconv.Itoa(code), tx).Inc()
}
