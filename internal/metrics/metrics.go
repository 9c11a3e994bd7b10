package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "resolver"

// Metrics holds the resolver's prometheus instruments. A nil *Metrics is valid
// and records nothing, so components can be built without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	rpcRequests    *prometheus.CounterVec
	rpcRotations   prometheus.Counter
	oracleRequests *prometheus.CounterVec
	transactions   *prometheus.CounterVec
	items          *prometheus.CounterVec
	cycleDuration  *prometheus.HistogramVec
}

// New registers all instruments on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC attempts by endpoint index and result.",
		}, []string{"endpoint", "result"}),
		rpcRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_rotations_total",
			Help:      "Times the endpoint pool moved to another endpoint.",
		}),
		oracleRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_requests_total",
			Help:      "Oracle HTTP calls by operation, backend and result.",
		}, []string{"operation", "backend", "result"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "On-chain transactions by contract method and result.",
		}, []string{"method", "result"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_processed_total",
			Help:      "Markets and disputes processed by kind, token and result.",
		}, []string{"kind", "token", "result"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of scan cycles.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		m.rpcRequests,
		m.rpcRotations,
		m.oracleRequests,
		m.transactions,
		m.items,
		m.cycleDuration,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RPCRequest(endpoint, result string) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(endpoint, result).Inc()
}

func (m *Metrics) RPCRotation() {
	if m == nil {
		return
	}
	m.rpcRotations.Inc()
}

func (m *Metrics) OracleRequest(operation, backend, result string) {
	if m == nil {
		return
	}
	m.oracleRequests.WithLabelValues(operation, backend, result).Inc()
}

func (m *Metrics) Transaction(method, result string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(method, result).Inc()
}

func (m *Metrics) Item(kind, token, result string) {
	if m == nil {
		return
	}
	m.items.WithLabelValues(kind, token, result).Inc()
}

func (m *Metrics) ObserveCycle(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.WithLabelValues(kind).Observe(d.Seconds())
}
