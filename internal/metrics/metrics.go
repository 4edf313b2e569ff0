// Package metrics exports gateway events as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	eventbus "github.com/fermi-ad/extapi-acsys/internal/eventbus"
	events "github.com/fermi-ad/extapi-acsys/internal/events"
)

const namespace = "extapi"

// Metrics owns the gateway's registry and collectors.
type Metrics struct {
	reg *prometheus.Registry

	httpRequests    *prometheus.CounterVec   // by status code
	operations      *prometheus.HistogramVec // by operation type
	operationErrors *prometheus.CounterVec   // by operation type
	rpcTime         *prometheus.HistogramVec // backend share of operations

	backendCalls   *prometheus.CounterVec   // by backend, method and code
	backendLatency *prometheus.HistogramVec // by backend and method
	backendState   *prometheus.GaugeVec     // 1 for the current state of a backend

	subscriptions  prometheus.Gauge
	fieldsClosed   *prometheus.CounterVec // by close reason
	fieldEmissions prometheus.Histogram

	alarmDuplicates *prometheus.CounterVec // by source
	consumerRetries prometheus.Counter
}

// New creates the collectors and registers them, along with the Go runtime
// and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served, by status code",
		}, []string{"code"}),

		operations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "graphql",
			Name:      "operation_duration_seconds",
			Help:      "Duration of GraphQL operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),

		operationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graphql",
			Name:      "operation_errors_total",
			Help:      "Field errors reported in GraphQL responses",
		}, []string{"type"}),

		rpcTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "graphql",
			Name:      "operation_rpc_seconds",
			Help:      "Time GraphQL operations spent in backend calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),

		backendCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "calls_total",
			Help:      "Backend calls, by gRPC status code",
		}, []string{"backend", "method", "code"}),

		backendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "call_duration_seconds",
			Help:      "Duration of backend calls; streams are measured until they end",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "method"}),

		backendState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "state",
			Help:      "Connection state of each backend (1 for the current state)",
		}, []string{"backend", "state"}),

		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "active",
			Help:      "Client subscriptions currently open",
		}),

		fieldsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "fields_closed_total",
			Help:      "Subscription fields closed, by reason",
		}, []string{"reason"}),

		fieldEmissions: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "field_emissions",
			Help:      "Emissions delivered per subscription field",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),

		alarmDuplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alarms",
			Name:      "duplicates_total",
			Help:      "Redelivered alarms dropped, by source",
		}, []string{"source"}),

		consumerRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alarms",
			Name:      "consumer_retries_total",
			Help:      "Failed attempts to create the alarm consumer",
		}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.operations, m.operationErrors, m.rpcTime,
		m.backendCalls, m.backendLatency, m.backendState,
		m.subscriptions, m.fieldsClosed, m.fieldEmissions,
		m.alarmDuplicates, m.consumerRetries,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Register feeds the collectors from the global event bus.
func (m *Metrics) Register() (unregister func()) {
	offs := []func(){
		eventbus.Listen(func(_ context.Context, e events.HTTPFinish) {
			m.httpRequests.WithLabelValues(strconv.Itoa(e.Status)).Inc()
		}),
		eventbus.Listen(func(_ context.Context, e events.GraphQLFinish) {
			m.operations.WithLabelValues(e.OperationType).Observe(e.Duration.Seconds())
			m.rpcTime.WithLabelValues(e.OperationType).Observe(e.RPCTime.Seconds())
			if len(e.Errors) > 0 {
				m.operationErrors.WithLabelValues(e.OperationType).Add(float64(len(e.Errors)))
			}
		}),
		eventbus.Listen(func(_ context.Context, e events.GRPCClientFinish) {
			m.backendCalls.WithLabelValues(e.Backend, e.Method, e.Code.String()).Inc()
			m.backendLatency.WithLabelValues(e.Backend, e.Method).Observe(e.Duration.Seconds())
		}),
		eventbus.Listen(func(_ context.Context, e events.BackendStateChanged) {
			if e.From != "" {
				m.backendState.WithLabelValues(e.Backend, e.From).Set(0)
			}
			m.backendState.WithLabelValues(e.Backend, e.To).Set(1)
		}),
		eventbus.Listen(func(_ context.Context, _ events.SubscriptionStart) {
			m.subscriptions.Inc()
		}),
		eventbus.Listen(func(_ context.Context, e events.SubscriptionFieldClosed) {
			m.fieldsClosed.WithLabelValues(e.Reason).Inc()
			m.fieldEmissions.Observe(float64(e.Emissions))
		}),
		eventbus.Listen(func(_ context.Context, _ events.SubscriptionFinish) {
			m.subscriptions.Dec()
		}),
		eventbus.Listen(func(_ context.Context, e events.AlarmDuplicate) {
			m.alarmDuplicates.WithLabelValues(e.Source).Inc()
		}),
		eventbus.Listen(func(_ context.Context, _ events.AlarmConsumerRetry) {
			m.consumerRetries.Inc()
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}
