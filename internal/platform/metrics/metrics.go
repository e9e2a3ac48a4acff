package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "convochat"

// Turn outcomes recorded by the chat orchestrator.
const (
	OutcomeOK              = "ok"
	OutcomeUnauthorized    = "unauthorized"
	OutcomeForbidden       = "forbidden"
	OutcomeBadRequest      = "bad_request"
	OutcomeUpstreamError   = "upstream_error"
	OutcomeUpstreamTimeout = "upstream_timeout"
	OutcomeInternal        = "internal"
)

// Reconciliation results recorded by the background worker.
const (
	ReconcileApplied    = "applied"
	ReconcileRequeued   = "requeued"
	ReconcileDeadLetter = "dead_letter"
	ReconcileMalformed  = "malformed"
)

// Metrics owns a private registry so tests can build as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	chatTurns          *prometheus.CounterVec
	unpersistedReplies prometheus.Counter
	completionLatency  prometheus.Histogram
	reconciledTurns    *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		chatTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_turns_total",
			Help:      "Chat turns by final outcome.",
		}, []string{"outcome"}),
		unpersistedReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unpersisted_replies_total",
			Help:      "Replies returned to the client whose turn could not be persisted.",
		}),
		completionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_duration_seconds",
			Help:      "Latency of calls to the completion service.",
			Buckets:   []float64{.25, .5, 1, 2, 4, 8, 15, 30, 60},
		}),
		reconciledTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_turns_total",
			Help:      "Pending turns handled by the reconciler, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.chatTurns,
		m.unpersistedReplies,
		m.completionLatency,
		m.reconciledTurns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Nil receivers are no-ops so collaborators can run without metrics.

func (m *Metrics) ObserveTurn(outcome string) {
	if m == nil {
		return
	}
	m.chatTurns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) UnpersistedReply() {
	if m == nil {
		return
	}
	m.unpersistedReplies.Inc()
}

func (m *Metrics) ObserveCompletion(d time.Duration) {
	if m == nil {
		return
	}
	m.completionLatency.Observe(d.Seconds())
}

func (m *Metrics) ObserveReconcile(result string) {
	if m == nil {
		return
	}
	m.reconciledTurns.WithLabelValues(result).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
