// Package metrics exposes orchestration counters and histograms on a
// dedicated Prometheus registry. All record methods are nil-safe so
// components can run without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestrator's instruments.
type Metrics struct {
	registry *prometheus.Registry

	messagesPublished *prometheus.CounterVec
	resultsConsumed   prometheus.Counter
	duplicateResults  prometheus.Counter
	invalidMessages   *prometheus.CounterVec
	stageTransitions  *prometheus.CounterVec
	sweeperRetries    prometheus.Counter
	sweeperExhausted  prometheus.Counter
	dispatchDuration  prometheus.Histogram
}

// New creates the instruments on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		messagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowforge_messages_published_total",
			Help: "Messages published to the agent bus, by topic.",
		}, []string{"topic"}),
		resultsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowforge_results_consumed_total",
			Help: "Agent results processed to completion.",
		}),
		duplicateResults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowforge_duplicate_results_total",
			Help: "Agent results dropped by the idempotency check.",
		}),
		invalidMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowforge_invalid_messages_total",
			Help: "Messages rejected by schema validation, by schema.",
		}, []string{"schema"}),
		stageTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowforge_stage_transitions_total",
			Help: "Workflow stage completions, by workflow type and outcome.",
		}, []string{"workflow_type", "stage", "outcome"}),
		sweeperRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowforge_sweeper_retries_total",
			Help: "Timed-out tasks re-dispatched by the sweeper.",
		}),
		sweeperExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowforge_sweeper_exhausted_total",
			Help: "Tasks failed by the sweeper after the retry budget.",
		}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowforge_dispatch_duration_seconds",
			Help:    "Time to build, persist, and publish one task.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	registry.MustRegister(
		m.messagesPublished,
		m.resultsConsumed,
		m.duplicateResults,
		m.invalidMessages,
		m.stageTransitions,
		m.sweeperRetries,
		m.sweeperExhausted,
		m.dispatchDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MessagePublished records one publish to topic.
func (m *Metrics) MessagePublished(topic string) {
	if m == nil {
		return
	}
	m.messagesPublished.WithLabelValues(topic).Inc()
}

// ResultConsumed records one fully processed agent result.
func (m *Metrics) ResultConsumed() {
	if m == nil {
		return
	}
	m.resultsConsumed.Inc()
}

// DuplicateResult records one replayed result dropped by dedup.
func (m *Metrics) DuplicateResult() {
	if m == nil {
		return
	}
	m.duplicateResults.Inc()
}

// InvalidMessage records one schema rejection.
func (m *Metrics) InvalidMessage(schema string) {
	if m == nil {
		return
	}
	m.invalidMessages.WithLabelValues(schema).Inc()
}

// StageTransition records one stage completion outcome.
func (m *Metrics) StageTransition(workflowType, stage, outcome string) {
	if m == nil {
		return
	}
	m.stageTransitions.WithLabelValues(workflowType, stage, outcome).Inc()
}

// SweeperRetry records one timed-out task re-dispatch.
func (m *Metrics) SweeperRetry() {
	if m == nil {
		return
	}
	m.sweeperRetries.Inc()
}

// SweeperExhausted records one task failed after its retry budget.
func (m *Metrics) SweeperExhausted() {
	if m == nil {
		return
	}
	m.sweeperExhausted.Inc()
}

// ObserveDispatch records the duration of one dispatch in seconds.
func (m *Metrics) ObserveDispatch(seconds float64) {
	if m == nil {
		return
	}
	m.dispatchDuration.Observe(seconds)
}
