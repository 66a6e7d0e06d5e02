// Package metrics provides Prometheus metrics for the build-mode engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	MessagesTotal      *prometheus.CounterVec
	GenerationsTotal   *prometheus.CounterVec
	GenerationDuration *prometheus.HistogramVec
	ArtifactsMerged    *prometheus.CounterVec
	LoopStepsTotal     *prometheus.CounterVec
	ApprovalsTotal     *prometheus.CounterVec
	TokensTotal        *prometheus.CounterVec
	UsageRejections    prometheus.Counter
	WatchdogExpiries   *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildmode_messages_total",
				Help: "Protocol messages by direction and type.",
			},
			[]string{"direction", "type"},
		),
		GenerationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildmode_generations_total",
				Help: "Generation requests by stage and result.",
			},
			[]string{"stage", "result"},
		),
		GenerationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "buildmode_generation_duration_seconds",
				Help:    "Model generation duration by provider.",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 45, 90},
			},
			[]string{"provider"},
		),
		ArtifactsMerged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildmode_artifacts_merged_total",
				Help: "Streamed artifacts merged by kind and operation.",
			},
			[]string{"kind", "op"},
		),
		LoopStepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildmode_loop_steps_total",
				Help: "Iteration loop steps by role class and result.",
			},
			[]string{"role", "result"},
		),
		ApprovalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildmode_approvals_total",
				Help: "Approval gate decisions.",
			},
			[]string{"decision"},
		),
		TokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildmode_tokens_total",
				Help: "Provider-reported tokens by direction.",
			},
			[]string{"direction"},
		),
		UsageRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "buildmode_usage_rejections_total",
				Help: "Dispatches refused by the usage guard.",
			},
		),
		WatchdogExpiries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildmode_watchdog_expiries_total",
				Help: "Loading indicators force-cleared by the watchdog.",
			},
			[]string{"stage"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildmode_errors_total",
				Help: "Errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.MessagesTotal,
		m.GenerationsTotal,
		m.GenerationDuration,
		m.ArtifactsMerged,
		m.LoopStepsTotal,
		m.ApprovalsTotal,
		m.TokensTotal,
		m.UsageRejections,
		m.WatchdogExpiries,
		m.ErrorsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordMessage counts a protocol message.
func (m *Metrics) RecordMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(direction, msgType).Inc()
}

// RecordGeneration counts a generation outcome.
func (m *Metrics) RecordGeneration(stage, result string) {
	if m == nil {
		return
	}
	m.GenerationsTotal.WithLabelValues(stage, result).Inc()
}

// ObserveGeneration records generation duration.
func (m *Metrics) ObserveGeneration(provider string, seconds float64) {
	if m == nil {
		return
	}
	m.GenerationDuration.WithLabelValues(provider).Observe(seconds)
}

// RecordMerge counts a merged artifact.
func (m *Metrics) RecordMerge(kind, op string) {
	if m == nil {
		return
	}
	m.ArtifactsMerged.WithLabelValues(kind, op).Inc()
}

// RecordLoopStep counts a loop step outcome.
func (m *Metrics) RecordLoopStep(role, result string) {
	if m == nil {
		return
	}
	m.LoopStepsTotal.WithLabelValues(role, result).Inc()
}

// RecordApproval counts an approval decision.
func (m *Metrics) RecordApproval(decision string) {
	if m == nil {
		return
	}
	m.ApprovalsTotal.WithLabelValues(decision).Inc()
}

// AddTokens adds provider-reported usage.
func (m *Metrics) AddTokens(input, output int64) {
	if m == nil {
		return
	}
	if input > 0 {
		m.TokensTotal.WithLabelValues("input").Add(float64(input))
	}
	if output > 0 {
		m.TokensTotal.WithLabelValues("output").Add(float64(output))
	}
}

// RecordUsageRejection counts a guard rejection.
func (m *Metrics) RecordUsageRejection() {
	if m == nil {
		return
	}
	m.UsageRejections.Inc()
}

// RecordWatchdogExpiry counts a force-cleared loading indicator.
func (m *Metrics) RecordWatchdogExpiry(stage string) {
	if m == nil {
		return
	}
	m.WatchdogExpiries.WithLabelValues(stage).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}
