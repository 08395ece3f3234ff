// Package metrics exposes prometheus collectors for workflow tool calls,
// reviewer invocations, and the session stack.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "waymark"

// Recorder holds every waymark collector. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	gatherer        prometheus.Gatherer
	toolCalls       *prometheus.CounterVec
	reviewDuration  *prometheus.HistogramVec
	qualityAttempts prometheus.Counter
	stackDepth      prometheus.Gauge
}

// New registers the collectors with a fresh registry.
func New() *Recorder {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry registers the collectors with registry.
func NewWithRegistry(registry *prometheus.Registry) *Recorder {
	factory := promauto.With(registry)
	return &Recorder{
		gatherer: registry,
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Workflow tool calls by tool and outcome",
		}, []string{"tool", "outcome"}),
		reviewDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "review_duration_seconds",
			Help:      "Reviewer process wall-clock time by reviewer and outcome",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 240, 480, 900},
		}, []string{"reviewer", "outcome"}),
		qualityAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quality_attempts_total",
			Help:      "Quality gate attempts recorded across all sessions",
		}),
		stackDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_stack_depth",
			Help:      "Number of active sessions on the stack",
		}),
	}
}

// ObserveTool counts one tool call. outcome is a finished_step status, "ok",
// or "error".
func (r *Recorder) ObserveTool(tool, outcome string) {
	if r == nil {
		return
	}
	r.toolCalls.WithLabelValues(tool, outcome).Inc()
}

// ObserveReview records one reviewer call.
func (r *Recorder) ObserveReview(reviewer, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.reviewDuration.WithLabelValues(reviewer, outcome).Observe(elapsed.Seconds())
}

// QualityAttempt counts one recorded quality attempt.
func (r *Recorder) QualityAttempt() {
	if r == nil {
		return
	}
	r.qualityAttempts.Inc()
}

// SetStackDepth publishes the current stack depth.
func (r *Recorder) SetStackDepth(depth int) {
	if r == nil {
		return
	}
	r.stackDepth.Set(float64(depth))
}

// Gatherer exposes the underlying registry.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.gatherer
}

// Handler serves the registry in the prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
