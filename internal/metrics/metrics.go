// Package metrics exposes prometheus collectors for model loading,
// generation and remote requests.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hypernetix/fullmoon-go/pkg/generation"
	"github.com/hypernetix/fullmoon-go/pkg/loader"
	"github.com/hypernetix/fullmoon-go/pkg/remote"
)

// Metrics implements the loader, generation and remote observers. A nil
// *Metrics records nothing.
type Metrics struct {
	loadAttempts    *prometheus.CounterVec
	loadRetries     *prometheus.CounterVec
	loadFailures    *prometheus.CounterVec
	loadDuration    *prometheus.HistogramVec
	generationRuns  *prometheus.CounterVec
	generatedTokens *prometheus.CounterVec
	tokensPerSecond *prometheus.HistogramVec
	remoteRequests  *prometheus.CounterVec
}

var (
	_ loader.Observer     = (*Metrics)(nil)
	_ generation.Observer = (*Metrics)(nil)
	_ remote.Observer     = (*Metrics)(nil)
)

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		loadAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fullmoon_model_load_attempts_total",
			Help: "Model fetch attempts by model",
		}, []string{"model"}),
		loadRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fullmoon_model_load_retries_total",
			Help: "Model fetch retries after a transient failure",
		}, []string{"model"}),
		loadFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fullmoon_model_load_failures_total",
			Help: "Failed model loads by reason",
		}, []string{"model", "reason"}),
		loadDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fullmoon_model_load_duration_seconds",
			Help:    "Wall time of model loads",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"model", "result"}),
		generationRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fullmoon_generation_runs_total",
			Help: "Local generation runs by result",
		}, []string{"model", "result"}),
		generatedTokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fullmoon_generated_tokens_total",
			Help: "Tokens produced by local generation",
		}, []string{"model"}),
		tokensPerSecond: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fullmoon_generation_tokens_per_second",
			Help:    "Throughput of finished local generations",
			Buckets: []float64{1, 2, 5, 10, 20, 40, 80, 160},
		}, []string{"model"}),
		remoteRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fullmoon_remote_requests_total",
			Help: "Remote completion requests by server kind and outcome",
		}, []string{"kind", "outcome"}),
	}
}

// LoadFailureReason maps a load error to a low-cardinality label.
func LoadFailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, loader.ErrModelNotFound):
		return "not_found"
	case errors.Is(err, loader.ErrBackgroundSuspended):
		return "suspended"
	case errors.Is(err, loader.ErrInitializationTimeout):
		return "init_timeout"
	case errors.Is(err, loader.ErrSuperseded):
		return "superseded"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, loader.ErrTransientFetch):
		return "fetch"
	default:
		return "other"
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) LoadAttempt(modelID string) {
	if m == nil {
		return
	}
	m.loadAttempts.WithLabelValues(modelID).Inc()
}

func (m *Metrics) LoadRetry(modelID string) {
	if m == nil {
		return
	}
	m.loadRetries.WithLabelValues(modelID).Inc()
}

func (m *Metrics) LoadFinished(modelID string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.loadDuration.WithLabelValues(modelID, result(err)).Observe(elapsed.Seconds())
	if err != nil {
		m.loadFailures.WithLabelValues(modelID, LoadFailureReason(err)).Inc()
	}
}

func (m *Metrics) GenerationFinished(modelID string, tokens int, tokensPerSecond float64, err error) {
	if m == nil {
		return
	}
	m.generationRuns.WithLabelValues(modelID, result(err)).Inc()
	m.generatedTokens.WithLabelValues(modelID).Add(float64(tokens))
	if err == nil && tokensPerSecond > 0 {
		m.tokensPerSecond.WithLabelValues(modelID).Observe(tokensPerSecond)
	}
}

func (m *Metrics) RemoteRequest(kind, outcome string) {
	if m == nil {
		return
	}
	m.remoteRequests.WithLabelValues(kind, outcome).Inc()
}
