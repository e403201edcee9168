package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stage names for StageLatency.
const (
	StageASR           = "asr"
	StageLLMFirstToken = "llm_first_token"
	StageLLMTotal      = "llm_total"
	StageTTSFirstAudio = "tts_first_audio"
	StageTurnTotal     = "turn_total"
)

// Metrics holds the Prometheus collectors for the agent. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	FramesDropped    *prometheus.CounterVec
	BargeInTotal     prometheus.Counter
	BargeInLatency   prometheus.Histogram
	StageLatency     *prometheus.HistogramVec
	StateTransitions *prometheus.CounterVec
	SessionsActive   prometheus.Gauge
	SessionsClosed   *prometheus.CounterVec
	AdapterFailures  *prometheus.CounterVec
	TurnsTotal       *prometheus.CounterVec
}

// New creates a Metrics instance on its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voice_agent"
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Audio frames dropped on bus overflow",
		}, []string{"direction"}),
		BargeInTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_in_total",
			Help:      "Agent replies interrupted by the caller",
		}),
		BargeInLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "barge_in_latency_seconds",
			Help:      "Time from caller speech detection to acknowledged playback stop",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 1},
		}),
		StageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_seconds",
			Help:      "Per-stage pipeline latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"stage"}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Turn state machine transitions",
		}, []string{"from", "to"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live sessions",
		}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions torn down, by reason",
		}, []string{"reason"}),
		AdapterFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_failures_total",
			Help:      "STT, LLM and TTS failures",
		}, []string{"adapter"}),
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Dialogue turns committed, by kind",
		}, []string{"kind"}),
	}
	registry.MustRegister(
		m.FramesDropped,
		m.BargeInTotal,
		m.BargeInLatency,
		m.StageLatency,
		m.StateTransitions,
		m.SessionsActive,
		m.SessionsClosed,
		m.AdapterFailures,
		m.TurnsTotal,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameDropped(direction string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(direction).Inc()
}

// BargeIn records one interruption and how long the stop took.
func (m *Metrics) BargeIn(latency time.Duration) {
	if m == nil {
		return
	}
	m.BargeInTotal.Inc()
	m.BargeInLatency.Observe(latency.Seconds())
}

func (m *Metrics) Stage(stage string, d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.StageLatency.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) AdapterFailed(adapter string) {
	if m == nil {
		return
	}
	m.AdapterFailures.WithLabelValues(adapter).Inc()
}

func (m *Metrics) TurnCommitted(kind string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(kind).Inc()
}
