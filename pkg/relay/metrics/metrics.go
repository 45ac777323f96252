// Package metrics exposes relay Prometheus metrics on a private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the relay. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	SessionRejected *prometheus.CounterVec

	// Upstream metrics
	UpstreamOpenDuration *prometheus.HistogramVec

	// Audio metrics
	AudioBytesTotal   *prometheus.CounterVec
	AudioFramesTotal  prometheus.Counter
	AudioDroppedBytes *prometheus.CounterVec

	// Tool metrics
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	MalformedMessages *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_relay"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of active relay sessions",
	})
	sessionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Total number of finished relay sessions by close reason",
	}, []string{"reason"})
	sessionDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "session_duration_seconds",
		Help:      "Relay session duration in seconds",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})
	sessionRejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_rejected_total",
		Help:      "Connections refused before a session started",
	}, []string{"reason"})

	upstreamOpen := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upstream_open_duration_seconds",
		Help:      "Time to open the upstream agent connection",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"status"})

	audioBytes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_bytes_total",
		Help:      "Audio bytes relayed",
	}, []string{"direction"})
	audioFrames := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_frames_total",
		Help:      "Agent audio frames sent downstream",
	})
	audioDropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_dropped_bytes_total",
		Help:      "Audio bytes discarded",
	}, []string{"reason"})

	toolCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Client tool calls handled",
	}, []string{"tool", "status"})
	toolDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tool_call_duration_seconds",
		Help:      "Client tool call duration in seconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 15},
	}, []string{"tool"})

	malformed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "malformed_messages_total",
		Help:      "Messages dropped because they could not be decoded",
	}, []string{"side"})

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		sessionRejected,
		upstreamOpen,
		audioBytes,
		audioFrames,
		audioDropped,
		toolCalls,
		toolDuration,
		malformed,
	)

	return &Metrics{
		registry:             registry,
		SessionsActive:       sessionsActive,
		SessionsTotal:        sessionsTotal,
		SessionDuration:      sessionDuration,
		SessionRejected:      sessionRejected,
		UpstreamOpenDuration: upstreamOpen,
		AudioBytesTotal:      audioBytes,
		AudioFramesTotal:     audioFrames,
		AudioDroppedBytes:    audioDropped,
		ToolCallsTotal:       toolCalls,
		ToolCallDuration:     toolDuration,
		MalformedMessages:    malformed,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionEnded(reason string, d time.Duration) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(d.Seconds())
}

func (m *Metrics) SessionRejectedWith(reason string) {
	if m == nil {
		return
	}
	m.SessionRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) UpstreamOpened(d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.UpstreamOpenDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) AudioIn(bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues("in").Add(float64(bytes))
}

// AudioOut records one downstream frame.
func (m *Metrics) AudioOut(bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues("out").Add(float64(bytes))
	m.AudioFramesTotal.Inc()
}

func (m *Metrics) AudioDropped(reason string, bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.AudioDroppedBytes.WithLabelValues(reason).Add(float64(bytes))
}

func (m *Metrics) MalformedMessage(side string) {
	if m == nil {
		return
	}
	m.MalformedMessages.WithLabelValues(side).Inc()
}

func (m *Metrics) ObserveToolCall(name, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(name, status).Inc()
	m.ToolCallDuration.WithLabelValues(name).Observe(d.Seconds())
}
