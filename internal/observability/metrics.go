package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/citruslab/collab/pkg/models"
)

// Metrics collects collaboration metrics.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.FrameEmitted("join-chat")
type Metrics struct {
	// ConnectionState is 1 for the current connection state and 0 otherwise.
	// Labels: state (connecting|connected|reconnecting|disconnected)
	ConnectionState *prometheus.GaugeVec

	// ReconnectAttempts counts failed dial attempts.
	ReconnectAttempts prometheus.Counter

	// FramesEmitted counts frames queued for the event channel.
	// Labels: event
	FramesEmitted *prometheus.CounterVec

	// FramesDropped counts frames that never reached the wire.
	// Labels: event, reason (not_connected|queue_full|rate_limited)
	FramesDropped *prometheus.CounterVec

	// FramesReceived counts inbound frames.
	// Labels: event
	FramesReceived *prometheus.CounterVec

	// PresencePollFailures counts failed active-user fetches.
	PresencePollFailures prometheus.Counter

	// ActiveParticipants tracks the size of each room's presence set.
	// Labels: room
	ActiveParticipants *prometheus.GaugeVec

	// InvitationOutcomes counts access controller operations.
	// Labels: operation (invite|share_link|resolve|accept|set_role|remove), outcome (success|error)
	InvitationOutcomes *prometheus.CounterVec

	// HTTPRequestDuration measures reference server request latency.
	// Labels: method, route, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts reference server requests.
	// Labels: method, route, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// HubConnections tracks open event channel connections on the server.
	HubConnections prometheus.Gauge
}

// NewMetrics creates the collaboration metrics and registers them with reg.
// A nil registerer uses the Prometheus default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "collab_connection_state",
				Help: "Current event channel connection state",
			},
			[]string{"state"},
		),

		ReconnectAttempts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "collab_reconnect_attempts_total",
				Help: "Total number of failed event channel dial attempts",
			},
		),

		FramesEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_frames_emitted_total",
				Help: "Total number of frames queued for the event channel",
			},
			[]string{"event"},
		),

		FramesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_frames_dropped_total",
				Help: "Total number of outbound frames dropped before the wire",
			},
			[]string{"event", "reason"},
		),

		FramesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_frames_received_total",
				Help: "Total number of inbound frames by event",
			},
			[]string{"event"},
		),

		PresencePollFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "collab_presence_poll_failures_total",
				Help: "Total number of failed active-user fetches",
			},
		),

		ActiveParticipants: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "collab_active_participants",
				Help: "Current number of active participants by room",
			},
			[]string{"room"},
		),

		InvitationOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_access_operations_total",
				Help: "Total number of access operations by outcome",
			},
			[]string{"operation", "outcome"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "collab_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "route", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),

		HubConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "collab_hub_connections",
				Help: "Current number of event channel connections on the server",
			},
		),
	}
}

var connectionStates = []models.ConnectionState{
	models.ConnectionConnecting,
	models.ConnectionConnected,
	models.ConnectionReconnecting,
	models.ConnectionDisconnected,
}

// SetConnectionState marks state as the current connection state.
func (m *Metrics) SetConnectionState(state models.ConnectionState) {
	if m == nil {
		return
	}
	for _, s := range connectionStates {
		value := 0.0
		if s == state {
			value = 1
		}
		m.ConnectionState.WithLabelValues(string(s)).Set(value)
	}
}

// ReconnectAttempt records a failed dial.
func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// FrameEmitted records an outbound frame.
func (m *Metrics) FrameEmitted(event string) {
	if m == nil {
		return
	}
	m.FramesEmitted.WithLabelValues(event).Inc()
}

// FrameDropped records an outbound frame that was discarded.
func (m *Metrics) FrameDropped(event, reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(event, reason).Inc()
}

// FrameReceived records an inbound frame.
func (m *Metrics) FrameReceived(event string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(event).Inc()
}

// PresencePollFailed records a failed active-user fetch.
func (m *Metrics) PresencePollFailed() {
	if m == nil {
		return
	}
	m.PresencePollFailures.Inc()
}

// SetActiveParticipants records the presence set size of a room.
func (m *Metrics) SetActiveParticipants(room string, n int) {
	if m == nil {
		return
	}
	m.ActiveParticipants.WithLabelValues(room).Set(float64(n))
}

// ForgetRoom drops the per-room series once a room view closes.
func (m *Metrics) ForgetRoom(room string) {
	if m == nil {
		return
	}
	m.ActiveParticipants.DeleteLabelValues(room)
}

// RecordAccess records the outcome of an access controller operation.
func (m *Metrics) RecordAccess(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.InvitationOutcomes.WithLabelValues(operation, outcome).Inc()
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestCounter.WithLabelValues(method, route, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, statusCode).Observe(durationSeconds)
}

// HubConnected adjusts the open hub connection gauge by delta.
func (m *Metrics) HubConnected(delta int) {
	if m == nil {
		return
	}
	m.HubConnections.Add(float64(delta))
}
