package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server
type Metrics struct {
	// Broadcast metrics
	broadcastFanout   prometheus.Histogram
	messagesBroadcast *prometheus.CounterVec // by message type
	broadcastDuration prometheus.Histogram

	// Session metrics
	activeSessions       *prometheus.GaugeVec // by transport
	sessionsCreated      *prometheus.CounterVec
	sessionsDisconnected *prometheus.CounterVec // by reason

	// Message type metrics
	messagesReceived *prometheus.CounterVec // by message type
	messagesSent     *prometheus.CounterVec // by message type
	inflightMessages prometheus.Gauge

	// UDP reliability metrics
	retransmissions  prometheus.Counter
	unreachablePeers prometheus.Counter
	udpReceiveErrors prometheus.Gauge
}

// NewMetrics creates the server metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		broadcastFanout: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ipk24chat_broadcast_fanout",
				Help:    "Number of sessions that received each broadcast message",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),
		messagesBroadcast: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipk24chat_messages_broadcast_total",
				Help: "Total number of messages broadcast (unique messages, not deliveries)",
			},
			[]string{"type"},
		),
		broadcastDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ipk24chat_broadcast_duration_seconds",
				Help:    "Time taken to hand a broadcast to every recipient outbox",
				Buckets: prometheus.DefBuckets,
			},
		),
		activeSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ipk24chat_active_sessions",
				Help: "Current number of active sessions",
			},
			[]string{"transport"},
		),
		sessionsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipk24chat_sessions_created_total",
				Help: "Total number of sessions created",
			},
			[]string{"transport"},
		),
		sessionsDisconnected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipk24chat_sessions_disconnected_total",
				Help: "Total number of sessions disconnected",
			},
			[]string{"reason"},
		),
		messagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipk24chat_messages_received_total",
				Help: "Total number of messages received from clients by type",
			},
			[]string{"type"},
		),
		messagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipk24chat_messages_sent_total",
				Help: "Total number of messages sent to clients by type",
			},
			[]string{"type"},
		),
		inflightMessages: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ipk24chat_inflight_messages",
				Help: "Inbound messages received but not yet processed",
			},
		),
		retransmissions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ipk24chat_udp_retransmissions_total",
				Help: "Total number of UDP datagrams sent again for lack of a CONFIRM",
			},
		),
		unreachablePeers: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ipk24chat_udp_unreachable_total",
				Help: "Total number of UDP sessions dropped after exhausting retransmissions",
			},
		),
		udpReceiveErrors: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ipk24chat_udp_receive_buffer_errors",
				Help: "Host-wide UDP datagrams dropped for lack of receive buffer space",
			},
		),
	}
}

// RecordBroadcast records one broadcast: its type, recipient count and duration
func (m *Metrics) RecordBroadcast(messageType string, recipients int, durationSeconds float64) {
	m.messagesBroadcast.WithLabelValues(messageType).Inc()
	m.broadcastFanout.Observe(float64(recipients))
	m.broadcastDuration.Observe(durationSeconds)
}

// RecordSessionCreated increments the session counters for a transport
func (m *Metrics) RecordSessionCreated(transport string) {
	m.sessionsCreated.WithLabelValues(transport).Inc()
	m.activeSessions.WithLabelValues(transport).Inc()
}

// RecordSessionDisconnected decrements the active count and records why the session ended
func (m *Metrics) RecordSessionDisconnected(transport, reason string) {
	m.activeSessions.WithLabelValues(transport).Dec()
	m.sessionsDisconnected.WithLabelValues(reason).Inc()
}

// RecordMessageReceived increments the message received counter for a type
func (m *Metrics) RecordMessageReceived(messageType string) {
	m.messagesReceived.WithLabelValues(messageType).Inc()
}

// RecordMessageSent increments the message sent counter for a type
func (m *Metrics) RecordMessageSent(messageType string) {
	m.messagesSent.WithLabelValues(messageType).Inc()
}

func (m *Metrics) RecordInflight(delta float64) {
	m.inflightMessages.Add(delta)
}

func (m *Metrics) RecordRetransmission() {
	m.retransmissions.Inc()
}

func (m *Metrics) RecordUnreachable() {
	m.unreachablePeers.Inc()
}

// RecordUDPReceiveErrors publishes the kernel's UDP receive buffer error counter
func (m *Metrics) RecordUDPReceiveErrors(count uint64) {
	m.udpReceiveErrors.Set(float64(count))
}
