// Package metric provides the Prometheus metrics registry for the gateway,
// the core instrument set, and the HTTP server exposing /metrics and
// /health.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the gateway's core instruments. Instruments are
// internally concurrent-safe; updates are fire-and-forget.
type Metrics struct {
	// Routing outcomes
	DeviceMessagesProcessed   prometheus.Counter
	DeviceEventsProcessed     prometheus.Counter
	DuplicateMessagesRejected prometheus.Counter
	InvalidMessagesRejected   *prometheus.CounterVec
	PublishErrors             *prometheus.CounterVec

	// Latency
	MessageProcessingDuration *prometheus.HistogramVec
	PublishDuration           *prometheus.HistogramVec

	// Connections
	ActiveConnections   prometheus.Gauge
	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected prometheus.Counter
	BytesReceived       prometheus.Counter
}

// Reasons recorded on the invalid-message counter
const (
	ReasonBadSync        = "bad_sync"
	ReasonFrameTooShort  = "frame_too_short"
	ReasonLengthMismatch = "length_mismatch"
	ReasonUnknownType    = "unknown_message_type"
)

// NewMetrics creates the gateway instrument set
func NewMetrics() *Metrics {
	return &Metrics{
		DeviceMessagesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "device_messages_processed_total",
			Help: "Device messages published to the device-message topic",
		}),

		DeviceEventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "device_events_processed_total",
			Help: "Device events published to the device-event topic",
		}),

		DuplicateMessagesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "duplicate_messages_rejected_total",
			Help: "Messages dropped because their counter was already observed",
		}),

		InvalidMessagesRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "invalid_messages_rejected_total",
				Help: "Messages dropped as unparseable or unroutable",
			},
			[]string{"reason"},
		),

		PublishErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "publish_errors_total",
				Help: "Publisher call failures",
			},
			[]string{"topic", "error"},
		),

		MessageProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "message_processing_duration_seconds",
				Help:    "Time from frame emission to publish outcome",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"message_type"},
		),

		PublishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "publish_duration_seconds",
				Help:    "Publisher call latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"topic"},
		),

		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_connections",
			Help: "Device connections currently admitted",
		}),

		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "connections_accepted_total",
			Help: "Connections admitted by the acceptor",
		}),

		ConnectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "connections_rejected_total",
			Help: "Connections closed at accept because the cap was reached",
		}),

		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bytes_received_total",
			Help: "Bytes read from device connections",
		}),
	}
}

// RecordProcessed increments the processed counter for the routing class
func (m *Metrics) RecordProcessed(deviceMessage bool) {
	if deviceMessage {
		m.DeviceMessagesProcessed.Inc()
	} else {
		m.DeviceEventsProcessed.Inc()
	}
}

// RecordDuplicate increments the duplicate rejection counter
func (m *Metrics) RecordDuplicate() {
	m.DuplicateMessagesRejected.Inc()
}

// RecordInvalid increments the invalid rejection counter for a reason
func (m *Metrics) RecordInvalid(reason string) {
	m.InvalidMessagesRejected.WithLabelValues(reason).Inc()
}

// RecordPublishError increments the publish error counter
func (m *Metrics) RecordPublishError(topic, errorKind string) {
	m.PublishErrors.WithLabelValues(topic, errorKind).Inc()
}

// RecordProcessingDuration records end-to-end frame processing time
func (m *Metrics) RecordProcessingDuration(messageType string, d time.Duration) {
	m.MessageProcessingDuration.WithLabelValues(messageType).Observe(d.Seconds())
}

// RecordPublishDuration records publisher call latency
func (m *Metrics) RecordPublishDuration(topic string, d time.Duration) {
	m.PublishDuration.WithLabelValues(topic).Observe(d.Seconds())
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.DeviceMessagesProcessed,
		m.DeviceEventsProcessed,
		m.DuplicateMessagesRejected,
		m.InvalidMessagesRejected,
		m.PublishErrors,
		m.MessageProcessingDuration,
		m.PublishDuration,
		m.ActiveConnections,
		m.ConnectionsAccepted,
		m.ConnectionsRejected,
		m.BytesReceived,
	}
}
