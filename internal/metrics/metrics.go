// Package metrics provides Prometheus instrumentation for the chat core.
// It exposes counters for event throughput and reconciliation outcomes, a
// connection gauge, and a histogram for recording durations.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsPublished counts events published to the transport, labeled by
	// channel: "send", "join", "typing.start", "typing.stop".
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hallway_events_published_total",
		Help: "Total number of events published to the transport",
	}, []string{"channel"})

	// EventsReceived counts inbound broadcast events, labeled by channel:
	// "messages", "participants", "typing", "reactions".
	EventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hallway_events_received_total",
		Help: "Total number of broadcast events received from the transport",
	}, []string{"channel"})

	// Reconciliations counts Reconcile outcomes, labeled by result:
	// "matched_id", "matched_window", "appended", "ignored".
	Reconciliations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hallway_reconciliations_total",
		Help: "Message reconciliation outcomes",
	}, []string{"result"})

	// SendFailures counts local sends that ended in failed status.
	SendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hallway_send_failures_total",
		Help: "Total number of sends that failed to publish",
	})

	// TransportConnected is 1 while the pub/sub session is connected.
	TransportConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hallway_transport_connected",
		Help: "Whether the pub/sub session is currently connected",
	})

	// RecordingDuration records the length of finalized audio captures.
	RecordingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hallway_recording_duration_seconds",
		Help:    "Duration of finalized audio recordings",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
	})
)

func init() {
	prometheus.MustRegister(
		EventsPublished,
		EventsReceived,
		Reconciliations,
		SendFailures,
		TransportConnected,
		RecordingDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
