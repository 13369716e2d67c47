package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "tonconnect"
	metricsSubsystem = "bridge"

	eventsReceivedMetric = "events_received_total"
	heartbeatsMetric     = "heartbeats_total"
	reconnectsMetric     = "reconnects_total"
	sendAttemptsMetric   = "send_attempts_total"
	openStreamsMetric    = "open_streams"
)

func init() {
	prometheus.MustRegister(eventsReceived)
	prometheus.MustRegister(heartbeats)
	prometheus.MustRegister(reconnects)
	prometheus.MustRegister(sendAttempts)
	prometheus.MustRegister(openStreams)
}

var (
	// eventsReceived counts non-heartbeat SSE records handed to the handler.
	// Labels:
	//   - bridge: bridge base URL
	eventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      eventsReceivedMetric,
			Help:      "Total number of SSE events received from the bridge",
		},
		[]string{"bridge"},
	)

	heartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      heartbeatsMetric,
			Help:      "Total number of heartbeat records dropped",
		},
		[]string{"bridge"},
	)

	// reconnects counts reconnect attempts after a stream failure.
	// Labels:
	//   - bridge: bridge base URL
	//   - result: "ok", "failed" or "exhausted"
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      reconnectsMetric,
			Help:      "Total number of SSE reconnect attempts",
		},
		[]string{"bridge", "result"},
	)

	// sendAttempts counts individual POST /message attempts.
	// Labels:
	//   - bridge: bridge base URL
	//   - result: "ok" or "error"
	sendAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      sendAttemptsMetric,
			Help:      "Total number of message POST attempts",
		},
		[]string{"bridge", "result"},
	)

	openStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      openStreamsMetric,
			Help:      "Number of currently open SSE subscriptions",
		},
	)
)
