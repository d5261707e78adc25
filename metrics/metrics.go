// Package metrics exports Prometheus gauges and counters for a connection
// core's lifecycle, flow-control state, and dispatcher queue depth. Same
// package-level promauto idiom as the teacher's pkg/celeris/metrics.go,
// retargeted from per-HTTP-request labels to per-connection/per-stream
// ones since this module has no request-routing layer of its own.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "h2conn_connections_opened_total",
		Help: "Total number of connections accepted.",
	})

	ConnectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "h2conn_connections_closed_total",
			Help: "Total number of connections closed, labeled by reason.",
		},
		[]string{"reason"},
	)

	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "h2conn_active_streams",
		Help: "Current number of active (OPEN/HALF_CLOSED) streams across all connections.",
	})

	StreamsAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "h2conn_streams_admitted_total",
		Help: "Total number of remote streams admitted.",
	})

	StreamsRefused = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "h2conn_streams_refused_total",
			Help: "Total number of remote streams refused, labeled by error code.",
		},
		[]string{"code"},
	)

	ConnectionSendWindow = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "h2conn_connection_send_window_bytes",
		Help: "Current connection-level flow-control send window.",
	})

	BacklogSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "h2conn_flowcontrol_backlog_bytes",
		Help: "Current sum of unreleased flow-control reservations.",
	})

	DispatchQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "h2conn_dispatch_queue_depth",
		Help: "Current depth of the dispatcher's FIFO overflow queue.",
	})

	PingRoundTripSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "h2conn_ping_round_trip_seconds",
		Help:    "Observed PING round-trip time.",
		Buckets: prometheus.DefBuckets,
	})
)
