// Package metrics defines the prometheus metrics exported by the tcp engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SegmentsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcpengine_segments_sent_total",
			Help: "Number of TCP segments handed to the network layer, by kind.",
		},
		[]string{"kind"},
	)
	SegmentsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcpengine_segments_received_total",
			Help: "Number of inbound TCP segments, by demultiplexing result.",
		},
		[]string{"result"},
	)
	Retransmissions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tcpengine_retransmissions_total",
			Help: "Number of segments sent again after a retransmission timeout.",
		},
	)
	RetransmissionTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tcpengine_retransmission_timeouts_total",
			Help: "Number of connections aborted after exhausting their retransmissions.",
		},
	)
	ResetsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcpengine_resets_sent_total",
			Help: "Number of RST segments sent, by origin.",
		},
		[]string{"origin"},
	)
	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcpengine_state_transitions_total",
			Help: "Number of connection state transitions, by entered state.",
		},
		[]string{"state"},
	)
	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tcpengine_active_connections",
			Help: "Number of sockets held in the connection table, by type.",
		},
		[]string{"type"},
	)
	RTOSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tcpengine_rto_seconds",
			Help:    "Retransmission timeout computed after each RTT sample.",
			Buckets: []float64{1, 1.5, 2, 3, 5, 8, 15, 30, 60, 120},
		},
	)
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcpengine_icmp_notifications_total",
			Help: "Number of ICMP notifications delivered to the engine, by type.",
		},
		[]string{"type"},
	)
	PoolExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tcpengine_pool_exhausted_total",
			Help: "Number of payload buffer requests refused because the pool was empty.",
		},
	)
)
