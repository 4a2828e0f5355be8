package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transport metrics
	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "khanasathi_realtime_state_transitions_total",
			Help: "Connection state transitions",
		},
		[]string{"state"}, // "disconnected", "connecting", "connected"
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "khanasathi_realtime_reconnect_attempts_total",
			Help: "Reconnect attempts scheduled by the transport",
		},
	)

	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "khanasathi_realtime_events_received_total",
			Help: "Inbound socket events",
		},
		[]string{"event"},
	)

	EventsDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "khanasathi_realtime_events_discarded_total",
			Help: "Inbound events dropped as malformed or foreign",
		},
		[]string{"event", "reason"},
	)

	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "khanasathi_realtime_events_emitted_total",
			Help: "Outbound socket events",
		},
		[]string{"event", "result"}, // "sent", "dropped"
	)

	// Reconciliation metrics
	Reconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "khanasathi_buffer_reconciled_total",
			Help: "Outcomes of merging server messages into room buffers",
		},
		[]string{"outcome"}, // "inserted", "duplicate", "confirmed", "foreign"
	)

	OptimisticPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "khanasathi_buffer_optimistic_pending",
			Help: "Optimistic messages awaiting confirmation",
		},
	)

	// Polling metrics
	PollTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "khanasathi_poll_ticks_total",
			Help: "Polling fallback fetches",
		},
		[]string{"result"}, // "ok", "error"
	)

	PollLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "khanasathi_poll_latency_seconds",
			Help:    "Polling fallback fetch latency",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)
)
