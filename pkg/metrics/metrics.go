// Package metrics exposes Prometheus collectors for the session
// orchestration components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Realtime sync metrics
	PushEventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "planrun",
			Subsystem: "sync",
			Name:      "push_events_received_total",
			Help:      "Total number of push events received, before coalescing",
		},
		[]string{"kind"},
	)

	RefreshesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "planrun",
			Subsystem: "sync",
			Name:      "refreshes_dispatched_total",
			Help:      "Total number of downstream refreshes dispatched",
		},
		[]string{"source", "mode"}, // source: "push" or "poll"; mode: "silent" or "foreground"
	)

	RefreshesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "planrun",
			Subsystem: "sync",
			Name:      "refreshes_skipped_total",
			Help:      "Refreshes skipped because fetched state matched the rendered state",
		},
	)

	PollTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "planrun",
			Subsystem: "sync",
			Name:      "poll_ticks_total",
			Help:      "Total number of fallback poll ticks fired",
		},
	)

	// Session metrics
	CaseSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "planrun",
			Subsystem: "session",
			Name:      "case_submissions_total",
			Help:      "Total number of accepted case submissions",
		},
		[]string{"outcome"},
	)

	SessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "planrun",
			Subsystem: "session",
			Name:      "started_total",
			Help:      "Total number of sessions started",
		},
		[]string{"mode"},
	)

	GatewayWriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "planrun",
			Subsystem: "session",
			Name:      "gateway_write_failures_total",
			Help:      "Gateway writes that failed after component-level retry policy",
		},
		[]string{"op", "code"},
	)

	// Live relay metrics
	RelayFramesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "planrun",
			Subsystem: "relay",
			Name:      "frames_received_total",
			Help:      "Total number of frames received from the live relay",
		},
	)

	RelayFramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "planrun",
			Subsystem: "relay",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped by the frame-rate cap",
		},
	)

	RelayStalls = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "planrun",
			Subsystem: "relay",
			Name:      "stalls_total",
			Help:      "Staleness detections on the live relay",
		},
	)

	RelayReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "planrun",
			Subsystem: "relay",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts against the live relay",
		},
		[]string{"result"}, // "success" or "failure"
	)

	RelayState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "planrun",
			Subsystem: "relay",
			Name:      "state",
			Help:      "Current reconnector state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)
)
