package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Phase state machine metrics
	PhaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_phase_transitions_total",
			Help: "Total number of workflow phase transitions",
		},
		[]string{"from", "to", "status"},
	)

	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meridian_phase_duration_seconds",
			Help:    "Duration of remote phase operations in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"operation"},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_sessions_created_total",
			Help: "Total number of remote sessions created",
		},
	)

	SessionsRestored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_sessions_restored_total",
			Help: "Total number of sessions restored from the local archive",
		},
	)

	// Progress synchronizer metrics
	PollsIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_progress_polls_total",
			Help: "Total number of status poll requests issued",
		},
	)

	SnapshotsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_progress_snapshots_applied_total",
			Help: "Progress snapshots applied to the local view, by source channel",
		},
		[]string{"source"},
	)

	StreamReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_stream_reconnects_total",
			Help: "Total number of push-channel reconnect attempts",
		},
	)

	StreamExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_stream_reconnects_exhausted_total",
			Help: "Times the push channel gave up reconnecting and fell back to polling",
		},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_jobs_terminal_total",
			Help: "Jobs observed reaching a terminal status",
		},
		[]string{"status"},
	)
)
