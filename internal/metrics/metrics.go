package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Hub metrics
var (
	// ActiveChannels tracks the number of channels currently serving
	ActiveChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_active_channels",
			Help: "Number of channels currently registered",
		},
	)

	// ActiveSessions tracks connected sessions per channel
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hub_active_sessions",
			Help: "Number of connected sessions by channel",
		},
		[]string{"channel"},
	)

	// DiffsReceived tracks inbound binary diffs by channel
	DiffsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_diffs_received_total",
			Help: "Inbound binary diffs by channel",
		},
		[]string{"channel"},
	)

	// DiffsDelivered tracks outbound diffs delivered to sessions
	DiffsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_diffs_delivered_total",
			Help: "Outbound diffs delivered to sessions by channel",
		},
		[]string{"channel"},
	)

	// DiffsRejected tracks rejected inbound diffs by reason
	DiffsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_diffs_rejected_total",
			Help: "Rejected inbound diffs by channel and reason",
		},
		[]string{"channel", "reason"},
	)

	// SlowClientsEvicted tracks sessions disconnected for not draining
	// their outbound queue
	SlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_slow_clients_evicted_total",
			Help: "Sessions disconnected because their outbound queue overflowed",
		},
	)

	// AccessDenied tracks refused connections and API calls
	AccessDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_access_denied_total",
			Help: "Denied access attempts by channel",
		},
		[]string{"channel"},
	)
)

// Snapshot metrics
var (
	// SnapshotSaves tracks completed snapshot saves
	SnapshotSaves = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapshot_saves_total",
			Help: "Completed snapshot saves across all channels",
		},
	)

	// SnapshotSaveDuration tracks snapshot save latency in seconds
	SnapshotSaveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snapshot_save_duration_seconds",
			Help:    "Snapshot save duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// SnapshotSaveConflicts tracks saves abandoned after exhausting the
	// dictionary conflict retries
	SnapshotSaveConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapshot_save_conflicts_total",
			Help: "Snapshot saves abandoned after repeated dictionary key conflicts",
		},
	)
)
