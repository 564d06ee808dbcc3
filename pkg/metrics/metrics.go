// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks itinerary service request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_request_duration_seconds",
			Help:    "Itinerary service request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "outcome"},
	)

	// RequestAttemptsTotal tracks individual network attempts.
	RequestAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_request_attempts_total",
			Help: "Total network attempts including retries",
		},
		[]string{"method", "endpoint", "outcome"},
	)

	// RetriesTotal tracks retried attempts by trigger.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_retries_total",
			Help: "Total retried attempts",
		},
		[]string{"reason"},
	)

	// DedupHitsTotal tracks requests served from an in-flight duplicate.
	DedupHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_dedup_hits_total",
			Help: "Requests coalesced onto an in-flight identical request",
		},
	)

	// TokenRefreshTotal tracks auth token refreshes.
	TokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_token_refresh_total",
			Help: "Auth token refreshes",
		},
		[]string{"trigger", "outcome"},
	)

	// SyncQueueDepth tracks buffered sync queue items.
	SyncQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_sync_queue_depth",
			Help: "Items buffered in the debounced sync queue",
		},
	)

	// SyncFlushesTotal tracks sync queue flush cycles.
	SyncFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_sync_flushes_total",
			Help: "Sync queue flush cycles",
		},
		[]string{"outcome"},
	)

	// PatchStreamConnections tracks active SSE patch stream connections.
	PatchStreamConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_patch_stream_connections",
			Help: "Active SSE patch stream connections",
		},
	)

	// PatchEventsTotal tracks patch events received over SSE.
	PatchEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_patch_events_total",
			Help: "Patch events received on the live stream",
		},
	)

	// TrackedChangesTotal tracks attribution records by source and type.
	TrackedChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_tracked_changes_total",
			Help: "Change attribution records written",
		},
		[]string{"source", "change_type"},
	)
)

// RecordRequest records metrics for a completed request chain.
func RecordRequest(method, endpoint, outcome string, duration float64) {
	RequestDuration.WithLabelValues(method, endpoint, outcome).Observe(duration)
}

// RecordAttempt records metrics for one network attempt.
func RecordAttempt(method, endpoint, outcome string) {
	RequestAttemptsTotal.WithLabelValues(method, endpoint, outcome).Inc()
}

// RecordTokenRefresh records a token refresh attempt.
func RecordTokenRefresh(trigger string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	TokenRefreshTotal.WithLabelValues(trigger, outcome).Inc()
}

// IncrementPatchStreamConnections increments the active stream count.
func IncrementPatchStreamConnections() {
	PatchStreamConnections.Inc()
}

// DecrementPatchStreamConnections decrements the active stream count.
func DecrementPatchStreamConnections() {
	PatchStreamConnections.Dec()
}
