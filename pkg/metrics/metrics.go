// Package metrics exposes Prometheus instrumentation for the collaborative
// editing server, grounded in the same global-registration-plus-promhttp
// pattern the example pack's rate limiter module uses for its own counters
// and gauges.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsOpened tracks live WebSocket connections across every
	// document session.
	ConnectionsOpened = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "infinote_connections_open",
		Help: "Number of currently open WebSocket connections",
	})

	// DocumentsActive tracks how many document sessions are resident in
	// memory.
	DocumentsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "infinote_documents_active",
		Help: "Number of document sessions currently held in memory",
	})

	// EditsApplied counts successfully applied Do/Undo/Redo requests,
	// labeled by kind.
	EditsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "infinote_edits_applied_total",
		Help: "Total requests applied by the OT engine, by kind",
	}, []string{"kind"})

	// EditsRejected counts requests the engine refused (causality
	// violations, size limit, concurrency ambiguity), labeled by reason.
	EditsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "infinote_edits_rejected_total",
		Help: "Total requests rejected by the OT engine, by reason",
	}, []string{"reason"})

	// CleanupLogEntriesDropped counts request-log entries discarded by
	// Algorithm.Cleanup, as a signal that heartbeat exchange is keeping
	// memory bounded.
	CleanupLogEntriesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "infinote_cleanup_log_entries_dropped_total",
		Help: "Total request-log entries discarded by periodic cleanup",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsOpened,
		DocumentsActive,
		EditsApplied,
		EditsRejected,
		CleanupLogEntriesDropped,
	)
}

// Handler returns the promhttp handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
