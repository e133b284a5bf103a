// Package metrics exposes Prometheus collectors for the chat relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatrelay"

var (
	// TurnsTotal counts completed turns by outcome (completed, failed, rejected).
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "turn",
			Name:      "total",
			Help:      "Total number of chat turns by outcome",
		},
		[]string{"outcome"},
	)

	// TurnDuration observes wall-clock turn latency from receipt to terminal event.
	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "turn",
			Name:      "duration_seconds",
			Help:      "Turn duration in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	// DispatchTotal counts backend dispatches by path (plugin, native, plugin_fallback).
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "total",
			Help:      "Total number of generation dispatches by path",
		},
		[]string{"path"},
	)

	// ChunksRelayed counts incremental chunk events forwarded to clients.
	ChunksRelayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "chunks_relayed_total",
			Help:      "Total number of assistant chunk events relayed",
		},
	)

	// Connections tracks currently open WebSocket connections.
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Number of open WebSocket connections",
		},
	)
)
