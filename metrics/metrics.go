package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IndexRebuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nim_memory_index_rebuilds_total",
			Help: "Total number of character index rebuilds",
		},
		[]string{"result"},
	)

	IndexLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nim_memory_index_loads_total",
			Help: "Total number of load-or-create calls by outcome",
		},
		[]string{"outcome"},
	)

	RebuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "nim_memory_rebuild_duration_seconds",
			Help: "Character index rebuild duration in seconds",
		},
	)

	Searches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nim_memory_searches_total",
			Help: "Total number of memory card searches by outcome",
		},
		[]string{"outcome"},
	)

	SearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "nim_memory_search_duration_seconds",
			Help: "Memory card search latency in seconds",
		},
	)

	Summaries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nim_memory_summaries_total",
			Help: "Total number of conversation summarizations",
		},
		[]string{"result"},
	)

	ProviderLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nim_memory_provider_loads_total",
			Help: "Total number of embedding provider load attempts",
		},
		[]string{"result"},
	)

	ProviderReady = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nim_memory_provider_ready",
			Help: "1 when the embedding provider is loaded",
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nim_memory_active_sessions",
			Help: "Number of open chat sessions",
		},
	)
)
