package index

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sifs",
		Subsystem: "index",
		Name:      "requests_total",
		Help:      "Number of index requests applied, by request type.",
	}, []string{"type"})

	metricsNodeCacheHit = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sifs",
		Subsystem: "index",
		Name:      "node_cache_hits_total",
		Help:      "Number of node reads served from the node cache.",
	})

	metricsNodeCacheMiss = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sifs",
		Subsystem: "index",
		Name:      "node_cache_misses_total",
		Help:      "Number of node reads that went to the index file.",
	})

	metricsNodeCacheEvict = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sifs",
		Subsystem: "index",
		Name:      "node_cache_evictions_total",
		Help:      "Number of nodes evicted from the node cache.",
	})

	metricsNodesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sifs",
		Subsystem: "index",
		Name:      "nodes_written_total",
		Help:      "Number of tree nodes written to index files.",
	})

	metricsLiveSegments = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sifs",
		Subsystem: "index",
		Name:      "live_segments",
		Help:      "Number of live index segments.",
	})
)
