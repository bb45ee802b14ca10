// Package metrics provides Prometheus metrics collection for the kernel
// router, the ETH multiplexer, and the indexers.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every Prometheus collector the node registers.
type Metrics struct {
	MessagesRouted   *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	MessageTimeouts  prometheus.Counter
	CapabilityGrants prometheus.Counter
	CapabilityRevokes prometheus.Counter

	ProviderHealthy  *prometheus.GaugeVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter

	IndexerBlocksBehind *prometheus.GaugeVec
	IndexerEventsQueued *prometheus.GaugeVec
}

// New creates a Metrics instance registered against the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against the given
// registerer (tests use a fresh prometheus.NewRegistry()).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noded_messages_routed_total",
			Help: "Total number of kernel messages successfully routed.",
		}, []string{"target"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noded_messages_dropped_total",
			Help: "Total number of kernel messages dropped, by reason.",
		}, []string{"reason"}),
		MessageTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "noded_message_timeouts_total",
			Help: "Total number of requests that timed out waiting for a response.",
		}),
		CapabilityGrants: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "noded_capability_grants_total",
			Help: "Total number of capabilities granted.",
		}),
		CapabilityRevokes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "noded_capability_revokes_total",
			Help: "Total number of capabilities revoked.",
		}),
		ProviderHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "noded_ethmux_provider_healthy",
			Help: "1 if the provider is currently usable, 0 otherwise.",
		}, []string{"chain_id", "provider"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "noded_ethmux_cache_hits_total",
			Help: "Total number of ETH multiplexer request cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "noded_ethmux_cache_misses_total",
			Help: "Total number of ETH multiplexer request cache misses.",
		}),
		IndexerBlocksBehind: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "noded_indexer_blocks_behind",
			Help: "Difference between chain head and last observed block.",
		}, []string{"indexer"}),
		IndexerEventsQueued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "noded_indexer_events_queued",
			Help: "Number of reordered events waiting for their parent.",
		}, []string{"indexer"}),
	}

	collectors := []prometheus.Collector{
		m.MessagesRouted, m.MessagesDropped, m.MessageTimeouts,
		m.CapabilityGrants, m.CapabilityRevokes, m.ProviderHealthy,
		m.CacheHits, m.CacheMisses, m.IndexerBlocksBehind, m.IndexerEventsQueued,
	}
	for _, c := range collectors {
		_ = registerer.Register(c)
	}
	return m
}
