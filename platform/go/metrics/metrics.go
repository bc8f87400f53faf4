package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the tenant-routing instruments. One instance per process;
// promauto registers on the default registry exposed at /metrics.
type Metrics struct {
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	ConnectionsOpened  prometheus.Counter
	OpenDuration       prometheus.Histogram
	ActiveHandles      prometheus.Gauge
	ProvisionSucceeded prometheus.Counter
	ProvisionFailed    prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "manylead_tenant_cache_hits_total",
			Help: "Connection cache lookups served from an existing handle",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "manylead_tenant_cache_misses_total",
			Help: "Connection cache lookups that required constructing a handle",
		}),
		ConnectionsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name: "manylead_tenant_connections_opened_total",
			Help: "Physical tenant database connections opened",
		}),
		OpenDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "manylead_tenant_connection_open_duration_seconds",
			Help:    "Duration of tenant connection construction (request hot path on cache miss)",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		ActiveHandles: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "manylead_tenant_active_handles",
			Help: "Live tenant connection handles held by the cache",
		}),
		ProvisionSucceeded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "manylead_tenant_provision_success_total",
			Help: "Tenant provisioning runs that reached active",
		}),
		ProvisionFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "manylead_tenant_provision_failure_total",
			Help: "Tenant provisioning runs that ended in failed",
		}),
	}
}

func (m *Metrics) ObserveOpen(start time.Time) {
	m.OpenDuration.Observe(time.Since(start).Seconds())
}
