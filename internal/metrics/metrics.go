// Package metrics exposes the gateway's operational counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the counters the pipeline updates per tick.
type Metrics struct {
	Ingested       *prometheus.CounterVec
	Authorized     prometheus.Counter
	Dropped        *prometheus.CounterVec
	CacheReloads   prometheus.Counter
	TickDuration   prometheus.Histogram
	CommandsServed prometheus.Counter
}

// New registers the gateway metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Ingested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authgateway",
			Name:      "ingested_total",
			Help:      "Payloads accepted into the shard buffers.",
		}, []string{"kind"}),
		Authorized: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "authgateway",
			Name:      "authorized_total",
			Help:      "Payloads authorized and republished internally.",
		}),
		Dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authgateway",
			Name:      "dropped_total",
			Help:      "Payloads dropped before publish.",
		}, []string{"reason"}),
		CacheReloads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "authgateway",
			Name:      "cache_reloads_total",
			Help:      "Bulk metadata reloads from the repositories.",
		}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "authgateway",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one processing tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		CommandsServed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "authgateway",
			Name:      "commands_total",
			Help:      "Cache invalidation commands drained.",
		}),
	}
}
