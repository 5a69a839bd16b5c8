// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "amm"

var (
	SyncBranches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_branches_total",
		Help:      "Branches processed by sync passes, by result.",
	}, []string{"result"})

	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_runs_total",
		Help:      "Sync passes, by outcome.",
	}, []string{"outcome"})

	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_duration_seconds",
		Help:      "Wall time of sync passes.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
	})

	IndexGeneration = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "index_generation",
		Help:      "Generation of the served index snapshot.",
	})

	IndexPackages = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "index_packages",
		Help:      "Package names in the served index snapshot.",
	})

	GitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "git_requests_total",
		Help:      "Git smart-HTTP requests, by service and status code.",
	}, []string{"service", "code"})

	PackCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pack_cache_total",
		Help:      "Pack cache lookups and stores, by result.",
	}, []string{"result"})

	PackCacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pack_cache_bytes",
		Help:      "Bytes held by the pack cache.",
	})

	RPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_requests_total",
		Help:      "RPC requests, by request type.",
	}, []string{"type"})
)

// ObserveSnapshot updates the index gauges after a publish.
func ObserveSnapshot(generation uint64, packages int) {
	IndexGeneration.Set(float64(generation))
	IndexPackages.Set(float64(packages))
}
