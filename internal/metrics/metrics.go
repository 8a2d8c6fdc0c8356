// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "file_vault_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "file_vault_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// File operations
var (
	// OperationsTotal counts file service operations by name and result kind.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "file_vault_operations_total",
			Help: "Total number of file operations.",
		},
		[]string{"operation", "result"},
	)

	BytesServedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "file_vault_bytes_served_total",
		Help: "Total number of file content bytes written to clients.",
	})

	StorageRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "file_vault_storage_retries_total",
			Help: "Blob store calls retried after a timeout.",
		},
		[]string{"call"},
	)

	ListCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "file_vault_list_cache_hits_total",
		Help: "Listing cache hits.",
	})

	ListCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "file_vault_list_cache_misses_total",
		Help: "Listing cache misses.",
	})
)

// Janitor
var (
	SweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "file_vault_sweep_runs_total",
		Help: "Total number of janitor sweeps.",
	})

	OrphansReclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "file_vault_orphans_reclaimed_total",
		Help: "Blobs removed because no record referenced them.",
	})

	TrashPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "file_vault_trash_purged_total",
		Help: "Soft-deleted records purged after the trash TTL.",
	})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "file_vault_sweep_duration_seconds",
		Help:    "Janitor sweep duration in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)
