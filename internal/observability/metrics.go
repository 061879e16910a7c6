package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// Queue metrics
	QueueDepth      prometheus.Gauge
	QueueEnqueued   prometheus.Counter
	QueueDequeued   prometheus.Counter
	QueueCompleted  prometheus.Counter
	QueueFailed     prometheus.Counter
	QueueSuperseded prometheus.Counter

	// External lookup metrics
	NVDRequestsTotal   prometheus.Counter
	NVDErrorsTotal     *prometheus.CounterVec
	NVDRequestDuration prometheus.Histogram

	// Rate limiter metrics
	RateLimiterWaitSeconds prometheus.Histogram

	// Cache metrics
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	CacheEvictions     prometheus.Counter
	CacheInvalidations prometheus.Counter

	// Correlation metrics
	FindingsEmitted        *prometheus.CounterVec
	VulnerabilitiesMatched *prometheus.CounterVec
	LookupFailures         prometheus.Counter

	// Ingestion metrics
	InventoriesIngested prometheus.Counter
	IngestDuration      prometheus.Histogram
	WorkerErrors        prometheus.Counter

	// Policy metrics
	PolicyPassed prometheus.Counter
	PolicyFailed prometheus.Counter
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "hostsentry_queue_depth",
				Help: "Current number of inventories waiting in the ingest queue",
			}),
			QueueEnqueued: promauto.NewCounter(prometheus.CounterOpts{
				Name: "hostsentry_queue_enqueued_total",
				Help: "Total number of inventories enqueued",
			}),
			QueueDequeued: promauto.NewCounter(prometheus.CounterOpts{
				Name: "hostsentry_queue_dequeued_total",
				Help: "Total number of inventories dequeued",
			}),
			QueueCompleted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "hostsentry_queue_completed_total",
				Help: "Total number of inventories processed successfully",
			}),
			QueueFailed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "hostsentry_queue_failed_total",
				Help: "Total number of inventories whose processing failed",
			}),
			QueueSuperseded: promauto.NewCounter(prometheus.CounterOpts{
				Name: "hostsentry_queue_superseded_total",
				Help: "Total number of inventories replaced by a newer report before processing",
			}),

			NVDRequestsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "hostsentry_nvd_requests_total",
				Help: "Total number of requests issued to the vulnerability database",
			}),
			NVDErrorsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "hostsentry_nvd_errors_total",
					Help: "Total number of vulnerability database errors by class",
				},
				[]string{"class"}, // transient, malformed, rate_limited
			),
			NVDRequestDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "hostsentry_nvd_request_duration_seconds",
				Help:    "Duration of vulnerability database requests in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
			}),

			RateLimiterWaitSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "hostsentry_rate_limiter_wait_seconds",
				Help:    "Time spent waiting for a rate limiter permit in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8), // 10ms to ~164s
			}),

			CacheHits: promauto.NewCounter(prometheus.CounterOpts{
				Name: "hostsentry_cache_hits_total",
				Help: "Total number of lookup cache hits",
			}),
			CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
				Name: "hostsentry_cache_misses_total",
				Help: "Total number of lookup cache misses",
			}),
			CacheEvictions: promauto.NewCounter(prometheus.CounterOpts{
				Name: "hostsentry_cache_evictions_total",
				Help: "Total number of cache entries evicted on expiry",
			}),
			CacheInvalidations: promauto.NewCounter(prometheus.CounterOpts{
				Name: "hostsentry_cache_invalidations_total",
				Help: "Total number of cache entries removed by operator action",
			}),

			FindingsEmitted: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "hostsentry_findings_emitted_total",
					Help: "Total number of findings emitted by status",
				},
				[]string{"status"},
			),
			VulnerabilitiesMatched: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "hostsentry_vulnerabilities_matched_total",
					Help: "Total number of CVE matches by severity",
				},
				[]string{"severity"},
			),
			LookupFailures: promauto.NewCounter(prometheus.CounterOpts{
				Name: "hostsentry_lookup_failures_total",
				Help: "Total number of inventory items whose lookup failed after retries",
			}),

			InventoriesIngested: promauto.NewCounter(prometheus.CounterOpts{
				Name: "hostsentry_inventories_ingested_total",
				Help: "Total number of host inventories fully correlated and persisted",
			}),
			IngestDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "hostsentry_ingest_duration_seconds",
				Help:    "End-to-end duration of inventory ingestion in seconds",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 500ms to ~17min
			}),
			WorkerErrors: promauto.NewCounter(prometheus.CounterOpts{
				Name: "hostsentry_worker_errors_total",
				Help: "Total number of worker errors",
			}),

			PolicyPassed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "hostsentry_policy_passed_total",
				Help: "Total number of hosts that passed compliance policy evaluation",
			}),
			PolicyFailed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "hostsentry_policy_failed_total",
				Help: "Total number of hosts that failed compliance policy evaluation",
			}),
		}
	})
	return metricsInstance
}
