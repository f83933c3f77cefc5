package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs accepted into the queue"}, []string{"type"})
	DuplicateEnqueues  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_duplicate_enqueues_total", Help: "Enqueue calls collapsed onto an active job"}, []string{"type"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	WorkerSuccess      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"}, []string{"type"})
	WorkerFailures     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs completed as failed"}, []string{"type"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Pending jobs"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently in progress"})
	RecordsReconciled  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "records_reconciled_total", Help: "Provider records reconciled by outcome"}, []string{"source", "outcome"})
	CatalogLookups     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "catalog_lookups_total", Help: "Catalog lookups by kind and cache result"}, []string{"kind", "cache"})
	ProviderRetries    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "provider_retries_total", Help: "Transient provider errors retried"}, []string{"provider"})
	WebhookEvents      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "webhook_events_total", Help: "Webhook events by event and result"}, []string{"event", "result"})
	CircuitBreakerOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "circuit_breaker_state", Help: "0 closed, 1 half-open, 2 open"}, []string{"name"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			DuplicateEnqueues,
			RateLimitRejects,
			WorkerSuccess,
			WorkerFailures,
			QueueDepthGauge,
			InFlightGauge,
			RecordsReconciled,
			CatalogLookups,
			ProviderRetries,
			WebhookEvents,
			CircuitBreakerOpen,
		)
	})
	return promhttp.Handler()
}
