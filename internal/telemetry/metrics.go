package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	WebhooksReceived = prometheus.NewCounter(prometheus.CounterOpts{Name: "storewatch_webhooks_received_total", Help: "Webhook deliveries accepted by the ingress"})
	WebhooksDeduped  = prometheus.NewCounter(prometheus.CounterOpts{Name: "storewatch_webhooks_deduped_total", Help: "Redelivered webhooks dropped before enqueue"})
	IngressRejected  = prometheus.NewCounter(prometheus.CounterOpts{Name: "storewatch_ingress_rejected_total", Help: "Webhooks rejected by the per-shop rate limiter"})

	JobsClaimed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "storewatch_jobs_claimed_total", Help: "Jobs claimed for processing"})
	JobsCompleted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "storewatch_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried    = prometheus.NewCounter(prometheus.CounterOpts{Name: "storewatch_jobs_retried_total", Help: "Jobs that failed and were rescheduled"})
	JobsFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "storewatch_jobs_failed_total", Help: "Jobs that exhausted their attempts"})
	JobsReclaimed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "storewatch_jobs_reclaimed_total", Help: "Stale processing claims reclaimed"})
	JobsSwept      = prometheus.NewCounter(prometheus.CounterOpts{Name: "storewatch_jobs_swept_total", Help: "Terminal jobs deleted by the janitor"})
	InFlightGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "storewatch_jobs_inflight", Help: "Jobs currently being processed"})

	EventsDetected = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "storewatch_events_detected_total", Help: "Change events persisted"}, []string{"event_type"})
	EventsDeduped  = prometheus.NewCounter(prometheus.CounterOpts{Name: "storewatch_events_deduped_total", Help: "Change events dropped by idempotency key collision"})
	EventsSuppressed = prometheus.NewCounter(prometheus.CounterOpts{Name: "storewatch_events_suppressed_total", Help: "Events dropped by the trailing suppression window"})

	AlertsSent      = prometheus.NewCounter(prometheus.CounterOpts{Name: "storewatch_alerts_sent_total", Help: "Instant alerts dispatched"})
	AlertFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "storewatch_alert_failures_total", Help: "Instant alert deliveries that errored"})
	DigestsCompiled = prometheus.NewCounter(prometheus.CounterOpts{Name: "storewatch_digests_compiled_total", Help: "Digests compiled and marked"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			WebhooksReceived,
			WebhooksDeduped,
			IngressRejected,
			JobsClaimed,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsReclaimed,
			JobsSwept,
			InFlightGauge,
			EventsDetected,
			EventsDeduped,
			EventsSuppressed,
			AlertsSent,
			AlertFailures,
			DigestsCompiled,
		)
	})
	return promhttp.Handler()
}
