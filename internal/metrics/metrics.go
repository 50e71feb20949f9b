// Package metrics registers the process-wide Prometheus collectors for
// the render scheduler, quota engine and reaper.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	renderJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vectorprint",
			Name:      "render_jobs_total",
			Help:      "Total render job outcomes by result (admitted, done, failed)",
		},
		[]string{"result"},
	)

	batchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vectorprint",
			Name:      "batch_attempts_total",
			Help:      "Batch render attempts by result (success, retry, dlq)",
		},
		[]string{"result"},
	)

	quotaDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vectorprint",
			Name:      "quota_decisions_total",
			Help:      "Quota consumption decisions by outcome (granted, limit, revoked, no_access)",
		},
		[]string{"outcome"},
	)

	quotaCacheMiss = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vectorprint",
			Name:      "quota_cache_miss_recoveries_total",
			Help:      "Quota consumption requests that recovered from a cache miss via the durable store",
		},
	)

	reaperSweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vectorprint",
			Name:      "reaper_sweep_items_total",
			Help:      "Items acted on by the reaper, by sweep name",
		},
		[]string{"sweep"},
	)

	lockEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vectorprint",
			Name:      "render_lock_events_total",
			Help:      "Render lock acquire/release events by action",
		},
		[]string{"action"},
	)

	mergeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vectorprint",
			Name:      "merge_duration_seconds",
			Help:      "Duration of the merge step from the start of the final upload until the job is marked done",
			Buckets:   prometheus.DefBuckets,
		},
	)

	pageDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vectorprint",
			Name:      "page_render_duration_seconds",
			Help:      "Duration of a single batch (page range) render step",
			Buckets:   prometheus.DefBuckets,
		},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vectorprint",
			Name:      "queue_depth",
			Help:      "Queue depth gauges for stream, delayed and dlq",
		},
		[]string{"type"},
	)

	activeJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vectorprint",
			Name:      "active_jobs",
			Help:      "Number of render jobs currently holding a render lock",
		},
	)
)

// Init registers collectors.
func Init() {
	prometheus.MustRegister(
		renderJobs, batchAttempts, quotaDecisions, quotaCacheMiss,
		reaperSweeps, lockEvents, mergeDuration, pageDuration,
		queueDepth, activeJobs,
	)
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

// IncRenderJob records a render admission or terminal outcome.
func IncRenderJob(result string) { renderJobs.WithLabelValues(result).Inc() }

// IncBatchAttempt records a batch child's attempt outcome.
func IncBatchAttempt(result string) { batchAttempts.WithLabelValues(result).Inc() }

// IncQuotaDecision records a quota consumption outcome.
func IncQuotaDecision(outcome string) { quotaDecisions.WithLabelValues(outcome).Inc() }

// IncQuotaCacheMissRecovery records a quota request that fell back to the durable store.
func IncQuotaCacheMissRecovery() { quotaCacheMiss.Inc() }

// IncReaperSweep records the number of items a named sweep acted on.
func IncReaperSweep(sweep string, n int) { reaperSweeps.WithLabelValues(sweep).Add(float64(n)) }

// LockAcquired / LockReleased / LockBusy / LockThrottled record lock lifecycle events.
func LockAcquired()  { lockEvents.WithLabelValues("acquired").Inc() }
func LockReleased()  { lockEvents.WithLabelValues("released").Inc() }
func LockBusy()      { lockEvents.WithLabelValues("busy").Inc() }
func LockThrottled() { lockEvents.WithLabelValues("throttled").Inc() }

// ObserveMergeDuration records the wall time of a merge step.
func ObserveMergeDuration(seconds float64) { mergeDuration.Observe(seconds) }

// ObservePageDuration records the wall time of a single batch render.
func ObservePageDuration(seconds float64) { pageDuration.Observe(seconds) }

// SetQueueDepth reports the current depth of a named queue.
func SetQueueDepth(kind string, v int64) { queueDepth.WithLabelValues(kind).Set(float64(v)) }

// SetActiveJobs reports the current count of locked/in-flight render jobs.
func SetActiveJobs(v int64) { activeJobs.Set(float64(v)) }
