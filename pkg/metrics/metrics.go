// Package metrics provides Prometheus metrics for the fern sync service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PagesLoadedTotal tracks page loads by source and outcome
	PagesLoadedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "pipeline",
			Name:      "pages_loaded_total",
			Help:      "Total number of listing pages loaded by status",
		},
		[]string{"source", "status"},
	)

	// PageRetriesTotal tracks page loads rescheduled after a loader error
	PageRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "pipeline",
			Name:      "page_retries_total",
			Help:      "Total number of page loads rescheduled after a loader error",
		},
		[]string{"source"},
	)

	// EntitiesSavedTotal tracks entity saves by source and outcome
	EntitiesSavedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "pipeline",
			Name:      "entities_saved_total",
			Help:      "Total number of entities saved by status",
		},
		[]string{"source", "status"},
	)

	// UpsertConflictsTotal tracks inserts that lost a race and fell back to update
	UpsertConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "updater",
			Name:      "upsert_conflicts_total",
			Help:      "Total number of inserts that hit a uniqueness violation and were retried as updates",
		},
		[]string{"entity_type"},
	)

	// JobDuration tracks job handling duration
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Duration of job handling in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"type"},
	)

	// QueueJobsProcessed tracks jobs processed from the queue
	QueueJobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Total number of jobs processed from the queue",
		},
		[]string{"type", "status"},
	)

	// QueueJobsInFlight tracks jobs currently being processed
	QueueJobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "queue",
			Name:      "jobs_in_flight",
			Help:      "Number of jobs currently being processed",
		},
	)

	// QueueJobsReclaimed tracks pending jobs claimed from idle consumers
	QueueJobsReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "queue",
			Name:      "jobs_reclaimed_total",
			Help:      "Total number of pending jobs reclaimed from idle consumers",
		},
	)

	// DelayedJobsPromoted tracks delayed jobs moved onto the stream
	DelayedJobsPromoted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "queue",
			Name:      "delayed_jobs_promoted_total",
			Help:      "Total number of delayed jobs promoted onto the job stream",
		},
	)

	// DLQJobsTotal tracks jobs sent to the dead letter queue
	DLQJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "dlq",
			Name:      "jobs_total",
			Help:      "Total number of jobs sent to dead letter queue",
		},
		[]string{"source", "reason"},
	)

	// SchedulerTriggersFired tracks periodic triggers that published a job
	SchedulerTriggersFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "scheduler",
			Name:      "triggers_fired_total",
			Help:      "Total number of periodic triggers fired",
		},
		[]string{"task"},
	)

	// HTTPRequestsTotal tracks outbound HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "http_client",
			Name:      "requests_total",
			Help:      "Total number of outbound HTTP requests",
		},
		[]string{"method", "status_code"},
	)

	// HTTPRequestDuration tracks outbound HTTP request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "http_client",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound HTTP requests in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method"},
	)

	// APIRequestsTotal tracks inbound API requests
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of API requests",
		},
		[]string{"method", "route", "status_code"},
	)

	// APIRequestDuration tracks inbound API request duration
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Duration of API requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// RateLimitHits tracks rate limit hits
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "ratelimit",
			Name:      "hits_total",
			Help:      "Total number of rate limit hits",
		},
		[]string{"source"},
	)

	// RateLimitWaitTime tracks time spent waiting for rate limits
	RateLimitWaitTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "ratelimit",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for rate limits in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"source"},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish duration
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)
)

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordPageLoad records a page load outcome
func RecordPageLoad(source, status string) {
	PagesLoadedTotal.WithLabelValues(source, status).Inc()
}

// RecordPageRetry records a rescheduled page load
func RecordPageRetry(source string) {
	PageRetriesTotal.WithLabelValues(source).Inc()
}

// RecordEntitySave records an entity save outcome
func RecordEntitySave(source, status string) {
	EntitiesSavedTotal.WithLabelValues(source, status).Inc()
}

// RecordUpsertConflict records an insert race that fell back to update
func RecordUpsertConflict(entityType string) {
	UpsertConflictsTotal.WithLabelValues(entityType).Inc()
}

// RecordQueueJob records a queue job processing metric
func RecordQueueJob(jobType, status string, duration time.Duration) {
	QueueJobsProcessed.WithLabelValues(jobType, status).Inc()
	JobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

// RecordDLQJob records a dead letter queue job
func RecordDLQJob(source, reason string) {
	DLQJobsTotal.WithLabelValues(source, reason).Inc()
}

// RecordTriggerFired records a fired periodic trigger
func RecordTriggerFired(task string) {
	SchedulerTriggersFired.WithLabelValues(task).Inc()
}

// RecordHTTPRequest records an outbound HTTP request metric
func RecordHTTPRequest(method string, statusCode int, duration time.Duration) {
	code := "error"
	if statusCode > 0 {
		code = strconv.Itoa(statusCode)
	}
	HTTPRequestsTotal.WithLabelValues(method, code).Inc()
	HTTPRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordAPIRequest records an inbound API request
func RecordAPIRequest(method, route string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordRateLimitWait records a throttled request and how long it waited
func RecordRateLimitWait(source string, wait time.Duration) {
	RateLimitHits.WithLabelValues(source).Inc()
	RateLimitWaitTime.WithLabelValues(source).Observe(wait.Seconds())
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string, duration time.Duration) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
	KafkaPublishDuration.Observe(duration.Seconds())
}
