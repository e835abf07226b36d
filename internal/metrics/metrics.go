// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

// Package metrics provides Prometheus instrumentation for the pipeline:
// bus publish/consume throughput, worker batch flushes, embedder and
// vector-store latency, scheduler ticks, TTL cleanup, and tile status
// transitions. All collectors are registered on the default registry and
// served at GET /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Bus Metrics
	BusMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_messages_published_total",
			Help: "Total number of messages published to the bus",
		},
		[]string{"queue"},
	)

	BusPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_publish_errors_total",
			Help: "Total number of failed bus publishes",
		},
		[]string{"queue"},
	)

	BusMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_messages_consumed_total",
			Help: "Total number of messages consumed from the bus",
		},
		[]string{"queue"},
	)

	BusMessagesAcked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_messages_acked_total",
			Help: "Total number of acknowledged messages",
		},
		[]string{"queue"},
	)

	BusMessagesNacked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_messages_nacked_total",
			Help: "Total number of negatively acknowledged messages",
		},
		[]string{"queue", "requeue"},
	)

	BusDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_messages_dead_lettered_total",
			Help: "Total number of messages routed to a dead letter queue",
		},
		[]string{"queue"},
	)

	// Worker Metrics
	WorkerBatchFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_batch_flush_duration_seconds",
			Help:    "Duration of worker batch flush operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkerBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_batch_size",
			Help:    "Number of tiles in each flushed batch",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		},
	)

	WorkerDecodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_decode_duration_seconds",
			Help:    "Duration of tile pixel decodes in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tile_store"},
	)

	WorkerPoisonMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_poison_messages_total",
			Help: "Total number of poison payloads acked as failed",
		},
		[]string{"reason"}, // "parse", "validation", "tile_store", "decode", "timeout"
	)

	WorkerDeduplicated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_deduplicated_total",
			Help: "Total number of tiles skipped by deduplication",
		},
		[]string{"stage"}, // "memo", "probe"
	)

	// Embedder Metrics
	EmbedDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "embed_duration_seconds",
			Help:    "Duration of embedding calls in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"backend", "model"},
	)

	EmbedErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "embed_errors_total",
			Help: "Total number of failed embedding calls",
		},
		[]string{"backend", "model"},
	)

	// Vector Store Metrics
	VectorUpsertRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vector_upsert_rows_total",
			Help: "Total number of rows upserted into vector tables",
		},
		[]string{"table"},
	)

	VectorUpsertDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vector_upsert_duration_seconds",
			Help:    "Duration of vector upserts in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	VectorSearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vector_search_duration_seconds",
			Help:    "Duration of vector similarity searches in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"table"},
	)

	VectorDeletedRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vector_deleted_rows_total",
			Help: "Total number of rows deleted from vector tables",
		},
		[]string{"table"},
	)

	// Registry Metrics
	RegistryQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "registry_query_duration_seconds",
			Help:    "Duration of tile registry queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	TileStatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_status_transitions_total",
			Help: "Total number of tile status transitions",
		},
		[]string{"from", "to"},
	)

	TileStatusRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tile_status_transitions_rejected_total",
			Help: "Total number of rejected illegal status transitions",
		},
	)

	// Scheduler Metrics
	SchedulerTilesPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_tiles_published_total",
			Help: "Total number of index requests published by the scheduler",
		},
	)

	SchedulerPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_publish_failures_total",
			Help: "Total number of per-tile publish failures",
		},
	)

	SchedulerTicksSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_ticks_skipped_total",
			Help: "Total number of scheduler ticks skipped while a tick was in flight",
		},
	)

	SchedulerLastTick = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_last_tick_timestamp",
			Help: "Unix timestamp of the last completed scheduler tick",
		},
	)

	// TTL Cleanup Metrics
	TTLTilesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ttl_tiles_deleted_total",
			Help: "Total number of expired tiles deleted from the registry",
		},
	)

	TTLVectorRowsDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ttl_vector_rows_deleted_total",
			Help: "Total number of expired rows deleted from vector tables",
		},
		[]string{"table"},
	)

	// Retriever Metrics
	SearchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "search_requests_total",
			Help: "Total number of retriever search requests",
		},
		[]string{"table", "status_code"},
	)

	SearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "search_request_duration_seconds",
			Help:    "End-to-end retriever search duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"table"},
	)

	// API Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)
)

// RecordPublish records a bus publish attempt and its outcome.
func RecordPublish(queue string, err error) {
	if err != nil {
		BusPublishErrors.WithLabelValues(queue).Inc()
		return
	}
	BusMessagesPublished.WithLabelValues(queue).Inc()
}

// RecordNack records a negative acknowledgement.
func RecordNack(queue string, requeue bool) {
	r := "false"
	if requeue {
		r = "true"
	}
	BusMessagesNacked.WithLabelValues(queue, r).Inc()
}

// RecordBatchFlush records one worker batch flush.
func RecordBatchFlush(duration time.Duration, size int) {
	WorkerBatchFlushDuration.Observe(duration.Seconds())
	WorkerBatchSize.Observe(float64(size))
}

// RecordEmbed records an embedding call.
func RecordEmbed(backend, model string, duration time.Duration, err error) {
	EmbedDuration.WithLabelValues(backend, model).Observe(duration.Seconds())
	if err != nil {
		EmbedErrors.WithLabelValues(backend, model).Inc()
	}
}

// RecordUpsert records a vector table upsert.
func RecordUpsert(table string, rows int, duration time.Duration) {
	VectorUpsertRows.WithLabelValues(table).Add(float64(rows))
	VectorUpsertDuration.WithLabelValues(table).Observe(duration.Seconds())
}

// RecordTransition records one tile status transition.
func RecordTransition(from, to string) {
	TileStatusTransitions.WithLabelValues(from, to).Inc()
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
