// Package metrics registers the pipeline's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deltastream",
		Name:      "tasks_processed_total",
		Help:      "Enrichment tasks by kind and outcome (acked, skipped, retried, dlq).",
	}, []string{"kind", "outcome"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "deltastream",
		Name:      "task_duration_seconds",
		Help:      "Enrichment task processing time by kind.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	}, []string{"kind"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "deltastream",
		Name:      "queue_depth",
		Help:      "Pending tasks on the enrichment queue.",
	})

	IngestRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deltastream",
		Name:      "ingest_rejected_total",
		Help:      "Raw envelopes rejected at validation, by topic.",
	}, []string{"topic"})

	IngestPaused = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "deltastream",
		Name:      "ingest_paused",
		Help:      "1 while ingest is paused on the backpressure high-watermark.",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "deltastream",
		Name:      "gateway_sessions",
		Help:      "Sessions connected to this gateway instance.",
	})

	DroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "deltastream",
		Name:      "gateway_dropped_frames_total",
		Help:      "Outbound frames dropped by session backpressure.",
	})

	SlowConsumerCloses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "deltastream",
		Name:      "gateway_slow_consumer_closes_total",
		Help:      "Sessions closed for sustained outbound overflow.",
	})
)
