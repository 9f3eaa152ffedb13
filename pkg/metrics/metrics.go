// Package metrics provides Prometheus metrics for the thistle service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScansTotal tracks scan runs by terminal status
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "scan",
			Name:      "runs_total",
			Help:      "Total number of scan runs by status",
		},
		[]string{"status"},
	)

	// ScanDuration tracks scan wall time in seconds
	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "thistle",
			Subsystem: "scan",
			Name:      "duration_seconds",
			Help:      "Duration of scan runs in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	// ScanEntities tracks how many entities the last scan compared
	ScanEntities = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "thistle",
			Subsystem: "scan",
			Name:      "entities",
			Help:      "Number of entities compared by the most recent scan",
		},
	)

	// CandidatesDetected tracks candidates found by detection method
	CandidatesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "candidates",
			Name:      "detected_total",
			Help:      "Candidates produced by the scanner by detection method",
		},
		[]string{"method"},
	)

	// CandidatesInserted tracks candidates durably written by scans
	CandidatesInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "candidates",
			Name:      "inserted_total",
			Help:      "New candidates written by scans",
		},
	)

	// ReviewsTotal tracks review decisions
	ReviewsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "candidates",
			Name:      "reviews_total",
			Help:      "Review decisions by resulting status",
		},
		[]string{"status"},
	)

	// MergesTotal tracks merge attempts by outcome
	MergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "merge",
			Name:      "attempts_total",
			Help:      "Merge attempts by outcome",
		},
		[]string{"outcome"},
	)

	// UpstreamRequestsTotal tracks calls to the intelligence platform
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Requests to the intelligence platform by operation and status code",
		},
		[]string{"operation", "status_code"},
	)

	// UpstreamRequestDuration tracks intelligence platform latency
	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "thistle",
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Duration of requests to the intelligence platform in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)

	// KafkaMessagesPublished tracks dedup events published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Dedup events published by type and status",
		},
		[]string{"event_type", "status"},
	)
)

// RecordScan records a finished scan
func RecordScan(status string, durationSeconds float64) {
	ScansTotal.WithLabelValues(status).Inc()
	ScanDuration.Observe(durationSeconds)
}

func RecordCandidates(method string, count int) {
	CandidatesDetected.WithLabelValues(method).Add(float64(count))
}

func RecordReview(status string) {
	ReviewsTotal.WithLabelValues(status).Inc()
}

func RecordMerge(outcome string) {
	MergesTotal.WithLabelValues(outcome).Inc()
}

// RecordUpstreamRequest records a call to the intelligence platform
func RecordUpstreamRequest(operation, statusCode string, durationSeconds float64) {
	UpstreamRequestsTotal.WithLabelValues(operation, statusCode).Inc()
	UpstreamRequestDuration.WithLabelValues(operation).Observe(durationSeconds)
}

func RecordKafkaPublish(eventType, status string) {
	KafkaMessagesPublished.WithLabelValues(eventType, status).Inc()
}
