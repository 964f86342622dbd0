// Package metrics registers the Prometheus instruments of the scan service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the validation pipeline.
type Metrics struct {
	// Scan metrics
	ScansTotal   *prometheus.CounterVec
	ScanDuration *prometheus.HistogramVec

	// Concurrency gate
	ConcurrentBlocked prometheus.Counter
	PendingScans      prometheus.Gauge

	// Fraud metrics
	FraudFlagsTotal *prometheus.CounterVec
	RiskScore       prometheus.Histogram

	// Persistence metrics
	ScanRecordsDropped prometheus.Counter
	RecorderQueueDepth prometheus.Gauge

	// Offline metrics
	OfflineValidations *prometheus.CounterVec
	PendingSyncDepth   prometheus.Gauge

	// Rules client
	BreakerState *prometheus.GaugeVec
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		ScansTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scan_validations_total",
				Help: "Total ticket validations by result code",
			},
			[]string{"result", "format"},
		),

		ScanDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scan_validation_duration_seconds",
				Help:    "End-to-end duration of one validation",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),

		ConcurrentBlocked: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scan_concurrent_blocked_total",
				Help: "Requests rejected by the concurrency gate",
			},
		),

		PendingScans: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scan_pending_inflight",
				Help: "Validations currently in flight",
			},
		),

		FraudFlagsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scan_fraud_flags_total",
				Help: "Fraud flags raised by pattern type",
			},
			[]string{"type", "severity"},
		),

		RiskScore: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scan_fraud_risk_score",
				Help:    "Composite risk score of analyzed scans",
				Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			},
		),

		ScanRecordsDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scan_records_dropped_total",
				Help: "Scan log writes that failed and were dropped",
			},
		),

		RecorderQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scan_recorder_queue_depth",
				Help: "Scan records awaiting async persistence",
			},
		),

		OfflineValidations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scan_offline_validations_total",
				Help: "Offline validations by outcome",
			},
			[]string{"result"},
		),

		PendingSyncDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scan_offline_pending_sync",
				Help: "Offline actions awaiting upstream acknowledgment",
			},
		),

		BreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scan_rules_breaker_state",
				Help: "Circuit breaker state per rules operation (0 closed, 1 open, 2 half-open)",
			},
			[]string{"operation"},
		),
	}
}
