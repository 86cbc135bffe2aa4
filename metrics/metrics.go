// Package metrics holds the Prometheus collectors of the commission engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commission_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "commission_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	CreditsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commission_credits_total",
			Help: "Total number of commission credits appended to wallets",
		},
		[]string{"plan", "level"},
	)

	CreditedMinorUnits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commission_credited_minor_units_total",
			Help: "Sum of commission credited, in minor currency units",
		},
		[]string{"currency"},
	)

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commission_events_total",
			Help: "Distribution attempts by resulting event status",
		},
		[]string{"status"},
	)

	DuplicateDeliveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "commission_duplicate_deliveries_total",
			Help: "Purchase events delivered again after distribution completed",
		},
	)

	MissingAncestorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "commission_missing_ancestors_total",
			Help: "Ancestors skipped because their record no longer exists",
		},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commission_storage_retries_total",
			Help: "Storage operations retried after a transient failure",
		},
		[]string{"operation"},
	)

	DistributionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "commission_distribution_duration_seconds",
			Help:    "Time to run one distribution attempt",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "commission_queue_length",
			Help: "Purchase events waiting for a worker",
		},
	)

	ReplaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commission_replays_total",
			Help: "Scheduled replays of unfinished events",
		},
		[]string{"result"},
	)
)

func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

func RecordCredit(plan, level, currency string, minorUnits float64) {
	CreditsTotal.WithLabelValues(plan, level).Inc()
	CreditedMinorUnits.WithLabelValues(currency).Add(minorUnits)
}

func RecordEvent(status string) {
	EventsTotal.WithLabelValues(status).Inc()
}

func RecordDuplicateDelivery() {
	DuplicateDeliveriesTotal.Inc()
}

func RecordMissingAncestor() {
	MissingAncestorsTotal.Inc()
}

func RecordRetry(operation string) {
	RetriesTotal.WithLabelValues(operation).Inc()
}

func RecordReplay(result string) {
	ReplaysTotal.WithLabelValues(result).Inc()
}
