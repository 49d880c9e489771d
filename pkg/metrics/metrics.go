// Package metrics holds the Prometheus collectors exported by the settlement-service.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "operations_total",
			Help:      "Engine operations by name and outcome",
		},
		[]string{"operation", "outcome"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settlement",
			Name:      "operation_duration_seconds",
			Help:      "Duration of engine operations including the unit of work commit",
			Buckets: []float64{
				0.001, 0.0025, 0.005, 0.01, 0.025, 0.05,
				0.1, 0.25, 0.5, 1, 2.5, 5,
			},
		},
		[]string{"operation"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status class",
		},
		[]string{"method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settlement",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)

	CrossLedgerMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "crossledger_messages_total",
			Help:      "Cross-ledger messages by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)

	PendingBalanceDrift = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "settlement",
			Name:      "pending_balance_drift_parties",
			Help:      "Parties whose pending balance disagrees with their escrowed payments at the last audit",
		},
	)
)

func init() {
	prometheus.MustRegister(
		OperationsTotal,
		OperationDuration,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		CrossLedgerMessagesTotal,
		PendingBalanceDrift,
	)
}

func ObserveOperation(operation, outcome string, seconds float64) {
	OperationsTotal.WithLabelValues(operation, outcome).Inc()
	OperationDuration.WithLabelValues(operation).Observe(seconds)
}

func ObserveHTTP(method, status string, seconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, status).Observe(seconds)
}

func IncCrossLedger(direction, outcome string) {
	CrossLedgerMessagesTotal.WithLabelValues(direction, outcome).Inc()
}

func SetPendingBalanceDrift(parties int) {
	PendingBalanceDrift.Set(float64(parties))
}
