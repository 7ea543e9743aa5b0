package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asyncq_queries_total",
			Help: "Total number of async queries that reached a terminal status.",
		},
		[]string{"query_type", "status"},
	)

	queryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "asyncq_query_duration_seconds",
			Help:    "Time from the PROCESSING write to the terminal write.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query_type"},
	)

	queriesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "asyncq_queries_in_flight",
			Help: "Number of async queries currently executing.",
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "asyncq_queue_depth",
			Help: "Number of submitted queries waiting for a worker.",
		},
	)

	persistenceRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asyncq_persistence_retries_total",
			Help: "Retries of transactional persistence steps.",
		},
		[]string{"step"},
	)

	recoveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asyncq_recovered_total",
			Help: "Records handled by the recovery sweep.",
		},
		[]string{"action"},
	)
)

func init() {
	prometheus.MustRegister(queriesTotal)
	prometheus.MustRegister(queryDuration)
	prometheus.MustRegister(queriesInFlight)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(persistenceRetries)
	prometheus.MustRegister(recoveredTotal)
}

// ObservePersistenceRetry counts a retry of a persistence step. Its
// signature matches transition.RetryObserver.
func ObservePersistenceRetry(step string, _ int, _ error) {
	persistenceRetries.WithLabelValues(step).Inc()
}

// ObserveResultRetry counts a retry of the result-creation step.
func ObserveResultRetry(_ int, _ error) {
	persistenceRetries.WithLabelValues("create_result").Inc()
}
