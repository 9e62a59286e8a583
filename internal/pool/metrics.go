package pool

import "github.com/prometheus/client_golang/prometheus"

var (
	metricSpawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "pool",
			Name:      "spawns_total",
			Help:      "Total worker spawn attempts by outcome",
		},
		[]string{"outcome"},
	)

	metricSpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "inferd",
			Subsystem: "pool",
			Name:      "spawn_duration_seconds",
			Help:      "Time from exec to readiness marker for successful spawns",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	metricReplacementsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "pool",
			Name:      "replacements_total",
			Help:      "Background replacements triggered by unhealthy workers",
		},
	)

	metricLeasesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "inferd",
			Subsystem: "pool",
			Name:      "leases_in_flight",
			Help:      "Workers currently checked out under a lease",
		},
	)

	metricAcquireWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "inferd",
			Subsystem: "pool",
			Name:      "acquire_wait_seconds",
			Help:      "Time spent waiting on the admission gate",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		},
	)

	metricExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "pool",
			Name:      "exhausted_total",
			Help:      "Acquires that failed with pool exhaustion",
		},
	)

	metricQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inferd",
			Subsystem: "pool",
			Name:      "query_duration_seconds",
			Help:      "Exchange duration from stdin write to terminal outcome",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"outcome"},
	)

	metricUnhealthyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "pool",
			Name:      "worker_unhealthy_total",
			Help:      "Healthy-to-unhealthy worker transitions by terminal state",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(
		metricSpawnsTotal,
		metricSpawnDuration,
		metricReplacementsTotal,
		metricLeasesInFlight,
		metricAcquireWait,
		metricExhaustedTotal,
		metricQueryDuration,
		metricUnhealthyTotal,
	)
}
