package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	JobEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "podfetch",
			Name:      "job_events_total",
			Help:      "Count of job events emitted by the scheduler.",
		},
		[]string{"type"},
	)

	Aria2RPCErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "podfetch",
			Name:      "aria2_rpc_errors_total",
			Help:      "Errors from aria2 JSON-RPC calls.",
		},
		[]string{"method"},
	)

	Aria2RPCLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "podfetch",
			Name:      "aria2_rpc_latency_seconds",
			Help:      "Latency of aria2 JSON-RPC calls.",
		},
		[]string{"method"},
	)

	ActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "podfetch",
			Name:      "active_jobs",
			Help:      "Number of jobs occupying a concurrency slot.",
		},
	)

	EngineActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "podfetch",
			Name:      "engine_active_transfers",
			Help:      "Transfers aria2 reports as active.",
		},
	)

	EngineRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "podfetch",
			Name:      "engine_restarts_total",
			Help:      "Number of times the aria2 engine was restarted.",
		},
	)
)

// Register registers the podfetch metrics into the default registry.
func Register() {
	prometheus.MustRegister(JobEvents, Aria2RPCErrors, Aria2RPCLatency, ActiveJobs, EngineActive, EngineRestarts)
}
