package session

import "github.com/prometheus/client_golang/prometheus"

// Metrics are package-level collectors registered once per process, in
// the init below, against the default Prometheus registry.
var (
	sessionsByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rsc_sessions",
		Help: "Number of sessions currently tracked by the manager, by state.",
	}, []string{"state"})

	statementDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rsc_statement_duration_seconds",
		Help:    "Time from statement admission to result resolution.",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	rpcCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rsc_rpc_call_duration_seconds",
		Help:    "Latency of calls issued over a session's channel, by message type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"call"})

	operationsTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rsc_operations_tracked",
		Help: "Number of opaque jobs currently tracked across all sessions.",
	})
)

func init() {
	for _, c := range []prometheus.Collector{sessionsByState, statementDuration, rpcCallDuration, operationsTracked} {
		if err := prometheus.Register(c); err != nil {
			// Already registered (e.g. package imported twice in tests via
			// different build tags); the existing collector is equivalent.
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}
