package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RemoteCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aggregator",
		Name:      "remote_calls_total",
		Help:      "Calls made to the work item service, by operation.",
	}, []string{"op"})

	RemoteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aggregator",
		Name:      "remote_failures_total",
		Help:      "Failed calls or batch entries, by operation.",
	}, []string{"op"})

	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aggregator",
		Name:      "rule_executions_total",
		Help:      "Rule invocations, by rule and outcome.",
	}, []string{"rule", "status"})

	SaveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aggregator",
		Name:      "save_duration_seconds",
		Help:      "Time spent in SaveChanges, by save mode.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"mode"})

	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aggregator",
		Name:      "webhook_deliveries_total",
		Help:      "Execution notifications sent, by outcome.",
	}, []string{"status"})
)
