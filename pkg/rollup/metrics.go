package rollup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	passesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tinyapm_rollup_passes_total",
		Help: "Rollup and alert passes by outcome",
	}, []string{"outcome"})

	passDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tinyapm_rollup_pass_duration_seconds",
		Help:    "Time spent in one rollup and alert pass",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})

	nodeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tinyapm_rollup_node_failures_total",
		Help: "Per agent rollup failures by stage",
	}, []string{"stage"})

	heartbeatGraceSkipsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tinyapm_rollup_heartbeat_grace_skips_total",
		Help: "Heartbeat alert stages skipped during the startup grace period",
	})
)

// Pass outcomes
const (
	outcomeSuccess     = "success"
	outcomeFailed      = "failed"
	outcomePartial     = "partial" // completed with node failures
	outcomePanic       = "panic"
	outcomeInterrupted = "interrupted"
)

// Stages
const (
	stageAggregate         = "aggregate"
	stageGauge             = "gauge"
	stageSynthetic         = "synthetic"
	stageDeletedAlerts     = "deleted_alerts"
	stageTransactionAlerts = "transaction_alerts"
	stageGaugeAlerts       = "gauge_alerts"
	stageHeartbeatAlerts   = "heartbeat_alerts"
)
