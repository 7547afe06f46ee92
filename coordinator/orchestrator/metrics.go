package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	roundsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flcs_rounds_completed_total",
		Help: "Count of training rounds that reached a successful aggregation.",
	})
	updatesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flcs_updates_received_total",
		Help: "Count of client updates accepted into a round buffer.",
	})
	outliersDetectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flcs_peer_outliers_total",
		Help: "Count of updates dropped by the per-round peer outlier check.",
	})
)
