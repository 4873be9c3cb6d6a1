package impersonation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chapterd_impersonation_sessions_started_total",
		Help: "Total number of impersonation sessions started",
	})

	sessionsEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chapterd_impersonation_sessions_ended_total",
		Help: "Total number of impersonation sessions ended, by reason",
	}, []string{"reason"})

	actionsRecordedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chapterd_impersonation_actions_recorded_total",
		Help: "Total number of audited actions recorded under impersonation",
	})
)
