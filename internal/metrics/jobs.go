package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipejobs_job_actions_total",
			Help: "Total number of job lifecycle actions by executor, action and outcome",
		},
		[]string{"executor", "action", "outcome"},
	)

	RestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipejobs_restarts_total",
			Help: "Total number of restart attempts made by the supervisor",
		},
		[]string{"outcome"},
	)

	SupervisorScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipejobs_supervisor_scans_total",
			Help: "Total number of restart supervisor scans, by whether the lock was acquired",
		},
		[]string{"result"},
	)

	SupervisorScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipejobs_supervisor_scan_duration_seconds",
			Help:    "Duration of a restart supervisor scan in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	LogMonitors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipejobs_log_monitors",
			Help: "Number of active log monitors",
		},
	)
)

// Outcome maps a success flag to the outcome label value.
func Outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
