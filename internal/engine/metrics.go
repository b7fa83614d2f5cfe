package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	JobsSubmitted  prometheus.Counter
	JobsCompleted  *prometheus.CounterVec
	QueueAdmitted  prometheus.Counter
	QueueReturned  prometheus.Counter
	JobsReaped     prometheus.Counter
	WakeupsSent    prometheus.Counter
	ActiveTasks    prometheus.GaugeFunc
}

// NewMetrics builds and registers the engine collectors. The monitor
// backs the active-task gauge.
func NewMetrics(reg prometheus.Registerer, monitor *Monitor) *Metrics {
	m := &Metrics{
		JobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobcore_jobs_submitted_total",
			Help: "Jobs accepted for execution.",
		}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobcore_jobs_completed_total",
			Help: "Jobs that reached a terminal state, by status.",
		}, []string{"status"}),
		QueueAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobcore_sync_queue_admitted_total",
			Help: "Sync queue items admitted for execution.",
		}),
		QueueReturned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobcore_sync_queue_returned_total",
			Help: "Claimed sync queue items returned unstarted.",
		}),
		JobsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobcore_jobs_reaped_total",
			Help: "Expired job records removed by the reaper.",
		}),
		WakeupsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobcore_wakeups_sent_total",
			Help: "Wakeup signals delivered to joined jobs.",
		}),
		ActiveTasks: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "jobcore_active_tasks",
			Help: "Executions currently tracked by the heartbeat monitor.",
		}, func() float64 { return float64(monitor.ActiveCount()) }),
	}

	reg.MustRegister(
		m.JobsSubmitted,
		m.JobsCompleted,
		m.QueueAdmitted,
		m.QueueReturned,
		m.JobsReaped,
		m.WakeupsSent,
		m.ActiveTasks,
	)
	return m
}
