package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_created_total", Help: "Job records created"})
	QuotaRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_quota_rejects_total", Help: "Job creations rejected by quota"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs finished in completed status"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs finished in failed status"})
	TriggerFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_trigger_failures_total", Help: "Worker trigger dispatches that failed"})
	SweepDeleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "maintenance_expired_deleted_total", Help: "Expired ephemeral records deleted by sweeps"})
	CountersReset    = prometheus.NewCounter(prometheus.CounterOpts{Name: "maintenance_counters_reset_total", Help: "Usage counters reset by sweeps"})
	WatchSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_watch_subscribers", Help: "Open job watch subscriptions"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			QuotaRejects,
			JobsCompleted,
			JobsFailed,
			TriggerFailures,
			SweepDeleted,
			CountersReset,
			WatchSubscribers,
		)
	})
	return promhttp.Handler()
}
