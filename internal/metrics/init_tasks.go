package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initTaskMetrics() {
	r.TasksTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdbcoord_tasks_total",
			Help: "Runs of leader-only tasks",
		},
		[]string{"task", "result"},
	)

	r.TaskDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rdbcoord_task_duration_seconds",
			Help:    "Duration of leader-only task runs",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)
}

func (r *Registry) initHTTPMetrics() {
	r.HTTPRequestsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdbcoord_http_requests_total",
			Help: "Admin API requests",
		},
		[]string{"method", "route", "status"},
	)
}
