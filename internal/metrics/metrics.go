// Package metrics exposes Prometheus metrics for the coordination loops.
//
// All recording helpers are safe on a nil *Registry so components can run
// without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all coordinator metrics.
type Registry struct {
	// Cluster
	ElectionsTotal        *prometheus.CounterVec
	Role                  *prometheus.GaugeVec
	ClusterNodes          prometheus.Gauge
	MembersAddedTotal     prometheus.Counter
	MembersRemovedTotal   prometheus.Counter
	Unresponsive          prometheus.Gauge
	IterationDuration     prometheus.Histogram
	HeartbeatsTotal       *prometheus.CounterVec
	DBTimeoutsTotal       prometheus.Counter
	MembershipEventsTotal *prometheus.CounterVec

	// Leader-only tasks
	TasksTotal   *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec

	// Admin HTTP
	HTTPRequestsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewRegistry creates a registry with every metric registered, plus the Go
// runtime and process collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{registry: reg}
	r.initClusterMetrics()
	r.initTaskMetrics()
	r.initHTTPMetrics()
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// RecordElection counts an election attempt; result is won, lost or error.
func (r *Registry) RecordElection(result string) {
	if r == nil {
		return
	}
	r.ElectionsTotal.WithLabelValues(result).Inc()
}

// SetRole marks role as the current one.
func (r *Registry) SetRole(role string) {
	if r == nil {
		return
	}
	for _, known := range []string{"member", "coordinator"} {
		v := 0.0
		if known == role {
			v = 1
		}
		r.Role.WithLabelValues(known).Set(v)
	}
}

// RecordHeartbeat counts a heartbeat write of kind node or coordinator.
func (r *Registry) RecordHeartbeat(kind string, ok bool) {
	if r == nil {
		return
	}
	r.HeartbeatsTotal.WithLabelValues(kind, result(ok)).Inc()
}

// ObserveIteration records how long one election loop iteration took.
func (r *Registry) ObserveIteration(d time.Duration) {
	if r == nil {
		return
	}
	r.IterationDuration.Observe(d.Seconds())
}

// RecordDBTimeout counts a database call that exceeded its bound.
func (r *Registry) RecordDBTimeout() {
	if r == nil {
		return
	}
	r.DBTimeoutsTotal.Inc()
}

// RecordMembershipChange counts members added or removed by this coordinator.
func (r *Registry) RecordMembershipChange(added, removed int) {
	if r == nil {
		return
	}
	r.MembersAddedTotal.Add(float64(added))
	r.MembersRemovedTotal.Add(float64(removed))
}

// RecordMembershipEvent counts an event sent or received, by type.
func (r *Registry) RecordMembershipEvent(eventType, direction string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.MembershipEventsTotal.WithLabelValues(eventType, direction).Add(float64(n))
}

// SetClusterNodes sets the number of live nodes in the group.
func (r *Registry) SetClusterNodes(n int) {
	if r == nil {
		return
	}
	r.ClusterNodes.Set(float64(n))
}

// SetUnresponsive mirrors the unresponsiveness latch.
func (r *Registry) SetUnresponsive(unresponsive bool) {
	if r == nil {
		return
	}
	if unresponsive {
		r.Unresponsive.Set(1)
	} else {
		r.Unresponsive.Set(0)
	}
}

// RecordTask records one run of a leader-only task.
func (r *Registry) RecordTask(name string, d time.Duration, err error) {
	if r == nil {
		return
	}
	r.TasksTotal.WithLabelValues(name, result(err == nil)).Inc()
	r.TaskDuration.WithLabelValues(name).Observe(d.Seconds())
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
