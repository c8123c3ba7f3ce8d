package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initClusterMetrics() {
	r.ElectionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdbcoord_elections_total",
			Help: "Total number of coordinator election attempts",
		},
		[]string{"result"}, // won, lost, error
	)

	r.Role = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rdbcoord_role",
			Help: "Node role in the group (1 for current role, 0 otherwise)",
		},
		[]string{"role"}, // member, coordinator
	)

	r.ClusterNodes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "rdbcoord_cluster_nodes",
			Help: "Number of live nodes in the group",
		},
	)

	r.MembersAddedTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "rdbcoord_members_added_total",
			Help: "Members announced as added by this node while coordinator",
		},
	)

	r.MembersRemovedTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "rdbcoord_members_removed_total",
			Help: "Members removed for missed heartbeats by this node while coordinator",
		},
	)

	r.Unresponsive = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "rdbcoord_unresponsive",
			Help: "Whether this node considers itself unresponsive (1=yes, 0=no)",
		},
	)

	r.IterationDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rdbcoord_heartbeat_iteration_duration_seconds",
			Help:    "Duration of one election loop iteration",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
	)

	r.HeartbeatsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdbcoord_heartbeats_total",
			Help: "Heartbeat writes",
		},
		[]string{"kind", "result"}, // node|coordinator, ok|error
	)

	r.DBTimeoutsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "rdbcoord_db_timeouts_total",
			Help: "Database calls that exceeded the maximum read time",
		},
	)

	r.MembershipEventsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdbcoord_membership_events_total",
			Help: "Membership events sent to or received by this node",
		},
		[]string{"type", "direction"}, // sent, received
	)
}
