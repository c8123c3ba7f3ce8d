package dispatcher

import (
	"context"
	"time"

	"github.com/obot-platform/rdbcoord/internal/logger"
	"github.com/obot-platform/rdbcoord/internal/metrics"
	"github.com/obot-platform/rdbcoord/internal/model"
)

// OrphanPurger deletes queued rows addressed to nodes that no longer exist.
type OrphanPurger interface {
	PurgeOrphanedEvents(ctx context.Context, groupID string) (int64, error)
}

// NodeLister lists the live nodes of the group.
type NodeLister interface {
	GetAllNodeDetails(ctx context.Context) ([]model.NodeDetail, error)
}

// OrphanPurgeTask removes membership events and removed-member records whose
// target node was removed before it could read them.
func OrphanPurgeTask(p OrphanPurger, groupID string, interval time.Duration, log *logger.Logger) Task {
	if log == nil {
		log = logger.Nop()
	}
	return Task{
		Name:     "orphan-purge",
		Interval: interval,
		Run: func(ctx context.Context) error {
			n, err := p.PurgeOrphanedEvents(ctx, groupID)
			if err != nil {
				return err
			}
			if n > 0 {
				log.Info("purged orphaned membership rows", "group", groupID, "rows", n)
			}
			return nil
		},
	}
}

// MembershipReportTask publishes the live cluster size.
func MembershipReportTask(l NodeLister, m *metrics.Registry, interval time.Duration) Task {
	return Task{
		Name:     "membership-report",
		Interval: interval,
		Run: func(ctx context.Context) error {
			nodes, err := l.GetAllNodeDetails(ctx)
			if err != nil {
				return err
			}
			m.SetClusterNodes(len(nodes))
			return nil
		},
	}
}
