// Package store is the communication bus: every read and write the
// coordination algorithm makes against the shared cluster tables.
//
// Heartbeat and coordinator timestamps are unix milliseconds from the calling
// node's clock. Callers pass "now" explicitly so liveness is always evaluated
// with the reader's clock.
package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/obot-platform/rdbcoord/internal/logger"
	"github.com/obot-platform/rdbcoord/internal/model"
)

const eventBatchSize = 100

// Store wraps GORM DB for database operations.
type Store struct {
	db  *gorm.DB
	log *logger.Logger
}

// New creates a new Store with the given GORM DB.
func New(db *gorm.DB, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Nop()
	}
	return &Store{db: db, log: log.Named("store")}
}

// --- Membership events ---

// StoreMembershipEvent queues one event per target node.
func (s *Store) StoreMembershipEvent(ctx context.Context, changedMember, groupID string, targets []string, eventType model.MemberEventType) error {
	if len(targets) == 0 {
		return nil
	}
	rows := make([]model.MembershipEvent, 0, len(targets))
	for _, target := range targets {
		rows = append(rows, model.MembershipEvent{
			TargetNodeID:    target,
			GroupID:         groupID,
			EventType:       int(eventType),
			ChangedMemberID: changedMember,
		})
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&rows, eventBatchSize).Error
	})
	return NewCoordinationError("store membership event", err)
}

// ReadMembershipEvents returns the events queued for nodeID in arrival order
// and deletes exactly those rows in the same transaction.
func (s *Store) ReadMembershipEvents(ctx context.Context, nodeID string) ([]model.MemberEvent, error) {
	var rows []model.MembershipEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("target_node_id = ?", nodeID).Order("id ASC").Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]uint64, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		return tx.Where("id IN ?", ids).Delete(&model.MembershipEvent{}).Error
	})
	if err != nil {
		return nil, NewCoordinationError("read membership events", err)
	}

	events := make([]model.MemberEvent, 0, len(rows))
	for _, r := range rows {
		events = append(events, model.MemberEvent{
			Type:     model.MemberEventType(r.EventType),
			MemberID: r.ChangedMemberID,
			GroupID:  r.GroupID,
		})
	}
	return events, nil
}

// ClearMembershipEvents drops everything queued for nodeID.
func (s *Store) ClearMembershipEvents(ctx context.Context, nodeID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Where("target_node_id = ?", nodeID).Delete(&model.MembershipEvent{}).Error
	})
	return NewCoordinationError("clear membership events", err)
}

// --- Coordinator ---

// GetCoordinatorNodeID returns the node holding the coordinator row, or "" if none.
func (s *Store) GetCoordinatorNodeID(ctx context.Context, groupID string) (string, error) {
	var rec model.CoordinatorRecord
	if err := s.db.WithContext(ctx).First(&rec, "group_id = ?", groupID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", NewCoordinationError("get coordinator", err)
	}
	return rec.NodeID, nil
}

// CreateCoordinatorEntry claims the coordinator row for groupID. It reports
// true only if this call inserted the row; losing to a concurrent claimant is
// not an error.
func (s *Store) CreateCoordinatorEntry(ctx context.Context, nodeID, groupID string, now time.Time) (bool, error) {
	rec := model.CoordinatorRecord{
		GroupID:       groupID,
		NodeID:        nodeID,
		LastHeartbeat: now.UnixMilli(),
	}

	var inserted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "group_id"}},
			DoNothing: true,
		}).Create(&rec)
		if result.Error != nil {
			return result.Error
		}
		inserted = result.RowsAffected == 1
		return nil
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, nil
	}
	if err != nil {
		return false, NewCoordinationError("create coordinator entry", err)
	}
	return inserted, nil
}

// CheckIsCoordinator reports whether nodeID holds the coordinator row.
func (s *Store) CheckIsCoordinator(ctx context.Context, nodeID, groupID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.CoordinatorRecord{}).
		Where("group_id = ? AND node_id = ?", groupID, nodeID).
		Count(&count).Error
	if err != nil {
		return false, NewCoordinationError("check is coordinator", err)
	}
	return count > 0, nil
}

// CheckIfCoordinatorValid reports whether the group has a coordinator whose
// heartbeat is younger than maxAge at now. nodeID is the caller, for logging.
func (s *Store) CheckIfCoordinatorValid(ctx context.Context, groupID, nodeID string, maxAge time.Duration, now time.Time) (bool, error) {
	var rec model.CoordinatorRecord
	err := s.db.WithContext(ctx).First(&rec, "group_id = ?", groupID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.log.Debug("no coordinator present", "group", groupID, "node", nodeID)
		return false, nil
	}
	if err != nil {
		return false, NewCoordinationError("check coordinator validity", err)
	}

	age := now.UnixMilli() - rec.LastHeartbeat
	if age >= maxAge.Milliseconds() {
		s.log.Info("coordinator heartbeat expired",
			"group", groupID,
			"coordinator", rec.NodeID,
			"age_ms", age,
			"max_age_ms", maxAge.Milliseconds(),
			"node", nodeID,
		)
		return false, nil
	}
	return true, nil
}

// UpdateCoordinatorHeartbeat refreshes the coordinator row only if nodeID
// still holds it. It reports false when the row is gone or owned by another node.
func (s *Store) UpdateCoordinatorHeartbeat(ctx context.Context, nodeID, groupID string, now time.Time) (bool, error) {
	var updated bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.CoordinatorRecord{}).
			Where("group_id = ? AND node_id = ?", groupID, nodeID).
			Update("last_heartbeat", now.UnixMilli())
		updated = result.RowsAffected > 0
		return result.Error
	})
	if err != nil {
		return false, NewCoordinationError("update coordinator heartbeat", err)
	}
	return updated, nil
}

// RemoveCoordinator deletes the coordinator row if it is stale at now. The
// age is re-checked in the delete itself so a coordinator that heartbeated
// after the caller's validity check is left alone.
func (s *Store) RemoveCoordinator(ctx context.Context, groupID string, maxAge time.Duration, now time.Time) (bool, error) {
	cutoff := now.UnixMilli() - maxAge.Milliseconds()

	var removed bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("group_id = ? AND last_heartbeat <= ?", groupID, cutoff).
			Delete(&model.CoordinatorRecord{})
		removed = result.RowsAffected > 0
		return result.Error
	})
	if err != nil {
		return false, NewCoordinationError("remove coordinator", err)
	}
	return removed, nil
}

// RemoveCoordinatorEntry releases the coordinator row held by nodeID.
func (s *Store) RemoveCoordinatorEntry(ctx context.Context, nodeID, groupID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Where("group_id = ? AND node_id = ?", groupID, nodeID).
			Delete(&model.CoordinatorRecord{}).Error
	})
	return NewCoordinationError("remove coordinator entry", err)
}

// --- Node heartbeats ---

// UpdateNodeHeartbeat refreshes an existing heartbeat row. It reports false
// when the node has no row.
func (s *Store) UpdateNodeHeartbeat(ctx context.Context, nodeID, groupID string, now time.Time) (bool, error) {
	var updated bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.NodeHeartbeat{}).
			Where("node_id = ? AND group_id = ?", nodeID, groupID).
			Update("last_heartbeat", now.UnixMilli())
		updated = result.RowsAffected > 0
		return result.Error
	})
	if err != nil {
		return false, NewCoordinationError("update node heartbeat", err)
	}
	return updated, nil
}

// CreateNodeHeartbeatEntry inserts a heartbeat row flagged as new. An existing
// row is left untouched.
func (s *Store) CreateNodeHeartbeatEntry(ctx context.Context, nodeID, groupID string, now time.Time) error {
	row := model.NodeHeartbeat{
		NodeID:        nodeID,
		GroupID:       groupID,
		LastHeartbeat: now.UnixMilli(),
		IsNewNode:     true,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "node_id"}, {Name: "group_id"}},
			DoNothing: true,
		}).Create(&row).Error
	})
	return NewCoordinationError("create node heartbeat", err)
}

// GetAllNodeData returns every heartbeat row of the group, dead or alive,
// with coordinator status, read in one transaction.
func (s *Store) GetAllNodeData(ctx context.Context, groupID string) ([]model.NodeDetail, error) {
	var rows []model.NodeHeartbeat
	var coordinators []model.CoordinatorRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("group_id = ?", groupID).Order("node_id ASC").Find(&rows).Error; err != nil {
			return err
		}
		return tx.Where("group_id = ?", groupID).Limit(1).Find(&coordinators).Error
	})
	if err != nil {
		return nil, NewCoordinationError("get all node data", err)
	}

	var coordinatorID string
	if len(coordinators) > 0 {
		coordinatorID = coordinators[0].NodeID
	}

	details := make([]model.NodeDetail, 0, len(rows))
	for _, r := range rows {
		details = append(details, model.NodeDetail{
			NodeID:        r.NodeID,
			GroupID:       r.GroupID,
			IsCoordinator: r.NodeID == coordinatorID,
			LastHeartbeat: r.LastHeartbeat,
			IsNewNode:     r.IsNewNode,
		})
	}
	return details, nil
}

// GetNodeData returns the detail of one node, or nil if it has no heartbeat row.
func (s *Store) GetNodeData(ctx context.Context, nodeID, groupID string) (*model.NodeDetail, error) {
	var detail *model.NodeDetail
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []model.NodeHeartbeat
		if err := tx.Where("node_id = ? AND group_id = ?", nodeID, groupID).Limit(1).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		var count int64
		if err := tx.Model(&model.CoordinatorRecord{}).
			Where("group_id = ? AND node_id = ?", groupID, nodeID).
			Count(&count).Error; err != nil {
			return err
		}
		detail = &model.NodeDetail{
			NodeID:        rows[0].NodeID,
			GroupID:       rows[0].GroupID,
			IsCoordinator: count > 0,
			LastHeartbeat: rows[0].LastHeartbeat,
			IsNewNode:     rows[0].IsNewNode,
		}
		return nil
	})
	if err != nil {
		return nil, NewCoordinationError("get node data", err)
	}
	return detail, nil
}

// RemoveNode deletes a node's heartbeat row.
func (s *Store) RemoveNode(ctx context.Context, nodeID, groupID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Where("node_id = ? AND group_id = ?", nodeID, groupID).Delete(&model.NodeHeartbeat{}).Error
	})
	return NewCoordinationError("remove node", err)
}

// MarkNodeAsNotNew clears the new-node flag.
func (s *Store) MarkNodeAsNotNew(ctx context.Context, nodeID, groupID string) error {
	var affected int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.NodeHeartbeat{}).
			Where("node_id = ? AND group_id = ?", nodeID, groupID).
			Update("is_new_node", false)
		affected = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return NewCoordinationError("mark node as not new", err)
	}
	if affected == 0 {
		s.log.Warn("node not found while clearing new flag", "node", nodeID, "group", groupID)
	}
	return nil
}

// --- Removed members ---

// InsertRemovedNodeDetails records that removed has left, once per viewer.
func (s *Store) InsertRemovedNodeDetails(ctx context.Context, removed model.NodeDetail, viewers []string) error {
	if len(viewers) == 0 {
		return nil
	}
	rows := make([]model.RemovedMember, 0, len(viewers))
	for _, viewer := range viewers {
		rows = append(rows, model.RemovedMember{
			ViewerNodeID:    viewer,
			GroupID:         removed.GroupID,
			RemovedMemberID: removed.NodeID,
			LastHeartbeat:   removed.LastHeartbeat,
		})
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&rows, eventBatchSize).Error
	})
	return NewCoordinationError("insert removed node details", err)
}

// GetRemovedNodeData returns the detail of a removed member as seen by
// viewerID and clears the record, so each viewer gets it at most once.
func (s *Store) GetRemovedNodeData(ctx context.Context, viewerID, groupID, removedMemberID string) (*model.NodeDetail, error) {
	var detail *model.NodeDetail
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []model.RemovedMember
		q := tx.Where("viewer_node_id = ? AND group_id = ? AND removed_member_id = ?", viewerID, groupID, removedMemberID)
		if err := q.Order("id ASC").Limit(1).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		detail = &model.NodeDetail{
			NodeID:        rows[0].RemovedMemberID,
			GroupID:       rows[0].GroupID,
			LastHeartbeat: rows[0].LastHeartbeat,
		}
		return tx.Where("viewer_node_id = ? AND group_id = ? AND removed_member_id = ?", viewerID, groupID, removedMemberID).
			Delete(&model.RemovedMember{}).Error
	})
	if err != nil {
		return nil, NewCoordinationError("get removed node data", err)
	}
	return detail, nil
}

// --- Maintenance ---

// ClearHeartbeatData removes every heartbeat and the coordinator row of a group.
func (s *Store) ClearHeartbeatData(ctx context.Context, groupID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("group_id = ?", groupID).Delete(&model.NodeHeartbeat{}).Error; err != nil {
			return err
		}
		return tx.Where("group_id = ?", groupID).Delete(&model.CoordinatorRecord{}).Error
	})
	return NewCoordinationError("clear heartbeat data", err)
}

// PurgeOrphanedEvents deletes queued events and removed-member records
// addressed to nodes that no longer have a heartbeat row. It returns the
// number of rows deleted.
func (s *Store) PurgeOrphanedEvents(ctx context.Context, groupID string) (int64, error) {
	var purged int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		live := tx.Model(&model.NodeHeartbeat{}).Select("node_id").Where("group_id = ?", groupID)

		result := tx.Where("group_id = ? AND target_node_id NOT IN (?)", groupID, live).
			Delete(&model.MembershipEvent{})
		if result.Error != nil {
			return result.Error
		}
		purged += result.RowsAffected

		live = tx.Model(&model.NodeHeartbeat{}).Select("node_id").Where("group_id = ?", groupID)
		result = tx.Where("group_id = ? AND viewer_node_id NOT IN (?)", groupID, live).
			Delete(&model.RemovedMember{})
		if result.Error != nil {
			return result.Error
		}
		purged += result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, NewCoordinationError("purge orphaned events", err)
	}
	return purged, nil
}
