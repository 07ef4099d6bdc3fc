package fieldsync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// actorMeta identifies who performed a mutation and through which channel.
type actorMeta struct {
	IdentityID     string
	Source         string // web | mobile | system
	DeviceID       *string
	SessionID      *uuid.UUID
	IdempotencyKey *string
}

// tombstoneAndDelete performs the three-part delete inside the caller's
// transaction: append the DELETE change entry, write the tombstone carrying
// the record's final snapshot and scope tags, then remove the row. Devices
// holding stale copies learn about the deletion from the tombstone, never by
// inferring it from absence.
func (s *SyncService) tombstoneAndDelete(
	ctx context.Context,
	q querier,
	rec *RecordState,
	actor actorMeta,
	kind, reason string,
) (*ChangeLogEntry, error) {
	entry := &ChangeLogEntry{
		TableName:      rec.TableName,
		RecordID:       rec.RecordID,
		Op:             OpDelete,
		ChangedBy:      actor.IdentityID,
		ChangeSource:   actor.Source,
		DeviceID:       actor.DeviceID,
		SessionID:      actor.SessionID,
		IdempotencyKey: actor.IdempotencyKey,
		GovernorateID:  rec.GovernorateID,
		DistrictID:     rec.DistrictID,
		SubDistrictID:  rec.SubDistrictID,
		NeighborhoodID: rec.NeighborhoodID,
		AssignedTo:     rec.AssignedTo,
	}
	created, err := s.recordChange(ctx, q, entry)
	if err != nil {
		return nil, err
	}
	if !created {
		// Retried delete; the tombstone and row removal already happened.
		return entry, nil
	}

	_, err = q.Exec(ctx, `
		INSERT INTO survey.tombstone
			(id, table_name, record_id, deleted_by, reason, kind, snapshot,
			 propagation, change_id, governorate_id, district_id,
			 sub_district_id, neighborhood_id, assigned_to, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, TRUE)`,
		uuid.New(), rec.TableName, rec.RecordID, actor.IdentityID, reason, kind,
		rec.Payload, TombstonePending, entry.ID,
		rec.GovernorateID, rec.DistrictID, rec.SubDistrictID, rec.NeighborhoodID,
		rec.AssignedTo, time.Now().Add(s.config.TombstoneTTL))
	if err != nil {
		return nil, fmt.Errorf("write tombstone for %s(%s): %w", rec.TableName, rec.RecordID, err)
	}

	_, err = q.Exec(ctx, `
		DELETE FROM survey.record_state
		WHERE table_name = $1 AND record_id = $2`,
		rec.TableName, rec.RecordID)
	if err != nil {
		return nil, fmt.Errorf("delete record %s(%s): %w", rec.TableName, rec.RecordID, err)
	}

	return entry, nil
}

// markTombstonesPropagated flips pending tombstones to propagated once a pull
// response has included their DELETE change ids. Best effort; a tombstone
// that stays pending is simply delivered again.
func (s *SyncService) markTombstonesPropagated(ctx context.Context, changeIDs []int64) {
	if len(changeIDs) == 0 {
		return
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE survey.tombstone
		SET propagation = $1
		WHERE change_id = ANY($2::bigint[]) AND propagation = $3`,
		TombstonePropagated, changeIDs, TombstonePending)
	if err != nil {
		s.logger.Warn("Failed to mark tombstones propagated", "error", err, "count", len(changeIDs))
	}
}

// PurgeExpiredTombstones deactivates tombstones past their retention window.
// The retention window bounds storage growth while giving slow-syncing
// devices time to learn about deletions.
func (s *SyncService) PurgeExpiredTombstones(ctx context.Context) (int64, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE survey.tombstone
		SET active = FALSE
		WHERE active AND expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("purge expired tombstones: %w", err)
	}
	purged := tag.RowsAffected()
	if purged > 0 {
		s.logger.Info("Purged expired tombstones", "count", purged)
	}
	return purged, nil
}

// TombstoneFor looks up the active tombstone of a record, if any.
func (s *SyncService) TombstoneFor(ctx context.Context, table string, recordID uuid.UUID) (*Tombstone, error) {
	var t Tombstone
	err := s.pool.QueryRow(ctx, `
		SELECT id, table_name, record_id, deleted_by, reason, kind, snapshot,
		       propagation, change_id, expires_at, active, created_at
		FROM survey.tombstone
		WHERE table_name = $1 AND record_id = $2 AND active
		ORDER BY created_at DESC
		LIMIT 1`, table, recordID,
	).Scan(&t.ID, &t.TableName, &t.RecordID, &t.DeletedBy, &t.Reason, &t.Kind,
		&t.Snapshot, &t.Propagation, &t.ChangeID, &t.ExpiresAt, &t.Active, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
