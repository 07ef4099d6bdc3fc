package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// The apply functions return domain outcomes (synced, conflicted, rejected)
// as statuses with a nil error. A non-nil error means the store failed
// mid-apply; the surrounding transaction is aborted and must be rolled back,
// so the caller retries or reports the operation unprocessed.

// recordForUpdate loads one record row-locked inside the caller's
// transaction. Returns (nil, pgx.ErrNoRows) when the record does not exist.
func (s *SyncService) recordForUpdate(ctx context.Context, q querier, table string, recordID uuid.UUID) (*RecordState, error) {
	var rec RecordState
	err := q.QueryRow(ctx, `
		SELECT table_name, record_id, payload, version, change_version,
		       governorate_id, district_id, sub_district_id, neighborhood_id,
		       assigned_to, created_by, created_at, updated_at
		FROM survey.record_state
		WHERE table_name = $1 AND record_id = $2
		FOR UPDATE`, table, recordID,
	).Scan(&rec.TableName, &rec.RecordID, &rec.Payload, &rec.Version,
		&rec.ChangeVersion, &rec.GovernorateID, &rec.DistrictID,
		&rec.SubDistrictID, &rec.NeighborhoodID, &rec.AssignedTo,
		&rec.CreatedBy, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("load record %s(%s): %w", table, recordID, err)
	}
	return &rec, nil
}

// upsertRecordState writes a record's after-image and appends the matching
// change entry in one step, so state and trail cannot drift apart. The new
// version is currentVersion+1; pass 0 for a create.
func (s *SyncService) upsertRecordState(
	ctx context.Context,
	q querier,
	table *SyncTable,
	recordID uuid.UUID,
	obj map[string]any,
	currentVersion int64,
	actor actorMeta,
	op string,
	fieldDiff json.RawMessage,
) (*ChangeLogEntry, error) {
	gov, dist, sub, neigh, err := geoTags(obj)
	if err != nil {
		return nil, err
	}
	assigned := assignedTo(obj, table)
	payload, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: encode payload for %s(%s): %v", ErrBadPayload, table.Name, recordID, err)
	}
	newVersion := currentVersion + 1

	entry := &ChangeLogEntry{
		TableName:      table.Name,
		RecordID:       recordID,
		Op:             op,
		ChangedBy:      actor.IdentityID,
		ChangeSource:   actor.Source,
		DeviceID:       actor.DeviceID,
		SessionID:      actor.SessionID,
		IdempotencyKey: actor.IdempotencyKey,
		FieldDiff:      fieldDiff,
		Snapshot:       payload,
		GovernorateID:  gov,
		DistrictID:     dist,
		SubDistrictID:  sub,
		NeighborhoodID: neigh,
		AssignedTo:     assigned,
	}
	created, err := s.recordChange(ctx, q, entry)
	if err != nil {
		return nil, err
	}
	if !created {
		// Replayed operation; the state write below already happened the
		// first time through.
		return entry, nil
	}

	_, err = q.Exec(ctx, `
		INSERT INTO survey.record_state
			(table_name, record_id, payload, version, change_version,
			 governorate_id, district_id, sub_district_id, neighborhood_id,
			 assigned_to, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
		ON CONFLICT (table_name, record_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			version = EXCLUDED.version,
			change_version = EXCLUDED.change_version,
			governorate_id = EXCLUDED.governorate_id,
			district_id = EXCLUDED.district_id,
			sub_district_id = EXCLUDED.sub_district_id,
			neighborhood_id = EXCLUDED.neighborhood_id,
			assigned_to = EXCLUDED.assigned_to,
			updated_at = now()`,
		table.Name, recordID, payload, newVersion, entry.ChangeVersion,
		gov, dist, sub, neigh, assigned, actor.IdentityID)
	if err != nil {
		return nil, fmt.Errorf("write record state %s(%s): %w", table.Name, recordID, err)
	}
	return entry, nil
}

// checkWriteScope enforces write-side access against the payload's own tags.
// A client may only place records inside territory it can see; anything else
// would let a device smuggle rows into units beyond its grants.
func (s *SyncService) checkWriteScope(
	identity Identity,
	table *SyncTable,
	scope *ResolvedScope,
	obj map[string]any,
) error {
	if table.GeoScoped {
		gov, dist, sub, neigh, err := geoTags(obj)
		if err != nil {
			return err
		}
		if !scope.Covers(gov, dist, sub, neigh) {
			return fmt.Errorf("%w: record tags outside resolved scope for %s", ErrAccessDenied, identity.ID)
		}
		return nil
	}
	if table.AssignedToField != "" && !rowBypass(identity) {
		assigned := assignedTo(obj, table)
		if assigned == nil || *assigned != identity.ID {
			return fmt.Errorf("%w: %s may only write rows assigned to them", ErrAccessDenied, identity.ID)
		}
	}
	return nil
}

// applyCreate inserts a new record. Creating an id that already exists is a
// whole-record conflict, not an error: two devices minted the same record or
// the same device replayed with a fresh idempotency key. The colliding row
// must itself pass the caller's scope gate before its value is disclosed in
// the conflict detail.
func (s *SyncService) applyCreate(
	ctx context.Context,
	q querier,
	identity Identity,
	scope *ResolvedScope,
	table *SyncTable,
	op *OperationUpload,
	actor actorMeta,
) (OperationStatus, error) {
	obj, err := coercePayload(op.Payload, table)
	if err != nil {
		return statusFailed(op.IdempotencyKey, ReasonBadPayload, err), nil
	}
	if err := s.checkWriteScope(identity, table, scope, obj); err != nil {
		return rejectedStatus(op.IdempotencyKey, err)
	}
	recordID := uuid.MustParse(op.RecordID)

	existing, err := s.recordForUpdate(ctx, q, table.Name, recordID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return OperationStatus{}, err
	}
	if existing != nil {
		if table.GeoScoped && !scope.Covers(existing.GovernorateID, existing.DistrictID, existing.SubDistrictID, existing.NeighborhoodID) {
			return statusFailed(op.IdempotencyKey, ReasonAccessDenied,
				fmt.Errorf("%w: record outside resolved scope", ErrAccessDenied)), nil
		}
		if table.AssignedToField != "" && !rowBypass(identity) {
			if existing.AssignedTo == nil || *existing.AssignedTo != identity.ID {
				return statusFailed(op.IdempotencyKey, ReasonAccessDenied,
					fmt.Errorf("%w: record not assigned to %s", ErrAccessDenied, identity.ID)), nil
			}
		}
		clientJSON, _ := json.Marshal(obj)
		details, err := s.recordConflicts(ctx, q, table, recordID, actor.SessionID, []detectedConflict{{
			Kind:        ConflictConcurrentUpdate,
			ServerValue: existing.Payload,
			ClientValue: clientJSON,
		}})
		if err != nil {
			return OperationStatus{}, err
		}
		return statusConflicted(op.IdempotencyKey, op.RecordID, details), nil
	}

	if _, err := s.upsertRecordState(ctx, q, table, recordID, obj, 0, actor, OpCreate, nil); err != nil {
		return rejectedStatus(op.IdempotencyKey, err)
	}
	return statusSynced(op.IdempotencyKey, op.RecordID, 1), nil
}

// applyUpdate merges an incoming payload into the current record.
//
// base_version equal to the server's version is the fast path: the client saw
// the latest state, so the whole payload applies. A stale base_version only
// conflicts on the table's conflict-sensitive fields that actually diverged;
// how those divergences land depends on the table's resolution strategy.
func (s *SyncService) applyUpdate(
	ctx context.Context,
	q querier,
	identity Identity,
	scope *ResolvedScope,
	table *SyncTable,
	op *OperationUpload,
	actor actorMeta,
) (OperationStatus, error) {
	obj, err := coercePayload(op.Payload, table)
	if err != nil {
		return statusFailed(op.IdempotencyKey, ReasonBadPayload, err), nil
	}
	recordID := uuid.MustParse(op.RecordID)

	rec, err := s.recordForUpdate(ctx, q, table.Name, recordID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return OperationStatus{}, err
	}
	if rec == nil {
		// Deleted (or never created) server-side. The tombstone, when
		// present, is what the client will learn from on its next pull.
		detected := detectConflicts(table, obj, nil)
		details, err := s.recordConflicts(ctx, q, table, recordID, actor.SessionID, detected)
		if err != nil {
			return OperationStatus{}, err
		}
		return statusConflicted(op.IdempotencyKey, op.RecordID, details), nil
	}

	// Existing row must be in scope too, or a device could mutate records it
	// cannot even pull.
	if table.GeoScoped && !scope.Covers(rec.GovernorateID, rec.DistrictID, rec.SubDistrictID, rec.NeighborhoodID) {
		return statusFailed(op.IdempotencyKey, ReasonAccessDenied,
			fmt.Errorf("%w: record outside resolved scope", ErrAccessDenied)), nil
	}
	if table.AssignedToField != "" && !rowBypass(identity) {
		if rec.AssignedTo == nil || *rec.AssignedTo != identity.ID {
			return statusFailed(op.IdempotencyKey, ReasonAccessDenied,
				fmt.Errorf("%w: record not assigned to %s", ErrAccessDenied, identity.ID)), nil
		}
	}

	merged, diff := mergePayload(rec, obj)
	if err := s.checkWriteScope(identity, table, scope, merged); err != nil {
		return rejectedStatus(op.IdempotencyKey, err)
	}

	if op.BaseVersion == rec.Version {
		// Client had the latest state; no concurrent edit to arbitrate.
		return s.finishUpdate(ctx, q, table, recordID, merged, diff, rec.Version, actor, op)
	}

	detected := detectConflicts(table, obj, rec)
	if len(detected) == 0 {
		// Stale base but no sensitive field diverged; last write wins on the
		// rest.
		return s.finishUpdate(ctx, q, table, recordID, merged, diff, rec.Version, actor, op)
	}

	switch table.Resolution {
	case ResolutionServerWins:
		// Keep the server's value for every divergent field, apply the rest.
		var serverObj map[string]any
		_ = json.Unmarshal(rec.Payload, &serverObj)
		for _, dc := range detected {
			merged[*dc.Field] = serverObj[*dc.Field]
			delete(diff, *dc.Field)
		}
		details, err := s.recordConflicts(ctx, q, table, recordID, actor.SessionID, detected)
		if err != nil {
			return OperationStatus{}, err
		}
		st, err := s.finishUpdate(ctx, q, table, recordID, merged, diff, rec.Version, actor, op)
		if err != nil {
			return OperationStatus{}, err
		}
		st.Conflicts = details
		return st, nil
	case ResolutionClientWins:
		details, err := s.recordResolvedClientWins(ctx, q, table, recordID, actor.SessionID, detected)
		if err != nil {
			return OperationStatus{}, err
		}
		st, err := s.finishUpdate(ctx, q, table, recordID, merged, diff, rec.Version, actor, op)
		if err != nil {
			return OperationStatus{}, err
		}
		st.Conflicts = details
		return st, nil
	default: // manual
		details, err := s.recordConflicts(ctx, q, table, recordID, actor.SessionID, detected)
		if err != nil {
			return OperationStatus{}, err
		}
		return statusConflicted(op.IdempotencyKey, op.RecordID, details), nil
	}
}

func (s *SyncService) finishUpdate(
	ctx context.Context,
	q querier,
	table *SyncTable,
	recordID uuid.UUID,
	merged map[string]any,
	diff map[string]any,
	currentVersion int64,
	actor actorMeta,
	op *OperationUpload,
) (OperationStatus, error) {
	diffJSON, _ := json.Marshal(diff)
	if _, err := s.upsertRecordState(ctx, q, table, recordID, merged, currentVersion, actor, OpUpdate, diffJSON); err != nil {
		return rejectedStatus(op.IdempotencyKey, err)
	}
	return statusSynced(op.IdempotencyKey, op.RecordID, currentVersion+1), nil
}

// applyDelete removes a record through the tombstone path. Deleting an absent
// record reports success: the desired end state already holds, and punishing
// the retry would break offline queues that replay after partial failures.
func (s *SyncService) applyDelete(
	ctx context.Context,
	q querier,
	identity Identity,
	scope *ResolvedScope,
	table *SyncTable,
	op *OperationUpload,
	actor actorMeta,
) (OperationStatus, error) {
	recordID := uuid.MustParse(op.RecordID)

	rec, err := s.recordForUpdate(ctx, q, table.Name, recordID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return OperationStatus{}, err
	}
	if rec == nil {
		return statusSyncedIdempotent(op.IdempotencyKey, op.RecordID), nil
	}

	if table.GeoScoped && !scope.Covers(rec.GovernorateID, rec.DistrictID, rec.SubDistrictID, rec.NeighborhoodID) {
		return statusFailed(op.IdempotencyKey, ReasonAccessDenied,
			fmt.Errorf("%w: record outside resolved scope", ErrAccessDenied)), nil
	}
	if table.AssignedToField != "" && !rowBypass(identity) {
		if rec.AssignedTo == nil || *rec.AssignedTo != identity.ID {
			return statusFailed(op.IdempotencyKey, ReasonAccessDenied,
				fmt.Errorf("%w: record not assigned to %s", ErrAccessDenied, identity.ID)), nil
		}
	}

	if _, err := s.tombstoneAndDelete(ctx, q, rec, actor, TombstoneHard, "client delete"); err != nil {
		return rejectedStatus(op.IdempotencyKey, err)
	}
	return statusSynced(op.IdempotencyKey, op.RecordID, rec.Version), nil
}

// recordResolvedClientWins stores concurrent-update conflicts already settled
// in the client's favor, so the trail still shows what the server value was.
func (s *SyncService) recordResolvedClientWins(
	ctx context.Context,
	q querier,
	table *SyncTable,
	recordID uuid.UUID,
	sessionID *uuid.UUID,
	detected []detectedConflict,
) ([]ConflictDetail, error) {
	details := make([]ConflictDetail, 0, len(detected))
	for _, dc := range detected {
		id := uuid.New()
		_, err := q.Exec(ctx, `
			INSERT INTO survey.sync_conflict
				(id, session_id, table_name, record_id, field_name, kind,
				 server_value, client_value, strategy, resolved_value,
				 resolved_by, resolved_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())`,
			id, sessionID, table.Name, recordID, dc.Field, dc.Kind,
			dc.ServerValue, dc.ClientValue, ResolutionClientWins, dc.ClientValue,
			SourceSystem)
		if err != nil {
			return nil, fmt.Errorf("record resolved conflict on %s(%s): %w", table.Name, recordID, err)
		}
		cw := ResolutionClientWins
		details = append(details, ConflictDetail{
			ConflictID:  id.String(),
			Table:       table.Name,
			RecordID:    recordID.String(),
			Field:       dc.Field,
			Kind:        dc.Kind,
			ServerValue: dc.ServerValue,
			ClientValue: dc.ClientValue,
			Strategy:    &cw,
			Resolved:    true,
		})
	}
	return details, nil
}

// mergePayload overlays the client payload on the stored one and computes the
// old/new diff of keys the client actually changed.
func mergePayload(rec *RecordState, obj map[string]any) (merged map[string]any, diff map[string]any) {
	merged = map[string]any{}
	if err := json.Unmarshal(rec.Payload, &merged); err != nil {
		merged = map[string]any{}
	}
	diff = map[string]any{}
	for k, v := range obj {
		if reflect.DeepEqual(merged[k], v) {
			continue
		}
		diff[k] = map[string]any{"old": merged[k], "new": v}
		merged[k] = v
	}
	return merged, diff
}

// rejectedStatus maps a validation or authorization failure to a terminal
// status; anything else is a store failure and propagates as an error so the
// transaction rolls back.
func rejectedStatus(key string, err error) (OperationStatus, error) {
	switch {
	case errors.Is(err, ErrBadPayload):
		return statusFailed(key, ReasonBadPayload, err), nil
	case errors.Is(err, ErrAccessDenied):
		return statusFailed(key, ReasonAccessDenied, err), nil
	default:
		return OperationStatus{}, err
	}
}
