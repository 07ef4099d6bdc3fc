package fieldsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Scoped read path for the web portal side. Unlike pull, these reads are not
// windowed; they serve the current state directly, with the same scope rules
// applied in SQL.

// GetRecord returns the current state of one record if the caller may see it.
func (s *SyncService) GetRecord(ctx context.Context, identity Identity, tableName string, recordID uuid.UUID) (*RecordState, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	table := s.Table(tableName)
	if table == nil {
		return nil, ErrUnregisteredTable
	}
	var scope *ResolvedScope
	if table.GeoScoped {
		var err error
		scope, err = s.ResolveScope(ctx, identity.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: scope resolution failed: %v", ErrAccessDenied, err)
		}
	}
	if err := authorize(identity, ActionRead, table, scope); err != nil {
		return nil, err
	}

	var rec RecordState
	err := s.pool.QueryRow(ctx, `
		SELECT table_name, record_id, payload, version, change_version,
		       governorate_id, district_id, sub_district_id, neighborhood_id,
		       assigned_to, created_by, created_at, updated_at
		FROM survey.record_state
		WHERE table_name = $1 AND record_id = $2`,
		table.Name, recordID,
	).Scan(&rec.TableName, &rec.RecordID, &rec.Payload, &rec.Version,
		&rec.ChangeVersion, &rec.GovernorateID, &rec.DistrictID,
		&rec.SubDistrictID, &rec.NeighborhoodID, &rec.AssignedTo,
		&rec.CreatedBy, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("load record %s(%s): %w", table.Name, recordID, err)
	}

	if !s.rowVisible(identity, table, scope, rec.GovernorateID, rec.DistrictID,
		rec.SubDistrictID, rec.NeighborhoodID, rec.AssignedTo) {
		// Indistinguishable from absence; existence is not disclosed outside
		// the caller's scope.
		return nil, pgx.ErrNoRows
	}
	return &rec, nil
}

// ListRecords pages through a table's current records inside the caller's
// scope. The scope filter runs in SQL so a broad table never streams rows the
// caller cannot see.
func (s *SyncService) ListRecords(ctx context.Context, identity Identity, tableName string, afterID *uuid.UUID, limit int) ([]RecordState, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	table := s.Table(tableName)
	if table == nil {
		return nil, ErrUnregisteredTable
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var scope *ResolvedScope
	if table.GeoScoped {
		var err error
		scope, err = s.ResolveScope(ctx, identity.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: scope resolution failed: %v", ErrAccessDenied, err)
		}
	}
	if err := authorize(identity, ActionRead, table, scope); err != nil {
		return nil, err
	}

	query := `
		SELECT table_name, record_id, payload, version, change_version,
		       governorate_id, district_id, sub_district_id, neighborhood_id,
		       assigned_to, created_by, created_at, updated_at
		FROM survey.record_state
		WHERE table_name = $1`
	args := []any{table.Name}

	switch {
	case table.GeoScoped:
		query += `
		  AND (governorate_id = ANY($2::uuid[])
		    OR district_id = ANY($3::uuid[])
		    OR sub_district_id = ANY($4::uuid[])
		    OR neighborhood_id = ANY($5::uuid[]))`
		args = append(args,
			levelArgs(scope.Governorates), levelArgs(scope.Districts),
			levelArgs(scope.SubDistricts), levelArgs(scope.Neighborhoods))
	case table.AssignedToField != "" && !rowBypass(identity):
		query += ` AND assigned_to = $2`
		args = append(args, identity.ID)
	}

	if afterID != nil {
		query += fmt.Sprintf(` AND record_id > $%d`, len(args)+1)
		args = append(args, *afterID)
	}
	query += fmt.Sprintf(` ORDER BY record_id LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records for %s: %w", table.Name, err)
	}
	defer rows.Close()

	var out []RecordState
	for rows.Next() {
		var rec RecordState
		if err := rows.Scan(&rec.TableName, &rec.RecordID, &rec.Payload,
			&rec.Version, &rec.ChangeVersion, &rec.GovernorateID,
			&rec.DistrictID, &rec.SubDistrictID, &rec.NeighborhoodID,
			&rec.AssignedTo, &rec.CreatedBy, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("list records for %s: %w", table.Name, rows.Err())
	}
	return out, nil
}

// WriteRecord is the server-side (web portal) mutation path. It funnels
// through the same apply semantics as device pushes, so web edits land in the
// change trail and reach devices on their next pull. Unlike push there is no
// idempotency gate; the caller is online and sees the outcome synchronously.
func (s *SyncService) WriteRecord(ctx context.Context, identity Identity, op *OperationUpload) (OperationStatus, error) {
	if err := s.checkClosed(); err != nil {
		return OperationStatus{}, err
	}
	if op.IdempotencyKey == "" {
		// Web calls are synchronous; the key only labels the outcome.
		op.IdempotencyKey = uuid.NewString()
	}
	table := s.Table(op.Table)
	if err := s.validateOperation(op, table); err != nil {
		return rejectedStatus(op.IdempotencyKey, err)
	}
	var scope *ResolvedScope
	if table.GeoScoped {
		var err error
		scope, err = s.ResolveScope(ctx, identity.ID)
		if err != nil {
			return OperationStatus{}, fmt.Errorf("%w: scope resolution failed: %v", ErrAccessDenied, err)
		}
	}
	if err := authorize(identity, ActionWrite, table, scope); err != nil {
		return statusFailed(op.IdempotencyKey, ReasonAccessDenied, err), nil
	}

	actor := actorMeta{IdentityID: identity.ID, Source: SourceWeb}

	var st OperationStatus
	err := withRetry(ctx, s.config.MaxApplyAttempts, func(attempt int) error {
		return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
			var err error
			switch op.OpType {
			case OpCreate:
				st, err = s.applyCreate(ctx, tx, identity, scope, table, op, actor)
			case OpUpdate:
				st, err = s.applyUpdate(ctx, tx, identity, scope, table, op, actor)
			case OpDelete:
				st, err = s.applyDelete(ctx, tx, identity, scope, table, op, actor)
			}
			return err
		})
	})
	if err != nil {
		return OperationStatus{}, err
	}
	return st, nil
}
