package fieldsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is satisfied by both pgx.Tx and the service pool, so change
// recording can run inside an apply transaction or standalone.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// recordChange appends one immutable entry to the audit trail. Every
// mutation path on a syncable table goes through here; a write that bypasses
// it is a correctness bug, because pull, tombstone propagation and replay all
// key off this log.
//
// If the entry's (device_id, idempotency_key) pair already exists, the
// existing entry is returned unchanged with created=false. This is the
// mechanism that makes retried pushes safe.
func (s *SyncService) recordChange(ctx context.Context, q querier, entry *ChangeLogEntry) (created bool, err error) {
	if entry.ChangeVersion == "" {
		entry.ChangeVersion = s.clock.Next()
	}

	err = q.QueryRow(ctx, `
		INSERT INTO survey.change_log
			(table_name, record_id, op, change_version, changed_by, change_source,
			 device_id, session_id, idempotency_key, field_diff, snapshot,
			 governorate_id, district_id, sub_district_id, neighborhood_id, assigned_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (device_id, idempotency_key) WHERE device_id IS NOT NULL DO NOTHING
		RETURNING id, ts`,
		entry.TableName, entry.RecordID, entry.Op, entry.ChangeVersion,
		entry.ChangedBy, entry.ChangeSource, entry.DeviceID, entry.SessionID,
		entry.IdempotencyKey, entry.FieldDiff, entry.Snapshot,
		entry.GovernorateID, entry.DistrictID, entry.SubDistrictID,
		entry.NeighborhoodID, entry.AssignedTo,
	).Scan(&entry.ID, &entry.TS)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("record change for %s(%s): %w", entry.TableName, entry.RecordID, err)
	}

	// Gate hit: this device already recorded this change. Load the original.
	existing, err := s.changeByIdempotencyKey(ctx, q, *entry.DeviceID, *entry.IdempotencyKey)
	if err != nil {
		return false, fmt.Errorf("load gated change for %s/%s: %w", *entry.DeviceID, *entry.IdempotencyKey, err)
	}
	*entry = *existing
	return false, nil
}

func (s *SyncService) changeByIdempotencyKey(ctx context.Context, q querier, deviceID, key string) (*ChangeLogEntry, error) {
	var e ChangeLogEntry
	err := q.QueryRow(ctx, `
		SELECT id, table_name, record_id, op, change_version, changed_by,
		       change_source, device_id, session_id, idempotency_key,
		       field_diff, snapshot, governorate_id, district_id,
		       sub_district_id, neighborhood_id, assigned_to, ts
		FROM survey.change_log
		WHERE device_id = $1 AND idempotency_key = $2`,
		deviceID, key,
	).Scan(&e.ID, &e.TableName, &e.RecordID, &e.Op, &e.ChangeVersion,
		&e.ChangedBy, &e.ChangeSource, &e.DeviceID, &e.SessionID,
		&e.IdempotencyKey, &e.FieldDiff, &e.Snapshot, &e.GovernorateID,
		&e.DistrictID, &e.SubDistrictID, &e.NeighborhoodID, &e.AssignedTo, &e.TS)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ChangesSince returns the ordered audit trail of one table after a given
// watermark. This is the replay/debugging read; differential pull uses the
// scoped snapshot query in pull.go instead.
func (s *SyncService) ChangesSince(ctx context.Context, table string, afterID int64, limit int) ([]ChangeLogEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, table_name, record_id, op, change_version, changed_by,
		       change_source, device_id, session_id, idempotency_key,
		       field_diff, snapshot, governorate_id, district_id,
		       sub_district_id, neighborhood_id, assigned_to, ts
		FROM survey.change_log
		WHERE table_name = $1 AND id > $2
		ORDER BY id
		LIMIT $3`, table, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch changes for %s after %d: %w", table, afterID, err)
	}
	defer rows.Close()

	var out []ChangeLogEntry
	for rows.Next() {
		var e ChangeLogEntry
		if err := rows.Scan(&e.ID, &e.TableName, &e.RecordID, &e.Op,
			&e.ChangeVersion, &e.ChangedBy, &e.ChangeSource, &e.DeviceID,
			&e.SessionID, &e.IdempotencyKey, &e.FieldDiff, &e.Snapshot,
			&e.GovernorateID, &e.DistrictID, &e.SubDistrictID,
			&e.NeighborhoodID, &e.AssignedTo, &e.TS); err != nil {
			return nil, fmt.Errorf("scan change entry: %w", err)
		}
		out = append(out, e)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("fetch changes for %s: %w", table, rows.Err())
	}
	return out, nil
}

// currentWatermark returns the highest change_log id, the frozen upper bound
// for a new sync session's pull window.
func (s *SyncService) currentWatermark(ctx context.Context) (int64, error) {
	var max int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM survey.change_log`,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("read change watermark: %w", err)
	}
	return max, nil
}
