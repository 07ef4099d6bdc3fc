package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// detectedConflict is an in-memory conflict before it is persisted.
type detectedConflict struct {
	Field       *string // nil = whole-record
	Kind        string
	ServerValue json.RawMessage
	ClientValue json.RawMessage
}

// detectConflicts compares an incoming client payload against the current
// server record. Only the table's declared conflict-sensitive fields are
// compared; everything else may diverge silently and is overwritten by apply.
//
// server == nil means the record is gone server-side, which is a
// record-level deleted_on_server conflict and suppresses all field-level
// comparison.
func detectConflicts(table *SyncTable, clientObj map[string]any, server *RecordState) []detectedConflict {
	if server == nil {
		clientJSON, _ := json.Marshal(clientObj)
		return []detectedConflict{{
			Kind:        ConflictDeletedOnServer,
			ClientValue: clientJSON,
		}}
	}

	var serverObj map[string]any
	if err := json.Unmarshal(server.Payload, &serverObj); err != nil {
		serverObj = map[string]any{}
	}

	var out []detectedConflict
	for _, field := range table.ConflictFields {
		clientVal, inClient := clientObj[field]
		if !inClient {
			continue // field not touched by the client
		}
		serverVal := serverObj[field]
		if reflect.DeepEqual(clientVal, serverVal) {
			continue
		}
		f := field
		sv, _ := json.Marshal(serverVal)
		cv, _ := json.Marshal(clientVal)
		out = append(out, detectedConflict{
			Field:       &f,
			Kind:        ConflictConcurrentUpdate,
			ServerValue: sv,
			ClientValue: cv,
		})
	}
	return out
}

// recordConflicts persists detected conflicts inside the apply transaction.
// Tables configured server_wins get their conflicts stored pre-resolved:
// rejecting the client value already is the server-wins outcome.
func (s *SyncService) recordConflicts(
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
		var (
			strategy      *string
			resolvedValue json.RawMessage
			resolvedBy    *string
			resolvedAt    *time.Time
		)
		if table.Resolution == ResolutionServerWins && dc.Kind == ConflictConcurrentUpdate {
			sw := ResolutionServerWins
			system := SourceSystem
			now := time.Now()
			strategy, resolvedValue, resolvedBy, resolvedAt = &sw, dc.ServerValue, &system, &now
		}

		_, err := q.Exec(ctx, `
			INSERT INTO survey.sync_conflict
				(id, session_id, table_name, record_id, field_name, kind,
				 server_value, client_value, strategy, resolved_value,
				 resolved_by, resolved_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			id, sessionID, table.Name, recordID, dc.Field, dc.Kind,
			dc.ServerValue, dc.ClientValue, strategy, resolvedValue,
			resolvedBy, resolvedAt)
		if err != nil {
			return nil, fmt.Errorf("record conflict on %s(%s): %w", table.Name, recordID, err)
		}

		details = append(details, ConflictDetail{
			ConflictID:  id.String(),
			Table:       table.Name,
			RecordID:    recordID.String(),
			Field:       dc.Field,
			Kind:        dc.Kind,
			ServerValue: dc.ServerValue,
			ClientValue: dc.ClientValue,
			Strategy:    strategy,
			Resolved:    resolvedAt != nil,
		})
	}
	return details, nil
}

// ListConflicts returns unresolved conflicts, optionally filtered by table.
func (s *SyncService) ListConflicts(ctx context.Context, table string, limit int) ([]SyncConflict, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, table_name, record_id, field_name, kind,
		       server_value, client_value, strategy, resolved_value,
		       resolved_by, resolved_at, created_at
		FROM survey.sync_conflict
		WHERE resolved_at IS NULL
		  AND ($1 = '' OR table_name = $1)
		ORDER BY created_at
		LIMIT $2`, table, limit)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []SyncConflict
	for rows.Next() {
		var c SyncConflict
		if err := rows.Scan(&c.ID, &c.SessionID, &c.TableName, &c.RecordID,
			&c.FieldName, &c.Kind, &c.ServerValue, &c.ClientValue, &c.Strategy,
			&c.ResolvedValue, &c.ResolvedBy, &c.ResolvedAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		out = append(out, c)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("list conflicts: %w", rows.Err())
	}
	return out, nil
}

// ResolveConflict applies a resolution strategy to a recorded conflict.
// Resolution is idempotent: resolving an already-resolved conflict is a
// no-op returning the prior result.
func (s *SyncService) ResolveConflict(
	ctx context.Context,
	conflictID uuid.UUID,
	strategy string,
	resolvedValue json.RawMessage,
	resolver Identity,
) (*SyncConflict, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	switch strategy {
	case ResolutionServerWins, ResolutionClientWins, ResolutionManual:
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrBadPayload, strategy)
	}

	var result *SyncConflict
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead}, func(tx pgx.Tx) error {
		var c SyncConflict
		err := tx.QueryRow(ctx, `
			SELECT id, session_id, table_name, record_id, field_name, kind,
			       server_value, client_value, strategy, resolved_value,
			       resolved_by, resolved_at, created_at
			FROM survey.sync_conflict
			WHERE id = $1
			FOR UPDATE`, conflictID,
		).Scan(&c.ID, &c.SessionID, &c.TableName, &c.RecordID, &c.FieldName,
			&c.Kind, &c.ServerValue, &c.ClientValue, &c.Strategy,
			&c.ResolvedValue, &c.ResolvedBy, &c.ResolvedAt, &c.CreatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("conflict %s not found: %w", conflictID, pgx.ErrNoRows)
			}
			return fmt.Errorf("load conflict %s: %w", conflictID, err)
		}

		if c.ResolvedAt != nil {
			result = &c
			return nil
		}

		table := s.Table(c.TableName)
		if err := authorize(resolver, ActionResolve, table, nil); err != nil {
			return err
		}

		var value json.RawMessage
		switch strategy {
		case ResolutionServerWins:
			// The client value was already rejected at detection time;
			// nothing to write back.
			value = c.ServerValue
		case ResolutionClientWins:
			value = c.ClientValue
		case ResolutionManual:
			if len(resolvedValue) == 0 {
				return fmt.Errorf("%w: manual resolution requires resolved_value", ErrBadPayload)
			}
			value = resolvedValue
		}

		if strategy != ResolutionServerWins {
			if err := s.applyResolvedValue(ctx, tx, table, &c, value, resolver); err != nil {
				return err
			}
		}

		now := time.Now()
		c.Strategy = &strategy
		c.ResolvedValue = value
		c.ResolvedBy = &resolver.ID
		c.ResolvedAt = &now
		_, err = tx.Exec(ctx, `
			UPDATE survey.sync_conflict
			SET strategy = $2, resolved_value = $3, resolved_by = $4, resolved_at = $5
			WHERE id = $1`,
			c.ID, strategy, value, resolver.ID, now)
		if err != nil {
			return fmt.Errorf("finalize conflict %s: %w", c.ID, err)
		}
		result = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applyResolvedValue writes a resolution back into the record store and the
// change trail. For field-level conflicts the single field is merged; for
// deleted_on_server conflicts resolved client-wins the record is recreated
// from the client snapshot.
func (s *SyncService) applyResolvedValue(
	ctx context.Context,
	tx pgx.Tx,
	table *SyncTable,
	c *SyncConflict,
	value json.RawMessage,
	resolver Identity,
) error {
	rec, err := s.recordForUpdate(ctx, tx, table.Name, c.RecordID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	actor := actorMeta{IdentityID: resolver.ID, Source: SourceSystem}

	if rec == nil {
		if c.FieldName != nil {
			// Field-level resolution against a record that has since been
			// deleted: the deletion wins, there is nothing to merge into.
			s.logger.Warn("Resolved conflict targets deleted record; skipping apply",
				"conflict_id", c.ID, "table", c.TableName, "record_id", c.RecordID)
			return nil
		}
		var obj map[string]any
		if err := json.Unmarshal(value, &obj); err != nil || obj == nil {
			return fmt.Errorf("%w: resolved value must be a JSON object", ErrBadPayload)
		}
		_, err := s.upsertRecordState(ctx, tx, table, c.RecordID, obj, 0, actor, OpCreate, nil)
		return err
	}

	var obj map[string]any
	if err := json.Unmarshal(rec.Payload, &obj); err != nil {
		return fmt.Errorf("decode record payload %s(%s): %w", c.TableName, c.RecordID, err)
	}
	diff := map[string]any{}
	if c.FieldName != nil {
		var fieldVal any
		if err := json.Unmarshal(value, &fieldVal); err != nil {
			return fmt.Errorf("%w: resolved value is not valid JSON", ErrBadPayload)
		}
		diff[*c.FieldName] = map[string]any{"old": obj[*c.FieldName], "new": fieldVal}
		obj[*c.FieldName] = fieldVal
	} else {
		if err := json.Unmarshal(value, &obj); err != nil || obj == nil {
			return fmt.Errorf("%w: resolved value must be a JSON object", ErrBadPayload)
		}
	}

	diffJSON, _ := json.Marshal(diff)
	_, err = s.upsertRecordState(ctx, tx, table, c.RecordID, obj, rec.Version, actor, OpUpdate, diffJSON)
	return err
}
