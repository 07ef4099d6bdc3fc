package fieldsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PullRequest parameters for one differential pull page.
type PullRequest struct {
	SessionID string
	After     int64 // page cursor; 0 = start of the session window
	Limit     int
}

const defaultPullLimit = 500

// ProcessPull returns one page of the changes a device has not seen, bounded
// by the session's frozen window. Writes landing after the session began are
// excluded and picked up by the next session, so a device can page through a
// stable snapshot while the server keeps accepting writes.
//
// Per table the page carries full record snapshots and tombstone delete
// instructions, both filtered by the caller's resolved geographic scope.
// Out-of-scope rows are silently absent; tables the caller may not read at
// all are marked denied.
func (s *SyncService) ProcessPull(ctx context.Context, identity Identity, req *PullRequest) (*PullResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if identity.DeviceID == "" {
		return nil, fmt.Errorf("%w: pull requires a device-bound token", ErrAccessDenied)
	}
	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid session id %q", ErrBadPayload, req.SessionID)
	}
	limit := req.Limit
	if limit <= 0 || limit > 1000 {
		limit = defaultPullLimit
	}

	totalStart := s.stageStart()

	session, err := s.activeSession(ctx, s.pool, sessionID, identity)
	if err != nil {
		return nil, err
	}
	after := session.WindowAfter
	if req.After > after {
		after = req.After
	}

	scope, readable, err := s.readAccess(ctx, identity)
	if err != nil {
		return nil, err
	}

	fetchStart := s.stageStart()
	rows, err := s.pool.Query(ctx, `
		WITH latest AS (
			SELECT DISTINCT ON (table_name, record_id)
			       id, table_name, record_id, op, governorate_id, district_id,
			       sub_district_id, neighborhood_id, assigned_to, ts
			FROM survey.change_log
			WHERE id > $1 AND id <= $2
			ORDER BY table_name, record_id, id DESC
		)
		SELECT l.id, l.table_name, l.record_id, l.op, l.ts,
		       l.governorate_id, l.district_id, l.sub_district_id,
		       l.neighborhood_id, l.assigned_to,
		       r.payload, r.version, r.change_version
		FROM latest l
		LEFT JOIN survey.record_state r
		  ON r.table_name = l.table_name AND r.record_id = l.record_id
		WHERE l.id > $3
		ORDER BY l.id
		LIMIT $4`,
		session.WindowAfter, session.WindowUntil, after, limit)
	if err != nil {
		s.observeStage(ctx, MetricsOpPull, MetricsStagePullRecords, fetchStart, 0, 1, true)
		return nil, fmt.Errorf("fetch pull page: %w", err)
	}
	defer rows.Close()

	tables := map[string]*TablePull{}
	order := []string{}
	bucket := func(name string) *TablePull {
		if tp, ok := tables[name]; ok {
			return tp
		}
		tp := &TablePull{Table: name}
		tables[name] = tp
		order = append(order, name)
		return tp
	}

	var (
		scanned          int
		nextAfter        = after
		deletedChangeIDs []int64
	)
	for rows.Next() {
		var (
			changeID                int64
			tableName, op           string
			recordID                uuid.UUID
			ts                      time.Time
			gov, dist, sub, neigh   *uuid.UUID
			assigned                *string
			payload                 json.RawMessage
			version                 *int64
			changeVersion           *string
		)
		if err := rows.Scan(&changeID, &tableName, &recordID, &op, &ts,
			&gov, &dist, &sub, &neigh, &assigned,
			&payload, &version, &changeVersion); err != nil {
			return nil, fmt.Errorf("scan pull row: %w", err)
		}
		scanned++
		nextAfter = changeID

		table := s.Table(tableName)
		if table == nil {
			continue // table was unregistered after the change landed
		}
		if !readable[tableName] {
			bucket(tableName).Denied = true
			continue
		}
		if !s.rowVisible(identity, table, scope, gov, dist, sub, neigh, assigned) {
			continue
		}

		tp := bucket(tableName)
		if op == OpDelete || payload == nil {
			tp.Tombstones = append(tp.Tombstones, PulledDelete{
				ChangeID:  changeID,
				RecordID:  recordID.String(),
				DeletedAt: ts,
			})
			deletedChangeIDs = append(deletedChangeIDs, changeID)
			continue
		}
		tp.Records = append(tp.Records, PulledRecord{
			ChangeID:      changeID,
			RecordID:      recordID.String(),
			Payload:       payload,
			Version:       *version,
			ChangeVersion: *changeVersion,
			ChangedAt:     ts,
		})
	}
	if rows.Err() != nil {
		s.observeStage(ctx, MetricsOpPull, MetricsStagePullRecords, fetchStart, scanned, 1, true)
		return nil, fmt.Errorf("fetch pull page: %w", rows.Err())
	}
	s.observeStage(ctx, MetricsOpPull, MetricsStagePullRecords, fetchStart, scanned, 1, false)

	tombStart := s.stageStart()
	s.markTombstonesPropagated(ctx, deletedChangeIDs)
	s.observeStage(ctx, MetricsOpPull, MetricsStagePullTombstones, tombStart, len(deletedChangeIDs), 1, false)

	if err := s.touchSession(ctx, session.ID); err != nil {
		s.logger.Warn("Failed to touch session", "session_id", session.ID, "error", err)
	}

	resp := &PullResponse{
		Tables:     make([]TablePull, 0, len(order)),
		HasMore:    scanned == limit,
		NextAfter:  nextAfter,
		Window:     session.WindowUntil,
		Checkpoint: time.Now().UTC(),
	}
	for _, name := range order {
		resp.Tables = append(resp.Tables, *tables[name])
	}

	s.observeStage(ctx, MetricsOpPull, MetricsStageTotal, totalStart, scanned, 1, false)
	s.logger.Debug("Served pull page",
		"session_id", session.ID, "device_id", identity.DeviceID,
		"after", after, "until", session.WindowUntil,
		"scanned", scanned, "has_more", resp.HasMore)

	return resp, nil
}

// readAccess resolves the caller's scope once and precomputes table-level
// read access for every registered table.
func (s *SyncService) readAccess(ctx context.Context, identity Identity) (*ResolvedScope, map[string]bool, error) {
	scopeStart := s.stageStart()
	var (
		scope *ResolvedScope
		err   error
	)
	for _, t := range s.tables {
		if t.GeoScoped {
			scope, err = s.ResolveScope(ctx, identity.ID)
			break
		}
	}
	s.observeStage(ctx, MetricsOpPull, MetricsStageScope, scopeStart, 1, 1, err != nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: scope resolution failed: %v", ErrAccessDenied, err)
	}

	readable := make(map[string]bool, len(s.tables))
	for name, t := range s.tables {
		readable[name] = authorize(identity, ActionRead, t, scope) == nil
	}
	return scope, readable, nil
}

// rowVisible applies per-row scope filtering to one change row using the tags
// recorded on the change itself.
func (s *SyncService) rowVisible(
	identity Identity,
	table *SyncTable,
	scope *ResolvedScope,
	gov, dist, sub, neigh *uuid.UUID,
	assigned *string,
) bool {
	if table.GeoScoped {
		return scope.Covers(gov, dist, sub, neigh)
	}
	if table.AssignedToField != "" && !rowBypass(identity) {
		return assigned != nil && *assigned == identity.ID
	}
	return true
}
