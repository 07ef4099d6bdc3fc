package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ProcessPush applies an ordered batch of queued device operations. Every
// operation reaches a terminal status in the response; a transport error is
// returned only when the batch as a whole could not be accepted (bad session,
// oversize batch, scope resolution failure).
//
// Each operation runs in its own transaction: the idempotency gate insert,
// the record mutation, the change entry and the stored outcome commit
// together or not at all. A resubmitted (device_id, idempotency_key) replays
// the stored outcome without touching any record.
func (s *SyncService) ProcessPush(ctx context.Context, identity Identity, req *PushRequest) (*PushResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if identity.DeviceID == "" {
		return nil, fmt.Errorf("%w: push requires a device-bound token", ErrAccessDenied)
	}
	if s.config.MaxPushBatchSize > 0 && len(req.Operations) > s.config.MaxPushBatchSize {
		return nil, fmt.Errorf("%w: batch of %d exceeds limit %d",
			ErrBadPayload, len(req.Operations), s.config.MaxPushBatchSize)
	}
	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid session id %q", ErrBadPayload, req.SessionID)
	}

	totalStart := s.stageStart()

	session, err := s.activeSession(ctx, s.pool, sessionID, identity)
	if err != nil {
		return nil, err
	}

	scope, err := s.scopeIfNeeded(ctx, identity, req.Operations)
	if err != nil {
		return nil, err
	}

	resp := &PushResponse{
		SessionID: req.SessionID,
		Statuses:  make([]OperationStatus, 0, len(req.Operations)),
	}
	var applied, failed, conflicted int

	for i := range req.Operations {
		op := &req.Operations[i]
		st := s.processOne(ctx, identity, scope, session, op)
		resp.Statuses = append(resp.Statuses, st)
		switch st.Status {
		case StSynced:
			applied++
		case StConflicted:
			conflicted++
		default:
			failed++
		}
	}

	if err := s.accumulateSessionCounters(ctx, session.ID, len(req.Operations), applied, failed, conflicted); err != nil {
		s.logger.Warn("Failed to update session counters",
			"session_id", session.ID, "error", err)
	}

	s.observeStage(ctx, MetricsOpPush, MetricsStageTotal, totalStart, len(req.Operations), 1, failed > 0)
	s.logger.Info("Processed push batch",
		"session_id", session.ID, "device_id", identity.DeviceID,
		"total", len(req.Operations), "applied", applied,
		"conflicted", conflicted, "failed", failed)

	return resp, nil
}

// processOne takes a single operation to its terminal status.
func (s *SyncService) processOne(
	ctx context.Context,
	identity Identity,
	scope *ResolvedScope,
	session *SyncSession,
	op *OperationUpload,
) OperationStatus {
	validateStart := s.stageStart()
	table := s.Table(op.Table)
	if err := s.validateOperation(op, table); err != nil {
		s.observeStage(ctx, MetricsOpPush, MetricsStagePushValidate, validateStart, 1, 1, true)
		reason := ReasonBadPayload
		if errors.Is(err, ErrUnregisteredTable) {
			reason = ReasonUnregisteredTable
		}
		return statusFailed(op.IdempotencyKey, reason, err)
	}
	if err := authorize(identity, ActionWrite, table, scope); err != nil {
		s.observeStage(ctx, MetricsOpPush, MetricsStagePushValidate, validateStart, 1, 1, true)
		return statusFailed(op.IdempotencyKey, ReasonAccessDenied, err)
	}
	s.observeStage(ctx, MetricsOpPush, MetricsStagePushValidate, validateStart, 1, 1, false)

	deviceID := identity.DeviceID
	actor := actorMeta{
		IdentityID:     identity.ID,
		Source:         SourceMobile,
		DeviceID:       &deviceID,
		SessionID:      &session.ID,
		IdempotencyKey: &op.IdempotencyKey,
	}

	applyStart := s.stageStart()
	var st OperationStatus
	err := withRetry(ctx, s.config.MaxApplyAttempts, func(attempt int) error {
		return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
			gated, replay, err := s.gateOperation(ctx, tx, identity, session, op)
			if err != nil {
				return err
			}
			if gated {
				st = replay
				return nil
			}

			switch op.OpType {
			case OpCreate:
				st, err = s.applyCreate(ctx, tx, identity, scope, table, op, actor)
			case OpUpdate:
				st, err = s.applyUpdate(ctx, tx, identity, scope, table, op, actor)
			case OpDelete:
				st, err = s.applyDelete(ctx, tx, identity, scope, table, op, actor)
			}
			if err != nil {
				return err
			}
			return s.storeOutcome(ctx, tx, identity.DeviceID, op.IdempotencyKey, st, attempt-1)
		})
	})
	if err != nil {
		s.observeStage(ctx, MetricsOpPush, MetricsStagePushApply, applyStart, 1, s.config.MaxApplyAttempts, true)
		s.logger.Error("Operation apply failed",
			"device_id", identity.DeviceID, "idempotency_key", op.IdempotencyKey,
			"table", op.Table, "op", op.OpType, "error", err)
		if isRetryablePGTxError(err) {
			// Nothing was committed; the client may resubmit the same key.
			return statusFailed(op.IdempotencyKey, ReasonTransientStore, err)
		}
		return statusFailed(op.IdempotencyKey, ReasonInternalError, err)
	}
	s.observeStage(ctx, MetricsOpPush, MetricsStagePushApply, applyStart, 1, 1, false)
	return st
}

// gateOperation runs the insert-first idempotency gate. A fresh key inserts a
// pending row and returns gated=false; a known key loads the stored outcome
// for verbatim replay.
func (s *SyncService) gateOperation(
	ctx context.Context,
	q querier,
	identity Identity,
	session *SyncSession,
	op *OperationUpload,
) (gated bool, replay OperationStatus, err error) {
	gateStart := s.stageStart()
	defer func() {
		s.observeStage(ctx, MetricsOpPush, MetricsStagePushGate, gateStart, 1, 1, err != nil)
	}()

	var id uuid.UUID
	err = q.QueryRow(ctx, `
		INSERT INTO survey.offline_operation
			(id, device_id, identity_id, op_type, table_name, record_id,
			 payload, idempotency_key, base_version, client_ts, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (device_id, idempotency_key) DO NOTHING
		RETURNING id`,
		uuid.New(), identity.DeviceID, identity.ID, op.OpType, op.Table,
		op.RecordID, op.Payload, op.IdempotencyKey, op.BaseVersion,
		op.ClientTS, StPending,
	).Scan(&id)
	if err == nil {
		return false, OperationStatus{}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, OperationStatus{}, fmt.Errorf("gate operation %s/%s: %w",
			identity.DeviceID, op.IdempotencyKey, err)
	}

	// Known key: replay the committed outcome. The gate row and its outcome
	// commit together, so a visible row always carries one.
	var outcome json.RawMessage
	err = q.QueryRow(ctx, `
		SELECT outcome
		FROM survey.offline_operation
		WHERE device_id = $1 AND idempotency_key = $2`,
		identity.DeviceID, op.IdempotencyKey,
	).Scan(&outcome)
	if err != nil {
		return false, OperationStatus{}, fmt.Errorf("load gated outcome %s/%s: %w",
			identity.DeviceID, op.IdempotencyKey, err)
	}
	var st OperationStatus
	if err := json.Unmarshal(outcome, &st); err != nil {
		return false, OperationStatus{}, fmt.Errorf("decode gated outcome %s/%s: %w",
			identity.DeviceID, op.IdempotencyKey, err)
	}
	s.logger.Debug("Replayed idempotent operation",
		"device_id", identity.DeviceID, "idempotency_key", op.IdempotencyKey,
		"status", st.Status)
	return true, st, nil
}

// storeOutcome finalizes the gate row with the terminal status, making the
// outcome what any future resubmission of this key receives. retries is how
// many extra transaction attempts the apply needed.
func (s *SyncService) storeOutcome(ctx context.Context, q querier, deviceID, key string, st OperationStatus, retries int) error {
	outcome, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode outcome %s/%s: %w", deviceID, key, err)
	}
	var lastError *string
	if st.Message != "" {
		lastError = &st.Message
	}
	_, err = q.Exec(ctx, `
		UPDATE survey.offline_operation
		SET status = $3, outcome = $4, last_error = $5, retry_count = $6
		WHERE device_id = $1 AND idempotency_key = $2`,
		deviceID, key, st.Status, outcome, lastError, retries)
	if err != nil {
		return fmt.Errorf("store outcome %s/%s: %w", deviceID, key, err)
	}
	return nil
}

// scopeIfNeeded resolves the caller's geographic scope once per batch, and
// only when some operation targets a geo-scoped table. Resolution failure
// fails the batch closed.
func (s *SyncService) scopeIfNeeded(ctx context.Context, identity Identity, ops []OperationUpload) (*ResolvedScope, error) {
	scopeStart := s.stageStart()
	for i := range ops {
		if t := s.Table(ops[i].Table); t != nil && t.GeoScoped {
			scope, err := s.ResolveScope(ctx, identity.ID)
			s.observeStage(ctx, MetricsOpPush, MetricsStageScope, scopeStart, 1, 1, err != nil)
			if err != nil {
				return nil, fmt.Errorf("%w: scope resolution failed: %v", ErrAccessDenied, err)
			}
			return scope, nil
		}
	}
	return nil, nil
}

// accumulateSessionCounters adds a processed batch to the session totals and
// bumps its activity timestamp.
func (s *SyncService) accumulateSessionCounters(ctx context.Context, sessionID uuid.UUID, total, applied, failed, conflicted int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE survey.sync_session
		SET total_ops = total_ops + $2,
		    applied_ops = applied_ops + $3,
		    failed_ops = failed_ops + $4,
		    conflict_ops = conflict_ops + $5,
		    last_activity_at = $6
		WHERE id = $1 AND status = $7`,
		sessionID, total, applied, failed, conflicted, time.Now(), SessionActive)
	return err
}
