package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RegisterDevice records a device for the authenticated identity. Re-register
// is idempotent for the same owner; a device id already bound to a different
// identity is rejected, because the device id is the idempotency namespace
// for everything that device pushes.
func (s *SyncService) RegisterDevice(ctx context.Context, identity Identity, deviceID string) (*Device, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if deviceID == "" {
		return nil, fmt.Errorf("%w: device id required", ErrBadPayload)
	}

	var d Device
	err := s.pool.QueryRow(ctx, `
		INSERT INTO survey.device (id, identity_id, registered_at, last_server_seq, active)
		VALUES ($1, $2, now(), 0, TRUE)
		ON CONFLICT (id) DO UPDATE SET active = TRUE
		WHERE device.identity_id = EXCLUDED.identity_id
		RETURNING id, identity_id, registered_at, last_sync_at, last_server_seq, active`,
		deviceID, identity.ID,
	).Scan(&d.ID, &d.IdentityID, &d.RegisteredAt, &d.LastSyncAt, &d.LastServerSeq, &d.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: device %s belongs to another identity", ErrAccessDenied, deviceID)
		}
		return nil, fmt.Errorf("register device %s: %w", deviceID, err)
	}

	s.logger.Info("Registered device", "device_id", d.ID, "identity_id", d.IdentityID)
	return &d, nil
}

// DeactivateDevice revokes a device. Its history stays; new sessions and
// pushes are refused.
func (s *SyncService) DeactivateDevice(ctx context.Context, deviceID string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE survey.device SET active = FALSE WHERE id = $1`, deviceID)
	if err != nil {
		return fmt.Errorf("deactivate device %s: %w", deviceID, err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	s.logger.Info("Deactivated device", "device_id", deviceID)
	return nil
}

func (s *SyncService) deviceByID(ctx context.Context, deviceID string) (*Device, error) {
	var d Device
	err := s.pool.QueryRow(ctx, `
		SELECT id, identity_id, registered_at, last_sync_at, last_server_seq, active
		FROM survey.device
		WHERE id = $1`, deviceID,
	).Scan(&d.ID, &d.IdentityID, &d.RegisteredAt, &d.LastSyncAt, &d.LastServerSeq, &d.Active)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// BeginSession opens a sync session for the calling device and freezes its
// pull window: everything after the device checkpoint up to the current
// change watermark. A full session ignores the checkpoint and replays from
// zero, the recovery path for devices that lost local state.
func (s *SyncService) BeginSession(ctx context.Context, identity Identity, sessionType string) (*SyncSession, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if identity.DeviceID == "" {
		return nil, fmt.Errorf("%w: sessions require a device-bound token", ErrAccessDenied)
	}
	switch sessionType {
	case "":
		sessionType = SessionIncremental
	case SessionFull, SessionIncremental:
	default:
		return nil, fmt.Errorf("%w: unknown session type %q", ErrBadPayload, sessionType)
	}

	device, err := s.deviceByID(ctx, identity.DeviceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: device %s not registered", ErrAccessDenied, identity.DeviceID)
		}
		return nil, fmt.Errorf("load device %s: %w", identity.DeviceID, err)
	}
	if !device.Active {
		return nil, fmt.Errorf("%w: device %s", ErrDeviceInactive, device.ID)
	}
	if device.IdentityID != identity.ID {
		return nil, fmt.Errorf("%w: device %s belongs to another identity", ErrAccessDenied, device.ID)
	}

	until, err := s.currentWatermark(ctx)
	if err != nil {
		return nil, err
	}
	after := device.LastServerSeq
	if sessionType == SessionFull {
		after = 0
	}

	sess := &SyncSession{
		ID:          uuid.New(),
		DeviceID:    device.ID,
		IdentityID:  identity.ID,
		SessionType: sessionType,
		Status:      SessionActive,
		WindowAfter: after,
		WindowUntil: until,
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO survey.sync_session
			(id, device_id, identity_id, session_type, status,
			 window_after, window_until, started_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		RETURNING started_at, last_activity_at`,
		sess.ID, sess.DeviceID, sess.IdentityID, sess.SessionType, sess.Status,
		sess.WindowAfter, sess.WindowUntil,
	).Scan(&sess.StartedAt, &sess.LastActivityAt)
	if err != nil {
		return nil, fmt.Errorf("begin session for %s: %w", device.ID, err)
	}

	s.logger.Info("Began sync session",
		"session_id", sess.ID, "device_id", device.ID, "type", sessionType,
		"window_after", after, "window_until", until)
	return sess, nil
}

// activeSession loads a session and verifies it is active and belongs to the
// calling device.
func (s *SyncService) activeSession(ctx context.Context, q querier, sessionID uuid.UUID, identity Identity) (*SyncSession, error) {
	var sess SyncSession
	err := q.QueryRow(ctx, `
		SELECT id, device_id, identity_id, session_type, status,
		       window_after, window_until, started_at, ended_at,
		       last_activity_at, total_ops, applied_ops, failed_ops, conflict_ops
		FROM survey.sync_session
		WHERE id = $1`, sessionID,
	).Scan(&sess.ID, &sess.DeviceID, &sess.IdentityID, &sess.SessionType,
		&sess.Status, &sess.WindowAfter, &sess.WindowUntil, &sess.StartedAt,
		&sess.EndedAt, &sess.LastActivityAt, &sess.TotalOps, &sess.AppliedOps,
		&sess.FailedOps, &sess.ConflictOps)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: session %s not found", ErrSessionNotActive, sessionID)
		}
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if sess.Status != SessionActive {
		return nil, fmt.Errorf("%w: session %s is %s", ErrSessionNotActive, sessionID, sess.Status)
	}
	if sess.DeviceID != identity.DeviceID || sess.IdentityID != identity.ID {
		return nil, fmt.Errorf("%w: session %s belongs to another device", ErrAccessDenied, sessionID)
	}
	return &sess, nil
}

func (s *SyncService) touchSession(ctx context.Context, sessionID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE survey.sync_session
		SET last_activity_at = now()
		WHERE id = $1 AND status = $2`, sessionID, SessionActive)
	return err
}

// CompleteSession finalizes a session and advances the device checkpoint to
// the session's frozen window. The checkpoint moves only here: a session that
// dies mid-way leaves the checkpoint untouched, so the next session re-pulls
// the same window and nothing is lost.
func (s *SyncService) CompleteSession(ctx context.Context, identity Identity, sessionID uuid.UUID) (*SyncSession, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	var result *SyncSession
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		sess, err := s.activeSession(ctx, tx, sessionID, identity)
		if err != nil {
			return err
		}

		now := time.Now()
		tag, err := tx.Exec(ctx, `
			UPDATE survey.sync_session
			SET status = $2, ended_at = $3, last_activity_at = $3
			WHERE id = $1 AND status = $4`, sess.ID, SessionCompleted, now, SessionActive)
		if err != nil {
			return fmt.Errorf("complete session %s: %w", sess.ID, err)
		}
		if tag.RowsAffected() == 0 {
			// Lost a race against another complete or the idle sweeper.
			return fmt.Errorf("%w: session %s already ended", ErrSessionNotActive, sess.ID)
		}

		_, err = tx.Exec(ctx, `
			UPDATE survey.device
			SET last_server_seq = GREATEST(last_server_seq, $2), last_sync_at = $3
			WHERE id = $1`, sess.DeviceID, sess.WindowUntil, now)
		if err != nil {
			return fmt.Errorf("advance checkpoint for %s: %w", sess.DeviceID, err)
		}

		sess.Status = SessionCompleted
		sess.EndedAt = &now
		result = sess
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Completed sync session",
		"session_id", result.ID, "device_id", result.DeviceID,
		"new_checkpoint", result.WindowUntil,
		"total_ops", result.TotalOps, "applied_ops", result.AppliedOps,
		"failed_ops", result.FailedOps, "conflict_ops", result.ConflictOps)
	return result, nil
}

// FailSession marks a session failed without advancing the checkpoint.
func (s *SyncService) FailSession(ctx context.Context, identity Identity, sessionID uuid.UUID) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	sess, err := s.activeSession(ctx, s.pool, sessionID, identity)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE survey.sync_session
		SET status = $2, ended_at = now(), last_activity_at = now()
		WHERE id = $1 AND status = $3`, sess.ID, SessionFailed, SessionActive)
	if err != nil {
		return fmt.Errorf("fail session %s: %w", sess.ID, err)
	}
	s.logger.Info("Failed sync session", "session_id", sess.ID, "device_id", sess.DeviceID)
	return nil
}

// SweepIdleSessions fails sessions idle past the configured timeout. Devices
// that went dark mid-session keep their old checkpoint and simply start over.
func (s *SyncService) SweepIdleSessions(ctx context.Context) (int64, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-s.config.SessionIdleTimeout)
	tag, err := s.pool.Exec(ctx, `
		UPDATE survey.sync_session
		SET status = $1, ended_at = now()
		WHERE status = $2 AND last_activity_at < $3`,
		SessionFailed, SessionActive, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep idle sessions: %w", err)
	}
	swept := tag.RowsAffected()
	if swept > 0 {
		s.logger.Info("Swept idle sessions", "count", swept, "idle_timeout", s.config.SessionIdleTimeout)
	}
	return swept, nil
}
