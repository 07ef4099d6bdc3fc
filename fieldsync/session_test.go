package fieldsync

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func newMockService(t *testing.T, tables ...SyncTable) (pgxmock.PgxPoolIface, *SyncService) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	if len(tables) == 0 {
		tables = []SyncTable{*surveyTable()}
	}
	svc, err := NewSyncService(mock, &ServiceConfig{Tables: tables}, slog.Default())
	require.NoError(t, err)
	return mock, svc
}

func deviceRow(identityID string, lastSeq int64, active bool) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "identity_id", "registered_at", "last_sync_at", "last_server_seq", "active",
	}).AddRow("dev-1", identityID, time.Now(), nil, lastSeq, active)
}

func TestRegisterDevice(t *testing.T) {
	mock, svc := newMockService(t)

	mock.ExpectQuery(`INSERT INTO survey\.device`).
		WithArgs("dev-1", "u1").
		WillReturnRows(deviceRow("u1", 0, true))

	d, err := svc.RegisterDevice(context.Background(), Identity{ID: "u1", Role: RoleSurveyor}, "dev-1")
	require.NoError(t, err)
	require.Equal(t, "dev-1", d.ID)
	require.Equal(t, "u1", d.IdentityID)
	require.True(t, d.Active)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterDevice_BoundToAnotherIdentity(t *testing.T) {
	mock, svc := newMockService(t)

	// The conditional upsert returns no row when the device id belongs to a
	// different identity.
	mock.ExpectQuery(`INSERT INTO survey\.device`).
		WithArgs("dev-1", "u2").
		WillReturnError(pgx.ErrNoRows)

	_, err := svc.RegisterDevice(context.Background(), Identity{ID: "u2", Role: RoleSurveyor}, "dev-1")
	require.ErrorIs(t, err, ErrAccessDenied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterDevice_RequiresDeviceID(t *testing.T) {
	_, svc := newMockService(t)
	_, err := svc.RegisterDevice(context.Background(), Identity{ID: "u1"}, "")
	require.ErrorIs(t, err, ErrBadPayload)
}

func TestDeactivateDevice(t *testing.T) {
	mock, svc := newMockService(t)

	mock.ExpectExec(`UPDATE survey\.device SET active = FALSE`).
		WithArgs("dev-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, svc.DeactivateDevice(context.Background(), "dev-1"))

	mock.ExpectExec(`UPDATE survey\.device SET active = FALSE`).
		WithArgs("dev-9").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, svc.DeactivateDevice(context.Background(), "dev-9"), pgx.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginSession_RequiresDeviceToken(t *testing.T) {
	_, svc := newMockService(t)
	_, err := svc.BeginSession(context.Background(), Identity{ID: "u1", Role: RoleSurveyor}, SessionIncremental)
	require.ErrorIs(t, err, ErrAccessDenied)
}

func TestBeginSession_InactiveDevice(t *testing.T) {
	mock, svc := newMockService(t)

	mock.ExpectQuery(`SELECT id, identity_id, registered_at`).
		WithArgs("dev-1").
		WillReturnRows(deviceRow("u1", 42, false))

	identity := Identity{ID: "u1", Role: RoleSurveyor, DeviceID: "dev-1"}
	_, err := svc.BeginSession(context.Background(), identity, SessionIncremental)
	require.ErrorIs(t, err, ErrDeviceInactive)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginSession_DeviceOwnedByOther(t *testing.T) {
	mock, svc := newMockService(t)

	mock.ExpectQuery(`SELECT id, identity_id, registered_at`).
		WithArgs("dev-1").
		WillReturnRows(deviceRow("someone-else", 42, true))

	identity := Identity{ID: "u1", Role: RoleSurveyor, DeviceID: "dev-1"}
	_, err := svc.BeginSession(context.Background(), identity, SessionIncremental)
	require.ErrorIs(t, err, ErrAccessDenied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginSession_FreezesWindow(t *testing.T) {
	mock, svc := newMockService(t)

	mock.ExpectQuery(`SELECT id, identity_id, registered_at`).
		WithArgs("dev-1").
		WillReturnRows(deviceRow("u1", 42, true))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(id\), 0\) FROM survey\.change_log`).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(int64(100)))
	mock.ExpectQuery(`INSERT INTO survey\.sync_session`).
		WithArgs(pgxmock.AnyArg(), "dev-1", "u1", SessionIncremental, SessionActive,
			int64(42), int64(100)).
		WillReturnRows(pgxmock.NewRows([]string{"started_at", "last_activity_at"}).
			AddRow(time.Now(), time.Now()))

	identity := Identity{ID: "u1", Role: RoleSurveyor, DeviceID: "dev-1"}
	sess, err := svc.BeginSession(context.Background(), identity, "")
	require.NoError(t, err)
	require.Equal(t, SessionIncremental, sess.SessionType, "empty type defaults to incremental")
	require.Equal(t, int64(42), sess.WindowAfter, "window starts at the device checkpoint")
	require.Equal(t, int64(100), sess.WindowUntil, "window frozen at the current watermark")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginSession_FullReplaysFromZero(t *testing.T) {
	mock, svc := newMockService(t)

	mock.ExpectQuery(`SELECT id, identity_id, registered_at`).
		WithArgs("dev-1").
		WillReturnRows(deviceRow("u1", 42, true))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(id\), 0\) FROM survey\.change_log`).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(int64(100)))
	mock.ExpectQuery(`INSERT INTO survey\.sync_session`).
		WithArgs(pgxmock.AnyArg(), "dev-1", "u1", SessionFull, SessionActive,
			int64(0), int64(100)).
		WillReturnRows(pgxmock.NewRows([]string{"started_at", "last_activity_at"}).
			AddRow(time.Now(), time.Now()))

	identity := Identity{ID: "u1", Role: RoleSurveyor, DeviceID: "dev-1"}
	sess, err := svc.BeginSession(context.Background(), identity, SessionFull)
	require.NoError(t, err)
	require.Equal(t, int64(0), sess.WindowAfter)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginSession_UnknownType(t *testing.T) {
	_, svc := newMockService(t)
	identity := Identity{ID: "u1", Role: RoleSurveyor, DeviceID: "dev-1"}
	_, err := svc.BeginSession(context.Background(), identity, "snapshot")
	require.ErrorIs(t, err, ErrBadPayload)
}

func sessionRow(sess *SyncSession) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "device_id", "identity_id", "session_type", "status",
		"window_after", "window_until", "started_at", "ended_at",
		"last_activity_at", "total_ops", "applied_ops", "failed_ops", "conflict_ops",
	}).AddRow(sess.ID, sess.DeviceID, sess.IdentityID, sess.SessionType, sess.Status,
		sess.WindowAfter, sess.WindowUntil, sess.StartedAt, sess.EndedAt,
		sess.LastActivityAt, sess.TotalOps, sess.AppliedOps, sess.FailedOps, sess.ConflictOps)
}

func TestCompleteSession_AdvancesCheckpoint(t *testing.T) {
	mock, svc := newMockService(t)

	sess := &SyncSession{
		ID: uuid.New(), DeviceID: "dev-1", IdentityID: "u1",
		SessionType: SessionIncremental, Status: SessionActive,
		WindowAfter: 42, WindowUntil: 100,
		StartedAt: time.Now(), LastActivityAt: time.Now(),
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, device_id, identity_id, session_type`).
		WithArgs(sess.ID).
		WillReturnRows(sessionRow(sess))
	mock.ExpectExec(`UPDATE survey\.sync_session`).
		WithArgs(sess.ID, SessionCompleted, pgxmock.AnyArg(), SessionActive).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE survey\.device`).
		WithArgs("dev-1", int64(100), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback() // BeginTxFunc's deferred rollback after commit

	identity := Identity{ID: "u1", Role: RoleSurveyor, DeviceID: "dev-1"}
	done, err := svc.CompleteSession(context.Background(), identity, sess.ID)
	require.NoError(t, err)
	require.Equal(t, SessionCompleted, done.Status)
	require.NotNil(t, done.EndedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteSession_RejectsForeignSession(t *testing.T) {
	mock, svc := newMockService(t)

	sess := &SyncSession{
		ID: uuid.New(), DeviceID: "dev-other", IdentityID: "u2",
		SessionType: SessionIncremental, Status: SessionActive,
		StartedAt: time.Now(), LastActivityAt: time.Now(),
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, device_id, identity_id, session_type`).
		WithArgs(sess.ID).
		WillReturnRows(sessionRow(sess))
	mock.ExpectRollback() // explicit rollback on the error path
	mock.ExpectRollback() // BeginTxFunc's deferred rollback

	identity := Identity{ID: "u1", Role: RoleSurveyor, DeviceID: "dev-1"}
	_, err := svc.CompleteSession(context.Background(), identity, sess.ID)
	require.ErrorIs(t, err, ErrAccessDenied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteSession_AlreadyEnded(t *testing.T) {
	mock, svc := newMockService(t)

	sess := &SyncSession{
		ID: uuid.New(), DeviceID: "dev-1", IdentityID: "u1",
		SessionType: SessionIncremental, Status: SessionCompleted,
		StartedAt: time.Now(), LastActivityAt: time.Now(),
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, device_id, identity_id, session_type`).
		WithArgs(sess.ID).
		WillReturnRows(sessionRow(sess))
	mock.ExpectRollback() // explicit rollback on the error path
	mock.ExpectRollback() // BeginTxFunc's deferred rollback

	identity := Identity{ID: "u1", Role: RoleSurveyor, DeviceID: "dev-1"}
	_, err := svc.CompleteSession(context.Background(), identity, sess.ID)
	require.ErrorIs(t, err, ErrSessionNotActive)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteSession_LosesRaceToSweeper(t *testing.T) {
	mock, svc := newMockService(t)

	sess := &SyncSession{
		ID: uuid.New(), DeviceID: "dev-1", IdentityID: "u1",
		SessionType: SessionIncremental, Status: SessionActive,
		WindowAfter: 42, WindowUntil: 100,
		StartedAt: time.Now(), LastActivityAt: time.Now(),
	}

	// The session reads as active, but the sweeper ends it before the guarded
	// UPDATE lands; zero rows affected must not advance the checkpoint.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, device_id, identity_id, session_type`).
		WithArgs(sess.ID).
		WillReturnRows(sessionRow(sess))
	mock.ExpectExec(`UPDATE survey\.sync_session`).
		WithArgs(sess.ID, SessionCompleted, pgxmock.AnyArg(), SessionActive).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()
	mock.ExpectRollback()

	identity := Identity{ID: "u1", Role: RoleSurveyor, DeviceID: "dev-1"}
	_, err := svc.CompleteSession(context.Background(), identity, sess.ID)
	require.ErrorIs(t, err, ErrSessionNotActive)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepIdleSessions(t *testing.T) {
	mock, svc := newMockService(t)

	mock.ExpectExec(`UPDATE survey\.sync_session`).
		WithArgs(SessionFailed, SessionActive, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	swept, err := svc.SweepIdleSessions(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(3), swept)
	require.NoError(t, mock.ExpectationsWereMet())
}
