package fieldsync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func anyArgs(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = pgxmock.AnyArg()
	}
	return out
}

func inspectionTable(resolution string) SyncTable {
	return SyncTable{
		Name:           "inspection_note",
		AllowRoles:     []string{RoleSurveyor},
		ConflictFields: []string{"status"},
		Resolution:     resolution,
	}
}

func changeEntryRow() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "ts"}).AddRow(int64(101), time.Now())
}

func expectFinishWrite(mock pgxmock.PgxPoolIface) {
	mock.ExpectQuery(`INSERT INTO survey\.change_log`).
		WithArgs(anyArgs(16)...).
		WillReturnRows(changeEntryRow())
	mock.ExpectExec(`INSERT INTO survey\.record_state`).
		WithArgs(anyArgs(11)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
}

func TestWriteRecord_Create(t *testing.T) {
	mock, svc := newMockService(t, noteTable())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT table_name, record_id, payload`).
		WithArgs("field_note", pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	expectFinishWrite(mock)
	mock.ExpectCommit()
	mock.ExpectRollback()

	st, err := svc.WriteRecord(context.Background(),
		Identity{ID: "u1", Role: RoleSurveyor},
		&OperationUpload{
			OpType: OpCreate, Table: "field_note",
			Payload: json.RawMessage(`{"note":"observed cracks"}`),
		})
	require.NoError(t, err)
	require.Equal(t, StSynced, st.Status)
	require.NotNil(t, st.NewVersion)
	require.Equal(t, int64(1), *st.NewVersion)
	_, err = uuid.Parse(st.RecordID)
	require.NoError(t, err, "record id minted server-side")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteRecord_UpdateFastPath(t *testing.T) {
	mock, svc := newMockService(t, inspectionTable(""))
	recordID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT table_name, record_id, payload`).
		WithArgs("inspection_note", recordID).
		WillReturnRows(recordStateCols().
			AddRow("inspection_note", recordID, json.RawMessage(`{"status":"open","note":"a"}`),
				int64(2), "2026-1767225600000-000002",
				nil, nil, nil, nil, nil, "u1", time.Now(), time.Now()))
	expectFinishWrite(mock)
	mock.ExpectCommit()
	mock.ExpectRollback()

	st, err := svc.WriteRecord(context.Background(),
		Identity{ID: "u1", Role: RoleSurveyor},
		&OperationUpload{
			OpType: OpUpdate, Table: "inspection_note",
			RecordID: recordID.String(), BaseVersion: 2,
			Payload: json.RawMessage(`{"status":"closed"}`),
		})
	require.NoError(t, err)
	require.Equal(t, StSynced, st.Status, "matching base version applies without arbitration")
	require.Equal(t, int64(3), *st.NewVersion)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteRecord_StaleUpdateManualConflict(t *testing.T) {
	mock, svc := newMockService(t, inspectionTable(ResolutionManual))
	recordID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT table_name, record_id, payload`).
		WithArgs("inspection_note", recordID).
		WillReturnRows(recordStateCols().
			AddRow("inspection_note", recordID, json.RawMessage(`{"status":"approved"}`),
				int64(5), "2026-1767225600000-000005",
				nil, nil, nil, nil, nil, "u1", time.Now(), time.Now()))
	mock.ExpectExec(`INSERT INTO survey\.sync_conflict`).
		WithArgs(anyArgs(12)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	st, err := svc.WriteRecord(context.Background(),
		Identity{ID: "u1", Role: RoleSurveyor},
		&OperationUpload{
			OpType: OpUpdate, Table: "inspection_note",
			RecordID: recordID.String(), BaseVersion: 3,
			Payload: json.RawMessage(`{"status":"rejected"}`),
		})
	require.NoError(t, err)
	require.Equal(t, StConflicted, st.Status)
	require.Len(t, st.Conflicts, 1)
	require.Equal(t, "status", *st.Conflicts[0].Field)
	require.Equal(t, ConflictConcurrentUpdate, st.Conflicts[0].Kind)
	require.JSONEq(t, `"approved"`, string(st.Conflicts[0].ServerValue))
	require.JSONEq(t, `"rejected"`, string(st.Conflicts[0].ClientValue))
	require.False(t, st.Conflicts[0].Resolved)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteRecord_StaleUpdateNoSensitiveDivergence(t *testing.T) {
	mock, svc := newMockService(t, inspectionTable(""))
	recordID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT table_name, record_id, payload`).
		WithArgs("inspection_note", recordID).
		WillReturnRows(recordStateCols().
			AddRow("inspection_note", recordID, json.RawMessage(`{"status":"open","note":"a"}`),
				int64(4), "2026-1767225600000-000004",
				nil, nil, nil, nil, nil, "u1", time.Now(), time.Now()))
	expectFinishWrite(mock)
	mock.ExpectCommit()
	mock.ExpectRollback()

	st, err := svc.WriteRecord(context.Background(),
		Identity{ID: "u1", Role: RoleSurveyor},
		&OperationUpload{
			OpType: OpUpdate, Table: "inspection_note",
			RecordID: recordID.String(), BaseVersion: 1,
			Payload: json.RawMessage(`{"note":"b"}`),
		})
	require.NoError(t, err)
	require.Equal(t, StSynced, st.Status, "stale base without sensitive divergence is last-write-wins")
	require.Equal(t, int64(5), *st.NewVersion)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteRecord_StaleUpdateServerWins(t *testing.T) {
	mock, svc := newMockService(t, inspectionTable(ResolutionServerWins))
	recordID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT table_name, record_id, payload`).
		WithArgs("inspection_note", recordID).
		WillReturnRows(recordStateCols().
			AddRow("inspection_note", recordID, json.RawMessage(`{"status":"approved"}`),
				int64(5), "2026-1767225600000-000005",
				nil, nil, nil, nil, nil, "u1", time.Now(), time.Now()))
	mock.ExpectExec(`INSERT INTO survey\.sync_conflict`).
		WithArgs(anyArgs(12)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	expectFinishWrite(mock)
	mock.ExpectCommit()
	mock.ExpectRollback()

	st, err := svc.WriteRecord(context.Background(),
		Identity{ID: "u1", Role: RoleSurveyor},
		&OperationUpload{
			OpType: OpUpdate, Table: "inspection_note",
			RecordID: recordID.String(), BaseVersion: 3,
			Payload: json.RawMessage(`{"status":"rejected"}`),
		})
	require.NoError(t, err)
	require.Equal(t, StSynced, st.Status, "server_wins applies the rest and keeps the server value")
	require.Len(t, st.Conflicts, 1)
	require.True(t, st.Conflicts[0].Resolved)
	require.Equal(t, ResolutionServerWins, *st.Conflicts[0].Strategy)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteRecord_StaleUpdateClientWins(t *testing.T) {
	mock, svc := newMockService(t, inspectionTable(ResolutionClientWins))
	recordID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT table_name, record_id, payload`).
		WithArgs("inspection_note", recordID).
		WillReturnRows(recordStateCols().
			AddRow("inspection_note", recordID, json.RawMessage(`{"status":"approved"}`),
				int64(5), "2026-1767225600000-000005",
				nil, nil, nil, nil, nil, "u1", time.Now(), time.Now()))
	mock.ExpectExec(`INSERT INTO survey\.sync_conflict`).
		WithArgs(anyArgs(11)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	expectFinishWrite(mock)
	mock.ExpectCommit()
	mock.ExpectRollback()

	st, err := svc.WriteRecord(context.Background(),
		Identity{ID: "u1", Role: RoleSurveyor},
		&OperationUpload{
			OpType: OpUpdate, Table: "inspection_note",
			RecordID: recordID.String(), BaseVersion: 3,
			Payload: json.RawMessage(`{"status":"rejected"}`),
		})
	require.NoError(t, err)
	require.Equal(t, StSynced, st.Status)
	require.Len(t, st.Conflicts, 1)
	require.True(t, st.Conflicts[0].Resolved)
	require.Equal(t, ResolutionClientWins, *st.Conflicts[0].Strategy)
	require.JSONEq(t, `"rejected"`, string(st.Conflicts[0].ClientValue))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteRecord_UpdateDeletedOnServer(t *testing.T) {
	mock, svc := newMockService(t, inspectionTable(""))
	recordID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT table_name, record_id, payload`).
		WithArgs("inspection_note", recordID).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`INSERT INTO survey\.sync_conflict`).
		WithArgs(anyArgs(12)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	st, err := svc.WriteRecord(context.Background(),
		Identity{ID: "u1", Role: RoleSurveyor},
		&OperationUpload{
			OpType: OpUpdate, Table: "inspection_note",
			RecordID: recordID.String(), BaseVersion: 2,
			Payload: json.RawMessage(`{"status":"closed"}`),
		})
	require.NoError(t, err)
	require.Equal(t, StConflicted, st.Status)
	require.Len(t, st.Conflicts, 1)
	require.Nil(t, st.Conflicts[0].Field, "deleted_on_server is a record-level conflict")
	require.Equal(t, ConflictDeletedOnServer, st.Conflicts[0].Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteRecord_DeleteAbsentIsIdempotentSuccess(t *testing.T) {
	mock, svc := newMockService(t, noteTable())
	recordID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT table_name, record_id, payload`).
		WithArgs("field_note", recordID).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectCommit()
	mock.ExpectRollback()

	st, err := svc.WriteRecord(context.Background(),
		Identity{ID: "u1", Role: RoleSurveyor},
		&OperationUpload{
			OpType: OpDelete, Table: "field_note", RecordID: recordID.String(),
		})
	require.NoError(t, err)
	require.Equal(t, StSynced, st.Status, "the desired end state already holds")
	require.Nil(t, st.NewVersion)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteRecord_DeleteTombstones(t *testing.T) {
	mock, svc := newMockService(t, noteTable())
	recordID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT table_name, record_id, payload`).
		WithArgs("field_note", recordID).
		WillReturnRows(recordStateCols().
			AddRow("field_note", recordID, json.RawMessage(`{"note":"a"}`),
				int64(3), "2026-1767225600000-000003",
				nil, nil, nil, nil, nil, "u1", time.Now(), time.Now()))
	mock.ExpectQuery(`INSERT INTO survey\.change_log`).
		WithArgs(anyArgs(16)...).
		WillReturnRows(changeEntryRow())
	mock.ExpectExec(`INSERT INTO survey\.tombstone`).
		WithArgs(anyArgs(15)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`DELETE FROM survey\.record_state`).
		WithArgs("field_note", recordID).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	st, err := svc.WriteRecord(context.Background(),
		Identity{ID: "u1", Role: RoleSurveyor},
		&OperationUpload{
			OpType: OpDelete, Table: "field_note", RecordID: recordID.String(),
		})
	require.NoError(t, err)
	require.Equal(t, StSynced, st.Status)
	require.Equal(t, int64(3), *st.NewVersion)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessPush_CreateCollisionOutsideScope(t *testing.T) {
	mock, svc := newMockService(t)
	identity := Identity{ID: "u1", Role: RoleSurveyor, DeviceID: "dev-1"}
	sess := activePushSession("dev-1", "u1")
	districtA := uuid.New()
	districtB := uuid.New()
	recordID := uuid.New()

	mock.ExpectQuery(`SELECT id, device_id, identity_id, session_type`).
		WithArgs(sess.ID).
		WillReturnRows(sessionRow(sess))
	mock.ExpectQuery(`WITH RECURSIVE valid_grants`).
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "level"}).
			AddRow(districtA, LevelDistrict))
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO survey\.offline_operation`).
		WithArgs(anyArgs(11)...).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(uuid.New()))
	// Colliding row sits in a district the caller holds no grant for.
	mock.ExpectQuery(`SELECT table_name, record_id, payload`).
		WithArgs("building_survey", recordID).
		WillReturnRows(recordStateCols().
			AddRow("building_survey", recordID,
				json.RawMessage(`{"status":"completed","owner_phone":"SECRET-12345"}`),
				int64(7), "2026-1767225600000-000007",
				nil, &districtB, nil, nil, nil, "u2", time.Now(), time.Now()))
	mock.ExpectExec(`UPDATE survey\.offline_operation`).
		WithArgs(anyArgs(6)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()
	mock.ExpectExec(`UPDATE survey\.sync_session`).
		WithArgs(sess.ID, 1, 0, 1, 0, pgxmock.AnyArg(), SessionActive).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	resp, err := svc.ProcessPush(context.Background(), identity, &PushRequest{
		SessionID: sess.ID.String(),
		Operations: []OperationUpload{{
			IdempotencyKey: "k1", OpType: "CREATE", Table: "building_survey",
			RecordID: recordID.String(),
			Payload:  json.RawMessage(`{"district_id":"` + districtA.String() + `","status":"draft"}`),
		}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Statuses, 1)
	require.Equal(t, StFailed, resp.Statuses[0].Status)
	require.Equal(t, ReasonAccessDenied, resp.Statuses[0].Reason)
	require.Empty(t, resp.Statuses[0].Conflicts)

	body, err := json.Marshal(resp)
	require.NoError(t, err)
	require.NotContains(t, string(body), "SECRET-12345",
		"colliding rows outside the caller's scope disclose nothing")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessPush_CreateCollisionInScope(t *testing.T) {
	mock, svc := newMockService(t)
	identity := Identity{ID: "u1", Role: RoleSurveyor, DeviceID: "dev-1"}
	sess := activePushSession("dev-1", "u1")
	districtA := uuid.New()
	recordID := uuid.New()

	mock.ExpectQuery(`SELECT id, device_id, identity_id, session_type`).
		WithArgs(sess.ID).
		WillReturnRows(sessionRow(sess))
	mock.ExpectQuery(`WITH RECURSIVE valid_grants`).
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "level"}).
			AddRow(districtA, LevelDistrict))
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO survey\.offline_operation`).
		WithArgs(anyArgs(11)...).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(uuid.New()))
	mock.ExpectQuery(`SELECT table_name, record_id, payload`).
		WithArgs("building_survey", recordID).
		WillReturnRows(recordStateCols().
			AddRow("building_survey", recordID, json.RawMessage(`{"status":"completed"}`),
				int64(7), "2026-1767225600000-000007",
				nil, &districtA, nil, nil, nil, "u2", time.Now(), time.Now()))
	mock.ExpectExec(`INSERT INTO survey\.sync_conflict`).
		WithArgs(anyArgs(12)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE survey\.offline_operation`).
		WithArgs(anyArgs(6)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()
	mock.ExpectExec(`UPDATE survey\.sync_session`).
		WithArgs(sess.ID, 1, 0, 0, 1, pgxmock.AnyArg(), SessionActive).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	resp, err := svc.ProcessPush(context.Background(), identity, &PushRequest{
		SessionID: sess.ID.String(),
		Operations: []OperationUpload{{
			IdempotencyKey: "k1", OpType: "CREATE", Table: "building_survey",
			RecordID: recordID.String(),
			Payload:  json.RawMessage(`{"district_id":"` + districtA.String() + `","status":"draft"}`),
		}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Statuses, 1)
	require.Equal(t, StConflicted, resp.Statuses[0].Status)
	require.Len(t, resp.Statuses[0].Conflicts, 1)
	require.Equal(t, ConflictConcurrentUpdate, resp.Statuses[0].Conflicts[0].Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}
