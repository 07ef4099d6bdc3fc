package fieldlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/amanahsoft/fieldsync/fieldsync"
)

// memApplier collects applied records and deletes for assertions.
type memApplier struct {
	records map[string]json.RawMessage // "table/record_id" -> payload
	deletes map[string]bool
}

func newMemApplier() *memApplier {
	return &memApplier{
		records: make(map[string]json.RawMessage),
		deletes: make(map[string]bool),
	}
}

func (a *memApplier) ApplyRecord(ctx context.Context, tx *sql.Tx, table string, rec fieldsync.PulledRecord) error {
	a.records[table+"/"+rec.RecordID] = rec.Payload
	return nil
}

func (a *memApplier) ApplyDelete(ctx context.Context, tx *sql.Tx, table string, recordID string) error {
	delete(a.records, table+"/"+recordID)
	a.deletes[table+"/"+recordID] = true
	return nil
}

func newTestClient(t *testing.T, baseURL string) (*Client, *memApplier) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	applier := newMemApplier()
	c, err := NewClient(db, baseURL, "dev-1",
		func(ctx context.Context) (string, error) { return "test-token", nil },
		applier, nil)
	require.NoError(t, err)
	return c, applier
}

func TestNewClient_Validation(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	tok := func(ctx context.Context) (string, error) { return "t", nil }

	_, err = NewClient(db, "http://localhost", "", tok, newMemApplier(), nil)
	require.Error(t, err, "device id required")

	_, err = NewClient(db, "http://localhost", "dev-1", tok, nil, nil)
	require.Error(t, err, "applier required")
}

func TestEnqueue(t *testing.T) {
	c, _ := newTestClient(t, "http://localhost")
	ctx := context.Background()

	key, err := c.Enqueue(ctx, fieldsync.OpCreate, "building_survey", "", 0,
		json.RawMessage(`{"status":"draft"}`))
	require.NoError(t, err)
	_, err = uuid.Parse(key)
	require.NoError(t, err, "idempotency key is a minted uuid")

	recordID := uuid.NewString()
	_, err = c.Enqueue(ctx, fieldsync.OpUpdate, "building_survey", recordID, 2,
		json.RawMessage(`{"status":"completed"}`))
	require.NoError(t, err)

	_, err = c.Enqueue(ctx, fieldsync.OpDelete, "building_survey", recordID, 3, nil)
	require.NoError(t, err)

	n, err := c.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestEnqueue_Validation(t *testing.T) {
	c, _ := newTestClient(t, "http://localhost")
	ctx := context.Background()

	_, err := c.Enqueue(ctx, "MERGE", "building_survey", "", 0, nil)
	require.Error(t, err)

	_, err = c.Enqueue(ctx, fieldsync.OpUpdate, "building_survey", "", 0,
		json.RawMessage(`{}`))
	require.Error(t, err, "UPDATE must name a record")

	_, err = c.Enqueue(ctx, fieldsync.OpDelete, "building_survey", "", 0, nil)
	require.Error(t, err, "DELETE must name a record")
}

func TestDiscardOperation(t *testing.T) {
	c, _ := newTestClient(t, "http://localhost")
	ctx := context.Background()

	key, err := c.Enqueue(ctx, fieldsync.OpCreate, "building_survey", "", 0,
		json.RawMessage(`{"status":"draft"}`))
	require.NoError(t, err)

	require.NoError(t, c.DiscardOperation(ctx, key))
	require.ErrorIs(t, c.DiscardOperation(ctx, key), sql.ErrNoRows)

	n, err := c.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCheckpoint_DefaultsToZero(t *testing.T) {
	c, _ := newTestClient(t, "http://localhost")

	cp, err := c.Checkpoint(context.Background())
	require.NoError(t, err)
	require.Zero(t, cp)
}

func TestPushOnce_RequiresSession(t *testing.T) {
	c, _ := newTestClient(t, "http://localhost")

	_, _, err := c.PushOnce(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "no active session")
}
