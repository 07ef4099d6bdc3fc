// Package fieldlite is the SQLite-backed device client for the fieldsync
// server. It keeps an ordered queue of offline operations, a durable sync
// checkpoint, and drives session-scoped push/pull rounds against the HTTP
// API. Domain tables stay under the application's control; pulled records are
// handed to an Applier.
package fieldlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/amanahsoft/fieldsync/fieldsync"
)

// Applier writes pulled server state into the application's own tables.
// Both calls run inside the pull transaction; returning an error rolls the
// whole page back so it is re-applied on the next attempt.
type Applier interface {
	ApplyRecord(ctx context.Context, tx *sql.Tx, table string, rec fieldsync.PulledRecord) error
	ApplyDelete(ctx context.Context, tx *sql.Tx, table string, recordID string) error
}

// Config holds configuration for the sync client.
type Config struct {
	PushLimit   int           // operations per push batch
	PullLimit   int           // records per pull page
	MaxAttempts int           // transient failures per operation before it is parked
	BackoffMin  time.Duration // transient retry floor
	BackoffMax  time.Duration // transient retry ceiling
}

// DefaultConfig returns the configuration used when fields are zero.
func DefaultConfig() *Config {
	return &Config{
		PushLimit:   200,
		PullLimit:   500,
		MaxAttempts: 5,
		BackoffMin:  1 * time.Second,
		BackoffMax:  60 * time.Second,
	}
}

// Client manages the local queue and two-way sync against a fieldsync server.
type Client struct {
	DB       *sql.DB
	BaseURL  string
	DeviceID string
	Token    func(context.Context) (string, error) // returns JWT
	Applier  Applier
	HTTP     *http.Client

	config  *Config
	logger  *slog.Logger
	writeMu sync.Mutex // serialize writes; SQLite tolerates one writer
}

// NewClient creates a sync client and initializes the local metadata tables.
func NewClient(db *sql.DB, baseURL, deviceID string, tok func(ctx context.Context) (string, error), applier Applier, config *Config) (*Client, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if applier == nil {
		return nil, fmt.Errorf("applier is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.PushLimit <= 0 {
		config.PushLimit = 200
	}
	if config.PullLimit <= 0 {
		config.PullLimit = 500
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return &Client{
		DB:       db,
		BaseURL:  baseURL,
		DeviceID: deviceID,
		Token:    tok,
		Applier:  applier,
		HTTP:     &http.Client{Timeout: 120 * time.Second},
		config:   config,
		logger:   slog.Default(),
	}, nil
}

func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Ordered offline operation queue. idempotency_key is minted once at
		// enqueue time and survives retries, so the server can deduplicate.
		`CREATE TABLE IF NOT EXISTS _fieldsync_queue (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			idempotency_key TEXT NOT NULL UNIQUE,
			op              TEXT NOT NULL CHECK (op IN ('CREATE','UPDATE','DELETE')),
			table_name      TEXT NOT NULL,
			record_id       TEXT NOT NULL,
			base_version    INTEGER NOT NULL DEFAULT 0,
			payload         TEXT,
			status          TEXT NOT NULL DEFAULT 'pending',
			attempts        INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT,
			queued_at       TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// One-row sync state: current session and durable cursors.
		`CREATE TABLE IF NOT EXISTS _fieldsync_state (
			device_id    TEXT PRIMARY KEY,
			session_id   TEXT,
			window_until INTEGER NOT NULL DEFAULT 0,
			pull_after   INTEGER NOT NULL DEFAULT 0,
			checkpoint   INTEGER NOT NULL DEFAULT 0,
			last_sync_at TEXT
		)`,
	}
	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}

// Enqueue records one offline mutation for later push. Payload must be a
// JSON object for CREATE/UPDATE and nil for DELETE. Returns the minted
// idempotency key.
func (c *Client) Enqueue(ctx context.Context, op, table, recordID string, baseVersion int64, payload json.RawMessage) (string, error) {
	switch op {
	case fieldsync.OpCreate, fieldsync.OpUpdate, fieldsync.OpDelete:
	default:
		return "", fmt.Errorf("invalid op %q", op)
	}
	if recordID == "" {
		if op != fieldsync.OpCreate {
			return "", fmt.Errorf("record id required for %s", op)
		}
		recordID = uuid.NewString()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	key := uuid.NewString()
	var payloadText *string
	if payload != nil {
		s := string(payload)
		payloadText = &s
	}
	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO _fieldsync_queue
			(idempotency_key, op, table_name, record_id, base_version, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		key, op, table, recordID, baseVersion, payloadText)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue operation: %w", err)
	}
	return key, nil
}

// PendingCount reports how many operations await push.
func (c *Client) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := c.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM _fieldsync_queue WHERE status = 'pending'`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return n, nil
}

// ConflictedKeys returns the idempotency keys of queued operations the
// server rejected as conflicted; the application decides how to surface them.
func (c *Client) ConflictedKeys(ctx context.Context) ([]string, error) {
	rows, err := c.DB.QueryContext(ctx,
		`SELECT idempotency_key FROM _fieldsync_queue WHERE status = 'conflicted' ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicted operations: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan conflicted key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ParkedKeys returns the idempotency keys of operations that exhausted their
// transient-retry budget and await manual review.
func (c *Client) ParkedKeys(ctx context.Context) ([]string, error) {
	rows, err := c.DB.QueryContext(ctx,
		`SELECT idempotency_key FROM _fieldsync_queue WHERE status = 'parked' ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query parked operations: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan parked key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RequeueOperation puts a parked or failed operation back in the pending
// queue with a fresh attempt budget.
func (c *Client) RequeueOperation(ctx context.Context, idempotencyKey string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	res, err := c.DB.ExecContext(ctx, `
		UPDATE _fieldsync_queue
		SET status = 'pending', attempts = 0, last_error = NULL
		WHERE idempotency_key = ? AND status IN ('parked', 'failed')`, idempotencyKey)
	if err != nil {
		return fmt.Errorf("failed to requeue operation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DiscardOperation drops a queued operation, typically after the application
// handled its conflict.
func (c *Client) DiscardOperation(ctx context.Context, idempotencyKey string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	res, err := c.DB.ExecContext(ctx,
		`DELETE FROM _fieldsync_queue WHERE idempotency_key = ?`, idempotencyKey)
	if err != nil {
		return fmt.Errorf("failed to discard operation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Checkpoint returns the durable pull checkpoint (the last completed
// session's window).
func (c *Client) Checkpoint(ctx context.Context) (int64, error) {
	var cp int64
	err := c.DB.QueryRowContext(ctx,
		`SELECT checkpoint FROM _fieldsync_state WHERE device_id = ?`, c.DeviceID,
	).Scan(&cp)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return cp, nil
}

func (c *Client) ensureStateRow(ctx context.Context) error {
	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO _fieldsync_state (device_id) VALUES (?)
		ON CONFLICT (device_id) DO NOTHING`, c.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to ensure state row: %w", err)
	}
	return nil
}
