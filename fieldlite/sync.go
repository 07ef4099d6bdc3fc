package fieldlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/amanahsoft/fieldsync/fieldsync"
)

// SyncOnce runs one full sync round: open a session, push the queue, pull
// the session window to exhaustion, then complete the session so the server
// advances this device's checkpoint.
func (c *Client) SyncOnce(ctx context.Context) error {
	if err := c.BeginSession(ctx, fieldsync.SessionIncremental); err != nil {
		return err
	}
	// A round that dies here leaves the session to the server's idle sweeper;
	// the checkpoint is untouched so nothing is lost.
	if err := c.PushAll(ctx); err != nil {
		return err
	}
	for {
		applied, hasMore, err := c.PullOnce(ctx)
		if err != nil {
			return err
		}
		c.logger.Debug("Applied pull page", "applied", applied, "has_more", hasMore)
		if !hasMore {
			break
		}
	}
	return c.CompleteSession(ctx)
}

// BeginSession opens a server session and persists its frozen window.
func (c *Client) BeginSession(ctx context.Context, sessionType string) error {
	var resp fieldsync.BeginSessionResponse
	err := c.doJSON(ctx, http.MethodPost, "/sync/sessions/begin",
		&fieldsync.BeginSessionRequest{SessionType: sessionType}, &resp)
	if err != nil {
		return fmt.Errorf("begin session: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ensureStateRow(ctx); err != nil {
		return err
	}
	_, err = c.DB.ExecContext(ctx, `
		UPDATE _fieldsync_state
		SET session_id = ?, window_until = ?, pull_after = ?
		WHERE device_id = ?`,
		resp.SessionID, resp.WindowUntil, resp.WindowAfter, c.DeviceID)
	if err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

// CompleteSession finalizes the current session and advances the local
// checkpoint to the completed window.
func (c *Client) CompleteSession(ctx context.Context) error {
	sessionID, err := c.currentSessionID(ctx)
	if err != nil {
		return err
	}

	var resp fieldsync.CompleteSessionResponse
	err = c.doJSON(ctx, http.MethodPost, "/sync/sessions/"+sessionID+"/complete", nil, &resp)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.DB.ExecContext(ctx, `
		UPDATE _fieldsync_state
		SET session_id = NULL, checkpoint = ?, pull_after = 0,
		    last_sync_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE device_id = ?`,
		resp.NewCheckpoint, c.DeviceID)
	if err != nil {
		return fmt.Errorf("persist checkpoint: %w", err)
	}
	c.logger.Info("Completed sync session",
		"session_id", sessionID, "checkpoint", resp.NewCheckpoint)
	return nil
}

// PushAll pushes the pending queue batch by batch until it drains, backing
// off on transient failures.
func (c *Client) PushAll(ctx context.Context) error {
	backoff := c.config.BackoffMin
	for {
		pushed, transient, err := c.PushOnce(ctx)
		if err != nil {
			return err
		}
		if transient {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.config.BackoffMax {
				backoff = c.config.BackoffMax
			}
			continue
		}
		backoff = c.config.BackoffMin
		if pushed == 0 {
			return nil
		}
	}
}

// PushOnce sends one batch of pending operations. Returns the number sent
// and whether any failed transiently; those stay pending for the next round
// until their attempt budget runs out, at which point they are parked.
func (c *Client) PushOnce(ctx context.Context) (pushed int, transient bool, err error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	sessionID, err := c.currentSessionID(ctx)
	if err != nil {
		return 0, false, err
	}

	rows, err := c.DB.QueryContext(ctx, `
		SELECT idempotency_key, op, table_name, record_id, base_version, payload, attempts
		FROM _fieldsync_queue
		WHERE status = 'pending'
		ORDER BY seq
		LIMIT ?`, c.config.PushLimit)
	if err != nil {
		return 0, false, fmt.Errorf("load pending queue: %w", err)
	}

	var ops []fieldsync.OperationUpload
	attempts := map[string]int{}
	for rows.Next() {
		var (
			op      fieldsync.OperationUpload
			payload *string
			tried   int
		)
		if err := rows.Scan(&op.IdempotencyKey, &op.OpType, &op.Table,
			&op.RecordID, &op.BaseVersion, &payload, &tried); err != nil {
			rows.Close()
			return 0, false, fmt.Errorf("scan queued operation: %w", err)
		}
		if payload != nil {
			op.Payload = json.RawMessage(*payload)
		}
		attempts[op.IdempotencyKey] = tried
		ops = append(ops, op)
	}
	rows.Close()
	if rows.Err() != nil {
		return 0, false, fmt.Errorf("load pending queue: %w", rows.Err())
	}
	if len(ops) == 0 {
		return 0, false, nil
	}

	var resp fieldsync.PushResponse
	err = c.doJSON(ctx, http.MethodPost, "/sync/push",
		&fieldsync.PushRequest{SessionID: sessionID, Operations: ops}, &resp)
	if err != nil {
		return 0, false, fmt.Errorf("push batch: %w", err)
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin queue update: %w", err)
	}
	defer tx.Rollback()

	for _, st := range resp.Statuses {
		switch {
		case st.Status == fieldsync.StSynced:
			_, err = tx.ExecContext(ctx,
				`DELETE FROM _fieldsync_queue WHERE idempotency_key = ?`, st.IdempotencyKey)
		case st.Status == fieldsync.StConflicted:
			_, err = tx.ExecContext(ctx, `
				UPDATE _fieldsync_queue
				SET status = 'conflicted', attempts = attempts + 1, last_error = ?
				WHERE idempotency_key = ?`,
				conflictSummary(st.Conflicts), st.IdempotencyKey)
		case st.Reason == fieldsync.ReasonTransientStore:
			if attempts[st.IdempotencyKey]+1 >= c.config.MaxAttempts {
				// Out of budget; park the operation for manual review instead
				// of hammering the server forever.
				c.logger.Warn("Parked operation after repeated transient failures",
					"idempotency_key", st.IdempotencyKey, "attempts", attempts[st.IdempotencyKey]+1)
				_, err = tx.ExecContext(ctx, `
					UPDATE _fieldsync_queue
					SET status = 'parked', attempts = attempts + 1, last_error = ?
					WHERE idempotency_key = ?`, st.Message, st.IdempotencyKey)
			} else {
				transient = true
				_, err = tx.ExecContext(ctx, `
					UPDATE _fieldsync_queue
					SET attempts = attempts + 1, last_error = ?
					WHERE idempotency_key = ?`, st.Message, st.IdempotencyKey)
			}
		default:
			_, err = tx.ExecContext(ctx, `
				UPDATE _fieldsync_queue
				SET status = 'failed', attempts = attempts + 1, last_error = ?
				WHERE idempotency_key = ?`, st.Message, st.IdempotencyKey)
		}
		if err != nil {
			return 0, false, fmt.Errorf("update queue for %s: %w", st.IdempotencyKey, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit queue update: %w", err)
	}
	return len(ops), transient, nil
}

// PullOnce fetches and applies one pull page. Records and deletes are applied
// through the Applier inside a single transaction together with the cursor
// advance, so a crash re-applies the page instead of skipping it.
func (c *Client) PullOnce(ctx context.Context) (applied int, hasMore bool, err error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	sessionID, err := c.currentSessionID(ctx)
	if err != nil {
		return 0, false, err
	}
	var after int64
	err = c.DB.QueryRowContext(ctx,
		`SELECT pull_after FROM _fieldsync_state WHERE device_id = ?`, c.DeviceID,
	).Scan(&after)
	if err != nil {
		return 0, false, fmt.Errorf("read pull cursor: %w", err)
	}

	q := url.Values{}
	q.Set("session_id", sessionID)
	q.Set("after", strconv.FormatInt(after, 10))
	q.Set("limit", strconv.Itoa(c.config.PullLimit))

	var resp fieldsync.PullResponse
	if err := c.doJSON(ctx, http.MethodGet, "/sync/pull?"+q.Encode(), nil, &resp); err != nil {
		return 0, false, fmt.Errorf("pull page: %w", err)
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin pull apply: %w", err)
	}
	defer tx.Rollback()

	for _, tp := range resp.Tables {
		if tp.Denied {
			c.logger.Warn("Server denied table access", "table", tp.Table)
			continue
		}
		for _, rec := range tp.Records {
			if err := c.Applier.ApplyRecord(ctx, tx, tp.Table, rec); err != nil {
				return applied, false, fmt.Errorf("apply record %s(%s): %w", tp.Table, rec.RecordID, err)
			}
			applied++
		}
		for _, del := range tp.Tombstones {
			if err := c.Applier.ApplyDelete(ctx, tx, tp.Table, del.RecordID); err != nil {
				return applied, false, fmt.Errorf("apply delete %s(%s): %w", tp.Table, del.RecordID, err)
			}
			applied++
		}
	}

	if resp.NextAfter > after {
		if _, err := tx.ExecContext(ctx, `
			UPDATE _fieldsync_state SET pull_after = ? WHERE device_id = ?`,
			resp.NextAfter, c.DeviceID); err != nil {
			return applied, false, fmt.Errorf("advance pull cursor: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return applied, false, fmt.Errorf("commit pull apply: %w", err)
	}
	return applied, resp.HasMore, nil
}

func (c *Client) currentSessionID(ctx context.Context) (string, error) {
	var sessionID sql.NullString
	err := c.DB.QueryRowContext(ctx,
		`SELECT session_id FROM _fieldsync_state WHERE device_id = ?`, c.DeviceID,
	).Scan(&sessionID)
	if err != nil || !sessionID.Valid || sessionID.String == "" {
		return "", fmt.Errorf("no active session; call BeginSession first")
	}
	return sessionID.String, nil
}

func conflictSummary(conflicts []fieldsync.ConflictDetail) string {
	if len(conflicts) == 0 {
		return "conflicted"
	}
	b, _ := json.Marshal(conflicts)
	return string(b)
}

// doJSON sends one authenticated JSON request and decodes the response.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("obtain token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr fieldsync.ErrorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s: %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
