package fieldsync

import (
	"encoding/json"
	"time"
)

// REST/JSON models for the sync HTTP API.

// RegisterDeviceRequest registers a device for the authenticated identity.
// The device id is client-generated and must be globally unique.
type RegisterDeviceRequest struct {
	DeviceID string `json:"device_id"`
}

// RegisterDeviceResponse echoes the registration state.
type RegisterDeviceResponse struct {
	DeviceID     string    `json:"device_id"`
	IdentityID   string    `json:"identity_id"`
	RegisteredAt time.Time `json:"registered_at"`
	Active       bool      `json:"active"`
}

// BeginSessionRequest opens a sync session for the authenticated device.
type BeginSessionRequest struct {
	SessionType string `json:"session_type"` // full | incremental
}

// BeginSessionResponse carries the frozen pull window for the session.
type BeginSessionResponse struct {
	SessionID   string `json:"session_id"`
	SessionType string `json:"session_type"`
	WindowAfter int64  `json:"window_after"` // device checkpoint at session start
	WindowUntil int64  `json:"window_until"` // frozen upper bound for this session's pulls
}

// CompleteSessionResponse summarizes a finalized session. The device
// checkpoint advances only when Status is "completed".
type CompleteSessionResponse struct {
	SessionID     string `json:"session_id"`
	Status        string `json:"status"`
	TotalOps      int    `json:"total_ops"`
	AppliedOps    int    `json:"applied_ops"`
	FailedOps     int    `json:"failed_ops"`
	ConflictOps   int    `json:"conflict_ops"`
	NewCheckpoint int64  `json:"new_checkpoint"`
}

// PullResponse is the differential pull result for one page.
type PullResponse struct {
	Tables     []TablePull `json:"tables"`
	HasMore    bool        `json:"has_more"`
	NextAfter  int64       `json:"next_after"`
	Window     int64       `json:"window_until"`
	Checkpoint time.Time   `json:"checkpoint"` // server time to persist client-side
}

// TablePull carries changed records and deletion instructions for one table.
// Tombstones are separate from record payloads so clients remove local copies
// instead of ignoring the deletion. Denied marks a table the caller may not
// read; its lists are always empty.
type TablePull struct {
	Table      string         `json:"table"`
	Records    []PulledRecord `json:"records"`
	Tombstones []PulledDelete `json:"tombstones"`
	Denied     bool           `json:"denied,omitempty"`
}

// PulledRecord is a full snapshot of one changed record.
type PulledRecord struct {
	ChangeID      int64           `json:"change_id"`
	RecordID      string          `json:"record_id"`
	Payload       json.RawMessage `json:"payload"`
	Version       int64           `json:"version"`
	ChangeVersion string          `json:"change_version"`
	ChangedAt     time.Time       `json:"changed_at"`
}

// PulledDelete instructs the client to discard its local copy.
type PulledDelete struct {
	ChangeID  int64     `json:"change_id"`
	RecordID  string    `json:"record_id"`
	DeletedAt time.Time `json:"deleted_at"`
}

// PushRequest carries an ordered batch of queued device operations.
type PushRequest struct {
	SessionID  string            `json:"session_id"`
	Operations []OperationUpload `json:"operations"`
}

// OperationUpload is one queued mutation performed while offline.
type OperationUpload struct {
	IdempotencyKey string          `json:"idempotency_key"`
	OpType         string          `json:"op"` // CREATE, UPDATE, DELETE
	Table          string          `json:"table"`
	RecordID       string          `json:"record_id,omitempty"` // assigned server-side for CREATE if absent
	BaseVersion    int64           `json:"base_version"`
	ClientTS       *time.Time      `json:"client_ts,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"` // nil for DELETE
}

// PushResponse returns one outcome per submitted operation, in order.
type PushResponse struct {
	SessionID string            `json:"session_id"`
	Statuses  []OperationStatus `json:"statuses"`
}

// OperationStatus is the terminal outcome of one operation. Conflicts carry
// the detail a client needs for its resolution UI.
type OperationStatus struct {
	IdempotencyKey string           `json:"idempotency_key"`
	Status         string           `json:"status"` // synced | conflicted | failed
	RecordID       string           `json:"record_id,omitempty"`
	NewVersion     *int64           `json:"new_version,omitempty"`
	Reason         string           `json:"reason,omitempty"` // failure reason code
	Message        string           `json:"message,omitempty"`
	Conflicts      []ConflictDetail `json:"conflicts,omitempty"`
}

// ConflictDetail is the client-facing projection of a SyncConflict.
type ConflictDetail struct {
	ConflictID  string          `json:"conflict_id"`
	Table       string          `json:"table"`
	RecordID    string          `json:"record_id"`
	Field       *string         `json:"field,omitempty"` // nil = whole-record
	Kind        string          `json:"kind"`
	ServerValue json.RawMessage `json:"server_value,omitempty"`
	ClientValue json.RawMessage `json:"client_value,omitempty"`
	Strategy    *string         `json:"strategy,omitempty"`
	Resolved    bool            `json:"resolved"`
}

// ResolveConflictRequest applies a resolution strategy to a recorded conflict.
type ResolveConflictRequest struct {
	ConflictID    string          `json:"conflict_id"`
	Strategy      string          `json:"strategy"`
	ResolvedValue json.RawMessage `json:"resolved_value,omitempty"` // required for manual
}

// SchemaVersionResponse reports the engine schema version.
type SchemaVersionResponse struct {
	Version int `json:"schema_version"`
}

// ErrorResponse is the standardized HTTP error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ToDetail converts a stored conflict into its client-facing projection.
func (c *SyncConflict) ToDetail() ConflictDetail {
	return ConflictDetail{
		ConflictID:  c.ID.String(),
		Table:       c.TableName,
		RecordID:    c.RecordID.String(),
		Field:       c.FieldName,
		Kind:        c.Kind,
		ServerValue: c.ServerValue,
		ClientValue: c.ClientValue,
		Strategy:    c.Strategy,
		Resolved:    c.ResolvedAt != nil,
	}
}
