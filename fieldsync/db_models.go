package fieldsync

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Database entity models for the survey schema.

// GeoUnit represents a row in survey.geo_unit. Units form a forest; the
// ancestor chain of any unit is acyclic and at most MaxHierarchyDepth long.
type GeoUnit struct {
	ID        uuid.UUID  `db:"id"`
	ParentID  *uuid.UUID `db:"parent_id"` // nil for roots
	Level     string     `db:"level"`
	Name      string     `db:"name"`
	Active    bool       `db:"active"`
	CreatedAt time.Time  `db:"created_at"`
}

// AccessGrant represents a row in survey.access_grant. A grant covers its
// unit and every descendant; scope is the union over all valid grants.
type AccessGrant struct {
	ID         uuid.UUID  `db:"id"`
	IdentityID string     `db:"identity_id"`
	UnitID     uuid.UUID  `db:"unit_id"`
	Level      string     `db:"level"`
	StartsAt   time.Time  `db:"starts_at"`
	EndsAt     *time.Time `db:"ends_at"` // nil = open-ended
	Active     bool       `db:"active"`
}

// Device represents a row in survey.device. Devices are deactivated on
// revocation, never deleted.
type Device struct {
	ID            string     `db:"id"` // client-generated, globally unique
	IdentityID    string     `db:"identity_id"`
	RegisteredAt  time.Time  `db:"registered_at"`
	LastSyncAt    *time.Time `db:"last_sync_at"`
	LastServerSeq int64      `db:"last_server_seq"` // pull checkpoint (change_log id)
	Active        bool       `db:"active"`
}

// SyncSession represents a row in survey.sync_session. Immutable once it
// leaves the active state.
type SyncSession struct {
	ID             uuid.UUID  `db:"id"`
	DeviceID       string     `db:"device_id"`
	IdentityID     string     `db:"identity_id"`
	SessionType    string     `db:"session_type"` // full | incremental
	Status         string     `db:"status"`
	WindowAfter    int64      `db:"window_after"` // checkpoint at session start
	WindowUntil    int64      `db:"window_until"` // frozen upper bound for pulls
	StartedAt      time.Time  `db:"started_at"`
	EndedAt        *time.Time `db:"ended_at"`
	LastActivityAt time.Time  `db:"last_activity_at"`
	TotalOps       int        `db:"total_ops"`
	AppliedOps     int        `db:"applied_ops"`
	FailedOps      int        `db:"failed_ops"`
	ConflictOps    int        `db:"conflict_ops"`
}

// OfflineOperation represents a row in survey.offline_operation. The status
// transitions pending -> {synced|conflicted|failed} exactly once; the stored
// outcome is replayed verbatim when the same (device_id, idempotency_key) is
// resubmitted.
type OfflineOperation struct {
	ID             uuid.UUID       `db:"id"`
	DeviceID       string          `db:"device_id"`
	IdentityID     string          `db:"identity_id"`
	OpType         string          `db:"op_type"`
	TableName      string          `db:"table_name"`
	RecordID       uuid.UUID       `db:"record_id"`
	Payload        json.RawMessage `db:"payload"` // nil for DELETE
	IdempotencyKey string          `db:"idempotency_key"`
	BaseVersion    int64           `db:"base_version"`
	ClientTS       *time.Time      `db:"client_ts"`
	Status         string          `db:"status"`
	RetryCount     int             `db:"retry_count"`
	LastError      *string         `db:"last_error"`
	Outcome        json.RawMessage `db:"outcome"`
	CreatedAt      time.Time       `db:"created_at"`
}

// RecordState represents a row in survey.record_state: the current
// after-image of one synced record, tagged for scoped querying.
type RecordState struct {
	TableName      string          `db:"table_name"`
	RecordID       uuid.UUID       `db:"record_id"`
	Payload        json.RawMessage `db:"payload"`
	Version        int64           `db:"version"`        // per-record optimistic counter
	ChangeVersion  string          `db:"change_version"` // token of the last change
	GovernorateID  *uuid.UUID      `db:"governorate_id"`
	DistrictID     *uuid.UUID      `db:"district_id"`
	SubDistrictID  *uuid.UUID      `db:"sub_district_id"`
	NeighborhoodID *uuid.UUID      `db:"neighborhood_id"`
	AssignedTo     *string         `db:"assigned_to"`
	CreatedBy      string          `db:"created_by"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

// ChangeLogEntry represents a row in survey.change_log: the immutable audit
// trail. The bigserial id is the global ordering watermark; ChangeVersion is
// the cross-restart comparable token.
type ChangeLogEntry struct {
	ID             int64           `db:"id"`
	TableName      string          `db:"table_name"`
	RecordID       uuid.UUID       `db:"record_id"`
	Op             string          `db:"op"`
	ChangeVersion  string          `db:"change_version"`
	ChangedBy      string          `db:"changed_by"`
	ChangeSource   string          `db:"change_source"` // web | mobile | system
	DeviceID       *string         `db:"device_id"`
	SessionID      *uuid.UUID      `db:"session_id"`
	IdempotencyKey *string         `db:"idempotency_key"`
	FieldDiff      json.RawMessage `db:"field_diff"` // {field: {old, new}}
	Snapshot       json.RawMessage `db:"snapshot"`   // full record after-image (nil for DELETE)
	GovernorateID  *uuid.UUID      `db:"governorate_id"`
	DistrictID     *uuid.UUID      `db:"district_id"`
	SubDistrictID  *uuid.UUID      `db:"sub_district_id"`
	NeighborhoodID *uuid.UUID      `db:"neighborhood_id"`
	AssignedTo     *string         `db:"assigned_to"`
	TS             time.Time       `db:"ts"`
}

// Tombstone represents a row in survey.tombstone. Written atomically with the
// row delete and its DELETE change entry; ChangeID ties it into the pull
// watermark so devices learn about deletions exactly once per checkpoint.
type Tombstone struct {
	ID             uuid.UUID       `db:"id"`
	TableName      string          `db:"table_name"`
	RecordID       uuid.UUID       `db:"record_id"`
	DeletedBy      string          `db:"deleted_by"`
	Reason         string          `db:"reason"`
	Kind           string          `db:"kind"` // soft | hard
	Snapshot       json.RawMessage `db:"snapshot"`
	Propagation    string          `db:"propagation"`
	ChangeID       int64           `db:"change_id"`
	GovernorateID  *uuid.UUID      `db:"governorate_id"`
	DistrictID     *uuid.UUID      `db:"district_id"`
	SubDistrictID  *uuid.UUID      `db:"sub_district_id"`
	NeighborhoodID *uuid.UUID      `db:"neighborhood_id"`
	AssignedTo     *string         `db:"assigned_to"`
	ExpiresAt      time.Time       `db:"expires_at"`
	Active         bool            `db:"active"`
	CreatedAt      time.Time       `db:"created_at"`
}

// SyncConflict represents a row in survey.sync_conflict. FieldName is nil for
// record-level conflicts (deleted_on_server).
type SyncConflict struct {
	ID            uuid.UUID       `db:"id"`
	SessionID     *uuid.UUID      `db:"session_id"`
	TableName     string          `db:"table_name"`
	RecordID      uuid.UUID       `db:"record_id"`
	FieldName     *string         `db:"field_name"`
	Kind          string          `db:"kind"`
	ServerValue   json.RawMessage `db:"server_value"`
	ClientValue   json.RawMessage `db:"client_value"`
	Strategy      *string         `db:"strategy"`
	ResolvedValue json.RawMessage `db:"resolved_value"`
	ResolvedBy    *string         `db:"resolved_by"`
	ResolvedAt    *time.Time      `db:"resolved_at"`
	CreatedAt     time.Time       `db:"created_at"`
}
