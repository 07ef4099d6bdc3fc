package fieldsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for expected validation/authorization outcomes. These map
// to per-operation statuses, never to transport-level failures.
var (
	ErrBadPayload        = errors.New("bad_payload")
	ErrUnregisteredTable = errors.New("unregistered_table")
	ErrAccessDenied      = errors.New("access_denied")
	ErrSessionNotActive  = errors.New("session_not_active")
	ErrDeviceInactive    = errors.New("device_inactive")
)

// Payload keys owned by the server. Clients may not set them; CREATE strips
// them, UPDATE rejects them.
var reservedPayloadKeys = []string{"version", "change_version", "updated_at", "created_by", "deleted"}

// validateOperation normalizes and validates a single pushed operation.
// Table must already be resolved (nil means unregistered).
func (s *SyncService) validateOperation(op *OperationUpload, table *SyncTable) error {
	op.Table = strings.ToLower(strings.TrimSpace(op.Table))
	op.OpType = strings.ToUpper(strings.TrimSpace(op.OpType))

	if !isValidTableName(op.Table) {
		return fmt.Errorf("%w: invalid table name %q", ErrBadPayload, op.Table)
	}
	if table == nil {
		return fmt.Errorf("%w: table not registered %s", ErrUnregisteredTable, op.Table)
	}
	if strings.TrimSpace(op.IdempotencyKey) == "" {
		return fmt.Errorf("%w: idempotency key required", ErrBadPayload)
	}

	switch op.OpType {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("%w: invalid operation %q", ErrBadPayload, op.OpType)
	}

	// CREATE may omit the record id (server assigns); everything else must
	// name an existing record.
	if op.RecordID == "" {
		if op.OpType != OpCreate {
			return fmt.Errorf("%w: record id required for %s", ErrBadPayload, op.OpType)
		}
		op.RecordID = uuid.NewString()
	} else if parsed, err := uuid.Parse(op.RecordID); err != nil {
		return fmt.Errorf("%w: invalid record id %q", ErrBadPayload, op.RecordID)
	} else {
		op.RecordID = parsed.String()
	}

	if op.OpType == OpDelete {
		if len(op.Payload) != 0 {
			return fmt.Errorf("%w: DELETE must not include payload", ErrBadPayload)
		}
		return nil
	}

	if len(op.Payload) == 0 {
		return fmt.Errorf("%w: payload required for %s", ErrBadPayload, op.OpType)
	}
	if s.config.MaxPayloadBytes > 0 && len(op.Payload) > s.config.MaxPayloadBytes {
		return fmt.Errorf("%w: payload too large: %d > %d", ErrBadPayload, len(op.Payload), s.config.MaxPayloadBytes)
	}

	var obj map[string]any
	if err := json.Unmarshal(op.Payload, &obj); err != nil || obj == nil {
		return fmt.Errorf("%w: payload must be a JSON object", ErrBadPayload)
	}
	if op.OpType == OpUpdate {
		for _, k := range reservedPayloadKeys {
			if _, ok := obj[k]; ok {
				return fmt.Errorf("%w: payload may not contain %s", ErrBadPayload, k)
			}
		}
	}

	return nil
}

// coercePayload returns a normalized copy of a client payload: reserved keys
// stripped, declared timestamp fields parsed and re-encoded as canonical UTC
// RFC3339. An unparsable timestamp is a malformed operation, not data to
// store as-is.
func coercePayload(raw json.RawMessage, table *SyncTable) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, fmt.Errorf("%w: payload must be a JSON object", ErrBadPayload)
	}
	for _, k := range reservedPayloadKeys {
		delete(obj, k)
	}
	for _, f := range table.TimestampFields {
		v, ok := obj[f]
		if !ok || v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: field %s must be a timestamp string", ErrBadPayload, f)
		}
		t, err := parseClientTime(str)
		if err != nil {
			return nil, fmt.Errorf("%w: unparsable timestamp in %s: %q", ErrBadPayload, f, str)
		}
		obj[f] = t.UTC().Format(time.RFC3339Nano)
	}
	return obj, nil
}

// parseClientTime accepts the timestamp shapes field devices actually send.
func parseClientTime(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// geoTags extracts the geographic tag fields from a payload. Values must be
// valid UUIDs when present.
func geoTags(obj map[string]any) (gov, dist, sub, neigh *uuid.UUID, err error) {
	get := func(field string) (*uuid.UUID, error) {
		v, ok := obj[field]
		if !ok || v == nil {
			return nil, nil
		}
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s must be a uuid string", ErrBadPayload, field)
		}
		id, err := uuid.Parse(str)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid %s %q", ErrBadPayload, field, str)
		}
		return &id, nil
	}
	if gov, err = get(GeoFieldGovernorate); err != nil {
		return
	}
	if dist, err = get(GeoFieldDistrict); err != nil {
		return
	}
	if sub, err = get(GeoFieldSubDistrict); err != nil {
		return
	}
	neigh, err = get(GeoFieldNeighborhood)
	return
}

// assignedTo extracts the row-assignment field, if the table declares one.
func assignedTo(obj map[string]any, table *SyncTable) *string {
	if table.AssignedToField == "" {
		return nil
	}
	if v, ok := obj[table.AssignedToField].(string); ok && v != "" {
		return &v
	}
	return nil
}

// isValidTableName checks that a table name matches ^[a-z0-9_]+$.
func isValidTableName(name string) bool {
	if len(name) == 0 {
		return false
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_') {
			return false
		}
	}
	return true
}
