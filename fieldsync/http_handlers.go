package fieldsync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ClientAuthenticator extracts the authenticated caller from HTTP requests.
// Implementations validate auth (e.g. JWT) and return the full identity.
type ClientAuthenticator interface {
	Identify(r *http.Request) (Identity, error)
}

// HTTPSyncHandlers provides HTTP handlers for the sync API.
type HTTPSyncHandlers struct {
	service       *SyncService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers.
func NewHTTPSyncHandlers(service *SyncService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	return &HTTPSyncHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// Register mounts all sync routes on a mux.
func (h *HTTPSyncHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /sync/devices/register", h.HandleRegisterDevice)
	mux.HandleFunc("POST /sync/sessions/begin", h.HandleBeginSession)
	mux.HandleFunc("POST /sync/sessions/{id}/complete", h.HandleCompleteSession)
	mux.HandleFunc("POST /sync/sessions/{id}/fail", h.HandleFailSession)
	mux.HandleFunc("GET /sync/pull", h.HandlePull)
	mux.HandleFunc("POST /sync/push", h.HandlePush)
	mux.HandleFunc("GET /sync/conflicts", h.HandleListConflicts)
	mux.HandleFunc("POST /sync/conflicts/resolve", h.HandleResolveConflict)
	mux.HandleFunc("GET /sync/schema-version", h.HandleSchemaVersion)
}

// HandleRegisterDevice registers the caller's device.
func (h *HTTPSyncHandlers) HandleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identify(w, r)
	if !ok {
		return
	}

	var req RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse register request")
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = identity.DeviceID
	}

	device, err := h.service.RegisterDevice(r.Context(), identity, req.DeviceID)
	if err != nil {
		h.writeServiceError(w, r, err, "register_failed", "Failed to register device")
		return
	}

	h.writeJSON(w, &RegisterDeviceResponse{
		DeviceID:     device.ID,
		IdentityID:   device.IdentityID,
		RegisteredAt: device.RegisteredAt,
		Active:       device.Active,
	})
}

// HandleBeginSession opens a sync session with a frozen pull window.
func (h *HTTPSyncHandlers) HandleBeginSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identify(w, r)
	if !ok {
		return
	}

	var req BeginSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse session request")
			return
		}
	}

	sess, err := h.service.BeginSession(r.Context(), identity, req.SessionType)
	if err != nil {
		h.writeServiceError(w, r, err, "session_failed", "Failed to begin session")
		return
	}

	h.writeJSON(w, &BeginSessionResponse{
		SessionID:   sess.ID.String(),
		SessionType: sess.SessionType,
		WindowAfter: sess.WindowAfter,
		WindowUntil: sess.WindowUntil,
	})
}

// HandleCompleteSession finalizes a session and advances the checkpoint.
func (h *HTTPSyncHandlers) HandleCompleteSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identify(w, r)
	if !ok {
		return
	}
	sessionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "session id must be a UUID")
		return
	}

	sess, err := h.service.CompleteSession(r.Context(), identity, sessionID)
	if err != nil {
		h.writeServiceError(w, r, err, "session_failed", "Failed to complete session")
		return
	}

	h.writeJSON(w, &CompleteSessionResponse{
		SessionID:     sess.ID.String(),
		Status:        sess.Status,
		TotalOps:      sess.TotalOps,
		AppliedOps:    sess.AppliedOps,
		FailedOps:     sess.FailedOps,
		ConflictOps:   sess.ConflictOps,
		NewCheckpoint: sess.WindowUntil,
	})
}

// HandleFailSession abandons a session; the checkpoint stays put.
func (h *HTTPSyncHandlers) HandleFailSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identify(w, r)
	if !ok {
		return
	}
	sessionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "session id must be a UUID")
		return
	}

	if err := h.service.FailSession(r.Context(), identity, sessionID); err != nil {
		h.writeServiceError(w, r, err, "session_failed", "Failed to fail session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandlePush processes a batch of queued device operations.
func (h *HTTPSyncHandlers) HandlePush(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identify(w, r)
	if !ok {
		return
	}

	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse push request")
		return
	}

	resp, err := h.service.ProcessPush(r.Context(), identity, &req)
	if err != nil {
		h.writeServiceError(w, r, err, "push_failed", "Failed to process push")
		return
	}
	h.writeJSON(w, resp)
}

// HandlePull serves one differential pull page.
func (h *HTTPSyncHandlers) HandlePull(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identify(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	req := &PullRequest{SessionID: q.Get("session_id")}

	if afterStr := q.Get("after"); afterStr != "" {
		after, err := strconv.ParseInt(afterStr, 10, 64)
		if err != nil || after < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "after must be a non-negative integer")
			return
		}
		req.After = after
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		req.Limit = limit
	}

	resp, err := h.service.ProcessPull(r.Context(), identity, req)
	if err != nil {
		h.writeServiceError(w, r, err, "pull_failed", "Failed to process pull")
		return
	}
	h.writeJSON(w, resp)
}

// HandleListConflicts returns unresolved conflicts for the resolution UI.
func (h *HTTPSyncHandlers) HandleListConflicts(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identify(w, r)
	if !ok {
		return
	}
	if identity.Role != RoleAdmin {
		h.writeError(w, http.StatusForbidden, "access_denied", "Conflict listing is admin-only")
		return
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		var err error
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be an integer")
			return
		}
	}

	conflicts, err := h.service.ListConflicts(r.Context(), r.URL.Query().Get("table"), limit)
	if err != nil {
		h.writeServiceError(w, r, err, "list_failed", "Failed to list conflicts")
		return
	}

	details := make([]ConflictDetail, 0, len(conflicts))
	for i := range conflicts {
		details = append(details, conflicts[i].ToDetail())
	}
	h.writeJSON(w, details)
}

// HandleResolveConflict applies a resolution strategy to a conflict.
func (h *HTTPSyncHandlers) HandleResolveConflict(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identify(w, r)
	if !ok {
		return
	}

	var req ResolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse resolve request")
		return
	}
	conflictID, err := uuid.Parse(req.ConflictID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "conflict_id must be a UUID")
		return
	}

	resolved, err := h.service.ResolveConflict(r.Context(), conflictID, req.Strategy, req.ResolvedValue, identity)
	if err != nil {
		h.writeServiceError(w, r, err, "resolve_failed", "Failed to resolve conflict")
		return
	}
	h.writeJSON(w, resolved.ToDetail())
}

// HandleSchemaVersion reports the engine schema version for client
// compatibility checks.
func (h *HTTPSyncHandlers) HandleSchemaVersion(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, &SchemaVersionResponse{Version: h.service.GetSchemaVersion()})
}

func (h *HTTPSyncHandlers) identify(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	identity, err := h.authenticator.Identify(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return Identity{}, false
	}
	return identity, true
}

// writeServiceError maps sentinel errors to HTTP statuses; anything
// unexpected is a 500 with the detail kept server-side.
func (h *HTTPSyncHandlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error, code, message string) {
	switch {
	case errors.Is(err, ErrBadPayload):
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, ErrUnregisteredTable):
		h.writeError(w, http.StatusBadRequest, "unregistered_table", err.Error())
	case errors.Is(err, ErrAccessDenied), errors.Is(err, ErrDeviceInactive):
		h.writeError(w, http.StatusForbidden, "access_denied", err.Error())
	case errors.Is(err, ErrSessionNotActive):
		h.writeError(w, http.StatusConflict, "session_not_active", err.Error())
	case errors.Is(err, pgx.ErrNoRows):
		h.writeError(w, http.StatusNotFound, "not_found", "Not found")
	default:
		h.logger.Error("Request failed", "path", r.URL.Path, "error", err)
		h.writeError(w, http.StatusInternalServerError, code, message)
	}
}

func (h *HTTPSyncHandlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(&ErrorResponse{Error: code, Message: message}); err != nil {
		h.logger.Error("Failed to encode error response", "error", err)
	}
}
