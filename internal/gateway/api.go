// ABOUTME: HTTP API handlers for the monitoring supervisor and the message source
// ABOUTME: Maps engine errors to status codes and requesters to JWT identities

package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/2389/consent-gateway/internal/audit"
	"github.com/2389/consent-gateway/internal/auth"
	"github.com/2389/consent-gateway/internal/monitor"
	"github.com/2389/consent-gateway/internal/score"
	"github.com/2389/consent-gateway/internal/source"
	"github.com/2389/consent-gateway/internal/store"
	"github.com/2389/consent-gateway/internal/transport"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// API serves the consent engine over HTTP.
type API struct {
	supervisor *monitor.Supervisor
	hub        *source.Hub
	audit      *audit.Logger
	verifier   auth.TokenVerifier // nil disables auth
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewAPI creates the API. A nil verifier disables authentication; Resume
// and message ingest then take the user from the request body.
func NewAPI(sup *monitor.Supervisor, hub *source.Hub, auditLog *audit.Logger, verifier auth.TokenVerifier, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		supervisor: sup,
		hub:        hub,
		audit:      auditLog,
		verifier:   verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: logger.With("component", "api"),
	}
}

// Register mounts the API routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.Handle("POST /api/conversations", a.protect(a.handleStart))
	mux.Handle("GET /api/conversations/{id}", a.protect(a.handleGetState))
	mux.Handle("DELETE /api/conversations/{id}", a.protect(a.handleStop))
	mux.Handle("POST /api/conversations/{id}/refresh", a.protect(a.handleRefresh))
	mux.Handle("POST /api/conversations/{id}/resume", a.protect(a.handleResume))
	mux.Handle("POST /api/conversations/{id}/messages", a.protect(a.handleIngest))
	mux.Handle("GET /api/conversations/{id}/audit", a.protect(a.handleAudit))
	mux.Handle("GET /api/conversations/{id}/events", a.protect(a.handleEvents))
	mux.Handle("GET /api/conversations/{id}/ws", a.protect(a.handleWebSocket))
}

func (a *API) protect(h http.HandlerFunc) http.Handler {
	if a.verifier == nil {
		return h
	}
	return auth.Middleware(a.verifier, a.logger)(h)
}

// StartRequest is the body of POST /api/conversations.
type StartRequest struct {
	ConversationID string   `json:"conversation_id"`
	Participants   []string `json:"participants"`
}

// ResumeRequest is the body of POST /api/conversations/{id}/resume.
// UserID is only read when auth is disabled.
type ResumeRequest struct {
	UserID string `json:"user_id"`
}

// ResumeResponse reports the outcome of a resume request.
type ResumeResponse struct {
	Success bool                      `json:"success"`
	Error   string                    `json:"error,omitempty"`
	Record  *store.VerificationRecord `json:"record,omitempty"`
}

// IngestRequest is the body of POST /api/conversations/{id}/messages.
// SenderID is only required when auth is disabled.
type IngestRequest struct {
	ID       string `json:"id,omitempty"`
	SenderID string `json:"sender_id"`
	Content  string `json:"content"`
}

// errorResponse is the JSON error body. Record is included when the
// operation returns the unchanged record alongside its error.
type errorResponse struct {
	Error  string                    `json:"error"`
	Record *store.VerificationRecord `json:"record,omitempty"`
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, monitor.ErrInvalidParticipants), errors.Is(err, source.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, monitor.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, monitor.ErrUnauthorized), errors.Is(err, source.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, monitor.ErrScoreTooLow), errors.Is(err, source.ErrDuplicate), errors.Is(err, source.ErrNotMonitored):
		return http.StatusConflict
	case errors.Is(err, transport.ErrSendingPaused):
		return http.StatusLocked
	case errors.Is(err, score.ErrInvalidSnapshot):
		return http.StatusBadGateway
	case errors.Is(err, monitor.ErrAnalyzerUnavailable), errors.Is(err, monitor.ErrMonitorStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (a *API) sendJSONError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, errorResponse{Error: message})
}

// sendEngineError writes err with its mapped status. Internal errors are
// logged and hidden from the client.
func (a *API) sendEngineError(w http.ResponseWriter, r *http.Request, err error, rec *store.VerificationRecord) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal server error"
	}
	a.writeJSON(w, status, errorResponse{Error: msg, Record: rec})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// requester returns the authenticated participant, or fallback when auth
// is disabled.
func (a *API) requester(r *http.Request, fallback string) string {
	if id := auth.FromContext(r.Context()); id != nil {
		return id.ParticipantID
	}
	if a.verifier != nil {
		return ""
	}
	return fallback
}

// errNotParticipant is returned to authenticated callers outside the conversation.
const errNotParticipant = "not a participant in this conversation"

// authorize loads the conversation's record and, when the request carries
// an identity, requires it to be one of the participants. It writes the
// error response and returns false on failure. With auth disabled the
// record is still loaded so unknown conversations answer 404.
func (a *API) authorize(w http.ResponseWriter, r *http.Request, conversationID string) (*store.VerificationRecord, bool) {
	rec, err := a.supervisor.GetState(r.Context(), conversationID)
	if err != nil {
		a.sendEngineError(w, r, err, nil)
		return nil, false
	}
	if id := auth.FromContext(r.Context()); id != nil && !rec.HasParticipant(id.ParticipantID) {
		a.sendJSONError(w, http.StatusForbidden, errNotParticipant)
		return nil, false
	}
	return rec, true
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := decodeBody(w, r, &req); err != nil {
		a.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Participants) != 2 {
		a.sendJSONError(w, http.StatusBadRequest, "exactly two participants are required")
		return
	}
	if id := auth.FromContext(r.Context()); id != nil &&
		id.ParticipantID != req.Participants[0] && id.ParticipantID != req.Participants[1] {
		a.sendJSONError(w, http.StatusForbidden, "token subject must be one of the participants")
		return
	}

	rec, err := a.supervisor.StartMonitoring(r.Context(), req.ConversationID, req.Participants[0], req.Participants[1])
	if err != nil {
		a.sendEngineError(w, r, err, nil)
		return
	}
	a.writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleGetState(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.authorize(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	a.writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authorize(w, r, r.PathValue("id")); !ok {
		return
	}
	if err := a.supervisor.StopMonitoring(r.Context(), r.PathValue("id")); err != nil {
		a.sendEngineError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authorize(w, r, r.PathValue("id")); !ok {
		return
	}
	rec, err := a.supervisor.Refresh(r.Context(), r.PathValue("id"))
	if err != nil {
		a.sendEngineError(w, r, err, rec)
		return
	}
	a.writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	var req ResumeRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			a.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	userID := a.requester(r, req.UserID)
	if userID == "" {
		a.sendJSONError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	rec, err := a.supervisor.Resume(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		status := statusFor(err)
		if rec == nil || status == http.StatusInternalServerError {
			a.sendEngineError(w, r, err, rec)
			return
		}
		a.writeJSON(w, status, ResumeResponse{Success: false, Error: err.Error(), Record: rec})
		return
	}
	a.writeJSON(w, http.StatusOK, ResumeResponse{Success: true, Record: rec})
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := decodeBody(w, r, &req); err != nil {
		a.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	sender := a.requester(r, req.SenderID)
	if id := auth.FromContext(r.Context()); id != nil && req.SenderID != "" && req.SenderID != id.ParticipantID {
		a.sendJSONError(w, http.StatusForbidden, "sender_id does not match token subject")
		return
	}
	if sender == "" {
		a.sendJSONError(w, http.StatusBadRequest, "sender_id is required")
		return
	}

	msg, err := a.hub.Ingest(r.Context(), store.Message{
		ID:             req.ID,
		ConversationID: r.PathValue("id"),
		SenderID:       sender,
		Content:        req.Content,
	})
	if err != nil {
		a.sendEngineError(w, r, err, nil)
		return
	}
	a.writeJSON(w, http.StatusAccepted, msg)
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if _, ok := a.authorize(w, r, conversationID); !ok {
		return
	}
	f := audit.Filter{ConversationID: &conversationID}

	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			a.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	if v := q.Get("action"); v != "" {
		action := store.AuditAction(v)
		f.Action = &action
	}

	entries, err := a.audit.List(r.Context(), f)
	if err != nil {
		a.sendEngineError(w, r, err, nil)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
