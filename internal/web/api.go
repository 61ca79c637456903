// Package web serves the status and out-of-band approval API consumed
// by the GUI layer.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/M4TTRX/claude-island/internal/hooks"
	"github.com/M4TTRX/claude-island/internal/session"
	"github.com/M4TTRX/claude-island/internal/store"
)

// SessionSource exposes live session state.
type SessionSource interface {
	Sessions() []session.View
	Session(sessionID string) (session.View, bool)
	Respond(toolUseID, decision, reason string) error
	RespondBySession(sessionID, decision, reason string) error
}

// PermissionSource exposes the outstanding permission requests.
type PermissionSource interface {
	PendingPermissions() []*hooks.PendingPermission
}

// DecisionSource exposes the persisted decision log.
type DecisionSource interface {
	ListDecisions(ctx context.Context, sessionID string) ([]store.DecisionRow, error)
}

// Handler serves the HTTP API.
type Handler struct {
	sessions    SessionSource
	permissions PermissionSource
	decisions   DecisionSource
	log         zerolog.Logger
}

// NewHandler creates a handler.
func NewHandler(sessions SessionSource, permissions PermissionSource, decisions DecisionSource, logger zerolog.Logger) *Handler {
	return &Handler{
		sessions:    sessions,
		permissions: permissions,
		decisions:   decisions,
		log:         logger.With().Str("component", "web").Logger(),
	}
}

// Router builds the mux router for the API.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.requestLogger)

	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions", h.handleListSessions).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{session_id}", h.handleGetSession).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{session_id}/respond", h.handleRespondBySession).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{session_id}/decisions", h.handleListDecisions).Methods(http.MethodGet)
	r.HandleFunc("/api/permissions", h.handleListPermissions).Methods(http.MethodGet)
	r.HandleFunc("/api/permissions/{tool_use_id}/respond", h.handleRespond).Methods(http.MethodPost)

	return r
}

// requestLogger tags every request with an id and logs its outcome.
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)
		start := time.Now()
		next.ServeHTTP(w, r)
		h.log.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// SessionsResponse is the payload of GET /api/sessions.
type SessionsResponse struct {
	Sessions []session.View `json:"sessions"`
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	views := h.sessions.Sessions()
	if views == nil {
		views = []session.View{}
	}
	h.writeJSON(w, SessionsResponse{Sessions: views})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	view, ok := h.sessions.Session(sessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, view)
}

// PermissionView is one outstanding approval request in API form.
type PermissionView struct {
	SessionID  string                 `json:"session_id"`
	ToolUseID  string                 `json:"tool_use_id"`
	Tool       string                 `json:"tool"`
	ToolInput  map[string]interface{} `json:"tool_input,omitempty"`
	ReceivedAt time.Time              `json:"received_at"`
}

// PermissionsResponse is the payload of GET /api/permissions.
type PermissionsResponse struct {
	Permissions []PermissionView `json:"permissions"`
}

func (h *Handler) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	pending := h.permissions.PendingPermissions()
	views := make([]PermissionView, 0, len(pending))
	for _, p := range pending {
		views = append(views, PermissionView{
			SessionID:  p.SessionID,
			ToolUseID:  p.ToolUseID,
			Tool:       p.Event.Tool,
			ToolInput:  p.Event.ToolInput,
			ReceivedAt: p.ReceivedAt,
		})
	}
	h.writeJSON(w, PermissionsResponse{Permissions: views})
}

// RespondRequest is the body of the respond endpoints.
type RespondRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

func (h *Handler) handleRespond(w http.ResponseWriter, r *http.Request) {
	toolUseID := mux.Vars(r)["tool_use_id"]

	var req RespondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.sessions.Respond(toolUseID, req.Decision, req.Reason); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.writeJSON(w, map[string]string{"status": "ok", "tool_use_id": toolUseID})
}

func (h *Handler) handleRespondBySession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	var req RespondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.sessions.RespondBySession(sessionID, req.Decision, req.Reason); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.writeJSON(w, map[string]string{"status": "ok", "session_id": sessionID})
}

// DecisionsResponse is the payload of GET /api/sessions/{id}/decisions.
type DecisionsResponse struct {
	Decisions []DecisionView `json:"decisions"`
}

// DecisionView is one persisted decision in API form.
type DecisionView struct {
	ToolUseID string    `json:"tool_use_id"`
	Tool      string    `json:"tool"`
	Decision  string    `json:"decision"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

func (h *Handler) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	rows, err := h.decisions.ListDecisions(r.Context(), sessionID)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list decisions")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	views := make([]DecisionView, 0, len(rows))
	for _, d := range rows {
		views = append(views, DecisionView{
			ToolUseID: d.ToolUseID,
			Tool:      d.Tool,
			Decision:  d.Decision,
			Reason:    d.Reason,
			DecidedAt: d.DecidedAt,
		})
	}
	h.writeJSON(w, DecisionsResponse{Decisions: views})
}

func (h *Handler) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("failed to encode response")
	}
}
