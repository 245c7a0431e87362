// Package api exposes the collaboration engine over HTTP: the WebSocket
// session endpoints and a small REST surface for inspecting live sessions.
package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/collabmesh/collabmesh/internal/registry"
)

// Handler routes WebSocket and REST requests to the session registry.
type Handler struct {
	registry *registry.Registry
}

// NewHandler creates a Handler backed by the given registry.
func NewHandler(reg *registry.Registry) *Handler {
	return &Handler{registry: reg}
}

// Mount registers all routes on the provided router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/ws/collaboration/{platform}/{scope}/{scope_id}", h.collaborationWebSocket)
	r.Get("/ws/ai-assistant/{platform}/{tenant_id}", h.assistantWebSocket)
	r.Get("/api/v1/sessions", h.listSessions)
	r.Get("/api/v1/sessions/{platform}/{scope}/{scope_id}", h.getSession)
	r.Get("/healthz", h.health)
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) listSessions(w http.ResponseWriter, _ *http.Request) {
	infos := h.registry.Infos()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(sessionListResponse{Sessions: infos})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	key := registry.SessionKey{
		Platform: chi.URLParam(r, "platform"),
		Scope:    chi.URLParam(r, "scope"),
		ScopeID:  chi.URLParam(r, "scope_id"),
		TenantID: r.URL.Query().Get("tenant_id"),
	}

	sess, ok := h.registry.Lookup(key)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found", "")
		return
	}

	info, err := sess.Info()
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}

type sessionListResponse struct {
	Sessions []registry.SessionInfo `json:"sessions"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, code int, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	resp := errorResponse{Error: message}
	if details != "" {
		resp.Details = details
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func generateID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
