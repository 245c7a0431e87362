package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/collabmesh/collabmesh/internal/registry"
	"github.com/collabmesh/collabmesh/pkg/protocol"
)

var sessionUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (h *Handler) collaborationWebSocket(w http.ResponseWriter, r *http.Request) {
	key := registry.SessionKey{
		Platform: chi.URLParam(r, "platform"),
		Scope:    chi.URLParam(r, "scope"),
		ScopeID:  chi.URLParam(r, "scope_id"),
		TenantID: r.URL.Query().Get("tenant_id"),
	}
	h.serveSession(w, r, key)
}

func (h *Handler) assistantWebSocket(w http.ResponseWriter, r *http.Request) {
	key := registry.SessionKey{
		Platform: chi.URLParam(r, "platform"),
		Scope:    registry.ScopeAIAssistant,
		TenantID: chi.URLParam(r, "tenant_id"),
	}
	h.serveSession(w, r, key)
}

func (h *Handler) serveSession(w http.ResponseWriter, r *http.Request, key registry.SessionKey) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", "")
		return
	}

	conn, err := sessionUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sess, participant, err := h.registry.Join(key, generateID(), userID)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server shutting down"),
			closeDeadline())
		return
	}
	defer h.registry.Leave(sess, participant)

	go writePump(conn, participant)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("session %s: dropping malformed frame from %s: %v", key, userID, err)
			continue
		}
		if !protocol.KnownMessageType(env.Type) {
			log.Printf("session %s: dropping unknown message type %q from %s", key, env.Type, userID)
			continue
		}

		if err := sess.Deliver(participant, env); err != nil {
			return
		}
	}
}

// writePump drains the participant's outbound queue onto the socket. The
// channel is closed by the session actor when the participant leaves or
// the session expires, which ends the pump.
func writePump(conn *websocket.Conn, p *registry.Participant) {
	for env := range p.Outbound() {
		if err := conn.WriteJSON(env); err != nil {
			return
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		closeDeadline())
	_ = conn.Close()
}

func closeDeadline() time.Time {
	return time.Now().Add(time.Second)
}
