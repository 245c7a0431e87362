package client

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/collabmesh/collabmesh/pkg/protocol"
)

// ErrAssistantNotReady is returned by SendQuery when the channel cannot accept
// a query. No network message is produced in that case.
var ErrAssistantNotReady = errors.New("ai assistant not ready")

// AIState is the turn state of the assistant channel.
type AIState int

const (
	AINotReady AIState = iota
	AIReady
	AIThinking
)

func (s AIState) String() string {
	switch s {
	case AINotReady:
		return "not_ready"
	case AIReady:
		return "ready"
	case AIThinking:
		return "thinking"
	default:
		return "unknown"
	}
}

// TurnType distinguishes conversation history entries.
type TurnType string

const (
	TurnUserQuery  TurnType = "user_query"
	TurnAIResponse TurnType = "ai_response"
)

// Turn is one entry in the conversation history. Turns are never mutated; the
// history is append-only and truncated from the oldest end at the cap.
type Turn struct {
	Type             TurnType
	Timestamp        time.Time
	ConversationID   string
	Query            string
	Context          map[string]any
	Response         string
	AgentAssignments []protocol.AgentAssignment
}

type sender interface {
	Send(env protocol.Envelope) error
}

// AIChannel multiplexes the turn-based assistant sub-protocol onto the shared
// connection: ready, query, thinking, response.
type AIChannel struct {
	conn         sender
	userID       string
	historyLimit int

	mu      sync.Mutex
	state   AIState
	history []Turn
}

func newAIChannel(conn sender, userID string, historyLimit int) *AIChannel {
	return &AIChannel{conn: conn, userID: userID, historyLimit: historyLimit}
}

// State reports the channel state so a UI can gate its input controls.
func (a *AIChannel) State() AIState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SendQuery submits a query tagged with a fresh conversation id. It fails
// without touching the network unless the channel is Ready.
func (a *AIChannel) SendQuery(query string, context map[string]any) (string, error) {
	a.mu.Lock()
	if a.state != AIReady {
		a.mu.Unlock()
		return "", ErrAssistantNotReady
	}
	conversationID := uuid.NewString()
	a.state = AIThinking
	a.appendLocked(Turn{
		Type:           TurnUserQuery,
		Timestamp:      time.Now(),
		ConversationID: conversationID,
		Query:          query,
		Context:        context,
	})
	a.mu.Unlock()

	env, err := protocol.Marshal(protocol.TypeAIQuery, protocol.AIQuery{
		Query:          query,
		Context:        context,
		ConversationID: conversationID,
		UserID:         a.userID,
	})
	if err != nil {
		return "", err
	}
	if err := a.conn.Send(env); err != nil {
		return "", err
	}
	return conversationID, nil
}

func (a *AIChannel) handleReady() {
	a.mu.Lock()
	if a.state == AINotReady {
		a.state = AIReady
	}
	a.mu.Unlock()
}

func (a *AIChannel) handleThinking() {
	a.mu.Lock()
	a.state = AIThinking
	a.mu.Unlock()
}

func (a *AIChannel) handleResponse(resp *protocol.AIResponse) {
	a.mu.Lock()
	a.appendLocked(Turn{
		Type:             TurnAIResponse,
		Timestamp:        time.Now(),
		ConversationID:   resp.ConversationID,
		Response:         resp.Response,
		AgentAssignments: resp.AgentAssignments,
	})
	a.state = AIReady
	a.mu.Unlock()
}

// handleError resolves a pending query: a server error ends the turn the same
// way a response does, so the next query is accepted again. Errors arriving
// outside a turn leave the state alone.
func (a *AIChannel) handleError() {
	a.mu.Lock()
	if a.state == AIThinking {
		a.state = AIReady
	}
	a.mu.Unlock()
}

// handleDisconnect drops readiness; the server re-announces it on reconnect.
func (a *AIChannel) handleDisconnect() {
	a.mu.Lock()
	a.state = AINotReady
	a.mu.Unlock()
}

func (a *AIChannel) appendLocked(t Turn) {
	a.history = append(a.history, t)
	if over := len(a.history) - a.historyLimit; over > 0 {
		a.history = append([]Turn(nil), a.history[over:]...)
	}
}

// History returns a copy of the conversation history, oldest first.
func (a *AIChannel) History() []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Turn, len(a.history))
	copy(out, a.history)
	return out
}
