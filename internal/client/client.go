// Package client implements the collaboration-side of the session protocol:
// the transport connection and its state machine, reconnection, the outbound
// queue, presence and document projections, and the embedded AI channel.
package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/collabmesh/collabmesh/internal/dispatch"
	"github.com/collabmesh/collabmesh/pkg/protocol"
)

// Client ties one Conn to the local projections fed by its inbound events.
// Projections are mutated only from dispatcher handler callbacks, which the
// read loop invokes one message at a time.
type Client struct {
	cfg      Config
	conn     *Conn
	events   *dispatch.Dispatcher
	presence *Presence
	document *Document
	ai       *AIChannel

	lockMu sync.Mutex
	locks  map[string]protocol.Lock
}

// New builds a Client from the configuration. Connect must be called before
// the client exchanges any messages; sends issued earlier are queued.
func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	events := dispatch.New()
	c := &Client{
		cfg:      cfg,
		conn:     newConn(cfg, events),
		events:   events,
		presence: newPresence(cfg.TypingClearAfter),
		document: newDocument(cfg.UserID),
		locks:    make(map[string]protocol.Lock),
	}
	c.ai = newAIChannel(c.conn, cfg.UserID, cfg.AIHistoryLimit)
	c.registerHandlers()
	return c, nil
}

func (c *Client) registerHandlers() {
	c.events.On(string(protocol.TypeCollaborationState), func(p any) {
		if snap, ok := p.(*protocol.StateSnapshot); ok {
			c.presence.applySnapshot(snap)
			c.applyLockSnapshot(snap)
			if len(snap.SharedState) > 0 {
				c.document.Load(decodeSharedText(snap.SharedState))
			}
		}
	})
	c.events.On(string(protocol.TypeUserJoin), func(p any) {
		if join, ok := p.(*protocol.UserJoin); ok {
			c.presence.applyJoin(join.UserID)
		}
	})
	c.events.On(string(protocol.TypeUserLeave), func(p any) {
		if leave, ok := p.(*protocol.UserLeave); ok {
			c.presence.applyLeave(leave.UserID)
		}
	})
	c.events.On(string(protocol.TypeCursorPosition), func(p any) {
		if cur, ok := p.(*protocol.CursorPosition); ok {
			c.presence.applyCursor(cur.UserID, cur.Position)
		}
	})
	c.events.On(string(protocol.TypeUserTyping), func(p any) {
		if typ, ok := p.(*protocol.UserTyping); ok && typ.UserID != c.cfg.UserID {
			c.presence.applyTyping(typ.UserID, typ.IsTyping)
		}
	})
	c.events.On(string(protocol.TypeDocumentEdit), func(p any) {
		if op, ok := p.(*protocol.DocumentOperation); ok {
			c.document.Apply(*op)
		}
	})
	c.events.On(string(protocol.TypeLockGranted), func(p any) {
		if lock, ok := p.(*protocol.Lock); ok {
			c.lockMu.Lock()
			c.locks[protocol.LockKey(*lock)] = *lock
			c.lockMu.Unlock()
		}
	})
	c.events.On(string(protocol.TypeDocumentUnlock), func(p any) {
		if rel, ok := p.(*protocol.LockRelease); ok {
			c.lockMu.Lock()
			for key, lock := range c.locks {
				if lock.ResourceID == rel.ResourceID && lock.UserID == rel.UserID {
					delete(c.locks, key)
				}
			}
			c.lockMu.Unlock()
		}
	})
	c.events.On(string(protocol.TypeAIAssistantReady), func(any) {
		c.ai.handleReady()
	})
	c.events.On(string(protocol.TypeAIThinking), func(any) {
		c.ai.handleThinking()
	})
	c.events.On(string(protocol.TypeAIResponse), func(p any) {
		if resp, ok := p.(*protocol.AIResponse); ok {
			c.ai.handleResponse(resp)
		}
	})
	c.events.On(string(protocol.TypeError), func(p any) {
		if _, ok := p.(*protocol.ServerError); ok {
			c.ai.handleError()
		}
	})
	c.events.On(EventDisconnected, func(any) {
		c.ai.handleDisconnect()
	})
}

func (c *Client) applyLockSnapshot(snap *protocol.StateSnapshot) {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	c.locks = make(map[string]protocol.Lock, len(snap.ActiveLocks))
	for id, lock := range snap.ActiveLocks {
		c.locks[id] = lock
	}
}

func decodeSharedText(raw []byte) string {
	// The shared state blob is opaque; documents carry it as a JSON string.
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return string(raw)
	}
	return text
}

// Connect dials the configured endpoint.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Disconnect closes gracefully; no reconnect is attempted.
func (c *Client) Disconnect() {
	c.conn.Disconnect()
}

// State reports the connection state.
func (c *Client) State() ConnectionState {
	return c.conn.State()
}

// Events exposes the dispatcher for callers to observe inbound messages and
// lifecycle events.
func (c *Client) Events() *dispatch.Dispatcher {
	return c.events
}

// Presence returns the live collaborator projection.
func (c *Client) Presence() *Presence {
	return c.presence
}

// Document returns the local document buffer.
func (c *Client) Document() *Document {
	return c.document
}

// AI returns the assistant channel.
func (c *Client) AI() *AIChannel {
	return c.ai
}

// Locks returns the locally known active locks.
func (c *Client) Locks() map[string]protocol.Lock {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	out := make(map[string]protocol.Lock, len(c.locks))
	for id, lock := range c.locks {
		out[id] = lock
	}
	return out
}

// SendEdit transmits a local edit. The edit is expected to already be applied
// to the local buffer; the server's echo is suppressed by user id.
func (c *Client) SendEdit(opType protocol.OperationType, position, length int, content string) (string, error) {
	op := protocol.DocumentOperation{
		OperationID:   uuid.NewString(),
		OperationType: opType,
		Position:      position,
		Length:        length,
		Content:       content,
		UserID:        c.cfg.UserID,
		Timestamp:     time.Now(),
	}
	env, err := protocol.Marshal(protocol.TypeDocumentEdit, op)
	if err != nil {
		return "", err
	}
	return op.OperationID, c.conn.Send(env)
}

// SendCursor broadcasts the local cursor position.
func (c *Client) SendCursor(position int) error {
	env, err := protocol.Marshal(protocol.TypeCursorPosition, protocol.CursorPosition{
		UserID:   c.cfg.UserID,
		Position: position,
	})
	if err != nil {
		return err
	}
	return c.conn.Send(env)
}

// SendTyping broadcasts the local typing flag.
func (c *Client) SendTyping(isTyping bool) error {
	env, err := protocol.Marshal(protocol.TypeUserTyping, protocol.UserTyping{
		UserID:   c.cfg.UserID,
		IsTyping: isTyping,
	})
	if err != nil {
		return err
	}
	return c.conn.Send(env)
}

// RequestLock asks the registry for a lock. The grant or denial arrives as a
// lock_granted / lock_denied message.
func (c *Client) RequestLock(resourceID string, lockType protocol.LockType, start, end *int) error {
	env, err := protocol.Marshal(protocol.TypeDocumentLock, protocol.Lock{
		ResourceID:    resourceID,
		LockType:      lockType,
		StartPosition: start,
		EndPosition:   end,
		UserID:        c.cfg.UserID,
	})
	if err != nil {
		return err
	}
	return c.conn.Send(env)
}

// ReleaseLock gives up a held lock.
func (c *Client) ReleaseLock(resourceID string) error {
	env, err := protocol.Marshal(protocol.TypeDocumentUnlock, protocol.LockRelease{
		ResourceID: resourceID,
		UserID:     c.cfg.UserID,
	})
	if err != nil {
		return err
	}
	return c.conn.Send(env)
}

// SendAIQuery submits a query on the assistant channel.
func (c *Client) SendAIQuery(query string, context map[string]any) (string, error) {
	return c.ai.SendQuery(query, context)
}
