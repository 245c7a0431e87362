package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/collabmesh/collabmesh/internal/dispatch"
	"github.com/collabmesh/collabmesh/pkg/protocol"
)

// Lifecycle events emitted on the dispatcher alongside protocol message
// events (which are keyed by their protocol.MessageType string). The error
// event key must not shadow protocol.TypeError, which carries server errors.
const (
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
	EventConnectionError = "connection_error"
)

// ErrReconnectExhausted is terminal: the connection is Closed and will not
// retry without an explicit Connect call.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// CloseInfo is the payload of EventDisconnected.
type CloseInfo struct {
	Code   int
	Reason string
}

// socket is the slice of *websocket.Conn the transport needs; tests substitute
// an in-memory implementation.
type socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type dialFunc func(ctx context.Context, url string) (socket, error)

func defaultDial(ctx context.Context, url string) (socket, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// Conn owns one logical connection: a physical socket at a time, the
// connection state machine, the outbound queue, the heartbeat, and the
// reconnect schedule. All connection-scoped state lives here and is mutated
// only by socket callbacks and the reconnect timer.
type Conn struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	policy     *reconnectPolicy
	queue      outboundQueue

	dial      dialFunc
	afterFunc func(d time.Duration, fn func()) *time.Timer

	mu             sync.Mutex
	state          ConnectionState
	ws             socket
	epoch          int
	intentional    bool
	reconnectTimer *time.Timer
	hbDone         chan struct{}

	// writeMu serializes wire writes, including the queue drain on reconnect.
	writeMu sync.Mutex
}

func newConn(cfg Config, d *dispatch.Dispatcher) *Conn {
	return &Conn{
		cfg:        cfg,
		dispatcher: d,
		policy:     newReconnectPolicy(cfg.ReconnectInterval, cfg.MaxReconnectAttempts),
		dial:       defaultDial,
		afterFunc:  time.AfterFunc,
	}
}

// State reports the current connection state for UI display.
func (c *Conn) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the configured endpoint. Calling Connect while already
// Connected or Connecting is a no-op. A Closed connection may be retried this
// way; the attempt budget starts over.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected, StateConnecting:
		state := c.state
		c.mu.Unlock()
		log.Printf("client: connect ignored, already %s", state)
		return nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.state = StateConnecting
	c.intentional = false
	c.mu.Unlock()

	c.policy.reset()

	ws, err := c.dial(ctx, c.cfg.URL())
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("failed to connect: %w", err)
	}
	c.onConnected(ws)
	return nil
}

// Disconnect closes the socket with code 1000 and cancels any pending
// reconnect attempt. It is the only transition that suppresses the reconnect
// policy.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.hbDone != nil {
		close(c.hbDone)
		c.hbDone = nil
	}
	ws := c.ws
	c.ws = nil
	c.epoch++
	wasClosed := c.state == StateClosed
	c.state = StateDisconnected
	c.mu.Unlock()

	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"))
		c.writeMu.Unlock()
		_ = ws.Close()
	}
	if ws != nil || !wasClosed {
		c.dispatcher.Emit(EventDisconnected, CloseInfo{Code: websocket.CloseNormalClosure, Reason: "client disconnect"})
	}
}

// Send writes the envelope if Connected, otherwise buffers it for the next
// successful connect. Buffered envelopes are flushed in FIFO order before any
// newer send reaches the wire.
func (c *Conn) Send(env protocol.Envelope) error {
	c.mu.Lock()
	state := c.state
	ws := c.ws
	c.mu.Unlock()

	if state != StateConnected || ws == nil {
		c.queue.enqueue(env)
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := writeEnvelope(ws, env); err != nil {
		// The read loop notices the broken socket and drives reconnection;
		// keep the message for the flush that follows.
		c.queue.enqueue(env)
		return fmt.Errorf("failed to send %s: %w", env.Type, err)
	}
	return nil
}

func writeEnvelope(ws socket, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) onConnected(ws socket) {
	hbDone := make(chan struct{})

	// Hold the write lock across the state flip and the drain: a Send that
	// observes Connected blocks here until every queued envelope is out.
	c.writeMu.Lock()
	c.mu.Lock()
	if c.hbDone != nil {
		close(c.hbDone)
	}
	c.hbDone = hbDone
	c.ws = ws
	c.state = StateConnected
	c.epoch++
	epoch := c.epoch
	c.mu.Unlock()

	c.policy.reset()

	for {
		pending := c.queue.takeAll()
		if len(pending) == 0 {
			break
		}
		for _, env := range pending {
			if err := writeEnvelope(ws, env); err != nil {
				log.Printf("client: flush failed: %v", err)
				c.queue.enqueue(env)
				break
			}
		}
	}
	c.writeMu.Unlock()

	c.dispatcher.Emit(EventConnected, nil)

	go c.readLoop(ws, epoch)
	go c.heartbeatLoop(hbDone)
}

// readLoop drains inbound messages one at a time, in arrival order. Malformed
// frames are logged and dropped; they never terminate the loop.
func (c *Conn) readLoop(ws socket, epoch int) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			code, reason := closeCodeOf(err)
			c.handleSocketClose(epoch, code, reason)
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("client: dropping malformed frame: %v", err)
			continue
		}
		payload, err := env.Decode()
		if err != nil {
			log.Printf("client: dropping frame: %v", err)
			continue
		}
		c.dispatcher.Emit(string(env.Type), payload)
	}
}

func closeCodeOf(err error) (int, string) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, closeErr.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

func (c *Conn) handleSocketClose(epoch, code int, reason string) {
	c.mu.Lock()
	if epoch != c.epoch {
		// A newer connection (or an explicit Disconnect) already superseded
		// this socket.
		c.mu.Unlock()
		return
	}
	c.ws = nil
	if c.hbDone != nil {
		close(c.hbDone)
		c.hbDone = nil
	}
	graceful := c.intentional || code == websocket.CloseNormalClosure
	if graceful {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	c.dispatcher.Emit(EventDisconnected, CloseInfo{Code: code, Reason: reason})
	if !graceful {
		c.scheduleReconnect()
	}
}

func (c *Conn) scheduleReconnect() {
	delay, ok := c.policy.next()

	c.mu.Lock()
	if c.intentional {
		c.mu.Unlock()
		return
	}
	if !ok {
		c.state = StateClosed
		c.mu.Unlock()
		c.dispatcher.Emit(EventConnectionError, ErrReconnectExhausted)
		return
	}
	c.state = StateReconnecting
	c.mu.Unlock()

	t := c.afterFunc(delay, c.reconnectNow)

	c.mu.Lock()
	if c.intentional {
		t.Stop()
	} else {
		c.reconnectTimer = t
	}
	c.mu.Unlock()
}

func (c *Conn) reconnectNow() {
	c.mu.Lock()
	if c.intentional || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.mu.Unlock()

	ws, err := c.dial(context.Background(), c.cfg.URL())
	if err != nil {
		c.dispatcher.Emit(EventConnectionError, fmt.Errorf("reconnect failed: %w", err))
		c.scheduleReconnect()
		return
	}
	c.onConnected(ws)
}

func (c *Conn) heartbeatLoop(done chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if c.State() != StateConnected {
				continue
			}
			env := protocol.MustMarshal(protocol.TypeHeartbeat, protocol.Heartbeat{Timestamp: time.Now()})
			if err := c.Send(env); err != nil {
				log.Printf("client: heartbeat failed: %v", err)
			}
		}
	}
}
