package client

import (
	"sync"

	"github.com/collabmesh/collabmesh/pkg/protocol"
)

// outboundQueue buffers envelopes generated while the connection is down.
// The Conn drains it under its write lock on reconnect, so messages sent
// concurrently with a drain land after the in-flight drain, never interleaved.
type outboundQueue struct {
	mu      sync.Mutex
	pending []protocol.Envelope
}

func (q *outboundQueue) enqueue(env protocol.Envelope) {
	q.mu.Lock()
	q.pending = append(q.pending, env)
	q.mu.Unlock()
}

// takeAll removes and returns everything queued, in insertion order.
func (q *outboundQueue) takeAll() []protocol.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.pending
	q.pending = nil
	return pending
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
