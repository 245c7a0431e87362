package registry

import (
	"sync"

	"github.com/collabmesh/collabmesh/pkg/protocol"
)

const participantBufferSize = 64

// Participant is the registry's handle on one connected user. Envelopes are
// queued to a buffered channel; the transport layer owns the write pump that
// drains it. A participant whose buffer stays full is considered dead and is
// dropped by the session.
type Participant struct {
	connID string
	userID string
	send   chan protocol.Envelope
	close  sync.Once
}

func newParticipant(connID, userID string) *Participant {
	return &Participant{
		connID: connID,
		userID: userID,
		send:   make(chan protocol.Envelope, participantBufferSize),
	}
}

func (p *Participant) ConnID() string { return p.connID }
func (p *Participant) UserID() string { return p.userID }

// Outbound is the channel the transport write pump drains. It is closed when
// the participant leaves the session.
func (p *Participant) Outbound() <-chan protocol.Envelope {
	return p.send
}

// queue attempts a non-blocking delivery.
func (p *Participant) queue(env protocol.Envelope) bool {
	select {
	case p.send <- env:
		return true
	default:
		return false
	}
}

func (p *Participant) closeSend() {
	p.close.Do(func() { close(p.send) })
}
