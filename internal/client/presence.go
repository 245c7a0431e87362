package client

import (
	"sync"
	"time"

	"github.com/collabmesh/collabmesh/pkg/protocol"
)

// Presence is the client's eventually-consistent projection of who is in the
// session. It is a reducer over join/leave/cursor/typing events; the canonical
// set lives in the server registry.
type Presence struct {
	mu         sync.Mutex
	clearAfter time.Duration
	entries    map[string]*presenceEntry
}

type presenceEntry struct {
	info   protocol.CollaboratorPresence
	typing bool
	// typingTimer auto-clears the indicator if no follow-up event arrives.
	// Replaced, not stacked, on every typing=true event.
	typingTimer *time.Timer
}

func newPresence(clearAfter time.Duration) *Presence {
	return &Presence{
		clearAfter: clearAfter,
		entries:    make(map[string]*presenceEntry),
	}
}

func (p *Presence) applySnapshot(snap *protocol.StateSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.typingTimer != nil {
			e.typingTimer.Stop()
		}
	}
	p.entries = make(map[string]*presenceEntry, len(snap.Participants))
	for id, info := range snap.Participants {
		p.entries[id] = &presenceEntry{info: info}
	}
}

func (p *Presence) applyJoin(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[userID]; ok {
		e.info.Status = protocol.StatusActive
		e.info.LastActivity = time.Now()
		return
	}
	p.entries[userID] = &presenceEntry{info: protocol.CollaboratorPresence{
		UserID:       userID,
		Status:       protocol.StatusActive,
		LastActivity: time.Now(),
	}}
}

func (p *Presence) applyLeave(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[userID]; ok {
		if e.typingTimer != nil {
			e.typingTimer.Stop()
		}
		delete(p.entries, userID)
	}
}

func (p *Presence) applyCursor(userID string, position int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[userID]
	if !ok {
		return
	}
	pos := position
	e.info.CursorPosition = &pos
	e.info.LastActivity = time.Now()
}

func (p *Presence) applyTyping(userID string, isTyping bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[userID]
	if !ok {
		return
	}
	e.info.LastActivity = time.Now()
	if e.typingTimer != nil {
		e.typingTimer.Stop()
		e.typingTimer = nil
	}
	e.typing = isTyping
	if isTyping {
		e.typingTimer = time.AfterFunc(p.clearAfter, func() {
			p.clearTyping(userID)
		})
	}
}

func (p *Presence) clearTyping(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[userID]; ok {
		e.typing = false
		e.typingTimer = nil
	}
}

// Get returns the presence entry for a user, if present.
func (p *Presence) Get(userID string) (protocol.CollaboratorPresence, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[userID]
	if !ok {
		return protocol.CollaboratorPresence{}, false
	}
	return e.info, true
}

// IsTyping reports whether the user's typing indicator is currently lit.
func (p *Presence) IsTyping(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[userID]
	return ok && e.typing
}

// List returns all known collaborators.
func (p *Presence) List() []protocol.CollaboratorPresence {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.CollaboratorPresence, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.info)
	}
	return out
}
