// Package registry is the server-side arbiter of collaboration sessions. Each
// session is a single-writer actor: every state-mutating message for a session
// is applied by its own goroutine in arrival order, and broadcasts fan out
// only after the canonical mutation is committed. Independent sessions
// proceed in parallel with no shared mutable state.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/collabmesh/collabmesh/pkg/protocol"
)

// ScopeAIAssistant is the reserved scope for per-tenant assistant sessions.
const ScopeAIAssistant = "ai-assistant"

// SessionKey identifies one collaboration scope.
type SessionKey struct {
	Platform string `json:"platform"`
	Scope    string `json:"scope"`
	ScopeID  string `json:"scope_id,omitempty"`
	TenantID string `json:"tenant_id"`
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Platform, k.Scope, k.ScopeID, k.TenantID)
}

// Responder produces an assistant reply for a query. Implementations live in
// the assist package; the registry only sees this surface.
type Responder interface {
	Respond(ctx context.Context, query string, queryContext map[string]any) (protocol.AIResponse, error)
}

// TranscriptAppender persists AI conversation turns.
type TranscriptAppender interface {
	AppendConversationTurn(conversationID, turnType, userID, content string, timestamp time.Time) error
}

// Options configures optional registry collaborators.
type Options struct {
	// GracePeriod is how long an empty session is retained before teardown.
	GracePeriod time.Duration
	// Responder answers ai_query messages; nil disables the AI channel.
	Responder Responder
	// Transcripts, when set, records AI turns durably.
	Transcripts TranscriptAppender
}

// Registry holds one Session per active collaboration scope.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[SessionKey]*Session
	graceTimers map[SessionKey]*time.Timer
	opts        Options
	closed      bool
}

func New(opts Options) *Registry {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 30 * time.Second
	}
	return &Registry{
		sessions:    make(map[SessionKey]*Session),
		graceTimers: make(map[SessionKey]*time.Timer),
		opts:        opts,
	}
}

// Join adds a connection to the session for key, creating the session lazily.
// The joiner receives a collaboration_state snapshot before any subsequent
// broadcast; other participants receive user_join. Join returns only once the
// session actor has registered the participant: a session that is torn down
// between lookup and registration is retried on a fresh one, so a successful
// Join always hands back a participant whose outbound channel is live.
func (r *Registry) Join(key SessionKey, connID, userID string) (*Session, *Participant, error) {
	p := newParticipant(connID, userID)
	for {
		sess, err := r.attach(key)
		if err != nil {
			return nil, nil, err
		}
		registered := make(chan struct{})
		if err := sess.enqueue(joinCmd{participant: p, registered: registered}); err != nil {
			continue
		}
		select {
		case <-registered:
			return sess, p, nil
		case <-sess.done:
			// The grace-period expiry won the race; go around and create a
			// replacement session.
		}
	}
}

// attach finds or creates the session for key and cancels any pending
// grace-period teardown.
func (r *Registry) attach(key SessionKey) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("registry is shut down")
	}
	sess, ok := r.sessions[key]
	if !ok {
		sess = newSession(key, r)
		r.sessions[key] = sess
		go sess.run()
	}
	if t, ok := r.graceTimers[key]; ok {
		t.Stop()
		delete(r.graceTimers, key)
	}
	return sess, nil
}

// Leave removes a connection from its session. Locks held by the leaving user
// are auto-released and the departure is broadcast.
func (r *Registry) Leave(sess *Session, p *Participant) {
	_ = sess.enqueue(leaveCmd{participant: p})
}

// sessionIdle is called by a session actor when its last participant leaves.
// The session is retained for the grace period, then torn down if still empty.
func (r *Registry) sessionIdle(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if t, ok := r.graceTimers[sess.key]; ok {
		t.Stop()
	}
	r.graceTimers[sess.key] = time.AfterFunc(r.opts.GracePeriod, func() {
		r.expire(sess)
	})
}

// expire retires an idle session. The actor answers the emptiness check and,
// when empty, stops accepting joins in the same step, so a join enqueued
// behind the check cannot land on a session about to be stopped; it retries
// through the registry instead.
func (r *Registry) expire(sess *Session) {
	empty := make(chan bool, 1)
	if err := sess.enqueue(expireCmd{empty: empty}); err != nil {
		return
	}
	select {
	case ok := <-empty:
		if !ok {
			return
		}
	case <-sess.done:
		return
	}
	r.mu.Lock()
	delete(r.sessions, sess.key)
	delete(r.graceTimers, sess.key)
	r.mu.Unlock()
	sess.stop()
}

// SessionCount reports how many sessions are live.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Infos returns a summary of every live session, for the inspection API.
func (r *Registry) Infos() []SessionInfo {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		if info, err := s.Info(); err == nil {
			infos = append(infos, info)
		}
	}
	return infos
}

// Lookup finds a live session by key.
func (r *Registry) Lookup(key SessionKey) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Close tears down every session immediately.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[SessionKey]*Session)
	for _, t := range r.graceTimers {
		t.Stop()
	}
	r.graceTimers = make(map[SessionKey]*time.Timer)
	r.mu.Unlock()

	for _, s := range sessions {
		s.stop()
	}
}
