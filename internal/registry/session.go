package registry

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/collabmesh/collabmesh/pkg/protocol"
)

const sessionInboxSize = 256

// aiResponseTimeout bounds how long an assistant call may run before the
// requester gets an error envelope instead.
const aiResponseTimeout = 2 * time.Minute

type command interface{ isCommand() }

type joinCmd struct {
	participant *Participant
	// registered is closed once the actor has added the participant; Join
	// blocks on it so a stopped session can be retried instead of stranding
	// the connection.
	registered chan struct{}
}
type leaveCmd struct{ participant *Participant }
type messageCmd struct {
	from *Participant
	env  protocol.Envelope
}
type aiResultCmd struct {
	to             *Participant
	conversationID string
	resp           protocol.AIResponse
	err            error
}
type broadcastCmd struct{ env protocol.Envelope }
type infoCmd struct{ reply chan SessionInfo }
type expireCmd struct{ empty chan bool }

func (joinCmd) isCommand()      {}
func (leaveCmd) isCommand()     {}
func (messageCmd) isCommand()   {}
func (aiResultCmd) isCommand()  {}
func (broadcastCmd) isCommand() {}
func (infoCmd) isCommand()      {}
func (expireCmd) isCommand()    {}

// SessionInfo is a read-only summary for the inspection API.
type SessionInfo struct {
	Key          SessionKey                      `json:"key"`
	Participants []protocol.CollaboratorPresence `json:"participants"`
	Locks        []protocol.Lock                 `json:"locks"`
	DocumentLen  int                             `json:"document_len"`
}

// Session owns the canonical state for one collaboration scope. All fields
// below inbox are touched only by the run goroutine.
type Session struct {
	key      SessionKey
	registry *Registry

	inbox    chan command
	done     chan struct{}
	stopOnce sync.Once

	participants map[string]*Participant // conn id -> participant
	presence     map[string]protocol.CollaboratorPresence
	locks        map[string]protocol.Lock // lock key -> lock
	document     []rune

	// retiring is set when an expiry check found the session empty; joins
	// arriving after that point are bounced back to the registry.
	retiring bool
}

func newSession(key SessionKey, r *Registry) *Session {
	return &Session{
		key:          key,
		registry:     r,
		inbox:        make(chan command, sessionInboxSize),
		done:         make(chan struct{}),
		participants: make(map[string]*Participant),
		presence:     make(map[string]protocol.CollaboratorPresence),
		locks:        make(map[string]protocol.Lock),
	}
}

func (s *Session) Key() SessionKey { return s.key }

// Deliver hands an inbound envelope from a participant's connection to the
// session actor.
func (s *Session) Deliver(from *Participant, env protocol.Envelope) error {
	return s.enqueue(messageCmd{from: from, env: env})
}

// Broadcast pushes a server-originated envelope (system_broadcast,
// notification) to every participant.
func (s *Session) Broadcast(env protocol.Envelope) error {
	return s.enqueue(broadcastCmd{env: env})
}

// Info queries the actor for a state summary.
func (s *Session) Info() (SessionInfo, error) {
	reply := make(chan SessionInfo, 1)
	if err := s.enqueue(infoCmd{reply: reply}); err != nil {
		return SessionInfo{}, err
	}
	select {
	case info := <-reply:
		return info, nil
	case <-s.done:
		return SessionInfo{}, errSessionStopped
	}
}

var errSessionStopped = errorString("session stopped")

type errorString string

func (e errorString) Error() string { return string(e) }

func (s *Session) enqueue(cmd command) error {
	select {
	case s.inbox <- cmd:
		return nil
	case <-s.done:
		return errSessionStopped
	}
}

func (s *Session) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			for _, p := range s.participants {
				p.closeSend()
			}
			return
		case cmd := <-s.inbox:
			s.dispatch(cmd)
		}
	}
}

func (s *Session) dispatch(cmd command) {
	switch cmd := cmd.(type) {
	case joinCmd:
		if s.retiring {
			// Teardown is already committed; the joiner retries on a fresh
			// session once done closes.
			return
		}
		s.handleJoin(cmd.participant)
		close(cmd.registered)
	case leaveCmd:
		s.handleLeave(cmd.participant)
	case messageCmd:
		s.handleMessage(cmd.from, cmd.env)
	case aiResultCmd:
		s.handleAIResult(cmd)
	case broadcastCmd:
		s.fanOut(cmd.env, nil)
	case infoCmd:
		cmd.reply <- s.buildInfo()
	case expireCmd:
		empty := len(s.participants) == 0
		if empty {
			s.retiring = true
		}
		cmd.empty <- empty
	}
}

func (s *Session) handleJoin(p *Participant) {
	// A user may hold several connections; presence tracks the user, not the
	// connection, so only the first connection creates the entry and announces
	// the arrival.
	_, known := s.presence[p.userID]
	s.participants[p.connID] = p
	if !known {
		s.presence[p.userID] = protocol.CollaboratorPresence{
			UserID:       p.userID,
			Status:       protocol.StatusActive,
			LastActivity: time.Now(),
		}
	}

	// The joiner gets the full snapshot before any later broadcast can reach
	// it; its send channel preserves that order.
	p.queue(protocol.MustMarshal(protocol.TypeCollaborationState, s.buildSnapshot()))
	if s.key.Scope == ScopeAIAssistant && s.registry.opts.Responder != nil {
		p.queue(protocol.MustMarshal(protocol.TypeAIAssistantReady, protocol.AIAssistantReady{}))
	}

	if !known {
		s.fanOut(protocol.MustMarshal(protocol.TypeUserJoin, protocol.UserJoin{UserID: p.userID}), p)
	}
}

func (s *Session) handleLeave(p *Participant) {
	if _, ok := s.participants[p.connID]; !ok {
		return
	}
	delete(s.participants, p.connID)
	p.closeSend()

	// Presence and locks outlive a single connection when the user has
	// another one still attached.
	if s.userStillConnected(p.userID) {
		return
	}
	delete(s.presence, p.userID)

	// Locks die with their owner.
	for _, released := range s.releaseAllFor(p.userID) {
		s.fanOut(protocol.MustMarshal(protocol.TypeDocumentUnlock, protocol.LockRelease{
			ResourceID: released.ResourceID,
			UserID:     released.UserID,
		}), nil)
	}

	s.fanOut(protocol.MustMarshal(protocol.TypeUserLeave, protocol.UserLeave{UserID: p.userID}), nil)

	if len(s.participants) == 0 {
		s.registry.sessionIdle(s)
	}
}

func (s *Session) userStillConnected(userID string) bool {
	for _, p := range s.participants {
		if p.userID == userID {
			return true
		}
	}
	return false
}

func (s *Session) handleMessage(from *Participant, env protocol.Envelope) {
	if _, ok := s.participants[from.connID]; !ok {
		log.Printf("registry: dropping %s from non-member %s", env.Type, from.userID)
		return
	}

	payload, err := env.Decode()
	if err != nil {
		log.Printf("registry: dropping message in %s: %v", s.key, err)
		return
	}

	switch msg := payload.(type) {
	case *protocol.DocumentOperation:
		if msg.UserID != from.userID {
			s.sendError(from, "operation user mismatch", "forbidden")
			return
		}
		s.applyOperation(msg)
		s.fanOut(env, from)
	case *protocol.CursorPosition:
		if msg.UserID != from.userID {
			s.sendError(from, "presence user mismatch", "forbidden")
			return
		}
		s.touchPresence(from.userID, func(c *protocol.CollaboratorPresence) {
			pos := msg.Position
			c.CursorPosition = &pos
		})
		s.fanOut(env, from)
	case *protocol.UserTyping:
		if msg.UserID != from.userID {
			s.sendError(from, "presence user mismatch", "forbidden")
			return
		}
		s.touchPresence(from.userID, nil)
		s.fanOut(env, from)
	case *protocol.Lock:
		s.handleLockRequest(from, *msg)
	case *protocol.LockRelease:
		s.handleLockRelease(from, *msg)
	case *protocol.Heartbeat:
		s.touchPresence(from.userID, nil)
		from.queue(protocol.MustMarshal(protocol.TypeHeartbeat, protocol.Heartbeat{Timestamp: time.Now()}))
	case *protocol.AIQuery:
		s.handleAIQuery(from, msg)
	default:
		log.Printf("registry: ignoring %s in %s", env.Type, s.key)
	}
}

func (s *Session) applyOperation(op *protocol.DocumentOperation) {
	pos := op.Position
	if pos < 0 {
		pos = 0
	}
	if pos > len(s.document) {
		pos = len(s.document)
	}
	switch op.OperationType {
	case protocol.OpInsert:
		s.document = spliceRunes(s.document, pos, 0, []rune(op.Content))
	case protocol.OpDelete:
		s.document = spliceRunes(s.document, pos, op.Length, nil)
	case protocol.OpReplace:
		s.document = spliceRunes(s.document, pos, op.Length, []rune(op.Content))
	}
}

func spliceRunes(buf []rune, pos, remove int, insert []rune) []rune {
	end := pos + remove
	if end > len(buf) {
		end = len(buf)
	}
	out := make([]rune, 0, len(buf)-(end-pos)+len(insert))
	out = append(out, buf[:pos]...)
	out = append(out, insert...)
	out = append(out, buf[end:]...)
	return out
}

func (s *Session) touchPresence(userID string, update func(*protocol.CollaboratorPresence)) {
	c, ok := s.presence[userID]
	if !ok {
		return
	}
	c.LastActivity = time.Now()
	if update != nil {
		update(&c)
	}
	s.presence[userID] = c
}

func (s *Session) handleAIQuery(from *Participant, q *protocol.AIQuery) {
	responder := s.registry.opts.Responder
	if responder == nil {
		s.sendError(from, "no assistant configured", "assistant_unavailable")
		return
	}

	from.queue(protocol.MustMarshal(protocol.TypeAIThinking, protocol.AIThinking{ConversationID: q.ConversationID}))
	s.appendTranscript(q.ConversationID, "user_query", from.userID, q.Query)

	query, queryContext, convID := q.Query, q.Context, q.ConversationID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), aiResponseTimeout)
		defer cancel()
		resp, err := responder.Respond(ctx, query, queryContext)
		resp.ConversationID = convID
		_ = s.enqueue(aiResultCmd{to: from, conversationID: convID, resp: resp, err: err})
	}()
}

func (s *Session) handleAIResult(cmd aiResultCmd) {
	if _, ok := s.participants[cmd.to.connID]; !ok {
		return
	}
	if cmd.err != nil {
		log.Printf("registry: assistant failed in %s: %v", s.key, cmd.err)
		s.sendError(cmd.to, "assistant query failed", "assistant_error")
		return
	}
	s.appendTranscript(cmd.conversationID, "ai_response", "", cmd.resp.Response)
	cmd.to.queue(protocol.MustMarshal(protocol.TypeAIResponse, cmd.resp))
}

func (s *Session) appendTranscript(conversationID, turnType, userID, content string) {
	if s.registry.opts.Transcripts == nil || conversationID == "" {
		return
	}
	if err := s.registry.opts.Transcripts.AppendConversationTurn(conversationID, turnType, userID, content, time.Now()); err != nil {
		log.Printf("registry: transcript append failed: %v", err)
	}
}

func (s *Session) sendError(to *Participant, message, code string) {
	to.queue(protocol.MustMarshal(protocol.TypeError, protocol.ServerError{Message: message, Code: code}))
}

// fanOut delivers the envelope to every participant except skip. Participants
// with a persistently full buffer are treated as dead and removed.
func (s *Session) fanOut(env protocol.Envelope, skip *Participant) {
	var dead []*Participant
	for _, p := range s.participants {
		if skip != nil && p.connID == skip.connID {
			continue
		}
		if !p.queue(env) {
			dead = append(dead, p)
		}
	}
	for _, p := range dead {
		log.Printf("registry: dropping slow participant %s in %s", p.userID, s.key)
		s.handleLeave(p)
	}
}

func (s *Session) buildSnapshot() protocol.StateSnapshot {
	snap := protocol.StateSnapshot{
		Participants: make(map[string]protocol.CollaboratorPresence, len(s.presence)),
		ActiveLocks:  make(map[string]protocol.Lock, len(s.locks)),
	}
	for id, c := range s.presence {
		snap.Participants[id] = c
	}
	for key, l := range s.locks {
		snap.ActiveLocks[key] = l
	}
	if len(s.document) > 0 {
		if raw, err := json.Marshal(string(s.document)); err == nil {
			snap.SharedState = raw
		}
	}
	return snap
}

func (s *Session) buildInfo() SessionInfo {
	info := SessionInfo{
		Key:          s.key,
		Participants: make([]protocol.CollaboratorPresence, 0, len(s.presence)),
		Locks:        make([]protocol.Lock, 0, len(s.locks)),
		DocumentLen:  len(s.document),
	}
	for _, c := range s.presence {
		info.Participants = append(info.Participants, c)
	}
	for _, l := range s.locks {
		info.Locks = append(info.Locks, l)
	}
	return info
}
