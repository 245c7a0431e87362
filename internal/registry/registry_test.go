package registry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/collabmesh/collabmesh/pkg/protocol"
)

func testKey() SessionKey {
	return SessionKey{Platform: "web", Scope: "document", ScopeID: "d1", TenantID: "t1"}
}

func readEnv(t *testing.T, p *Participant) protocol.Envelope {
	t.Helper()
	select {
	case env, ok := <-p.Outbound():
		if !ok {
			t.Fatal("outbound channel closed")
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return protocol.Envelope{}
	}
}

func expectType(t *testing.T, p *Participant, want protocol.MessageType) protocol.Envelope {
	t.Helper()
	env := readEnv(t, p)
	if env.Type != want {
		t.Fatalf("expected %s, got %s", want, env.Type)
	}
	return env
}

func mustJoin(t *testing.T, r *Registry, key SessionKey, connID, userID string) (*Session, *Participant) {
	t.Helper()
	sess, p, err := r.Join(key, connID, userID)
	if err != nil {
		t.Fatalf("join %s: %v", userID, err)
	}
	return sess, p
}

func TestJoinReceivesSnapshotFirst(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	_, pa := mustJoin(t, r, testKey(), "c1", "userA")
	env := expectType(t, pa, protocol.TypeCollaborationState)

	var snap protocol.StateSnapshot
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if _, ok := snap.Participants["userA"]; !ok {
		t.Error("snapshot missing the joiner itself")
	}

	_, pb := mustJoin(t, r, testKey(), "c2", "userB")
	env = expectType(t, pb, protocol.TypeCollaborationState)
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Participants) != 2 {
		t.Errorf("expected 2 participants in second snapshot, got %d", len(snap.Participants))
	}

	// A is told about B.
	env = expectType(t, pa, protocol.TypeUserJoin)
	var join protocol.UserJoin
	if err := json.Unmarshal(env.Data, &join); err != nil {
		t.Fatalf("decode join: %v", err)
	}
	if join.UserID != "userB" {
		t.Errorf("expected user_join for userB, got %s", join.UserID)
	}
}

func TestEditBroadcastSkipsAuthor(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	sess, pa := mustJoin(t, r, testKey(), "c1", "userA")
	expectType(t, pa, protocol.TypeCollaborationState)
	_, pb := mustJoin(t, r, testKey(), "c2", "userB")
	expectType(t, pb, protocol.TypeCollaborationState)
	expectType(t, pa, protocol.TypeUserJoin)

	op := protocol.DocumentOperation{
		OperationID:   "op-1",
		OperationType: protocol.OpInsert,
		Position:      5,
		Content:       "hi",
		UserID:        "userA",
	}
	if err := sess.Deliver(pa, protocol.MustMarshal(protocol.TypeDocumentEdit, op)); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	env := expectType(t, pb, protocol.TypeDocumentEdit)
	var got protocol.DocumentOperation
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("decode op: %v", err)
	}
	if got.OperationID != "op-1" || got.Position != 5 {
		t.Errorf("unexpected op relayed: %+v", got)
	}

	// The author must not see its own operation echoed.
	select {
	case env := <-pa.Outbound():
		t.Errorf("author received unexpected %s", env.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEditsRelayedInArrivalOrder(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	sess, pa := mustJoin(t, r, testKey(), "c1", "userA")
	expectType(t, pa, protocol.TypeCollaborationState)
	_, pb := mustJoin(t, r, testKey(), "c2", "userB")
	expectType(t, pb, protocol.TypeCollaborationState)

	for i := 0; i < 5; i++ {
		op := protocol.DocumentOperation{
			OperationID:   string(rune('a' + i)),
			OperationType: protocol.OpInsert,
			Position:      0,
			Content:       "x",
			UserID:        "userA",
		}
		if err := sess.Deliver(pa, protocol.MustMarshal(protocol.TypeDocumentEdit, op)); err != nil {
			t.Fatalf("deliver %d: %v", i, err)
		}
	}

	for i := 0; i < 5; i++ {
		env := expectType(t, pb, protocol.TypeDocumentEdit)
		var got protocol.DocumentOperation
		if err := json.Unmarshal(env.Data, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.OperationID != string(rune('a'+i)) {
			t.Errorf("op %d out of order: got %s", i, got.OperationID)
		}
	}
}

func intPtr(v int) *int { return &v }

func TestLockArbitration(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	sess, pa := mustJoin(t, r, testKey(), "c1", "userA")
	expectType(t, pa, protocol.TypeCollaborationState)
	_, pb := mustJoin(t, r, testKey(), "c2", "userB")
	expectType(t, pb, protocol.TypeCollaborationState)
	expectType(t, pa, protocol.TypeUserJoin)

	// A takes a range lock.
	if err := sess.Deliver(pa, protocol.MustMarshal(protocol.TypeDocumentLock, protocol.Lock{
		ResourceID:    "doc1",
		LockType:      protocol.LockRange,
		StartPosition: intPtr(0),
		EndPosition:   intPtr(10),
		UserID:        "userA",
	})); err != nil {
		t.Fatalf("lock request: %v", err)
	}
	expectType(t, pa, protocol.TypeLockGranted)
	expectType(t, pb, protocol.TypeLockGranted)

	// B's overlapping range is denied, to B only.
	if err := sess.Deliver(pb, protocol.MustMarshal(protocol.TypeDocumentLock, protocol.Lock{
		ResourceID:    "doc1",
		LockType:      protocol.LockRange,
		StartPosition: intPtr(5),
		EndPosition:   intPtr(15),
		UserID:        "userB",
	})); err != nil {
		t.Fatalf("lock request: %v", err)
	}
	expectType(t, pb, protocol.TypeLockDenied)

	// B's non-overlapping range is granted.
	if err := sess.Deliver(pb, protocol.MustMarshal(protocol.TypeDocumentLock, protocol.Lock{
		ResourceID:    "doc1",
		LockType:      protocol.LockRange,
		StartPosition: intPtr(10),
		EndPosition:   intPtr(20),
		UserID:        "userB",
	})); err != nil {
		t.Fatalf("lock request: %v", err)
	}
	expectType(t, pb, protocol.TypeLockGranted)
	expectType(t, pa, protocol.TypeLockGranted)

	// A whole-document lock conflicts with the existing ranges.
	if err := sess.Deliver(pa, protocol.MustMarshal(protocol.TypeDocumentLock, protocol.Lock{
		ResourceID: "doc1",
		LockType:   protocol.LockDocument,
		UserID:     "userA",
	})); err != nil {
		t.Fatalf("lock request: %v", err)
	}
	expectType(t, pa, protocol.TypeLockDenied)
}

func TestLocksAutoReleaseOnLeave(t *testing.T) {
	r := New(Options{GracePeriod: time.Hour})
	defer r.Close()

	sess, pa := mustJoin(t, r, testKey(), "c1", "userA")
	expectType(t, pa, protocol.TypeCollaborationState)
	_, pb := mustJoin(t, r, testKey(), "c2", "userB")
	expectType(t, pb, protocol.TypeCollaborationState)
	expectType(t, pa, protocol.TypeUserJoin)

	if err := sess.Deliver(pa, protocol.MustMarshal(protocol.TypeDocumentLock, protocol.Lock{
		ResourceID: "doc1",
		LockType:   protocol.LockDocument,
		UserID:     "userA",
	})); err != nil {
		t.Fatalf("lock request: %v", err)
	}
	expectType(t, pa, protocol.TypeLockGranted)
	expectType(t, pb, protocol.TypeLockGranted)

	r.Leave(sess, pa)

	env := expectType(t, pb, protocol.TypeDocumentUnlock)
	var rel protocol.LockRelease
	if err := json.Unmarshal(env.Data, &rel); err != nil {
		t.Fatalf("decode release: %v", err)
	}
	if rel.ResourceID != "doc1" || rel.UserID != "userA" {
		t.Errorf("unexpected release: %+v", rel)
	}
	expectType(t, pb, protocol.TypeUserLeave)
}

func TestSessionTornDownAfterGracePeriod(t *testing.T) {
	r := New(Options{GracePeriod: 20 * time.Millisecond})
	defer r.Close()

	sess, pa := mustJoin(t, r, testKey(), "c1", "userA")
	expectType(t, pa, protocol.TypeCollaborationState)
	r.Leave(sess, pa)

	deadline := time.Now().Add(2 * time.Second)
	for r.SessionCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.SessionCount() != 0 {
		t.Errorf("expected session torn down after grace period, count=%d", r.SessionCount())
	}
}

func TestRejoinWithinGraceCancelsTeardown(t *testing.T) {
	r := New(Options{GracePeriod: 50 * time.Millisecond})
	defer r.Close()

	sess, pa := mustJoin(t, r, testKey(), "c1", "userA")
	expectType(t, pa, protocol.TypeCollaborationState)
	r.Leave(sess, pa)

	_, pb := mustJoin(t, r, testKey(), "c2", "userA")
	expectType(t, pb, protocol.TypeCollaborationState)

	time.Sleep(120 * time.Millisecond)
	if r.SessionCount() != 1 {
		t.Errorf("expected session retained after rejoin, count=%d", r.SessionCount())
	}
}

func TestRejoinRacingExpiryLandsOnFreshSession(t *testing.T) {
	r := New(Options{GracePeriod: time.Hour})
	defer r.Close()

	key := testKey()
	sess, pa := mustJoin(t, r, key, "c1", "userA")
	expectType(t, pa, protocol.TypeCollaborationState)
	r.Leave(sess, pa)

	// Stall the actor on an unread info reply so the expiry check ends up
	// queued ahead of the rejoin.
	stall := make(chan SessionInfo)
	if err := sess.enqueue(infoCmd{reply: stall}); err != nil {
		t.Fatalf("stall: %v", err)
	}

	expired := make(chan struct{})
	go func() {
		r.expire(sess)
		close(expired)
	}()
	time.Sleep(20 * time.Millisecond)

	joined := make(chan struct{})
	var pb *Participant
	go func() {
		defer close(joined)
		_, p, err := r.Join(key, "c2", "userA")
		if err != nil {
			t.Errorf("rejoin: %v", err)
			return
		}
		pb = p
	}()
	time.Sleep(20 * time.Millisecond)

	<-stall // release the actor

	select {
	case <-expired:
	case <-time.After(2 * time.Second):
		t.Fatal("expiry did not complete")
	}
	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("rejoin did not complete")
	}
	if pb == nil {
		t.Fatal("rejoin returned no participant")
	}

	// The rejoin must land on a live session and get its snapshot.
	expectType(t, pb, protocol.TypeCollaborationState)
	if r.SessionCount() != 1 {
		t.Errorf("expected the replacement session live, count=%d", r.SessionCount())
	}
}

type stubResponder struct{}

func (stubResponder) Respond(ctx context.Context, query string, _ map[string]any) (protocol.AIResponse, error) {
	return protocol.AIResponse{Response: "echo: " + query}, nil
}

type recordingTranscripts struct {
	mu    sync.Mutex
	turns []string
}

func (r *recordingTranscripts) AppendConversationTurn(conversationID, turnType, userID, content string, _ time.Time) error {
	r.mu.Lock()
	r.turns = append(r.turns, turnType)
	r.mu.Unlock()
	return nil
}

func TestAIQueryRoundTrip(t *testing.T) {
	transcripts := &recordingTranscripts{}
	r := New(Options{Responder: stubResponder{}, Transcripts: transcripts})
	defer r.Close()

	key := SessionKey{Platform: "web", Scope: "ai-assistant", TenantID: "t1"}
	sess, p := mustJoin(t, r, key, "c1", "userA")
	expectType(t, p, protocol.TypeCollaborationState)
	expectType(t, p, protocol.TypeAIAssistantReady)

	if err := sess.Deliver(p, protocol.MustMarshal(protocol.TypeAIQuery, protocol.AIQuery{
		Query:          "summarize",
		ConversationID: "conv-1",
		UserID:         "userA",
	})); err != nil {
		t.Fatalf("deliver query: %v", err)
	}

	expectType(t, p, protocol.TypeAIThinking)
	env := expectType(t, p, protocol.TypeAIResponse)

	var resp protocol.AIResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Response != "echo: summarize" {
		t.Errorf("unexpected response %q", resp.Response)
	}
	if resp.ConversationID != "conv-1" {
		t.Errorf("expected conversation id correlation, got %q", resp.ConversationID)
	}

	transcripts.mu.Lock()
	turns := append([]string(nil), transcripts.turns...)
	transcripts.mu.Unlock()
	if len(turns) != 2 || turns[0] != "user_query" || turns[1] != "ai_response" {
		t.Errorf("unexpected transcript turns %v", turns)
	}
}

func TestServerBroadcastReachesEveryone(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	sess, pa := mustJoin(t, r, testKey(), "c1", "userA")
	expectType(t, pa, protocol.TypeCollaborationState)
	_, pb := mustJoin(t, r, testKey(), "c2", "userB")
	expectType(t, pb, protocol.TypeCollaborationState)
	expectType(t, pa, protocol.TypeUserJoin)

	if err := sess.Broadcast(protocol.MustMarshal(protocol.TypeSystemBroadcast, protocol.SystemBroadcast{
		Message: "maintenance at midnight",
	})); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	expectType(t, pa, protocol.TypeSystemBroadcast)
	expectType(t, pb, protocol.TypeSystemBroadcast)
}

func TestPresenceUpdatesRejectForgedUserID(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	sess, pa := mustJoin(t, r, testKey(), "c1", "userA")
	expectType(t, pa, protocol.TypeCollaborationState)
	_, pb := mustJoin(t, r, testKey(), "c2", "userB")
	expectType(t, pb, protocol.TypeCollaborationState)
	expectType(t, pa, protocol.TypeUserJoin)

	if err := sess.Deliver(pa, protocol.MustMarshal(protocol.TypeCursorPosition, protocol.CursorPosition{
		UserID:   "userB",
		Position: 7,
	})); err != nil {
		t.Fatalf("deliver cursor: %v", err)
	}
	env := expectType(t, pa, protocol.TypeError)
	var serr protocol.ServerError
	if err := json.Unmarshal(env.Data, &serr); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if serr.Code != "forbidden" {
		t.Errorf("expected forbidden, got %q", serr.Code)
	}

	if err := sess.Deliver(pa, protocol.MustMarshal(protocol.TypeUserTyping, protocol.UserTyping{
		UserID:   "userB",
		IsTyping: true,
	})); err != nil {
		t.Fatalf("deliver typing: %v", err)
	}
	expectType(t, pa, protocol.TypeError)

	// The forged events must not reach anyone else.
	select {
	case env := <-pb.Outbound():
		t.Errorf("other participant received unexpected %s", env.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPresenceSurvivesWhileUserHasAnotherConnection(t *testing.T) {
	r := New(Options{GracePeriod: time.Hour})
	defer r.Close()

	key := testKey()
	sess, p1 := mustJoin(t, r, key, "c1", "userA")
	expectType(t, p1, protocol.TypeCollaborationState)
	_, p2 := mustJoin(t, r, key, "c2", "userA")
	expectType(t, p2, protocol.TypeCollaborationState)
	_, pb := mustJoin(t, r, key, "c3", "userB")
	expectType(t, pb, protocol.TypeCollaborationState)

	// The second connection of an already-present user announces no arrival.
	expectType(t, p1, protocol.TypeUserJoin) // userB only
	select {
	case env := <-p2.Outbound():
		if env.Type != protocol.TypeUserJoin {
			t.Fatalf("expected user_join for userB, got %s", env.Type)
		}
		var join protocol.UserJoin
		if err := json.Unmarshal(env.Data, &join); err != nil {
			t.Fatalf("decode join: %v", err)
		}
		if join.UserID != "userB" {
			t.Errorf("expected join for userB, got %s", join.UserID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for userB join")
	}

	if err := sess.Deliver(p1, protocol.MustMarshal(protocol.TypeDocumentLock, protocol.Lock{
		ResourceID: "doc1",
		LockType:   protocol.LockDocument,
		UserID:     "userA",
	})); err != nil {
		t.Fatalf("lock request: %v", err)
	}
	expectType(t, p1, protocol.TypeLockGranted)
	expectType(t, p2, protocol.TypeLockGranted)
	expectType(t, pb, protocol.TypeLockGranted)

	// Dropping one of userA's two connections keeps presence and locks.
	r.Leave(sess, p1)
	select {
	case env, ok := <-pb.Outbound():
		if ok {
			t.Errorf("userB received unexpected %s", env.Type)
		}
	case <-time.After(50 * time.Millisecond):
	}

	info, err := sess.Info()
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if len(info.Participants) != 2 {
		t.Errorf("expected userA and userB still present, got %d entries", len(info.Participants))
	}
	if len(info.Locks) != 1 {
		t.Errorf("expected lock retained, got %d", len(info.Locks))
	}

	// The last connection leaving releases the lock and announces departure.
	r.Leave(sess, p2)
	expectType(t, pb, protocol.TypeDocumentUnlock)
	env := expectType(t, pb, protocol.TypeUserLeave)
	var leave protocol.UserLeave
	if err := json.Unmarshal(env.Data, &leave); err != nil {
		t.Fatalf("decode leave: %v", err)
	}
	if leave.UserID != "userA" {
		t.Errorf("expected leave for userA, got %s", leave.UserID)
	}
}
