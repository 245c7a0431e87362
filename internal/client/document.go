package client

import (
	"sync"

	"github.com/collabmesh/collabmesh/pkg/protocol"
)

// Document applies remote operations to a local text buffer in arrival order.
// There is no merge or rebase against in-flight local edits; positions are
// interpreted against whatever the buffer currently contains, which can
// diverge under concurrent editing.
type Document struct {
	mu          sync.Mutex
	buf         []rune
	localUserID string
}

func newDocument(localUserID string) *Document {
	return &Document{localUserID: localUserID}
}

// Load replaces the buffer, typically from a collaboration_state snapshot.
func (d *Document) Load(text string) {
	d.mu.Lock()
	d.buf = []rune(text)
	d.mu.Unlock()
}

// Apply performs the operation textually. Operations authored by the local
// user are echoes of edits already applied before transmission and are
// dropped.
func (d *Document) Apply(op protocol.DocumentOperation) {
	if op.UserID == d.localUserID {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	pos := clamp(op.Position, 0, len(d.buf))
	switch op.OperationType {
	case protocol.OpInsert:
		d.buf = splice(d.buf, pos, 0, []rune(op.Content))
	case protocol.OpDelete:
		d.buf = splice(d.buf, pos, op.Length, nil)
	case protocol.OpReplace:
		d.buf = splice(d.buf, pos, op.Length, []rune(op.Content))
	}
}

// Text returns the current buffer contents.
func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return string(d.buf)
}

// Len returns the buffer length in runes.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buf)
}

func splice(buf []rune, pos, remove int, insert []rune) []rune {
	end := clamp(pos+remove, pos, len(buf))
	out := make([]rune, 0, len(buf)-(end-pos)+len(insert))
	out = append(out, buf[:pos]...)
	out = append(out, insert...)
	out = append(out, buf[end:]...)
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
