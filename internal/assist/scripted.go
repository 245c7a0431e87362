package assist

import (
	"context"
	"strings"
	"sync"

	"github.com/collabmesh/collabmesh/internal/registry"
	"github.com/collabmesh/collabmesh/pkg/protocol"
)

// ScriptedResponder matches queries against canned replies. It backs
// local development and tests, where calling a hosted model is not wanted.
type ScriptedResponder struct {
	mu       sync.RWMutex
	replies  map[string]string
	fallback string
}

var _ registry.Responder = (*ScriptedResponder)(nil)

func NewScriptedResponder() *ScriptedResponder {
	return &ScriptedResponder{
		replies:  make(map[string]string),
		fallback: "I don't have an answer for that yet.",
	}
}

// Script registers a reply for queries containing the given substring.
func (r *ScriptedResponder) Script(substring, reply string) {
	r.mu.Lock()
	r.replies[strings.ToLower(substring)] = reply
	r.mu.Unlock()
}

func (r *ScriptedResponder) SetFallback(reply string) {
	r.mu.Lock()
	r.fallback = reply
	r.mu.Unlock()
}

func (r *ScriptedResponder) Respond(_ context.Context, query string, _ map[string]any) (protocol.AIResponse, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lowered := strings.ToLower(query)
	for substring, reply := range r.replies {
		if strings.Contains(lowered, substring) {
			return protocol.AIResponse{Response: reply}, nil
		}
	}
	return protocol.AIResponse{Response: r.fallback}, nil
}
