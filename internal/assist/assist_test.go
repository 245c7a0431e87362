package assist

import (
	"context"
	"testing"
)

func TestBuildPromptWithoutContext(t *testing.T) {
	if got := buildPrompt("what changed?", nil); got != "what changed?" {
		t.Errorf("expected query passed through, got %q", got)
	}
}

func TestBuildPromptContextOrderIsStable(t *testing.T) {
	queryContext := map[string]any{
		"document": "notes.md",
		"cursor":   42,
		"author":   "userA",
	}
	first := buildPrompt("summarize", queryContext)
	for i := 0; i < 10; i++ {
		if got := buildPrompt("summarize", queryContext); got != first {
			t.Fatalf("prompt not deterministic:\n%s\nvs\n%s", first, got)
		}
	}
	want := "Workspace context:\n- author: userA\n- cursor: 42\n- document: notes.md\n\nsummarize"
	if first != want {
		t.Errorf("unexpected prompt:\n%s", first)
	}
}

func TestScriptedResponderMatchesSubstring(t *testing.T) {
	r := NewScriptedResponder()
	r.Script("deploy", "The deploy finished an hour ago.")

	resp, err := r.Respond(context.Background(), "When did the DEPLOY finish?", nil)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if resp.Response != "The deploy finished an hour ago." {
		t.Errorf("unexpected reply %q", resp.Response)
	}
}

func TestScriptedResponderFallsBack(t *testing.T) {
	r := NewScriptedResponder()
	r.SetFallback("try again")

	resp, err := r.Respond(context.Background(), "unknown topic", nil)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if resp.Response != "try again" {
		t.Errorf("unexpected fallback %q", resp.Response)
	}
}
