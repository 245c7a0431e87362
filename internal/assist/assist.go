// Package assist implements the assistant responders that back the
// ai-assistant session scope. Each responder turns a user query plus
// optional structured context into a single reply.
package assist

import (
	"fmt"
	"sort"
	"strings"
)

const defaultInstructions = "You are a collaboration assistant embedded in a shared workspace. " +
	"Answer concisely and refer to the provided workspace context when it is relevant."

// buildPrompt folds the structured query context into a deterministic
// preamble so the same query+context always produces the same prompt.
func buildPrompt(query string, queryContext map[string]any) string {
	if len(queryContext) == 0 {
		return query
	}

	keys := make([]string, 0, len(queryContext))
	for k := range queryContext {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("Workspace context:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %v\n", k, queryContext[k])
	}
	b.WriteString("\n")
	b.WriteString(query)
	return b.String()
}
