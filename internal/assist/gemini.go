package assist

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/collabmesh/collabmesh/internal/registry"
	"github.com/collabmesh/collabmesh/pkg/protocol"
)

type GeminiConfig struct {
	APIKey string
	Model  string
}

// GeminiResponder answers queries through the Gemini API.
type GeminiResponder struct {
	client *genai.Client
	model  string
}

var _ registry.Responder = (*GeminiResponder)(nil)

func NewGeminiResponder(ctx context.Context, cfg GeminiConfig) (*GeminiResponder, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &GeminiResponder{client: client, model: model}, nil
}

func (r *GeminiResponder) Respond(ctx context.Context, query string, queryContext map[string]any) (protocol.AIResponse, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(buildPrompt(query, queryContext), "user"),
	}
	resp, err := r.client.Models.GenerateContent(ctx, r.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(defaultInstructions, "system"),
	})
	if err != nil {
		return protocol.AIResponse{}, fmt.Errorf("gemini generate: %w", err)
	}
	return protocol.AIResponse{Response: resp.Text()}, nil
}
