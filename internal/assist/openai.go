package assist

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/responses"

	"github.com/collabmesh/collabmesh/internal/registry"
	"github.com/collabmesh/collabmesh/pkg/protocol"
)

type OpenAIConfig struct {
	APIKey string
	Model  string
}

// OpenAIResponder answers queries through the OpenAI Responses API.
type OpenAIResponder struct {
	client openai.Client
	model  string
}

var _ registry.Responder = (*OpenAIResponder)(nil)

func NewOpenAIResponder(cfg OpenAIConfig) *OpenAIResponder {
	model := cfg.Model
	if model == "" {
		model = openai.ChatModelGPT5_2
	}
	return &OpenAIResponder{
		client: openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  model,
	}
}

func (r *OpenAIResponder) Respond(ctx context.Context, query string, queryContext map[string]any) (protocol.AIResponse, error) {
	resp, err := r.client.Responses.New(ctx, responses.ResponseNewParams{
		Instructions: param.NewOpt(defaultInstructions),
		Input: responses.ResponseNewParamsInputUnion{
			OfString: param.NewOpt(buildPrompt(query, queryContext)),
		},
		Model: r.model,
	})
	if err != nil {
		return protocol.AIResponse{}, fmt.Errorf("openai response: %w", err)
	}
	return protocol.AIResponse{Response: resp.OutputText()}, nil
}
