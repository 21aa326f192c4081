package suggest

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/chart-audit/internal/model"
	"github.com/sells-group/chart-audit/internal/resilience"
	"github.com/sells-group/chart-audit/pkg/anthropic"
)

// AnthropicClient proposes codes with the Anthropic Messages API.
type AnthropicClient struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicClient creates an AnthropicClient.
func NewAnthropicClient(client anthropic.Client, modelID string, maxTokens int64) *AnthropicClient {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicClient{client: client, model: modelID, maxTokens: maxTokens}
}

// Suggest implements Client.
func (c *AnthropicClient) Suggest(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.client.Complete(ctx, anthropic.Prompt{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		System:      systemPrompt,
		CacheSystem: true,
		User:        BuildUserPrompt(req),
	})
	if err != nil {
		return nil, eris.Wrap(classifyStatus(err, anthropic.StatusCode(err)), "suggest: anthropic")
	}
	resp.Usage.Log(c.model, model.StepCodesSuggested)
	if resp.Truncated() {
		return nil, resilience.Transient(eris.Wrapf(ErrInvalidResponse, "output truncated at %d tokens", c.maxTokens))
	}

	out, err := ParseResponse(resp.Text)
	if err != nil {
		return nil, err
	}
	out.Usage = Usage{
		Provider:     "anthropic",
		Model:        c.model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	return out, nil
}
