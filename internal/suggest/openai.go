package suggest

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"github.com/sashabaranov/go-openai"

	"github.com/sells-group/chart-audit/internal/resilience"
)

// OpenAIClient proposes codes with the OpenAI Chat Completions API.
type OpenAIClient struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAIClient creates an OpenAIClient. An empty baseURL uses the public API.
func NewOpenAIClient(apiKey, baseURL, modelID string, maxTokens int) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if modelID == "" {
		modelID = openai.GPT4oMini
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), model: modelID, maxTokens: maxTokens}
}

// Suggest implements Client.
func (c *OpenAIClient) Suggest(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildUserPrompt(req)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, eris.Wrap(classifyOpenAIError(err), "suggest: openai")
	}
	if len(resp.Choices) == 0 {
		return nil, resilience.Transient(eris.Wrap(ErrInvalidResponse, "openai returned no choices"))
	}
	if resp.Choices[0].FinishReason == openai.FinishReasonLength {
		return nil, resilience.Transient(eris.Wrapf(ErrInvalidResponse, "output truncated at %d tokens", c.maxTokens))
	}

	out, err := ParseResponse(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	out.Usage = Usage{
		Provider:     "openai",
		Model:        c.model,
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}
	return out, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(err, apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(err, reqErr.HTTPStatusCode)
	}
	return resilience.Transient(err)
}
