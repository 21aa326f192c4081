// Package anthropic is a thin single-turn wrapper over anthropic-sdk-go.
package anthropic

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// StopMaxTokens is the stop reason reported when output hit the token cap.
const StopMaxTokens = "max_tokens"

// Client sends one system prompt and one user turn and returns the text reply.
type Client interface {
	Complete(ctx context.Context, p Prompt) (*Completion, error)
}

// Prompt is a single-turn request. When CacheSystem is set the system prompt
// carries an ephemeral cache breakpoint so repeated calls reuse it.
type Prompt struct {
	Model       string
	MaxTokens   int64
	System      string
	CacheSystem bool
	User        string
	Temperature float64
}

// Completion is the flattened reply.
type Completion struct {
	ID         string
	Model      string
	Text       string
	StopReason string
	Usage      Usage
}

// Truncated reports whether the reply was cut off at MaxTokens.
func (c *Completion) Truncated() bool {
	return c.StopReason == StopMaxTokens
}

// Usage tracks token consumption for one call.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheWriteTokens int64
	CacheReadTokens  int64
}

// pricing is {input, output} USD per million tokens.
var pricing = map[string][2]float64{
	"claude-haiku-4-5-20251001":  {0.80, 4.00},
	"claude-sonnet-4-5-20250929": {3.00, 15.00},
}

// EstimateCost returns the estimated USD cost of u for modelID, or 0 when
// the model is not priced. Cache writes bill at 1.25x input, reads at 0.1x.
func (u Usage) EstimateCost(modelID string) float64 {
	p, ok := pricing[modelID]
	if !ok {
		return 0
	}
	in := float64(u.InputTokens) + 1.25*float64(u.CacheWriteTokens) + 0.1*float64(u.CacheReadTokens)
	return (in*p[0] + float64(u.OutputTokens)*p[1]) / 1e6
}

// Log records usage for one call under the given pipeline step.
func (u Usage) Log(modelID, step string) {
	zap.L().Info("anthropic usage",
		zap.String("model", modelID),
		zap.String("step", step),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Int64("cache_write_tokens", u.CacheWriteTokens),
		zap.Int64("cache_read_tokens", u.CacheReadTokens),
		zap.Float64("estimated_cost_usd", u.EstimateCost(modelID)),
	)
}

// StatusCode returns the HTTP status of an API error, or 0 when err did not
// come from an API response.
func StatusCode(err error) int {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

type sdkClient struct {
	client sdk.Client
}

// NewClient creates a Client backed by the SDK. SDK-level retries are
// disabled; callers own the retry policy. An empty baseURL uses the public API.
func NewClient(apiKey, baseURL string) Client {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &sdkClient{client: sdk.NewClient(opts...)}
}

func (c *sdkClient) Complete(ctx context.Context, p Prompt) (*Completion, error) {
	msg, err := c.client.Messages.New(ctx, newParams(p))
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: complete")
	}
	return toCompletion(msg), nil
}

func newParams(p Prompt) sdk.MessageNewParams {
	params := sdk.MessageNewParams{
		Model:       sdk.Model(p.Model),
		MaxTokens:   p.MaxTokens,
		Messages:    []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(p.User))},
		Temperature: sdk.Float(p.Temperature),
	}
	if p.System != "" {
		block := sdk.TextBlockParam{Text: p.System}
		if p.CacheSystem {
			block.CacheControl = sdk.NewCacheControlEphemeralParam()
		}
		params.System = []sdk.TextBlockParam{block}
	}
	return params
}

func toCompletion(msg *sdk.Message) *Completion {
	var text strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}
	return &Completion{
		ID:         msg.ID,
		Model:      string(msg.Model),
		Text:       text.String(),
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:      msg.Usage.InputTokens,
			OutputTokens:     msg.Usage.OutputTokens,
			CacheWriteTokens: msg.Usage.CacheCreationInputTokens,
			CacheReadTokens:  msg.Usage.CacheReadInputTokens,
		},
	}
}
