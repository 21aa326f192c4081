// Package suggest calls an external model to propose billing codes for a
// de-identified clinical note.
package suggest

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"math"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/xeipuuv/gojsonschema"

	"github.com/sells-group/chart-audit/internal/codes"
	"github.com/sells-group/chart-audit/internal/model"
	"github.com/sells-group/chart-audit/internal/resilience"
)

// Request is the input to a suggestion call. Text must already be
// de-identified.
type Request struct {
	DeidentifiedText string
	BilledCodes      []model.BillingCode
	Hints            []string
}

// Usage reports token consumption for one call.
type Usage struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Response is the parsed suggestion payload.
type Response struct {
	Suggestions []model.CodeSuggestion
	Analysis    model.Analysis
	Usage       Usage
}

// Client proposes codes for a note.
type Client interface {
	Suggest(ctx context.Context, req Request) (*Response, error)
}

// ErrInvalidResponse is returned when model output does not match the
// response schema.
var ErrInvalidResponse = eris.New("suggest: response does not match schema")

//go:embed schema.json
var responseSchema []byte

var schema = mustSchema()

func mustSchema() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(responseSchema))
	if err != nil {
		panic(err)
	}
	return s
}

type wireSuggestion struct {
	Code           string   `json:"code"`
	Family         string   `json:"family"`
	Description    string   `json:"description"`
	Justification  string   `json:"justification"`
	Confidence     float64  `json:"confidence"`
	SupportingText []string `json:"supporting_text"`
}

type wireResponse struct {
	Suggestions       []wireSuggestion `json:"suggestions"`
	DocumentationGaps []string         `json:"documentation_gaps"`
	RiskFlags         []string         `json:"risk_flags"`
	Summary           string           `json:"summary"`
}

// ParseResponse extracts the JSON object from model text, validates it
// against the response schema and converts it. Schema failures are tagged
// transient since a second sample may conform.
func ParseResponse(text string) (*Response, error) {
	raw := extractJSON(text)
	if raw == "" {
		return nil, resilience.Transient(eris.Wrap(ErrInvalidResponse, "no JSON object in output"))
	}

	result, err := schema.Validate(gojsonschema.NewStringLoader(raw))
	if err != nil {
		return nil, resilience.Transient(eris.Wrapf(ErrInvalidResponse, "parse: %v", err))
	}
	if !result.Valid() {
		var msgs []string
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return nil, resilience.Transient(eris.Wrapf(ErrInvalidResponse, "%s", strings.Join(msgs, "; ")))
	}

	var wire wireResponse
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, resilience.Transient(eris.Wrap(err, "suggest: decode response"))
	}

	out := &Response{
		Suggestions: make([]model.CodeSuggestion, 0, len(wire.Suggestions)),
		Analysis: model.Analysis{
			DocumentationGaps: wire.DocumentationGaps,
			RiskFlags:         wire.RiskFlags,
			Summary:           wire.Summary,
		},
	}
	for _, s := range wire.Suggestions {
		out.Suggestions = append(out.Suggestions, model.CodeSuggestion{
			Code:           s.Code,
			Family:         codes.NormalizeFamily(model.CodeFamily(s.Family)),
			Description:    s.Description,
			Justification:  s.Justification,
			Confidence:     math.Min(1, math.Max(0, s.Confidence)),
			SupportingText: s.SupportingText,
		})
	}
	return out, nil
}

// extractJSON returns the outermost {...} span of s, skipping any prose or
// code fences around it.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// classifyStatus tags an API error by HTTP status. Rate limits and server
// errors are transient; other 4xx responses are validation failures.
func classifyStatus(err error, status int) error {
	switch {
	case status == 0:
		return resilience.Transient(err)
	case resilience.IsTransientHTTPStatus(status):
		return resilience.NewTransientError(err, status)
	case status >= 400 && status < 500:
		return resilience.Validation(err)
	default:
		return resilience.Transient(err)
	}
}

// Guarded wraps a Client with a circuit breaker and in-call retries.
type Guarded struct {
	next    Client
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
}

// NewGuarded wraps next. A nil breaker disables circuit breaking.
func NewGuarded(next Client, breaker *resilience.CircuitBreaker, retry resilience.RetryConfig) *Guarded {
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("suggest", "suggest")
	}
	return &Guarded{next: next, breaker: breaker, retry: retry}
}

// Suggest implements Client.
func (g *Guarded) Suggest(ctx context.Context, req Request) (*Response, error) {
	call := g.next.Suggest
	if g.breaker != nil {
		call = func(ctx context.Context, req Request) (*Response, error) {
			return resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (*Response, error) {
				return g.next.Suggest(ctx, req)
			})
		}
	}
	resp, err := resilience.DoVal(ctx, g.retry, func(ctx context.Context) (*Response, error) {
		return call(ctx, req)
	})
	if err != nil {
		var tagged *resilience.Error
		if !errors.As(err, &tagged) {
			err = resilience.Transient(err)
		}
		return nil, err
	}
	return resp, nil
}
