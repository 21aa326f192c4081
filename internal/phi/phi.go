// Package phi replaces protected health information in clinical text with
// reversible tokens and keeps the sealed token mapping for each encounter.
package phi

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/chart-audit/internal/model"
	"github.com/sells-group/chart-audit/internal/resilience"
	"github.com/sells-group/chart-audit/internal/seal"
)

// Classifier finds PHI spans in text. Offsets on the returned entities are
// byte offsets into text.
type Classifier interface {
	DetectPHI(ctx context.Context, text string) ([]model.PHIEntity, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, text string) ([]model.PHIEntity, error)

// DetectPHI implements Classifier.
func (f ClassifierFunc) DetectPHI(ctx context.Context, text string) ([]model.PHIEntity, error) {
	return f(ctx, text)
}

// Result is the outcome of de-identifying one text.
type Result struct {
	DeidentifiedText string
	Entities         []model.PHIEntity
	// Mappings are in left-to-right order of appearance.
	Mappings    []model.PHIToken
	PHIDetected bool
}

// Engine de-identifies text and manages encounter mappings.
type Engine struct {
	classifier Classifier
	sealer     *seal.Sealer
	mappings   MappingStore
	breaker    *resilience.CircuitBreaker
	retry      resilience.RetryConfig
}

// Option configures an Engine.
type Option func(*Engine)

// WithBreaker routes classifier calls through cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(e *Engine) { e.breaker = cb }
}

// WithRetry sets the in-call retry policy for classifier calls.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(e *Engine) { e.retry = cfg }
}

// NewEngine creates an Engine. sealer and mappings may be nil for callers
// that only de-identify.
func NewEngine(classifier Classifier, sealer *seal.Sealer, mappings MappingStore, opts ...Option) *Engine {
	e := &Engine{
		classifier: classifier,
		sealer:     sealer,
		mappings:   mappings,
		retry:      resilience.DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.retry.OnRetry == nil {
		e.retry.OnRetry = resilience.RetryLogger("phi_classifier", "detect_phi")
	}
	return e
}

type edit struct {
	begin, end int
	token      string
}

// DetectAndDeidentify classifies text and replaces every accepted PHI span
// with a [TYPE_N] token. Classifier failures are returned as transient errors.
func (e *Engine) DetectAndDeidentify(ctx context.Context, text string) (*Result, error) {
	if text == "" {
		return &Result{}, nil
	}

	entities, err := e.detect(ctx, text)
	if err != nil {
		return nil, err
	}
	return Deidentify(text, entities), nil
}

func (e *Engine) detect(ctx context.Context, text string) ([]model.PHIEntity, error) {
	call := func(ctx context.Context) ([]model.PHIEntity, error) {
		return e.classifier.DetectPHI(ctx, text)
	}
	if e.breaker != nil {
		inner := call
		call = func(ctx context.Context) ([]model.PHIEntity, error) {
			return resilience.ExecuteVal(ctx, e.breaker, inner)
		}
	}

	entities, err := resilience.DoVal(ctx, e.retry, call)
	if err != nil {
		var tagged *resilience.Error
		if !errors.As(err, &tagged) {
			err = resilience.Transient(err)
		}
		return nil, eris.Wrap(err, "phi: detect")
	}
	return entities, nil
}

// Deidentify applies entities to text. Entities are walked in descending
// begin offset; per-type counters are assigned in that order. Spans that are
// out of range, split a UTF-8 sequence, or overlap a span already accepted
// are dropped.
func Deidentify(text string, entities []model.PHIEntity) *Result {
	sorted := make([]model.PHIEntity, len(entities))
	copy(sorted, entities)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].BeginOffset != sorted[j].BeginOffset {
			return sorted[i].BeginOffset > sorted[j].BeginOffset
		}
		return sorted[i].EndOffset > sorted[j].EndOffset
	})

	counters := make(map[string]int)
	floor := len(text) + 1
	var edits []edit
	var tokens []model.PHIToken
	var accepted []model.PHIEntity
	dropped := 0

	for _, ent := range sorted {
		if !validSpan(text, ent.BeginOffset, ent.EndOffset) || ent.EndOffset > floor {
			dropped++
			continue
		}
		floor = ent.BeginOffset

		typ := TokenType(ent.Type)
		token := nextToken(text, typ, counters)
		edits = append(edits, edit{begin: ent.BeginOffset, end: ent.EndOffset, token: token})
		tokens = append(tokens, model.PHIToken{
			Token:      token,
			Original:   text[ent.BeginOffset:ent.EndOffset],
			EntityType: typ,
			Index:      counters[typ],
		})
		accepted = append(accepted, ent)
	}

	if dropped > 0 {
		zap.L().Warn("phi: dropped invalid or overlapping spans",
			zap.Int("dropped", dropped),
			zap.Int("accepted", len(edits)),
		)
	}

	if len(edits) == 0 {
		return &Result{DeidentifiedText: text, Entities: accepted}
	}

	reverse(edits)
	reverse(tokens)
	reverse(accepted)

	var b strings.Builder
	b.Grow(len(text))
	pos := 0
	for _, ed := range edits {
		b.WriteString(text[pos:ed.begin])
		b.WriteString(ed.token)
		pos = ed.end
	}
	b.WriteString(text[pos:])

	return &Result{
		DeidentifiedText: b.String(),
		Entities:         accepted,
		Mappings:         tokens,
		PHIDetected:      true,
	}
}

// nextToken returns the next free token for typ. Tokens that already occur
// literally in the source text are skipped so reidentification cannot touch
// them.
func nextToken(text, typ string, counters map[string]int) string {
	for {
		counters[typ]++
		token := fmt.Sprintf("[%s_%d]", typ, counters[typ])
		if !strings.Contains(text, token) {
			return token
		}
	}
}

func validSpan(text string, begin, end int) bool {
	if begin < 0 || end > len(text) || begin >= end {
		return false
	}
	if !utf8.RuneStart(text[begin]) {
		return false
	}
	return end == len(text) || utf8.RuneStart(text[end])
}

// TokenType upper-cases t and replaces anything outside [A-Z0-9_] with an
// underscore. An empty type becomes PHI.
func TokenType(t string) string {
	t = strings.ToUpper(strings.TrimSpace(t))
	if t == "" {
		return "PHI"
	}
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, t)
}

var tokenPattern = regexp.MustCompile(`\[[A-Z0-9_]+_\d+\]`)

// Reidentify restores original text for every token present in mappings.
// Tokens are matched whole, so [NAME_1] never matches inside [NAME_10].
// Unknown tokens are left as they are.
func Reidentify(deidentified string, mappings []model.PHIToken) string {
	if len(mappings) == 0 {
		return deidentified
	}
	lookup := make(map[string]string, len(mappings))
	for _, m := range mappings {
		lookup[m.Token] = m.Original
	}
	return tokenPattern.ReplaceAllStringFunc(deidentified, func(tok string) string {
		if orig, ok := lookup[tok]; ok {
			return orig
		}
		return tok
	})
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
