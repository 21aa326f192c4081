// Package compare reconciles suggested billing codes against billed codes
// and estimates the incremental revenue.
package compare

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/chart-audit/internal/codes"
	"github.com/sells-group/chart-audit/internal/model"
	"github.com/sells-group/chart-audit/internal/rates"
)

// DefaultPrefixLength is how many leading characters two codes must share
// to be considered variants of one another.
const DefaultPrefixLength = 3

// Input is a single comparison request.
type Input struct {
	BilledCodes []model.BillingCode
	Suggestions []model.CodeSuggestion
	PayerID     string
	AsOf        time.Time
}

// Result is the reconciled comparison and its revenue figures.
type Result struct {
	Comparisons           []model.CodeComparison `json:"comparisons"`
	TotalBilledRevenue    float64                `json:"total_billed_revenue"`
	TotalSuggestedRevenue float64                `json:"total_suggested_revenue"`
	IncrementalRevenue    float64                `json:"incremental_revenue"`
	ConfidenceScore       float64                `json:"confidence_score"`
	MatchCount            int                    `json:"match_count"`
	NewCount              int                    `json:"new_count"`
	UpgradeCount          int                    `json:"upgrade_count"`
}

// Engine compares codes using a rate lookup.
type Engine struct {
	rates     rates.Lookup
	prefixLen int
}

// Option configures an Engine.
type Option func(*Engine)

// WithPrefixLength overrides DefaultPrefixLength.
func WithPrefixLength(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.prefixLen = n
		}
	}
}

// New creates an Engine. A nil lookup uses the default rate table.
func New(lookup rates.Lookup, opts ...Option) *Engine {
	if lookup == nil {
		lookup = rates.DefaultTable()
	}
	e := &Engine{rates: lookup, prefixLen: DefaultPrefixLength}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Compare classifies each suggestion as match, upgrade, or new. It never
// fails: codes without a known rate contribute zero revenue.
func (e *Engine) Compare(ctx context.Context, in Input) *Result {
	billed := normalizeBilled(in.BilledCodes)
	suggestions := Dedupe(in.Suggestions)

	res := &Result{Comparisons: make([]model.CodeComparison, 0, len(suggestions))}
	price := func(code string, family model.CodeFamily) float64 {
		return e.price(ctx, in, code, family)
	}

	for _, b := range billed {
		res.TotalBilledRevenue += price(b.Code, b.Family)
	}

	var weighted float64
	for _, s := range suggestions {
		suggestedRate := price(s.Code, s.Family)
		res.TotalSuggestedRevenue += suggestedRate

		cmp := model.CodeComparison{
			SuggestedCode: s.Code,
			Family:        s.Family,
			Confidence:    s.Confidence,
			Justification: s.Justification,
		}

		if b, ok := exactMatch(billed, s.Code); ok {
			cmp.BilledCode = &b
			cmp.Classification = model.ClassificationMatch
			res.MatchCount++
		} else if b, ok := e.upgradeBase(billed, s); ok {
			cmp.BilledCode = &b
			cmp.Classification = model.ClassificationUpgrade
			cmp.RevenueImpact = math.Max(0, suggestedRate-price(b.Code, b.Family))
			res.UpgradeCount++
		} else {
			cmp.Classification = model.ClassificationNew
			cmp.RevenueImpact = suggestedRate
			res.NewCount++
		}

		cmp.RevenueImpact = rates.Round(cmp.RevenueImpact)
		res.IncrementalRevenue += cmp.RevenueImpact
		weighted += cmp.Confidence * cmp.RevenueImpact
		res.Comparisons = append(res.Comparisons, cmp)
	}

	if res.IncrementalRevenue > 0 {
		res.ConfidenceScore = math.Round(weighted/res.IncrementalRevenue*10000) / 10000
	}
	res.TotalBilledRevenue = rates.Round(res.TotalBilledRevenue)
	res.TotalSuggestedRevenue = rates.Round(res.TotalSuggestedRevenue)
	res.IncrementalRevenue = rates.Round(res.IncrementalRevenue)
	return res
}

// upgradeBase finds the billed code a suggestion upgrades: same family, same
// leading prefix, and lexicographically lower. With several candidates the
// highest (closest) billed code is used.
func (e *Engine) upgradeBase(billed []model.BillingCode, s model.CodeSuggestion) (model.BillingCode, bool) {
	if s.Family == "" || len(s.Code) < e.prefixLen {
		return model.BillingCode{}, false
	}
	prefix := s.Code[:e.prefixLen]

	var best model.BillingCode
	found := false
	for _, b := range billed {
		if b.Family != s.Family || len(b.Code) < e.prefixLen || b.Code[:e.prefixLen] != prefix {
			continue
		}
		if b.Code >= s.Code {
			continue
		}
		if !found || b.Code > best.Code {
			best, found = b, true
		}
	}
	return best, found
}

func (e *Engine) price(ctx context.Context, in Input, code string, family model.CodeFamily) float64 {
	r, ok := e.rates.Rate(ctx, rates.Query{Code: code, Family: family, PayerID: in.PayerID, AsOf: in.AsOf})
	if !ok {
		zap.L().Warn("compare: no rate for code, counting zero revenue",
			zap.String("code", code),
			zap.String("family", string(family)),
		)
		return 0
	}
	return r.Amount
}

func exactMatch(billed []model.BillingCode, code string) (model.BillingCode, bool) {
	for _, b := range billed {
		if b.Code == code {
			return b, true
		}
	}
	return model.BillingCode{}, false
}

func normalizeBilled(in []model.BillingCode) []model.BillingCode {
	out := make([]model.BillingCode, 0, len(in))
	for _, b := range in {
		code, family, ok := codes.Canonical(b.Code, b.Family)
		if code == "" {
			continue
		}
		if !ok {
			zap.L().Warn("compare: billed code has unknown family", zap.String("code", code))
			family = ""
		}
		out = append(out, model.BillingCode{Code: code, Family: family, Description: b.Description})
	}
	return out
}

// Dedupe normalizes suggestions and keeps the highest-confidence instance of
// each code, in order of first appearance. Confidence is clamped to [0,1].
func Dedupe(in []model.CodeSuggestion) []model.CodeSuggestion {
	out := make([]model.CodeSuggestion, 0, len(in))
	index := make(map[string]int, len(in))
	for _, s := range in {
		code, family, ok := codes.Canonical(s.Code, s.Family)
		if code == "" {
			continue
		}
		if !ok {
			zap.L().Warn("compare: suggested code has unknown family", zap.String("code", code))
			family = ""
		}
		s.Code, s.Family = code, family
		s.Confidence = math.Min(1, math.Max(0, s.Confidence))

		if i, seen := index[code]; seen {
			if s.Confidence > out[i].Confidence {
				out[i] = s
			}
			continue
		}
		index[code] = len(out)
		out = append(out, s)
	}
	return out
}
