// Package codes normalizes and validates billing codes.
package codes

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/chart-audit/internal/model"
	"github.com/sells-group/chart-audit/internal/resilience"
)

var familyPatterns = []struct {
	family  model.CodeFamily
	pattern *regexp.Regexp
}{
	// Category I is five digits. Category II/III, PLA and MAAA codes end in
	// a letter (F, T, U, M).
	{model.FamilyCPT, regexp.MustCompile(`^\d{4}[0-9A-Z]$`)},
	{model.FamilyHCPCS, regexp.MustCompile(`^[A-V]\d{4}$`)},
	{model.FamilyICD10, regexp.MustCompile(`^[A-Z]\d[0-9A-Z](\.?[0-9A-Z]{1,4})?$`)},
}

// Normalize applies NFKC folding, strips whitespace, and upper-cases code.
func Normalize(code string) string {
	code = norm.NFKC.String(code)
	code = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, code)
	return strings.ToUpper(code)
}

// NormalizeFamily maps loose family spellings onto the canonical values.
func NormalizeFamily(f model.CodeFamily) model.CodeFamily {
	s := strings.ToUpper(strings.TrimSpace(string(f)))
	s = strings.NewReplacer("-", "", "_", "", " ", "").Replace(s)
	switch s {
	case "CPT":
		return model.FamilyCPT
	case "ICD10", "ICD10CM", "ICD":
		return model.FamilyICD10
	case "HCPCS":
		return model.FamilyHCPCS
	}
	return model.CodeFamily(s)
}

// DetectFamily infers the family of an already-normalized code.
func DetectFamily(code string) (model.CodeFamily, bool) {
	for _, fp := range familyPatterns {
		if fp.pattern.MatchString(code) {
			return fp.family, true
		}
	}
	return "", false
}

// Matches reports whether a normalized code is well-formed for family.
func Matches(code string, family model.CodeFamily) bool {
	for _, fp := range familyPatterns {
		if fp.family == family {
			return fp.pattern.MatchString(code)
		}
	}
	return false
}

// Canonical normalizes a code and resolves its family, declared or inferred.
// ok is false when the code does not fit any known family.
func Canonical(code string, family model.CodeFamily) (string, model.CodeFamily, bool) {
	code = Normalize(code)
	if family != "" {
		family = NormalizeFamily(family)
		return code, family, Matches(code, family)
	}
	family, ok := DetectFamily(code)
	return code, family, ok
}

// Validate normalizes billed codes and rejects malformed input. Duplicates
// are collapsed; order of first appearance is kept.
func Validate(in []model.BillingCode) ([]model.BillingCode, error) {
	out := make([]model.BillingCode, 0, len(in))
	seen := make(map[string]bool, len(in))
	var bad []string

	for _, bc := range in {
		code, family, ok := Canonical(bc.Code, bc.Family)
		if code == "" {
			bad = append(bad, "(empty)")
			continue
		}
		if !ok {
			bad = append(bad, code)
			continue
		}
		if seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, model.BillingCode{
			Code:        code,
			Family:      family,
			Description: strings.TrimSpace(bc.Description),
		})
	}

	if len(bad) > 0 {
		return nil, resilience.Validation(eris.Errorf("codes: malformed billing codes: %s", strings.Join(bad, ", ")))
	}
	return out, nil
}

// ParseList splits a comma or whitespace separated code list.
func ParseList(s string) []model.BillingCode {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || unicode.IsSpace(r)
	})
	out := make([]model.BillingCode, 0, len(fields))
	for _, f := range fields {
		out = append(out, model.BillingCode{Code: f})
	}
	return out
}
