package model

// CodeFamily groups billing codes by coding system.
type CodeFamily string

const (
	FamilyCPT   CodeFamily = "CPT"
	FamilyICD10 CodeFamily = "ICD10"
	FamilyHCPCS CodeFamily = "HCPCS"
)

// BillingCode is a normalized code already billed for an encounter.
type BillingCode struct {
	Code        string     `json:"code" yaml:"code"`
	Family      CodeFamily `json:"family" yaml:"family"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
}

// CodeSuggestion is a candidate code returned by the suggestion service.
type CodeSuggestion struct {
	Code           string     `json:"code"`
	Family         CodeFamily `json:"family"`
	Description    string     `json:"description,omitempty"`
	Justification  string     `json:"justification,omitempty"`
	Confidence     float64    `json:"confidence"`
	SupportingText []string   `json:"supporting_text,omitempty"`
}

// Classification describes how a suggestion relates to the billed codes.
type Classification string

const (
	ClassificationMatch   Classification = "match"
	ClassificationUpgrade Classification = "upgrade"
	ClassificationNew     Classification = "new"
)

// CodeComparison is one reconciled suggestion. It only exists inside a Report.
type CodeComparison struct {
	BilledCode     *BillingCode   `json:"billed_code,omitempty"`
	SuggestedCode  string         `json:"suggested_code"`
	Family         CodeFamily     `json:"family"`
	Classification Classification `json:"classification"`
	RevenueImpact  float64        `json:"revenue_impact"`
	Confidence     float64        `json:"confidence"`
	Justification  string         `json:"justification,omitempty"`
}
