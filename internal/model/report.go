package model

import (
	"time"
)

// ReportStatus represents the lifecycle state of a coding audit report.
type ReportStatus string

const (
	ReportStatusPending    ReportStatus = "PENDING"
	ReportStatusProcessing ReportStatus = "PROCESSING"
	ReportStatusComplete   ReportStatus = "COMPLETE"
	ReportStatusFailed     ReportStatus = "FAILED"
)

// validTransitions lists the only edges the report state machine allows.
// FAILED -> PENDING is reachable solely through an explicit retry.
var validTransitions = map[ReportStatus][]ReportStatus{
	ReportStatusPending:    {ReportStatusProcessing},
	ReportStatusProcessing: {ReportStatusComplete, ReportStatusFailed},
	ReportStatusFailed:     {ReportStatusPending},
}

// CanTransitionTo reports whether moving from s to next is a legal edge.
func (s ReportStatus) CanTransitionTo(next ReportStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is COMPLETE or FAILED.
func (s ReportStatus) IsTerminal() bool {
	return s == ReportStatusComplete || s == ReportStatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s ReportStatus) Valid() bool {
	switch s {
	case ReportStatusPending, ReportStatusProcessing, ReportStatusComplete, ReportStatusFailed:
		return true
	}
	return false
}

// Pipeline checkpoint labels written to Report.CurrentStep.
const (
	StepQueued         = "queued"
	StepStarted        = "started"
	StepDeidentified   = "deidentified"
	StepCodesSuggested = "codes_suggested"
	StepCompared       = "compared"
	StepComplete       = "complete"
	StepFailed         = "failed"
	StepStale          = "stale"
)

// Checkpoint progress values.
const (
	ProgressDeidentified   = 10
	ProgressCodesSuggested = 40
	ProgressCompared       = 70
	ProgressComplete       = 100
)

// FailureDetails is the structured, operator-facing failure record.
// It never carries raw error text, secrets, or PHI.
type FailureDetails struct {
	Kind      string    `json:"kind"`
	Step      string    `json:"step"`
	Retryable bool      `json:"retryable"`
	Reason    string    `json:"reason,omitempty"`
	FailedAt  time.Time `json:"failed_at"`
}

// Analysis carries the suggestion service's auxiliary output through to the report.
type Analysis struct {
	DocumentationGaps []string `json:"documentation_gaps,omitempty"`
	RiskFlags         []string `json:"risk_flags,omitempty"`
	Summary           string   `json:"summary,omitempty"`
}

// ReportResult is the payload written on successful completion.
type ReportResult struct {
	SuggestedCodes        []CodeSuggestion `json:"suggested_codes"`
	Comparisons           []CodeComparison `json:"comparisons"`
	TotalBilledRevenue    float64          `json:"total_billed_revenue"`
	TotalSuggestedRevenue float64          `json:"total_suggested_revenue"`
	IncrementalRevenue    float64          `json:"incremental_revenue"`
	ConfidenceScore       float64          `json:"confidence_score"`
	NewCount              int              `json:"new_count"`
	UpgradeCount          int              `json:"upgrade_count"`
	Analysis              Analysis         `json:"analysis"`
}

// Report tracks one encounter through the audit pipeline.
type Report struct {
	ID              string          `json:"id"`
	EncounterID     string          `json:"encounter_id"`
	Status          ReportStatus    `json:"status"`
	ProgressPercent int             `json:"progress_percent"`
	CurrentStep     string          `json:"current_step"`
	BilledCodes     []BillingCode   `json:"billed_codes"`
	Result          *ReportResult   `json:"result,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ErrorDetails    *FailureDetails `json:"error_details,omitempty"`
	RetryCount      int             `json:"retry_count"`

	ProcessingStartedAt   *time.Time `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at,omitempty"`
	ProcessingTimeMs      *int64     `json:"processing_time_ms,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PermanentlyFailed reports whether r is FAILED and has used up its retry budget.
func (r *Report) PermanentlyFailed(maxRetries int) bool {
	return r.Status == ReportStatusFailed && r.RetryCount >= maxRetries
}

// StatusSnapshot is the notifier payload for a status or progress change.
type StatusSnapshot struct {
	ReportID        string       `json:"report_id"`
	Status          ReportStatus `json:"status"`
	ProgressPercent int          `json:"progress_percent"`
	CurrentStep     string       `json:"current_step"`
	ErrorMessage    string       `json:"error_message,omitempty"`
	At              time.Time    `json:"at"`
}
