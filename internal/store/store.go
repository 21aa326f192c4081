package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/chart-audit/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrConflict is returned when a conditional status update matched no
	// row because the report is not in the expected state.
	ErrConflict = eris.New("store: report not in expected state")
	// ErrMappingExists is returned when a mapping is saved twice without replace.
	ErrMappingExists = eris.New("store: mapping already exists")
)

// ReportFilter specifies criteria for listing reports.
type ReportFilter struct {
	Status      model.ReportStatus `json:"status,omitempty"`
	EncounterID string             `json:"encounter_id,omitempty"`
	Limit       int                `json:"limit,omitempty"`
	Offset      int                `json:"offset,omitempty"`
}

// Completion is the terminal write for a report.
type Completion struct {
	CompletedAt time.Time
	DurationMs  int64
}

// Store defines the persistence interface for encounters, PHI mappings,
// and reports. Status-changing report writes are conditional on the current
// status so that a report has at most one writer.
type Store interface {
	// Encounters
	CreateEncounter(ctx context.Context, enc *model.Encounter) error
	GetEncounter(ctx context.Context, id string) (*model.Encounter, error)
	// DeleteEncounter removes an encounter and its PHI mapping. It undoes a
	// partial submission; an encounter with reports cannot be deleted.
	DeleteEncounter(ctx context.Context, id string) error

	// PHI mappings
	SaveMapping(ctx context.Context, m *model.PHIMapping, replace bool) error
	GetMapping(ctx context.Context, encounterID string) (*model.PHIMapping, error)

	// Reports
	CreateReport(ctx context.Context, encounterID string, billed []model.BillingCode) (*model.Report, error)
	GetReport(ctx context.Context, id string) (*model.Report, error)
	ListReports(ctx context.Context, filter ReportFilter) ([]model.Report, error)
	// ClaimReport moves PENDING -> PROCESSING. It returns false when the
	// report was not PENDING.
	ClaimReport(ctx context.Context, id string, startedAt time.Time) (bool, error)
	// UpdateProgress records a checkpoint. Progress never moves backwards.
	UpdateProgress(ctx context.Context, id string, percent int, step string) error
	CompleteReport(ctx context.Context, id string, result *model.ReportResult, c Completion) error
	// FailReport moves PROCESSING -> FAILED and increments retry_count.
	FailReport(ctx context.Context, id, message string, details *model.FailureDetails, c Completion) error
	// ResetForRetry moves FAILED -> PENDING and clears progress, errors,
	// result, and processing timestamps. retry_count is kept.
	ResetForRetry(ctx context.Context, id string) error
	// ListStale returns PROCESSING reports started before the cutoff.
	ListStale(ctx context.Context, startedBefore time.Time) ([]model.Report, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
