// Package pipeline runs a single report through de-identification check,
// code suggestion, and comparison, and accepts new submissions.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/chart-audit/internal/compare"
	"github.com/sells-group/chart-audit/internal/model"
	"github.com/sells-group/chart-audit/internal/notify"
	"github.com/sells-group/chart-audit/internal/phi"
	"github.com/sells-group/chart-audit/internal/resilience"
	"github.com/sells-group/chart-audit/internal/store"
	"github.com/sells-group/chart-audit/internal/suggest"
)

// Default execution budgets. The soft budget defaults to 80% of the hard one.
const (
	DefaultHardBudget   = 5 * time.Minute
	DefaultWriteTimeout = 10 * time.Second
)

// MappingReader loads and verifies an encounter's PHI mapping.
type MappingReader interface {
	RetrieveMapping(ctx context.Context, encounterID string) (*phi.Mapping, error)
}

// Config holds the processor's budgets.
type Config struct {
	// HardBudget cancels the run; the report is failed as a timeout.
	HardBudget time.Duration
	// SoftBudget only logs a warning and notifies.
	SoftBudget time.Duration
	// WriteTimeout bounds the failure write, which runs detached from the
	// (possibly expired) run context.
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HardBudget <= 0 {
		c.HardBudget = DefaultHardBudget
	}
	if c.SoftBudget <= 0 || c.SoftBudget >= c.HardBudget {
		c.SoftBudget = c.HardBudget * 4 / 5
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// Processor executes a claimed report. It behaves the same whichever runner
// invokes it.
type Processor struct {
	store    store.Store
	mappings MappingReader
	suggest  suggest.Client
	compare  *compare.Engine
	notifier *notify.Async
	cfg      Config
	now      func() time.Time
}

// NewProcessor creates a Processor. A nil notifier discards notifications.
// Notifications are delivered in the background and never count against a
// report's budget; Close flushes them.
func NewProcessor(
	st store.Store,
	mappings MappingReader,
	suggester suggest.Client,
	cmp *compare.Engine,
	notifier notify.Notifier,
	cfg Config,
) *Processor {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if cmp == nil {
		cmp = compare.New(nil)
	}
	return &Processor{
		store:    st,
		mappings: mappings,
		suggest:  suggester,
		compare:  cmp,
		notifier: notify.NewAsync(notifier, 0, 0),
		cfg:      cfg.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// HardBudget returns the configured hard budget.
func (p *Processor) HardBudget() time.Duration {
	return p.cfg.HardBudget
}

// Flush waits for pending notifications to be delivered.
func (p *Processor) Flush() {
	p.notifier.Flush()
}

// Close delivers pending notifications and stops the delivery goroutine.
func (p *Processor) Close() error {
	return p.notifier.Close()
}

// progress is the last durable checkpoint, read by the soft-budget timer.
type progress struct {
	mu      sync.Mutex
	percent int
	step    string
}

func (pr *progress) set(percent int, step string) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.percent, pr.step = percent, step
}

func (pr *progress) get() (int, string) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.percent, pr.step
}

// Process claims the report and runs it to a terminal state. A report that
// is not PENDING is left alone and Process returns nil. When a step fails the
// report is written FAILED and the *StepError is returned.
func (p *Processor) Process(ctx context.Context, reportID string) error {
	log := zap.L().With(zap.String("report_id", reportID))

	started := p.now()
	claimed, err := p.store.ClaimReport(ctx, reportID, started)
	if err != nil {
		return eris.Wrap(err, "pipeline: claim report")
	}
	if !claimed {
		log.Info("pipeline: report not pending, skipping")
		return nil
	}
	log.Info("pipeline: report claimed")

	prog := &progress{step: model.StepStarted}
	p.notify(ctx, reportID, model.ReportStatusProcessing, 0, model.StepStarted, "")

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.HardBudget)
	defer cancel()

	soft := time.AfterFunc(p.cfg.SoftBudget, func() {
		percent, step := prog.get()
		log.Warn("pipeline: soft budget exceeded",
			zap.Duration("soft_budget", p.cfg.SoftBudget),
			zap.String("step", step),
			zap.Int("progress", percent),
		)
		p.notify(ctx, reportID, model.ReportStatusProcessing, percent, step, "")
	})
	defer soft.Stop()

	result, err := p.run(runCtx, reportID, prog)
	if err != nil {
		return p.fail(ctx, runCtx, reportID, started, prog, err)
	}

	done := p.now()
	duration := done.Sub(started).Milliseconds()
	if err := p.store.CompleteReport(runCtx, reportID, result, store.Completion{CompletedAt: done, DurationMs: duration}); err != nil {
		return p.fail(ctx, runCtx, reportID, started, prog, &StepError{
			Kind: resilience.KindOf(err), Step: model.StepComplete, Err: eris.Wrap(err, "pipeline: complete report"),
		})
	}
	p.notify(ctx, reportID, model.ReportStatusComplete, model.ProgressComplete, model.StepComplete, "")

	log.Info("pipeline: report complete",
		zap.Int64("duration_ms", duration),
		zap.Int("suggested", len(result.SuggestedCodes)),
		zap.Float64("incremental_revenue", result.IncrementalRevenue),
	)
	return nil
}

// run executes the checkpoints. Each checkpoint is durable before the next
// external call starts.
func (p *Processor) run(ctx context.Context, reportID string, prog *progress) (*model.ReportResult, error) {
	rep, err := p.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, stepErr(model.StepStarted, eris.Wrap(err, "pipeline: load report"))
	}

	// Checkpoint 1: encounter and verified mapping.
	enc, err := p.store.GetEncounter(ctx, rep.EncounterID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, stepErr(model.StepDeidentified, resilience.Integrity(eris.Wrap(err, "pipeline: encounter missing")))
	}
	if err != nil {
		return nil, stepErr(model.StepDeidentified, eris.Wrap(err, "pipeline: load encounter"))
	}
	mapping, err := p.mappings.RetrieveMapping(ctx, enc.ID)
	if err != nil {
		return nil, stepErr(model.StepDeidentified, err)
	}
	if err := p.checkpoint(ctx, reportID, prog, model.ProgressDeidentified, model.StepDeidentified); err != nil {
		return nil, err
	}

	// Checkpoint 2: suggestion service.
	resp, err := p.suggest.Suggest(ctx, suggest.Request{
		DeidentifiedText: mapping.DeidentifiedText,
		BilledCodes:      rep.BilledCodes,
		Hints:            enc.Hints,
	})
	if err != nil {
		return nil, stepErr(model.StepCodesSuggested, err)
	}
	if err := p.checkpoint(ctx, reportID, prog, model.ProgressCodesSuggested, model.StepCodesSuggested); err != nil {
		return nil, err
	}

	// Checkpoint 3: comparison.
	cmp := p.compare.Compare(ctx, compare.Input{
		BilledCodes: rep.BilledCodes,
		Suggestions: resp.Suggestions,
		PayerID:     enc.PayerID,
		AsOf:        enc.DateOfService,
	})
	if err := p.checkpoint(ctx, reportID, prog, model.ProgressCompared, model.StepCompared); err != nil {
		return nil, err
	}

	return &model.ReportResult{
		SuggestedCodes:        compare.Dedupe(resp.Suggestions),
		Comparisons:           cmp.Comparisons,
		TotalBilledRevenue:    cmp.TotalBilledRevenue,
		TotalSuggestedRevenue: cmp.TotalSuggestedRevenue,
		IncrementalRevenue:    cmp.IncrementalRevenue,
		ConfidenceScore:       cmp.ConfidenceScore,
		NewCount:              cmp.NewCount,
		UpgradeCount:          cmp.UpgradeCount,
		Analysis:              resp.Analysis,
	}, nil
}

func (p *Processor) checkpoint(ctx context.Context, reportID string, prog *progress, percent int, step string) error {
	if err := p.store.UpdateProgress(ctx, reportID, percent, step); err != nil {
		return stepErr(step, eris.Wrapf(err, "pipeline: record checkpoint %s", step))
	}
	prog.set(percent, step)
	p.notify(ctx, reportID, model.ReportStatusProcessing, percent, step, "")
	zap.L().Debug("pipeline: checkpoint",
		zap.String("report_id", reportID),
		zap.String("step", step),
		zap.Int("progress", percent),
	)
	return nil
}

// fail records the failure. The write uses a context detached from the run
// so it still lands after the hard budget has expired.
func (p *Processor) fail(parent, runCtx context.Context, reportID string, started time.Time, prog *progress, err error) error {
	var se *StepError
	if !errors.As(err, &se) {
		se = stepErr("", err)
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		se.Kind = resilience.KindTimeout
	}

	done := p.now()
	message := resilience.SafeMessage(se.Kind, se.Step)
	details := &model.FailureDetails{
		Kind:      string(se.Kind),
		Step:      se.Step,
		Retryable: se.Kind.Retryable(),
		FailedAt:  done,
	}
	if se.Kind == resilience.KindTimeout {
		details.Reason = fmt.Sprintf("hard budget %s", p.cfg.HardBudget)
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(parent), p.cfg.WriteTimeout)
	defer cancel()

	log := zap.L().With(zap.String("report_id", reportID))
	log.Error("pipeline: report failed",
		zap.String("kind", string(se.Kind)),
		zap.String("step", se.Step),
		zap.Error(se.Err),
	)

	werr := p.store.FailReport(writeCtx, reportID, message, details, store.Completion{
		CompletedAt: done,
		DurationMs:  done.Sub(started).Milliseconds(),
	})
	if werr != nil {
		log.Error("pipeline: failed to record failure", zap.Error(werr))
		return eris.Wrapf(werr, "pipeline: record failure for report %s", reportID)
	}
	percent, _ := prog.get()
	p.notify(writeCtx, reportID, model.ReportStatusFailed, percent, model.StepFailed, message)
	return se
}

func (p *Processor) notify(ctx context.Context, reportID string, status model.ReportStatus, percent int, step, message string) {
	p.notifier.Notify(ctx, reportID, model.StatusSnapshot{
		ReportID:        reportID,
		Status:          status,
		ProgressPercent: percent,
		CurrentStep:     step,
		ErrorMessage:    message,
		At:              p.now(),
	})
}
