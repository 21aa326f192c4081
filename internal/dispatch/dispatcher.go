package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/chart-audit/internal/model"
	"github.com/sells-group/chart-audit/internal/notify"
	"github.com/sells-group/chart-audit/internal/resilience"
	"github.com/sells-group/chart-audit/internal/store"
)

var (
	// ErrNotPending is returned when enqueuing a report that is not PENDING.
	ErrNotPending = eris.New("dispatch: report is not pending")
	// ErrNotFailed is returned when retrying a report that is not FAILED.
	ErrNotFailed = eris.New("dispatch: report is not failed")
	// ErrRetryLimit is returned when a report has used its retry budget.
	ErrRetryLimit = eris.New("dispatch: retry limit reached")
)

// Config controls retries and stale detection.
type Config struct {
	// MaxRetries caps explicit retries. A FAILED report with RetryCount >=
	// MaxRetries is permanently failed unless forced.
	MaxRetries int
	// HardBudget is the processor's execution budget.
	HardBudget time.Duration
	// StaleMargin multiplies HardBudget to get the reaping cutoff.
	StaleMargin float64
	// RetryConcurrency bounds bulk retry fan-out.
	RetryConcurrency int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.HardBudget <= 0 {
		c.HardBudget = 5 * time.Minute
	}
	if c.StaleMargin < 1 {
		c.StaleMargin = 2
	}
	if c.RetryConcurrency <= 0 {
		c.RetryConcurrency = 4
	}
	return c
}

// Dispatcher is the only path from PENDING into a runner.
type Dispatcher struct {
	store    store.Store
	runner   Runner
	notifier notify.Notifier
	cfg      Config
	now      func() time.Time
}

// New creates a Dispatcher. A nil notifier discards notifications. A nil
// runner leaves enqueued reports PENDING for a worker process to pick up.
func New(st store.Store, runner Runner, notifier notify.Notifier, cfg Config) *Dispatcher {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Dispatcher{
		store:    st,
		runner:   runner,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// MaxRetries returns the configured retry cap.
func (d *Dispatcher) MaxRetries() int {
	return d.cfg.MaxRetries
}

// Enqueue submits a PENDING report to the runner. A live task for the same
// report makes this a logged no-op that returns false.
func (d *Dispatcher) Enqueue(ctx context.Context, reportID string) (bool, error) {
	rep, err := d.store.GetReport(ctx, reportID)
	if err != nil {
		return false, eris.Wrapf(err, "dispatch: load report %s", reportID)
	}
	if !rep.Status.CanTransitionTo(model.ReportStatusProcessing) {
		return false, resilience.Validation(eris.Wrapf(ErrNotPending, "report %s is %s", reportID, rep.Status))
	}
	if d.runner == nil {
		zap.L().Info("dispatch: no runner, report left pending", zap.String("report_id", reportID))
		return false, nil
	}

	ok, err := d.runner.Submit(ctx, reportID)
	if err != nil {
		return false, eris.Wrapf(err, "dispatch: submit report %s", reportID)
	}
	if !ok {
		zap.L().Info("dispatch: task already live, skipping", zap.String("report_id", reportID))
		return false, nil
	}
	zap.L().Info("dispatch: report enqueued", zap.String("report_id", reportID))
	return true, nil
}

// EnqueuePending submits up to limit PENDING reports, oldest first. It is
// used by workers to pick up submissions made by other processes.
func (d *Dispatcher) EnqueuePending(ctx context.Context, limit int) (int, error) {
	reps, err := d.store.ListReports(ctx, store.ReportFilter{Status: model.ReportStatusPending, Limit: limit})
	if err != nil {
		return 0, eris.Wrap(err, "dispatch: list pending reports")
	}
	n := 0
	for i := len(reps) - 1; i >= 0; i-- {
		ok, err := d.Enqueue(ctx, reps[i].ID)
		if err != nil {
			if errors.Is(err, ErrQueueFull) {
				break
			}
			zap.L().Warn("dispatch: enqueue pending failed", zap.String("report_id", reps[i].ID), zap.Error(err))
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Retry resets a FAILED report to PENDING and enqueues it. Reports at the
// retry cap are rejected unless force is set. Retry count is preserved.
func (d *Dispatcher) Retry(ctx context.Context, reportID string, force bool) (bool, error) {
	rep, err := d.store.GetReport(ctx, reportID)
	if err != nil {
		return false, eris.Wrapf(err, "dispatch: load report %s", reportID)
	}
	if !rep.Status.CanTransitionTo(model.ReportStatusPending) {
		return false, resilience.Validation(eris.Wrapf(ErrNotFailed, "report %s is %s", reportID, rep.Status))
	}
	if !force && rep.PermanentlyFailed(d.cfg.MaxRetries) {
		return false, resilience.Validation(eris.Wrapf(ErrRetryLimit, "report %s has %d retries", reportID, rep.RetryCount))
	}

	if err := d.store.ResetForRetry(ctx, reportID); err != nil {
		return false, eris.Wrapf(err, "dispatch: reset report %s", reportID)
	}
	notify.Safe(ctx, d.notifier, reportID, model.StatusSnapshot{
		ReportID:    reportID,
		Status:      model.ReportStatusPending,
		CurrentStep: model.StepQueued,
		At:          d.now(),
	})
	zap.L().Info("dispatch: report reset for retry",
		zap.String("report_id", reportID),
		zap.Int("retry_count", rep.RetryCount),
		zap.Bool("forced", force),
	)
	return d.Enqueue(ctx, reportID)
}

// TaskStatus returns the runner's view of a report's task. Without a runner
// the state is TaskNone.
func (d *Dispatcher) TaskStatus(ctx context.Context, reportID string) (TaskState, error) {
	if d.runner == nil {
		return TaskNone, nil
	}
	state, err := d.runner.Status(ctx, reportID)
	if err != nil {
		return TaskNone, eris.Wrapf(err, "dispatch: task status %s", reportID)
	}
	return state, nil
}

// RetrySummary counts the outcome of a bulk retry.
type RetrySummary struct {
	Retried int `json:"retried"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// RetryFailed retries up to limit FAILED reports that are under the retry
// cap and whose failure kind is retryable.
func (d *Dispatcher) RetryFailed(ctx context.Context, limit int) (*RetrySummary, error) {
	reps, err := d.store.ListReports(ctx, store.ReportFilter{Status: model.ReportStatusFailed, Limit: limit})
	if err != nil {
		return nil, eris.Wrap(err, "dispatch: list failed reports")
	}

	var (
		mu  sync.Mutex
		sum RetrySummary
	)
	count := func(f func(*RetrySummary)) {
		mu.Lock()
		defer mu.Unlock()
		f(&sum)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.RetryConcurrency)
	for _, rep := range reps {
		if rep.PermanentlyFailed(d.cfg.MaxRetries) || (rep.ErrorDetails != nil && !rep.ErrorDetails.Retryable) {
			sum.Skipped++
			continue
		}
		g.Go(func() error {
			if _, err := d.Retry(gctx, rep.ID, false); err != nil {
				// Another process moved the report out of FAILED first.
				if resilience.IsKind(err, resilience.KindValidation) {
					zap.L().Debug("dispatch: bulk retry skipped", zap.String("report_id", rep.ID), zap.Error(err))
					count(func(s *RetrySummary) { s.Skipped++ })
					return nil
				}
				zap.L().Warn("dispatch: bulk retry failed", zap.String("report_id", rep.ID), zap.Error(err))
				count(func(s *RetrySummary) { s.Errors++ })
				return nil
			}
			count(func(s *RetrySummary) { s.Retried++ })
			return nil
		})
	}
	_ = g.Wait()

	zap.L().Info("dispatch: bulk retry finished",
		zap.Int("retried", sum.Retried),
		zap.Int("skipped", sum.Skipped),
		zap.Int("errors", sum.Errors),
	)
	return &sum, nil
}

// StaleCutoff is the processing start time before which a PROCESSING report
// is considered abandoned.
func (d *Dispatcher) StaleCutoff() time.Time {
	margin := time.Duration(float64(d.cfg.HardBudget) * d.cfg.StaleMargin)
	return d.now().Add(-margin)
}

// StaleReports lists PROCESSING reports older than the stale cutoff.
func (d *Dispatcher) StaleReports(ctx context.Context) ([]model.Report, error) {
	reps, err := d.store.ListStale(ctx, d.StaleCutoff())
	if err != nil {
		return nil, eris.Wrap(err, "dispatch: list stale reports")
	}
	return reps, nil
}

// Reap fails stale PROCESSING reports as timeouts so they can be retried.
// A report that finished between listing and reaping is left alone.
func (d *Dispatcher) Reap(ctx context.Context) (int, error) {
	stale, err := d.StaleReports(ctx)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, rep := range stale {
		now := d.now()
		var duration int64
		if rep.ProcessingStartedAt != nil {
			duration = now.Sub(*rep.ProcessingStartedAt).Milliseconds()
		}
		message := resilience.SafeMessage(resilience.KindTimeout, model.StepStale)
		err := d.store.FailReport(ctx, rep.ID, message, &model.FailureDetails{
			Kind:      string(resilience.KindTimeout),
			Step:      model.StepStale,
			Retryable: true,
			Reason:    fmt.Sprintf("no terminal state within %s", time.Duration(float64(d.cfg.HardBudget)*d.cfg.StaleMargin)),
			FailedAt:  now,
		}, store.Completion{CompletedAt: now, DurationMs: duration})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return reaped, eris.Wrapf(err, "dispatch: reap report %s", rep.ID)
		}

		reaped++
		notify.Safe(ctx, d.notifier, rep.ID, model.StatusSnapshot{
			ReportID:        rep.ID,
			Status:          model.ReportStatusFailed,
			ProgressPercent: rep.ProgressPercent,
			CurrentStep:     model.StepStale,
			ErrorMessage:    message,
			At:              now,
		})
		zap.L().Warn("dispatch: reaped stale report",
			zap.String("report_id", rep.ID),
			zap.String("last_step", rep.CurrentStep),
			zap.Int64("duration_ms", duration),
		)
	}
	return reaped, nil
}

// RunReaper calls Reap every interval until ctx is done.
func (d *Dispatcher) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := d.Reap(ctx); err != nil {
				zap.L().Error("dispatch: reaper pass failed", zap.Error(err))
			} else if n > 0 {
				zap.L().Info("dispatch: reaper pass", zap.Int("reaped", n))
			}
		}
	}
}
