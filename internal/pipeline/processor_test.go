package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/chart-audit/internal/compare"
	"github.com/sells-group/chart-audit/internal/model"
	"github.com/sells-group/chart-audit/internal/phi"
	"github.com/sells-group/chart-audit/internal/resilience"
	"github.com/sells-group/chart-audit/internal/seal"
	"github.com/sells-group/chart-audit/internal/store"
	"github.com/sells-group/chart-audit/internal/suggest"
)

const note = "Jane Roe seen on 03/04/2025 for diabetes follow-up. A1c reviewed, meds adjusted."

type recorder struct {
	mu    sync.Mutex
	snaps []model.StatusSnapshot
}

func (r *recorder) Notify(_ context.Context, _ string, snap model.StatusSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
}

func (r *recorder) all() []model.StatusSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.StatusSnapshot(nil), r.snaps...)
}

type suggestFunc func(ctx context.Context, req suggest.Request) (*suggest.Response, error)

func (f suggestFunc) Suggest(ctx context.Context, req suggest.Request) (*suggest.Response, error) {
	return f(ctx, req)
}

func upgradeSuggestion(context.Context, suggest.Request) (*suggest.Response, error) {
	return &suggest.Response{
		Suggestions: []model.CodeSuggestion{
			{Code: "99214", Family: model.FamilyCPT, Confidence: 0.8},
			{Code: "E11.9", Family: model.FamilyICD10, Confidence: 0.95},
		},
		Analysis: model.Analysis{Summary: "Level 4 supported."},
	}, nil
}

type harness struct {
	t      *testing.T
	st     *store.SQLiteStore
	engine *phi.Engine
	rec    *recorder
	intake *Intake
	procs  []*Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	sealer, err := seal.New([]byte(strings.Repeat("k", seal.KeySize)))
	require.NoError(t, err)

	classifier := phi.ClassifierFunc(func(_ context.Context, text string) ([]model.PHIEntity, error) {
		var out []model.PHIEntity
		for _, e := range []struct{ sub, typ string }{{"Jane Roe", "NAME"}, {"03/04/2025", "DATE"}} {
			if i := strings.Index(text, e.sub); i >= 0 {
				out = append(out, model.PHIEntity{Text: e.sub, Type: e.typ, Score: 0.99, BeginOffset: i, EndOffset: i + len(e.sub)})
			}
		}
		return out, nil
	})
	engine := phi.NewEngine(classifier, sealer, st)
	rec := &recorder{}
	return &harness{t: t, st: st, engine: engine, rec: rec, intake: NewIntake(st, engine, nil, rec)}
}

func (h *harness) submit(t *testing.T) *Receipt {
	t.Helper()
	receipt, err := h.intake.Submit(context.Background(), Submission{
		Text:          note,
		BilledCodes:   []model.BillingCode{{Code: "99213"}},
		PayerID:       "acme",
		DateOfService: time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return receipt
}

func (h *harness) processor(s suggest.Client, cfg Config) *Processor {
	p := NewProcessor(h.st, h.engine, s, compare.New(nil), h.rec, cfg)
	h.t.Cleanup(func() { p.Close() }) //nolint:errcheck
	h.procs = append(h.procs, p)
	return p
}

// snapshots returns everything recorded once pending deliveries land.
func (h *harness) snapshots() []model.StatusSnapshot {
	for _, p := range h.procs {
		p.Flush()
	}
	return h.rec.all()
}

func TestProcess_Complete(t *testing.T) {
	h := newHarness(t)
	receipt := h.submit(t)
	assert.True(t, receipt.PHIDetected)

	var gotText string
	s := suggestFunc(func(ctx context.Context, req suggest.Request) (*suggest.Response, error) {
		gotText = req.DeidentifiedText
		return upgradeSuggestion(ctx, req)
	})

	require.NoError(t, h.processor(s, Config{}).Process(context.Background(), receipt.ReportID))

	assert.NotContains(t, gotText, "Jane Roe")
	assert.Contains(t, gotText, "[NAME_1]")

	rep, err := h.st.GetReport(context.Background(), receipt.ReportID)
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusComplete, rep.Status)
	assert.Equal(t, 100, rep.ProgressPercent)
	require.NotNil(t, rep.Result)
	assert.Equal(t, 1, rep.Result.UpgradeCount)
	assert.Equal(t, 1, rep.Result.NewCount)
	assert.InDelta(t, 39.0, rep.Result.IncrementalRevenue, 0.001)
	assert.InDelta(t, 0.8, rep.Result.ConfidenceScore, 0.0001)
	assert.Equal(t, "Level 4 supported.", rep.Result.Analysis.Summary)
	require.NotNil(t, rep.ProcessingTimeMs)
	require.NotNil(t, rep.ProcessingCompletedAt)
}

func TestProcess_ProgressNeverDecreases(t *testing.T) {
	h := newHarness(t)
	receipt := h.submit(t)

	require.NoError(t, h.processor(suggestFunc(upgradeSuggestion), Config{}).Process(context.Background(), receipt.ReportID))

	var steps []string
	last := -1
	for _, snap := range h.snapshots() {
		if snap.Status == model.ReportStatusPending {
			continue
		}
		assert.GreaterOrEqual(t, snap.ProgressPercent, last)
		last = snap.ProgressPercent
		steps = append(steps, snap.CurrentStep)
	}
	assert.Equal(t, []string{
		model.StepStarted, model.StepDeidentified, model.StepCodesSuggested, model.StepCompared, model.StepComplete,
	}, steps)
}

func TestProcess_NotPendingIsNoop(t *testing.T) {
	h := newHarness(t)
	receipt := h.submit(t)

	calls := 0
	s := suggestFunc(func(ctx context.Context, req suggest.Request) (*suggest.Response, error) {
		calls++
		return upgradeSuggestion(ctx, req)
	})
	p := h.processor(s, Config{})

	require.NoError(t, p.Process(context.Background(), receipt.ReportID))
	require.NoError(t, p.Process(context.Background(), receipt.ReportID))
	assert.Equal(t, 1, calls)
}

func TestProcess_TransientFailure(t *testing.T) {
	h := newHarness(t)
	receipt := h.submit(t)

	s := suggestFunc(func(context.Context, suggest.Request) (*suggest.Response, error) {
		return nil, resilience.Transient(errors.New("upstream 503 for Jane Roe"))
	})
	err := h.processor(s, Config{}).Process(context.Background(), receipt.ReportID)

	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, resilience.KindTransient, se.Kind)
	assert.Equal(t, model.StepCodesSuggested, se.Step)

	rep, err := h.st.GetReport(context.Background(), receipt.ReportID)
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusFailed, rep.Status)
	assert.Equal(t, 1, rep.RetryCount)
	assert.Equal(t, "temporary service failure during codes_suggested", rep.ErrorMessage)
	assert.NotContains(t, rep.ErrorMessage, "Jane")
	require.NotNil(t, rep.ErrorDetails)
	assert.Equal(t, "transient", rep.ErrorDetails.Kind)
	assert.True(t, rep.ErrorDetails.Retryable)

	snaps := h.snapshots()
	final := snaps[len(snaps)-1]
	assert.Equal(t, model.ReportStatusFailed, final.Status)
	assert.Equal(t, model.ProgressDeidentified, final.ProgressPercent)
}

func TestProcess_IntegrityFailure(t *testing.T) {
	h := newHarness(t)
	receipt := h.submit(t)
	ctx := context.Background()

	rec, err := h.st.GetMapping(ctx, receipt.EncounterID)
	require.NoError(t, err)
	rec.Blob = "not-a-valid-blob"
	require.NoError(t, h.st.SaveMapping(ctx, rec, true))

	called := false
	s := suggestFunc(func(ctx context.Context, req suggest.Request) (*suggest.Response, error) {
		called = true
		return upgradeSuggestion(ctx, req)
	})
	err = h.processor(s, Config{}).Process(ctx, receipt.ReportID)
	require.Error(t, err)
	assert.False(t, called)

	rep, err := h.st.GetReport(ctx, receipt.ReportID)
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusFailed, rep.Status)
	require.NotNil(t, rep.ErrorDetails)
	assert.Equal(t, "integrity", rep.ErrorDetails.Kind)
	assert.Equal(t, model.StepDeidentified, rep.ErrorDetails.Step)
	assert.False(t, rep.ErrorDetails.Retryable)
}

func TestProcess_HardBudgetExceeded(t *testing.T) {
	h := newHarness(t)
	receipt := h.submit(t)

	s := suggestFunc(func(ctx context.Context, _ suggest.Request) (*suggest.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	err := h.processor(s, Config{HardBudget: 100 * time.Millisecond}).Process(context.Background(), receipt.ReportID)

	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, resilience.KindTimeout, se.Kind)

	rep, err := h.st.GetReport(context.Background(), receipt.ReportID)
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusFailed, rep.Status)
	assert.Equal(t, "exceeded time limit", rep.ErrorMessage)
	require.NotNil(t, rep.ErrorDetails)
	assert.Equal(t, "timeout", rep.ErrorDetails.Kind)
	assert.True(t, rep.ErrorDetails.Retryable)
}

func TestProcess_UnknownReport(t *testing.T) {
	h := newHarness(t)
	err := h.processor(suggestFunc(upgradeSuggestion), Config{}).Process(context.Background(), "missing")
	assert.NoError(t, err)
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultHardBudget, cfg.HardBudget)
	assert.Equal(t, 4*time.Minute, cfg.SoftBudget)
	assert.Equal(t, DefaultWriteTimeout, cfg.WriteTimeout)

	cfg = Config{HardBudget: time.Minute, SoftBudget: 2 * time.Minute}.withDefaults()
	assert.Equal(t, 48*time.Second, cfg.SoftBudget)
}

func TestStepError(t *testing.T) {
	base := resilience.Validation(errors.New("bad code"))
	se := stepErr(model.StepCodesSuggested, base)
	assert.Equal(t, resilience.KindValidation, se.Kind)
	assert.Contains(t, se.Error(), "validation failure at codes_suggested")
	assert.ErrorIs(t, se, base)
}

// slowRecorder blocks on every snapshot like an unresponsive webhook.
type slowRecorder struct {
	recorder
	delay time.Duration
}

func (r *slowRecorder) Notify(ctx context.Context, id string, snap model.StatusSnapshot) {
	time.Sleep(r.delay)
	r.recorder.Notify(ctx, id, snap)
}

func TestProcess_SlowNotifierDoesNotConsumeBudget(t *testing.T) {
	h := newHarness(t)
	receipt := h.submit(t)

	slow := &slowRecorder{delay: 150 * time.Millisecond}
	p := NewProcessor(h.st, h.engine, suggestFunc(upgradeSuggestion), compare.New(nil), slow, Config{
		HardBudget: 400 * time.Millisecond,
		SoftBudget: 390 * time.Millisecond,
	})
	require.NoError(t, p.Process(context.Background(), receipt.ReportID))

	rep, err := h.st.GetReport(context.Background(), receipt.ReportID)
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusComplete, rep.Status)

	require.NoError(t, p.Close())
	snaps := slow.all()
	require.NotEmpty(t, snaps)
	assert.Equal(t, model.ReportStatusComplete, snaps[len(snaps)-1].Status)
}

func TestProcess_SoftBudgetNotifiesLastCheckpoint(t *testing.T) {
	h := newHarness(t)
	receipt := h.submit(t)

	s := suggestFunc(func(ctx context.Context, req suggest.Request) (*suggest.Response, error) {
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return upgradeSuggestion(ctx, req)
	})
	p := h.processor(s, Config{HardBudget: 5 * time.Second, SoftBudget: 50 * time.Millisecond})
	require.NoError(t, p.Process(context.Background(), receipt.ReportID))

	var deidentified int
	for _, snap := range h.snapshots() {
		if snap.Status == model.ReportStatusProcessing && snap.CurrentStep == model.StepDeidentified {
			assert.Equal(t, model.ProgressDeidentified, snap.ProgressPercent)
			deidentified++
		}
	}
	assert.Equal(t, 2, deidentified, "checkpoint plus soft budget warning")
}

func TestProcess_SoftBudgetStoppedOnCompletion(t *testing.T) {
	h := newHarness(t)
	receipt := h.submit(t)

	p := h.processor(suggestFunc(upgradeSuggestion), Config{HardBudget: 2 * time.Second, SoftBudget: 300 * time.Millisecond})
	require.NoError(t, p.Process(context.Background(), receipt.ReportID))
	time.Sleep(400 * time.Millisecond)

	snaps := h.snapshots()
	assert.Equal(t, model.ReportStatusComplete, snaps[len(snaps)-1].Status)
	for _, snap := range snaps {
		if snap.Status == model.ReportStatusProcessing {
			assert.NotEqual(t, model.StepComplete, snap.CurrentStep)
		}
	}
	assert.Len(t, snaps, 6, "pending, started, three checkpoints, complete")
}
