package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/chart-audit/internal/model"
	"github.com/sells-group/chart-audit/internal/resilience"
	"github.com/sells-group/chart-audit/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "dispatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedPending(t *testing.T, st store.Store) string {
	t.Helper()
	ctx := context.Background()
	enc := &model.Encounter{
		DateOfService:    time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
		DeidentifiedText: "[NAME_1] follow-up",
		BilledCodes:      []model.BillingCode{{Code: "99213", Family: model.FamilyCPT}},
	}
	require.NoError(t, st.CreateEncounter(ctx, enc))
	rep, err := st.CreateReport(ctx, enc.ID, enc.BilledCodes)
	require.NoError(t, err)
	return rep.ID
}

func seedFailed(t *testing.T, st store.Store, failures int, details *model.FailureDetails) string {
	t.Helper()
	ctx := context.Background()
	id := seedPending(t, st)
	if details == nil {
		details = &model.FailureDetails{Kind: "transient", Step: model.StepCodesSuggested, Retryable: true}
	}
	for i := 0; i < failures; i++ {
		if i > 0 {
			require.NoError(t, st.ResetForRetry(ctx, id))
		}
		ok, err := st.ClaimReport(ctx, id, time.Now())
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, st.FailReport(ctx, id, "temporary service failure", details, store.Completion{CompletedAt: time.Now()}))
	}
	return id
}

// fakeRunner records submissions and treats submitted ids as live.
type fakeRunner struct {
	mu        sync.Mutex
	submitted []string
	live      map[string]bool
	err       error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{live: make(map[string]bool)}
}

func (f *fakeRunner) Submit(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.live[id] {
		return false, nil
	}
	f.live[id] = true
	f.submitted = append(f.submitted, id)
	return true, nil
}

func (f *fakeRunner) Status(_ context.Context, id string) (TaskState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.live[id] {
		return TaskQueued, nil
	}
	return TaskNone, nil
}

func (f *fakeRunner) Close() error { return nil }

func TestEnqueue_PendingOnly(t *testing.T) {
	st := newTestStore(t)
	runner := newFakeRunner()
	d := New(st, runner, nil, Config{})
	ctx := context.Background()

	id := seedPending(t, st)
	ok, err := d.Enqueue(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Enqueue(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{id}, runner.submitted)

	failed := seedFailed(t, st, 1, nil)
	_, err = d.Enqueue(ctx, failed)
	assert.ErrorIs(t, err, ErrNotPending)
	assert.Equal(t, resilience.KindValidation, resilience.KindOf(err))

	_, err = d.Enqueue(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEnqueue_NilRunnerLeavesPending(t *testing.T) {
	st := newTestStore(t)
	d := New(st, nil, nil, Config{})
	ctx := context.Background()

	id := seedFailed(t, st, 1, nil)
	ok, err := d.Retry(ctx, id, false)
	require.NoError(t, err)
	assert.False(t, ok)

	rep, err := st.GetReport(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusPending, rep.Status)
}

func TestEnqueue_DuplicateRunsOnce(t *testing.T) {
	st := newTestStore(t)
	release := make(chan struct{})
	var ran atomic.Int32
	runner := NewLocalRunner(context.Background(), func(context.Context, string) error {
		ran.Add(1)
		<-release
		return nil
	}, 4, 10)
	d := New(st, runner, nil, Config{})
	ctx := context.Background()

	id := seedPending(t, st)
	for range 3 {
		_, err := d.Enqueue(ctx, id)
		require.NoError(t, err)
	}
	close(release)
	require.NoError(t, runner.Close())
	assert.Equal(t, int32(1), ran.Load())
}

func TestEnqueuePending(t *testing.T) {
	st := newTestStore(t)
	runner := newFakeRunner()
	d := New(st, runner, nil, Config{})

	a := seedPending(t, st)
	b := seedPending(t, st)
	seedFailed(t, st, 1, nil)

	n, err := d.EnqueuePending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{a, b}, runner.submitted)
}

func TestRetry_ResetsAndEnqueues(t *testing.T) {
	st := newTestStore(t)
	runner := newFakeRunner()
	d := New(st, runner, nil, Config{MaxRetries: 3})
	ctx := context.Background()

	id := seedFailed(t, st, 1, nil)
	ok, err := d.Retry(ctx, id, false)
	require.NoError(t, err)
	assert.True(t, ok)

	rep, err := st.GetReport(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusPending, rep.Status)
	assert.Equal(t, 0, rep.ProgressPercent)
	assert.Equal(t, 1, rep.RetryCount)
	assert.Empty(t, rep.ErrorMessage)
	assert.Nil(t, rep.ErrorDetails)
	assert.Nil(t, rep.ProcessingStartedAt)
	assert.Equal(t, []string{id}, runner.submitted)
}

func TestRetry_Rejections(t *testing.T) {
	st := newTestStore(t)
	d := New(st, newFakeRunner(), nil, Config{MaxRetries: 2})
	ctx := context.Background()

	pending := seedPending(t, st)
	_, err := d.Retry(ctx, pending, false)
	assert.ErrorIs(t, err, ErrNotFailed)

	exhausted := seedFailed(t, st, 2, nil)
	_, err = d.Retry(ctx, exhausted, false)
	assert.ErrorIs(t, err, ErrRetryLimit)

	ok, err := d.Retry(ctx, exhausted, true)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRetryFailed_SkipsCappedAndFatal(t *testing.T) {
	st := newTestStore(t)
	runner := newFakeRunner()
	d := New(st, runner, nil, Config{MaxRetries: 2})

	retryable := seedFailed(t, st, 1, nil)
	seedFailed(t, st, 2, nil)
	seedFailed(t, st, 1, &model.FailureDetails{Kind: "integrity", Step: model.StepDeidentified})

	sum, err := d.RetryFailed(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Retried)
	assert.Equal(t, 2, sum.Skipped)
	assert.Equal(t, 0, sum.Errors)
	assert.Equal(t, []string{retryable}, runner.submitted)
}

// movedStore reports the given ids as PROCESSING on load, as if another
// process claimed them after they were listed.
type movedStore struct {
	store.Store
	moved map[string]bool
}

func (m *movedStore) GetReport(ctx context.Context, id string) (*model.Report, error) {
	rep, err := m.Store.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.moved[id] {
		rep.Status = model.ReportStatusProcessing
	}
	return rep, nil
}

func TestRetryFailed_CountsRacedReportsAsSkipped(t *testing.T) {
	st := newTestStore(t)
	runner := newFakeRunner()

	retryable := seedFailed(t, st, 1, nil)
	raced := seedFailed(t, st, 1, nil)
	d := New(&movedStore{Store: st, moved: map[string]bool{raced: true}}, runner, nil, Config{MaxRetries: 2})

	sum, err := d.RetryFailed(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Retried)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 0, sum.Errors)
	assert.Equal(t, []string{retryable}, runner.submitted)
}

func TestTaskStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id := seedPending(t, st)

	state, err := New(st, nil, nil, Config{}).TaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, TaskNone, state)

	runner := newFakeRunner()
	d := New(st, runner, nil, Config{})
	state, err = d.TaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, TaskNone, state)

	_, err = d.Enqueue(ctx, id)
	require.NoError(t, err)
	state, err = d.TaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, TaskQueued, state)
}

func TestReap_FailsStaleReports(t *testing.T) {
	st := newTestStore(t)
	d := New(st, newFakeRunner(), nil, Config{HardBudget: time.Minute, StaleMargin: 2})
	ctx := context.Background()

	stale := seedPending(t, st)
	ok, err := st.ClaimReport(ctx, stale, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, st.UpdateProgress(ctx, stale, 40, model.StepCodesSuggested))

	fresh := seedPending(t, st)
	ok, err = st.ClaimReport(ctx, fresh, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	reps, err := d.StaleReports(ctx)
	require.NoError(t, err)
	require.Len(t, reps, 1)
	assert.Equal(t, stale, reps[0].ID)

	n, err := d.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rep, err := st.GetReport(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusFailed, rep.Status)
	assert.Equal(t, "exceeded time limit", rep.ErrorMessage)
	require.NotNil(t, rep.ErrorDetails)
	assert.Equal(t, "timeout", rep.ErrorDetails.Kind)
	assert.Equal(t, model.StepStale, rep.ErrorDetails.Step)
	assert.True(t, rep.ErrorDetails.Retryable)

	rep, err = st.GetReport(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusProcessing, rep.Status)

	n, err = d.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRunReaper_StopsOnCancel(t *testing.T) {
	st := newTestStore(t)
	d := New(st, newFakeRunner(), nil, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		d.RunReaper(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestEnqueue_RunnerError(t *testing.T) {
	st := newTestStore(t)
	runner := newFakeRunner()
	runner.err = resilience.Transient(errors.New("temporal unavailable"))
	d := New(st, runner, nil, Config{})

	_, err := d.Enqueue(context.Background(), seedPending(t, st))
	require.Error(t, err)
	assert.Equal(t, resilience.KindTransient, resilience.KindOf(err))
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.HardBudget)
	assert.Equal(t, 2.0, cfg.StaleMargin)
	assert.Equal(t, 4, cfg.RetryConcurrency)
}
