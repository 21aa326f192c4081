package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/chart-audit/internal/model"
	"github.com/sells-group/chart-audit/internal/phi"
	"github.com/sells-group/chart-audit/internal/resilience"
	"github.com/sells-group/chart-audit/internal/seal"
	"github.com/sells-group/chart-audit/internal/store"
)

type fakeQueue struct {
	ids []string
	err error
}

func (q *fakeQueue) Enqueue(_ context.Context, id string) (bool, error) {
	if q.err != nil {
		return false, q.err
	}
	q.ids = append(q.ids, id)
	return true, nil
}

func TestSubmit_PersistsDeidentifiedEncounter(t *testing.T) {
	h := newHarness(t)
	q := &fakeQueue{}
	h.intake = NewIntake(h.st, h.engine, q, h.rec)
	ctx := context.Background()

	receipt := h.submit(t)
	assert.True(t, receipt.Enqueued)
	assert.Equal(t, []string{receipt.ReportID}, q.ids)

	enc, err := h.st.GetEncounter(ctx, receipt.EncounterID)
	require.NoError(t, err)
	assert.NotContains(t, enc.DeidentifiedText, "Jane Roe")
	assert.Contains(t, enc.DeidentifiedText, "[DATE_1]")
	assert.Equal(t, model.FamilyCPT, enc.BilledCodes[0].Family)

	rep, err := h.st.GetReport(ctx, receipt.ReportID)
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusPending, rep.Status)
	assert.Equal(t, model.StepQueued, rep.CurrentStep)

	text, err := h.engine.ReidentifyEncounter(ctx, receipt.EncounterID)
	require.NoError(t, err)
	assert.Equal(t, note, text)

	snaps := h.rec.all()
	require.Len(t, snaps, 1)
	assert.Equal(t, model.ReportStatusPending, snaps[0].Status)
}

func TestSubmit_ValidationRejectsBeforeWriting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		sub  Submission
	}{
		{"empty text", Submission{Text: "  ", BilledCodes: []model.BillingCode{{Code: "99213"}}}},
		{"unknown code", Submission{Text: note, BilledCodes: []model.BillingCode{{Code: "NOTACODE!"}}}},
		{"family mismatch", Submission{Text: note, BilledCodes: []model.BillingCode{{Code: "99213", Family: model.FamilyICD10}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.intake.Submit(ctx, tt.sub)
			require.Error(t, err)
			assert.Equal(t, resilience.KindValidation, resilience.KindOf(err))
		})
	}

	reps, err := h.st.ListReports(ctx, store.ReportFilter{})
	require.NoError(t, err)
	assert.Empty(t, reps)
}

func TestSubmit_EnqueueFailureLeavesPending(t *testing.T) {
	h := newHarness(t)
	h.intake = NewIntake(h.st, h.engine, &fakeQueue{err: errors.New("queue full")}, nil)

	receipt, err := h.intake.Submit(context.Background(), Submission{
		Text:        note,
		BilledCodes: []model.BillingCode{{Code: "99213"}},
	})
	require.Error(t, err)
	require.NotNil(t, receipt)
	assert.False(t, receipt.Enqueued)

	rep, err := h.st.GetReport(context.Background(), receipt.ReportID)
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusPending, rep.Status)
}

// flakyStore fails the chosen write and remembers the encounter it created.
type flakyStore struct {
	store.Store
	failMapping bool
	failReport  bool
	encounterID string
}

func (f *flakyStore) CreateEncounter(ctx context.Context, enc *model.Encounter) error {
	if err := f.Store.CreateEncounter(ctx, enc); err != nil {
		return err
	}
	f.encounterID = enc.ID
	return nil
}

func (f *flakyStore) SaveMapping(ctx context.Context, m *model.PHIMapping, replace bool) error {
	if f.failMapping {
		return errors.New("disk full")
	}
	return f.Store.SaveMapping(ctx, m, replace)
}

func (f *flakyStore) CreateReport(ctx context.Context, encounterID string, billed []model.BillingCode) (*model.Report, error) {
	if f.failReport {
		return nil, errors.New("disk full")
	}
	return f.Store.CreateReport(ctx, encounterID, billed)
}

func TestSubmit_PartialWriteRemovesEncounter(t *testing.T) {
	tests := []struct {
		name  string
		store *flakyStore
	}{
		{"mapping fails", &flakyStore{failMapping: true}},
		{"report fails", &flakyStore{failReport: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.store.Store = h.st
			sealer, err := seal.New([]byte(strings.Repeat("k", seal.KeySize)))
			require.NoError(t, err)
			engine := phi.NewEngine(phi.ClassifierFunc(func(context.Context, string) ([]model.PHIEntity, error) {
				return nil, nil
			}), sealer, tt.store)
			in := NewIntake(tt.store, engine, &fakeQueue{}, nil)

			_, err = in.Submit(context.Background(), Submission{Text: note, BilledCodes: []model.BillingCode{{Code: "99213"}}})
			require.Error(t, err)
			require.NotEmpty(t, tt.store.encounterID)

			_, err = h.st.GetEncounter(context.Background(), tt.store.encounterID)
			assert.ErrorIs(t, err, store.ErrNotFound)
			_, err = h.st.GetMapping(context.Background(), tt.store.encounterID)
			assert.ErrorIs(t, err, store.ErrNotFound)

			reps, err := h.st.ListReports(context.Background(), store.ReportFilter{})
			require.NoError(t, err)
			assert.Empty(t, reps)
		})
	}
}

func TestSubmit_ClassifierFailure(t *testing.T) {
	h := newHarness(t)
	failing := phi.NewEngine(phi.ClassifierFunc(func(context.Context, string) ([]model.PHIEntity, error) {
		return nil, resilience.Validation(errors.New("text too large"))
	}), nil, h.st)
	in := NewIntake(h.st, failing, nil, nil)

	_, err := in.Submit(context.Background(), Submission{Text: note, BilledCodes: []model.BillingCode{{Code: "99213"}}})
	require.Error(t, err)

	reps, err := h.st.ListReports(context.Background(), store.ReportFilter{})
	require.NoError(t, err)
	assert.Empty(t, reps)
}

func TestRerun_ReplacesMapping(t *testing.T) {
	h := newHarness(t)
	receipt := h.submit(t)
	ctx := context.Background()

	updated := "Jane Roe returned, no new complaints."
	res, err := h.intake.Rerun(ctx, receipt.EncounterID, updated)
	require.NoError(t, err)
	assert.Equal(t, "[NAME_1] returned, no new complaints.", res.DeidentifiedText)

	enc, err := h.st.GetEncounter(ctx, receipt.EncounterID)
	require.NoError(t, err)
	assert.Equal(t, res.DeidentifiedText, enc.DeidentifiedText)

	text, err := h.engine.ReidentifyEncounter(ctx, receipt.EncounterID)
	require.NoError(t, err)
	assert.Equal(t, updated, text)
}

func TestRerun_UnknownEncounter(t *testing.T) {
	h := newHarness(t)
	_, err := h.intake.Rerun(context.Background(), "missing", note)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
