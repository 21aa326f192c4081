package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/chart-audit/internal/codes"
	"github.com/sells-group/chart-audit/internal/model"
	"github.com/sells-group/chart-audit/internal/notify"
	"github.com/sells-group/chart-audit/internal/phi"
	"github.com/sells-group/chart-audit/internal/resilience"
	"github.com/sells-group/chart-audit/internal/store"
)

// Deidentifier strips PHI from a note and persists the sealed mapping.
type Deidentifier interface {
	DetectAndDeidentify(ctx context.Context, text string) (*phi.Result, error)
	StoreMapping(ctx context.Context, encounterID string, res *phi.Result, replace bool) error
}

// Enqueuer hands a PENDING report to a runner. It returns false when a task
// for the report is already live.
type Enqueuer interface {
	Enqueue(ctx context.Context, reportID string) (bool, error)
}

// Submission is a clinical note and the codes billed for it.
type Submission struct {
	Text          string
	BilledCodes   []model.BillingCode
	PayerID       string
	DateOfService time.Time
	Hints         []string
}

// Receipt identifies what a submission created.
type Receipt struct {
	EncounterID string `json:"encounter_id"`
	ReportID    string `json:"report_id"`
	PHIDetected bool   `json:"phi_detected"`
	Enqueued    bool   `json:"enqueued"`
}

// Intake validates and de-identifies submissions and creates their reports.
type Intake struct {
	store    store.Store
	phi      Deidentifier
	queue    Enqueuer
	notifier notify.Notifier
}

// NewIntake creates an Intake. A nil queue leaves reports PENDING for a
// later enqueue.
func NewIntake(st store.Store, deid Deidentifier, queue Enqueuer, notifier notify.Notifier) *Intake {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Intake{store: st, phi: deid, queue: queue, notifier: notifier}
}

// Submit validates the billed codes, de-identifies the note, and persists the
// encounter, mapping, and a PENDING report. Invalid input is rejected before
// anything is written. The raw text is never stored.
func (in *Intake) Submit(ctx context.Context, sub Submission) (*Receipt, error) {
	if strings.TrimSpace(sub.Text) == "" {
		return nil, resilience.Validation(eris.New("pipeline: clinical text is empty"))
	}
	billed, err := codes.Validate(sub.BilledCodes)
	if err != nil {
		return nil, err
	}

	res, err := in.phi.DetectAndDeidentify(ctx, sub.Text)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: de-identify submission")
	}

	dos := sub.DateOfService
	if dos.IsZero() {
		dos = time.Now().UTC()
	}
	enc := &model.Encounter{
		PayerID:          sub.PayerID,
		DateOfService:    dos,
		DeidentifiedText: res.DeidentifiedText,
		BilledCodes:      billed,
		Hints:            sub.Hints,
	}
	if err := in.store.CreateEncounter(ctx, enc); err != nil {
		return nil, eris.Wrap(err, "pipeline: create encounter")
	}
	if err := in.phi.StoreMapping(ctx, enc.ID, res, false); err != nil {
		in.discardEncounter(ctx, enc.ID)
		return nil, err
	}

	rep, err := in.store.CreateReport(ctx, enc.ID, billed)
	if err != nil {
		in.discardEncounter(ctx, enc.ID)
		return nil, eris.Wrap(err, "pipeline: create report")
	}

	log := zap.L().With(zap.String("report_id", rep.ID), zap.String("encounter_id", enc.ID))
	log.Info("pipeline: submission accepted",
		zap.Int("billed_codes", len(billed)),
		zap.Int("phi_entities", len(res.Mappings)),
	)
	notify.Safe(ctx, in.notifier, rep.ID, model.StatusSnapshot{
		ReportID:    rep.ID,
		Status:      model.ReportStatusPending,
		CurrentStep: model.StepQueued,
		At:          time.Now().UTC(),
	})

	receipt := &Receipt{EncounterID: enc.ID, ReportID: rep.ID, PHIDetected: res.PHIDetected}
	if in.queue == nil {
		return receipt, nil
	}
	receipt.Enqueued, err = in.queue.Enqueue(ctx, rep.ID)
	if err != nil {
		log.Warn("pipeline: enqueue failed, report left pending", zap.Error(err))
		return receipt, eris.Wrap(err, "pipeline: enqueue report")
	}
	return receipt, nil
}

// discardEncounter removes an encounter left without a report by a failed
// submission. It runs even when ctx is cancelled.
func (in *Intake) discardEncounter(ctx context.Context, encounterID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := in.store.DeleteEncounter(ctx, encounterID); err != nil {
		zap.L().Error("pipeline: discard partial encounter",
			zap.String("encounter_id", encounterID),
			zap.Error(err),
		)
		return
	}
	zap.L().Info("pipeline: discarded partial encounter", zap.String("encounter_id", encounterID))
}

// Rerun de-identifies text again for an existing encounter and replaces its
// mapping and de-identified text. Reports already created keep their results.
func (in *Intake) Rerun(ctx context.Context, encounterID, text string) (*phi.Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, resilience.Validation(eris.New("pipeline: clinical text is empty"))
	}
	if _, err := in.store.GetEncounter(ctx, encounterID); err != nil {
		return nil, eris.Wrapf(err, "pipeline: load encounter %s", encounterID)
	}

	res, err := in.phi.DetectAndDeidentify(ctx, text)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: de-identify rerun")
	}
	if err := in.phi.StoreMapping(ctx, encounterID, res, true); err != nil {
		return nil, err
	}

	zap.L().Info("pipeline: de-identification re-run",
		zap.String("encounter_id", encounterID),
		zap.Int("phi_entities", len(res.Mappings)),
	)
	return res, nil
}
