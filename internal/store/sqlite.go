package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/chart-audit/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS encounters (
	id                TEXT PRIMARY KEY,
	payer_id          TEXT NOT NULL DEFAULT '',
	date_of_service   DATETIME NOT NULL,
	deidentified_text TEXT NOT NULL,
	billed_codes      TEXT NOT NULL,
	hints             TEXT,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS phi_mappings (
	encounter_id      TEXT PRIMARY KEY REFERENCES encounters(id),
	deidentified_text TEXT NOT NULL,
	phi_detected      INTEGER NOT NULL DEFAULT 0,
	detected_count    INTEGER NOT NULL DEFAULT 0,
	blob              TEXT NOT NULL,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS reports (
	id                      TEXT PRIMARY KEY,
	encounter_id            TEXT NOT NULL REFERENCES encounters(id),
	status                  TEXT NOT NULL DEFAULT 'PENDING',
	progress_percent        INTEGER NOT NULL DEFAULT 0,
	current_step            TEXT NOT NULL DEFAULT 'queued',
	billed_codes            TEXT NOT NULL,
	result                  TEXT,
	error_message           TEXT,
	error_details           TEXT,
	retry_count             INTEGER NOT NULL DEFAULT 0,
	processing_started_at   DATETIME,
	processing_completed_at DATETIME,
	processing_time_ms      INTEGER,
	created_at              DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at              DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_reports_status ON reports(status);
CREATE INDEX IF NOT EXISTS idx_reports_encounter ON reports(encounter_id);
CREATE INDEX IF NOT EXISTS idx_reports_started ON reports(status, processing_started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateEncounter(ctx context.Context, enc *model.Encounter) error {
	if enc.ID == "" {
		enc.ID = uuid.New().String()
	}
	if enc.CreatedAt.IsZero() {
		enc.CreatedAt = time.Now().UTC()
	}
	billed, err := json.Marshal(enc.BilledCodes)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal billed codes")
	}
	hints, err := json.Marshal(enc.Hints)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal hints")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO encounters (id, payer_id, date_of_service, deidentified_text, billed_codes, hints, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		enc.ID, enc.PayerID, enc.DateOfService.UTC(), enc.DeidentifiedText, string(billed), string(hints), enc.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert encounter %s", enc.ID)
}

func (s *SQLiteStore) GetEncounter(ctx context.Context, id string) (*model.Encounter, error) {
	var enc model.Encounter
	var billed string
	var hints sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT id, payer_id, date_of_service, deidentified_text, billed_codes, hints, created_at
		 FROM encounters WHERE id = ?`, id,
	).Scan(&enc.ID, &enc.PayerID, &enc.DateOfService, &enc.DeidentifiedText, &billed, &hints, &enc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "encounter %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get encounter %s", id)
	}
	if err := json.Unmarshal([]byte(billed), &enc.BilledCodes); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal billed codes")
	}
	if hints.Valid && hints.String != "" {
		if err := json.Unmarshal([]byte(hints.String), &enc.Hints); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal hints")
		}
	}
	return &enc, nil
}

func (s *SQLiteStore) DeleteEncounter(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM phi_mappings WHERE encounter_id = ?`, id); err != nil {
		return eris.Wrapf(err, "sqlite: delete mapping %s", id)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM encounters WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete encounter %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrNotFound, "encounter %s", id)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func (s *SQLiteStore) SaveMapping(ctx context.Context, m *model.PHIMapping, replace bool) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	args := []any{m.EncounterID, m.DeidentifiedText, m.PHIDetected, m.DetectedCount, m.Blob, m.CreatedAt}

	if !replace {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO phi_mappings (encounter_id, deidentified_text, phi_detected, detected_count, blob, created_at)
			 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (encounter_id) DO NOTHING`, args...)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert mapping %s", m.EncounterID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return eris.Wrapf(ErrMappingExists, "encounter %s", m.EncounterID)
		}
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO phi_mappings (encounter_id, deidentified_text, phi_detected, detected_count, blob, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (encounter_id) DO UPDATE SET
		   deidentified_text = excluded.deidentified_text,
		   phi_detected = excluded.phi_detected,
		   detected_count = excluded.detected_count,
		   blob = excluded.blob,
		   created_at = excluded.created_at`, args...); err != nil {
		return eris.Wrapf(err, "sqlite: upsert mapping %s", m.EncounterID)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE encounters SET deidentified_text = ? WHERE id = ?`,
		m.DeidentifiedText, m.EncounterID); err != nil {
		return eris.Wrapf(err, "sqlite: update encounter text %s", m.EncounterID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit mapping")
}

func (s *SQLiteStore) GetMapping(ctx context.Context, encounterID string) (*model.PHIMapping, error) {
	var m model.PHIMapping
	err := s.db.QueryRowContext(ctx,
		`SELECT encounter_id, deidentified_text, phi_detected, detected_count, blob, created_at
		 FROM phi_mappings WHERE encounter_id = ?`, encounterID,
	).Scan(&m.EncounterID, &m.DeidentifiedText, &m.PHIDetected, &m.DetectedCount, &m.Blob, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "mapping for encounter %s", encounterID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get mapping %s", encounterID)
	}
	return &m, nil
}

func (s *SQLiteStore) CreateReport(ctx context.Context, encounterID string, billed []model.BillingCode) (*model.Report, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	billedJSON, err := json.Marshal(billed)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal billed codes")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reports (id, encounter_id, status, progress_percent, current_step, billed_codes, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?, ?, ?)`,
		id, encounterID, string(model.ReportStatusPending), model.StepQueued, string(billedJSON), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert report for encounter %s", encounterID)
	}

	return &model.Report{
		ID:          id,
		EncounterID: encounterID,
		Status:      model.ReportStatusPending,
		CurrentStep: model.StepQueued,
		BilledCodes: billed,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

const sqliteReportColumns = `id, encounter_id, status, progress_percent, current_step, billed_codes, result,
	error_message, error_details, retry_count, processing_started_at, processing_completed_at,
	processing_time_ms, created_at, updated_at`

func (s *SQLiteStore) GetReport(ctx context.Context, id string) (*model.Report, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteReportColumns+` FROM reports WHERE id = ?`, id)
	r, err := scanSQLiteReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "report %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get report %s", id)
	}
	return r, nil
}

func (s *SQLiteStore) ListReports(ctx context.Context, filter ReportFilter) ([]model.Report, error) {
	query := `SELECT ` + sqliteReportColumns + ` FROM reports WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.EncounterID != "" {
		query += ` AND encounter_id = ?`
		args = append(args, filter.EncounterID)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	return s.queryReports(ctx, "list reports", query, args...)
}

func (s *SQLiteStore) ListStale(ctx context.Context, startedBefore time.Time) ([]model.Report, error) {
	return s.queryReports(ctx, "list stale",
		`SELECT `+sqliteReportColumns+` FROM reports
		 WHERE status = ? AND processing_started_at < ?
		 ORDER BY processing_started_at`,
		string(model.ReportStatusProcessing), startedBefore.UTC(),
	)
}

func (s *SQLiteStore) queryReports(ctx context.Context, op, query string, args ...any) ([]model.Report, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Report
	for rows.Next() {
		r, err := scanSQLiteReport(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: %s scan", op)
		}
		out = append(out, *r)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: %s iterate", op)
}

func (s *SQLiteStore) ClaimReport(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET status = ?, progress_percent = 0, current_step = ?,
		   processing_started_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.ReportStatusProcessing), model.StepStarted, startedAt.UTC(), time.Now().UTC(),
		id, string(model.ReportStatusPending),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim report %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, percent int, step string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET progress_percent = ?, current_step = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND progress_percent <= ?`,
		percent, step, time.Now().UTC(), id, string(model.ReportStatusProcessing), percent,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update progress %s", id)
	}
	return checkConditional(res, id)
}

func (s *SQLiteStore) CompleteReport(ctx context.Context, id string, result *model.ReportResult, c Completion) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET status = ?, progress_percent = 100, current_step = ?, result = ?,
		   processing_completed_at = ?, processing_time_ms = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.ReportStatusComplete), model.StepComplete, string(resultJSON),
		c.CompletedAt.UTC(), c.DurationMs, time.Now().UTC(),
		id, string(model.ReportStatusProcessing),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete report %s", id)
	}
	return checkConditional(res, id)
}

func (s *SQLiteStore) FailReport(ctx context.Context, id, message string, details *model.FailureDetails, c Completion) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal failure details")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET status = ?, current_step = ?, error_message = ?, error_details = ?,
		   retry_count = retry_count + 1, processing_completed_at = ?, processing_time_ms = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.ReportStatusFailed), model.StepFailed, message, string(detailsJSON),
		c.CompletedAt.UTC(), c.DurationMs, time.Now().UTC(),
		id, string(model.ReportStatusProcessing),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail report %s", id)
	}
	return checkConditional(res, id)
}

func (s *SQLiteStore) ResetForRetry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET status = ?, progress_percent = 0, current_step = ?, result = NULL,
		   error_message = NULL, error_details = NULL, processing_started_at = NULL,
		   processing_completed_at = NULL, processing_time_ms = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.ReportStatusPending), model.StepQueued, time.Now().UTC(),
		id, string(model.ReportStatusFailed),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reset report %s", id)
	}
	return checkConditional(res, id)
}

// helpers

func checkConditional(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrConflict, "report %s", id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteReport(row scannable) (*model.Report, error) {
	var r model.Report
	var billed string
	var result, errMsg, errDetails sql.NullString
	var started, completed sql.NullTime
	var durationMs sql.NullInt64

	err := row.Scan(&r.ID, &r.EncounterID, &r.Status, &r.ProgressPercent, &r.CurrentStep, &billed, &result,
		&errMsg, &errDetails, &r.RetryCount, &started, &completed, &durationMs, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(billed), &r.BilledCodes); err != nil {
		return nil, eris.Wrap(err, "unmarshal billed codes")
	}
	if result.Valid && result.String != "" {
		r.Result = &model.ReportResult{}
		if err := json.Unmarshal([]byte(result.String), r.Result); err != nil {
			return nil, eris.Wrap(err, "unmarshal result")
		}
	}
	r.ErrorMessage = errMsg.String
	if errDetails.Valid && errDetails.String != "" && errDetails.String != "null" {
		r.ErrorDetails = &model.FailureDetails{}
		if err := json.Unmarshal([]byte(errDetails.String), r.ErrorDetails); err != nil {
			return nil, eris.Wrap(err, "unmarshal error details")
		}
	}
	if started.Valid {
		t := started.Time
		r.ProcessingStartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		r.ProcessingCompletedAt = &t
	}
	if durationMs.Valid {
		d := durationMs.Int64
		r.ProcessingTimeMs = &d
	}
	return &r, nil
}
