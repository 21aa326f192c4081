package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/chart-audit/internal/db"
	"github.com/sells-group/chart-audit/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	pgClaimReport = `UPDATE reports SET status = $1, progress_percent = 0, current_step = $2,
		processing_started_at = $3, updated_at = now()
		WHERE id = $4 AND status = $5`
	pgUpdateProgress = `UPDATE reports SET progress_percent = $1, current_step = $2, updated_at = now()
		WHERE id = $3 AND status = $4 AND progress_percent <= $1`
	pgGetReport  = `SELECT ` + pgReportColumns + ` FROM reports WHERE id = $1`
	pgGetMapping = `SELECT encounter_id, deidentified_text, phi_detected, detected_count, blob, created_at
		FROM phi_mappings WHERE encounter_id = $1`
)

// preparedStatements lists the hot-path queries of a report run. They are
// prepared on each new connection.
var preparedStatements = map[string]string{
	"claim_report":    pgClaimReport,
	"update_progress": pgUpdateProgress,
	"get_report":      pgGetReport,
	"get_mapping":     pgGetMapping,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS encounters (
	id                TEXT PRIMARY KEY,
	payer_id          TEXT NOT NULL DEFAULT '',
	date_of_service   TIMESTAMPTZ NOT NULL,
	deidentified_text TEXT NOT NULL,
	billed_codes      JSONB NOT NULL,
	hints             JSONB,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS phi_mappings (
	encounter_id      TEXT PRIMARY KEY REFERENCES encounters(id),
	deidentified_text TEXT NOT NULL,
	phi_detected      BOOLEAN NOT NULL DEFAULT false,
	detected_count    INTEGER NOT NULL DEFAULT 0,
	blob              TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS reports (
	id                      TEXT PRIMARY KEY,
	encounter_id            TEXT NOT NULL REFERENCES encounters(id),
	status                  TEXT NOT NULL DEFAULT 'PENDING',
	progress_percent        INTEGER NOT NULL DEFAULT 0,
	current_step            TEXT NOT NULL DEFAULT 'queued',
	billed_codes            JSONB NOT NULL,
	result                  JSONB,
	error_message           TEXT,
	error_details           JSONB,
	retry_count             INTEGER NOT NULL DEFAULT 0,
	processing_started_at   TIMESTAMPTZ,
	processing_completed_at TIMESTAMPTZ,
	processing_time_ms      BIGINT,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_reports_status ON reports(status);
CREATE INDEX IF NOT EXISTS idx_reports_encounter ON reports(encounter_id);
CREATE INDEX IF NOT EXISTS idx_reports_started ON reports(status, processing_started_at);
`

// Ping checks that the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateEncounter(ctx context.Context, enc *model.Encounter) error {
	if enc.ID == "" {
		enc.ID = uuid.New().String()
	}
	if enc.CreatedAt.IsZero() {
		enc.CreatedAt = time.Now().UTC()
	}
	billed, err := json.Marshal(enc.BilledCodes)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal billed codes")
	}
	hints, err := json.Marshal(enc.Hints)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal hints")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO encounters (id, payer_id, date_of_service, deidentified_text, billed_codes, hints, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		enc.ID, enc.PayerID, enc.DateOfService.UTC(), enc.DeidentifiedText, billed, hints, enc.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert encounter %s", enc.ID)
}

func (s *PostgresStore) GetEncounter(ctx context.Context, id string) (*model.Encounter, error) {
	var enc model.Encounter
	var billed, hints []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, payer_id, date_of_service, deidentified_text, billed_codes, hints, created_at
		 FROM encounters WHERE id = $1`, id,
	).Scan(&enc.ID, &enc.PayerID, &enc.DateOfService, &enc.DeidentifiedText, &billed, &hints, &enc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "encounter %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get encounter %s", id)
	}
	if err := json.Unmarshal(billed, &enc.BilledCodes); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal billed codes")
	}
	if len(hints) > 0 {
		if err := json.Unmarshal(hints, &enc.Hints); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal hints")
		}
	}
	return &enc, nil
}

func (s *PostgresStore) DeleteEncounter(ctx context.Context, id string) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM phi_mappings WHERE encounter_id = $1`, id); err != nil {
			return eris.Wrapf(err, "postgres: delete mapping %s", id)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM encounters WHERE id = $1`, id)
		if err != nil {
			return eris.Wrapf(err, "postgres: delete encounter %s", id)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrNotFound, "encounter %s", id)
		}
		return nil
	})
}

func (s *PostgresStore) SaveMapping(ctx context.Context, m *model.PHIMapping, replace bool) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	args := []any{m.EncounterID, m.DeidentifiedText, m.PHIDetected, m.DetectedCount, m.Blob, m.CreatedAt}

	if !replace {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO phi_mappings (encounter_id, deidentified_text, phi_detected, detected_count, blob, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (encounter_id) DO NOTHING`, args...)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert mapping %s", m.EncounterID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrMappingExists, "encounter %s", m.EncounterID)
		}
		return nil
	}

	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO phi_mappings (encounter_id, deidentified_text, phi_detected, detected_count, blob, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (encounter_id) DO UPDATE SET
			   deidentified_text = EXCLUDED.deidentified_text,
			   phi_detected = EXCLUDED.phi_detected,
			   detected_count = EXCLUDED.detected_count,
			   blob = EXCLUDED.blob,
			   created_at = EXCLUDED.created_at`, args...); err != nil {
			return eris.Wrapf(err, "postgres: upsert mapping %s", m.EncounterID)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE encounters SET deidentified_text = $1 WHERE id = $2`,
			m.DeidentifiedText, m.EncounterID); err != nil {
			return eris.Wrapf(err, "postgres: update encounter text %s", m.EncounterID)
		}
		return nil
	})
}

func (s *PostgresStore) GetMapping(ctx context.Context, encounterID string) (*model.PHIMapping, error) {
	var m model.PHIMapping
	err := s.pool.QueryRow(ctx, pgGetMapping, encounterID).
		Scan(&m.EncounterID, &m.DeidentifiedText, &m.PHIDetected, &m.DetectedCount, &m.Blob, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "mapping for encounter %s", encounterID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get mapping %s", encounterID)
	}
	return &m, nil
}

func (s *PostgresStore) CreateReport(ctx context.Context, encounterID string, billed []model.BillingCode) (*model.Report, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	billedJSON, err := json.Marshal(billed)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal billed codes")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO reports (id, encounter_id, status, progress_percent, current_step, billed_codes, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, $4, $5, $6, $7)`,
		id, encounterID, string(model.ReportStatusPending), model.StepQueued, billedJSON, now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert report for encounter %s", encounterID)
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

const pgReportColumns = `id, encounter_id, status, progress_percent, current_step, billed_codes, result,
	error_message, error_details, retry_count, processing_started_at, processing_completed_at,
	processing_time_ms, created_at, updated_at`

func (s *PostgresStore) GetReport(ctx context.Context, id string) (*model.Report, error) {
	r, err := scanPostgresReport(s.pool.QueryRow(ctx, pgGetReport, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "report %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get report %s", id)
	}
	return r, nil
}

func (s *PostgresStore) ListReports(ctx context.Context, filter ReportFilter) ([]model.Report, error) {
	query := `SELECT ` + pgReportColumns + ` FROM reports WHERE 1=1`
	var args []any
	argN := 1

	if filter.Status != "" {
		query += ` AND status = $` + strconv.Itoa(argN)
		args = append(args, string(filter.Status))
		argN++
	}
	if filter.EncounterID != "" {
		query += ` AND encounter_id = $` + strconv.Itoa(argN)
		args = append(args, filter.EncounterID)
		argN++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT $` + strconv.Itoa(argN)
	args = append(args, limit)
	argN++

	if filter.Offset > 0 {
		query += ` OFFSET $` + strconv.Itoa(argN)
		args = append(args, filter.Offset)
	}

	return s.queryReports(ctx, "list reports", query, args...)
}

func (s *PostgresStore) ListStale(ctx context.Context, startedBefore time.Time) ([]model.Report, error) {
	return s.queryReports(ctx, "list stale",
		`SELECT `+pgReportColumns+` FROM reports
		 WHERE status = $1 AND processing_started_at < $2
		 ORDER BY processing_started_at`,
		string(model.ReportStatusProcessing), startedBefore.UTC(),
	)
}

func (s *PostgresStore) queryReports(ctx context.Context, op, query string, args ...any) ([]model.Report, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	defer rows.Close()

	var out []model.Report
	for rows.Next() {
		r, err := scanPostgresReport(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: %s scan", op)
		}
		out = append(out, *r)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: %s iterate", op)
}

func (s *PostgresStore) ClaimReport(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, pgClaimReport,
		string(model.ReportStatusProcessing), model.StepStarted, startedAt.UTC(),
		id, string(model.ReportStatusPending),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim report %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, id string, percent int, step string) error {
	tag, err := s.pool.Exec(ctx, pgUpdateProgress,
		percent, step, id, string(model.ReportStatusProcessing),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update progress %s", id)
	}
	return checkTag(tag, id)
}

func (s *PostgresStore) CompleteReport(ctx context.Context, id string, result *model.ReportResult, c Completion) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET status = $1, progress_percent = 100, current_step = $2, result = $3,
		   processing_completed_at = $4, processing_time_ms = $5, updated_at = now()
		 WHERE id = $6 AND status = $7`,
		string(model.ReportStatusComplete), model.StepComplete, resultJSON,
		c.CompletedAt.UTC(), c.DurationMs,
		id, string(model.ReportStatusProcessing),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete report %s", id)
	}
	return checkTag(tag, id)
}

func (s *PostgresStore) FailReport(ctx context.Context, id, message string, details *model.FailureDetails, c Completion) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal failure details")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET status = $1, current_step = $2, error_message = $3, error_details = $4,
		   retry_count = retry_count + 1, processing_completed_at = $5, processing_time_ms = $6, updated_at = now()
		 WHERE id = $7 AND status = $8`,
		string(model.ReportStatusFailed), model.StepFailed, message, detailsJSON,
		c.CompletedAt.UTC(), c.DurationMs,
		id, string(model.ReportStatusProcessing),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail report %s", id)
	}
	return checkTag(tag, id)
}

func (s *PostgresStore) ResetForRetry(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET status = $1, progress_percent = 0, current_step = $2, result = NULL,
		   error_message = NULL, error_details = NULL, processing_started_at = NULL,
		   processing_completed_at = NULL, processing_time_ms = NULL, updated_at = now()
		 WHERE id = $3 AND status = $4`,
		string(model.ReportStatusPending), model.StepQueued,
		id, string(model.ReportStatusFailed),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: reset report %s", id)
	}
	return checkTag(tag, id)
}

func checkTag(tag pgconn.CommandTag, id string) error {
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrConflict, "report %s", id)
	}
	return nil
}

func scanPostgresReport(row pgx.Row) (*model.Report, error) {
	var r model.Report
	var status string
	var billed, result, errDetails []byte
	var errMsg *string

	err := row.Scan(&r.ID, &r.EncounterID, &status, &r.ProgressPercent, &r.CurrentStep, &billed, &result,
		&errMsg, &errDetails, &r.RetryCount, &r.ProcessingStartedAt, &r.ProcessingCompletedAt,
		&r.ProcessingTimeMs, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = model.ReportStatus(status)

	if err := json.Unmarshal(billed, &r.BilledCodes); err != nil {
		return nil, eris.Wrap(err, "unmarshal billed codes")
	}
	if len(result) > 0 {
		r.Result = &model.ReportResult{}
		if err := json.Unmarshal(result, r.Result); err != nil {
			return nil, eris.Wrap(err, "unmarshal result")
		}
	}
	if errMsg != nil {
		r.ErrorMessage = *errMsg
	}
	if len(errDetails) > 0 && string(errDetails) != "null" {
		r.ErrorDetails = &model.FailureDetails{}
		if err := json.Unmarshal(errDetails, r.ErrorDetails); err != nil {
			return nil, eris.Wrap(err, "unmarshal error details")
		}
	}
	return &r, nil
}
