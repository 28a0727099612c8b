package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/pharmatrace/backend/internal/common"
	"github.com/pharmatrace/backend/internal/storage/models"
	"github.com/pharmatrace/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Batch workers write patients concurrently; sqlite serialises writers anyway.
	db.SetMaxOpenConns(1)

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS trials (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		condition TEXT NOT NULL,
		phase TEXT,
		inclusion_criteria TEXT NOT NULL,
		exclusion_criteria TEXT,
		location TEXT,
		compensation TEXT,
		principal_investigator TEXT,
		contact_email TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trials_condition ON trials(condition);
	CREATE INDEX IF NOT EXISTS idx_trials_created ON trials(created_at);

	CREATE TABLE IF NOT EXISTS patients (
		id TEXT PRIMARY KEY,
		name TEXT,
		data TEXT NOT NULL,
		source_file TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_patients_created ON patients(created_at);

	CREATE TABLE IF NOT EXISTS consents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		patient_id TEXT NOT NULL,
		trial_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(patient_id, trial_id),
		FOREIGN KEY (trial_id) REFERENCES trials(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_consents_trial ON consents(trial_id);

	CREATE TABLE IF NOT EXISTS selection_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trial_id TEXT NOT NULL,
		strategy TEXT NOT NULL,
		required INTEGER NOT NULL,
		total_evaluated INTEGER NOT NULL,
		eligible_found INTEGER NOT NULL,
		target_size INTEGER NOT NULL,
		returned INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (trial_id) REFERENCES trials(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_runs_trial ON selection_runs(trial_id);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) InsertTrial(ctx context.Context, trial *models.Trial) error {
	query := `
		INSERT INTO trials (id, name, condition, phase, inclusion_criteria, exclusion_criteria,
			location, compensation, principal_investigator, contact_email, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			condition = excluded.condition,
			phase = excluded.phase,
			inclusion_criteria = excluded.inclusion_criteria,
			exclusion_criteria = excluded.exclusion_criteria,
			location = excluded.location,
			compensation = excluded.compensation,
			principal_investigator = excluded.principal_investigator,
			contact_email = excluded.contact_email
	`

	_, err := c.db.ExecContext(ctx,
		query,
		trial.ID,
		trial.Name,
		trial.Condition,
		trial.Phase,
		trial.InclusionCriteria,
		trial.ExclusionCriteria,
		trial.Location,
		trial.Compensation,
		trial.PrincipalInvestigator,
		trial.ContactEmail,
		trial.CreatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert trial: %w", err)
	}

	logger.Debug("Trial inserted", zap.String("trial_id", trial.ID), zap.String("condition", trial.Condition))
	return nil
}

const trialColumns = `id, name, condition, phase, inclusion_criteria, exclusion_criteria, location,
	compensation, principal_investigator, contact_email, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTrial(row scanner) (*models.Trial, error) {
	var t models.Trial
	var phase, exclusion, location, compensation, pi, email sql.NullString
	var createdAt int64

	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.Condition,
		&phase,
		&t.InclusionCriteria,
		&exclusion,
		&location,
		&compensation,
		&pi,
		&email,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	t.Phase = phase.String
	t.ExclusionCriteria = exclusion.String
	t.Location = location.String
	t.Compensation = compensation.String
	t.PrincipalInvestigator = pi.String
	t.ContactEmail = email.String
	t.CreatedAt = time.Unix(createdAt, 0).UTC()

	return &t, nil
}

func (c *Client) GetTrial(ctx context.Context, id string) (*models.Trial, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+trialColumns+` FROM trials WHERE id = ?`, id)

	trial, err := scanTrial(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NewNotFoundError("trial %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trial: %w", err)
	}
	return trial, nil
}

func (c *Client) ListTrials(ctx context.Context, limit int) ([]models.Trial, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT `+trialColumns+` FROM trials ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list trials: %w", err)
	}
	defer rows.Close()

	trials := []models.Trial{}
	for rows.Next() {
		trial, err := scanTrial(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		trials = append(trials, *trial)
	}

	return trials, rows.Err()
}

func (c *Client) SavePatient(ctx context.Context, patient *models.Patient) error {
	data, err := json.Marshal(patient.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal patient data: %w", err)
	}

	query := `
		INSERT INTO patients (id, name, data, source_file, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			data = excluded.data,
			source_file = excluded.source_file
	`

	_, err = c.db.ExecContext(ctx,
		query,
		patient.ID,
		patient.Name,
		string(data),
		patient.SourceFile,
		patient.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save patient: %w", err)
	}

	logger.Debug("Patient saved", zap.String("patient_id", patient.ID), zap.String("source_file", patient.SourceFile))
	return nil
}

func scanPatient(row scanner) (*models.Patient, error) {
	var p models.Patient
	var name, sourceFile sql.NullString
	var data string
	var createdAt int64

	if err := row.Scan(&p.ID, &name, &data, &sourceFile, &createdAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(data), &p.Data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal patient data: %w", err)
	}
	p.Name = name.String
	p.SourceFile = sourceFile.String
	p.CreatedAt = time.Unix(createdAt, 0).UTC()

	return &p, nil
}

func (c *Client) GetPatient(ctx context.Context, id string) (*models.Patient, error) {
	row := c.db.QueryRowContext(ctx, `SELECT id, name, data, source_file, created_at FROM patients WHERE id = ?`, id)

	patient, err := scanPatient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NewNotFoundError("patient %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get patient: %w", err)
	}
	return patient, nil
}

// ListPatients returns patients in insertion order so evaluation batches are
// reproducible for a given database.
func (c *Client) ListPatients(ctx context.Context, limit int) ([]models.Patient, error) {
	query := `SELECT id, name, data, source_file, created_at FROM patients ORDER BY created_at, rowid LIMIT ?`

	rows, err := c.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list patients: %w", err)
	}
	defer rows.Close()

	patients := []models.Patient{}
	for rows.Next() {
		patient, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		patients = append(patients, *patient)
	}

	return patients, rows.Err()
}

func (c *Client) CountPatients(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM patients`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count patients: %w", err)
	}
	return n, nil
}

// InsertConsent records consent once per patient and trial; repeated
// confirmations return the original record.
func (c *Client) InsertConsent(ctx context.Context, consent *models.Consent) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO consents (patient_id, trial_id, created_at) VALUES (?, ?, ?)`,
		consent.PatientID,
		consent.TrialID,
		consent.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert consent: %w", err)
	}

	var createdAt int64
	err = c.db.QueryRowContext(ctx,
		`SELECT id, created_at FROM consents WHERE patient_id = ? AND trial_id = ?`,
		consent.PatientID,
		consent.TrialID,
	).Scan(&consent.ID, &createdAt)
	if err != nil {
		return fmt.Errorf("failed to read consent: %w", err)
	}
	consent.CreatedAt = time.Unix(createdAt, 0).UTC()

	logger.Info("Consent recorded",
		zap.String("patient_id", consent.PatientID),
		zap.String("trial_id", consent.TrialID),
	)

	return nil
}

func (c *Client) InsertSelectionRun(ctx context.Context, run *models.SelectionRun) error {
	query := `
		INSERT INTO selection_runs (trial_id, strategy, required, total_evaluated, eligible_found,
			target_size, returned, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := c.db.ExecContext(ctx,
		query,
		run.TrialID,
		run.Strategy,
		run.Required,
		run.Stats.TotalPatientsEvaluated,
		run.Stats.EligibleCandidatesFound,
		run.Stats.TargetPoolSize,
		run.Stats.PoolSizeReturned,
		run.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert selection run: %w", err)
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read selection run id: %w", err)
	}

	return nil
}

func (c *Client) ListSelectionRuns(ctx context.Context, trialID string, limit int) ([]models.SelectionRun, error) {
	query := `
		SELECT id, trial_id, strategy, required, total_evaluated, eligible_found, target_size, returned, created_at
		FROM selection_runs
		WHERE trial_id = ?
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, trialID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list selection runs: %w", err)
	}
	defer rows.Close()

	runs := []models.SelectionRun{}
	for rows.Next() {
		var r models.SelectionRun
		var createdAt int64

		err := rows.Scan(
			&r.ID,
			&r.TrialID,
			&r.Strategy,
			&r.Required,
			&r.Stats.TotalPatientsEvaluated,
			&r.Stats.EligibleCandidatesFound,
			&r.Stats.TargetPoolSize,
			&r.Stats.PoolSizeReturned,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		r.CreatedAt = time.Unix(createdAt, 0).UTC()
		runs = append(runs, r)
	}

	return runs, rows.Err()
}
