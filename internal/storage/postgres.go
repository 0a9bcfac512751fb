/**
 * PostgreSQL Client for the Error Diagnosis Worker
 *
 * Persists job status and diagnosis records. The pipeline never writes here;
 * the queue consumer stores results after a run completes.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	apperrors "github.com/adverant/nexus/errordiag-worker/internal/errors"
	"github.com/adverant/nexus/errordiag-worker/internal/processor"
	"github.com/adverant/nexus/errordiag-worker/internal/signatures"
)

// Job statuses
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	Status           string
	DiagnosisID      string
	ProcessingTimeMs int64
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

const schemaDDL = `
	CREATE SCHEMA IF NOT EXISTS errordiag;

	CREATE TABLE IF NOT EXISTS errordiag.diagnoses (
		id           UUID PRIMARY KEY,
		job_id       TEXT NOT NULL,
		category     TEXT NOT NULL,
		signature_id TEXT,
		confidence   NUMERIC(5,4) NOT NULL,
		provenance   TEXT NOT NULL,
		severity     TEXT,
		remedy       TEXT,
		raw_text     TEXT,
		error_codes  TEXT[] NOT NULL DEFAULT '{}',
		candidates   JSONB NOT NULL DEFAULT '[]'::jsonb,
		model        TEXT,
		created_at   TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS diagnoses_job_id_idx ON errordiag.diagnoses (job_id);

	CREATE TABLE IF NOT EXISTS errordiag.jobs (
		id                 TEXT PRIMARY KEY,
		status             TEXT NOT NULL,
		diagnosis_id       UUID,
		processing_time_ms BIGINT,
		error_code         TEXT,
		error_message      TEXT,
		metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
`

// sanitizeConfidence rounds confidence to 4 decimal places and clamps it to
// [0.0, 1.0] so it always fits NUMERIC(5,4)
func sanitizeConfidence(confidence float64) float64 {
	if confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

// sanitizeText drops NUL bytes, which PostgreSQL TEXT and JSONB reject
func sanitizeText(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	// Connect to database
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// EnsureSchema creates the errordiag schema and tables if they are missing
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveDiagnosis inserts a diagnosis record for jobID
func (p *PostgresClient) SaveDiagnosis(ctx context.Context, jobID string, d *processor.Diagnosis) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("diagnosis with ID is required")
	}

	args, err := diagnosisArgs(jobID, d)
	if err != nil {
		return apperrors.NewStorageFailedError(jobID, err)
	}

	query := `
		INSERT INTO errordiag.diagnoses (
			id, job_id, category, signature_id, confidence, provenance,
			severity, remedy, raw_text, error_codes, candidates, model, created_at
		) VALUES (
			$1::uuid, $2, $3, $4, $5::NUMERIC(5,4), $6,
			NULLIF($7, ''), $8, $9, $10, $11::jsonb, NULLIF($12, ''), $13
		)
		ON CONFLICT (id) DO NOTHING
	`

	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return apperrors.NewStorageFailedError(jobID,
			fmt.Errorf("failed to store diagnosis (id=%s, provenance=%s): %w", d.ID, d.Provenance, err))
	}
	return nil
}

// diagnosisArgs builds the positional arguments for SaveDiagnosis
func diagnosisArgs(jobID string, d *processor.Diagnosis) ([]interface{}, error) {
	candidates := d.Candidates
	if candidates == nil {
		candidates = []signatures.Candidate{}
	}
	candidatesJSON, err := json.Marshal(candidates)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal candidates: %w", err)
	}

	var signatureID sql.NullString
	if d.SignatureID != nil {
		signatureID = sql.NullString{String: *d.SignatureID, Valid: true}
	}

	codes := d.ErrorCodes
	if codes == nil {
		codes = []string{}
	}

	return []interface{}{
		d.ID,                             // $1 - id
		jobID,                            // $2 - job_id
		d.Category,                       // $3 - category
		signatureID,                      // $4 - signature_id
		sanitizeConfidence(d.Confidence), // $5 - confidence
		d.Provenance,                     // $6 - provenance
		d.Severity,                       // $7 - severity
		sanitizeText(d.Remedy),           // $8 - remedy
		sanitizeText(d.RawText),          // $9 - raw_text
		pq.Array(codes),                  // $10 - error_codes
		candidatesJSON,                   // $11 - candidates
		d.Model,                          // $12 - model
		d.CreatedAt,                      // $13 - created_at
	}, nil
}

// UpdateJobStatus upserts the job status row
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	metadataJSON, err := json.Marshal(update.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if update.Metadata == nil {
		metadataJSON = []byte("{}")
	}

	query := `
		INSERT INTO errordiag.jobs (
			id, status, diagnosis_id, processing_time_ms,
			error_code, error_message, metadata, created_at, updated_at
		) VALUES (
			$1, $2,
			CASE WHEN $3 = '' THEN NULL ELSE $3::uuid END,
			NULLIF($4, 0), NULLIF($5, ''), NULLIF($6, ''),
			$7::jsonb, NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			diagnosis_id = COALESCE(EXCLUDED.diagnosis_id, errordiag.jobs.diagnosis_id),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, errordiag.jobs.processing_time_ms),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = errordiag.jobs.metadata || EXCLUDED.metadata,
			updated_at = NOW()
	`

	_, err = p.db.ExecContext(ctx, query,
		update.JobID,                      // $1 - id
		update.Status,                     // $2 - status
		update.DiagnosisID,                // $3 - diagnosis_id
		update.ProcessingTimeMs,           // $4 - processing_time_ms
		update.ErrorCode,                  // $5 - error_code
		sanitizeText(update.ErrorMessage), // $6 - error_message
		metadataJSON,                      // $7 - metadata
	)
	if err != nil {
		return apperrors.NewStorageFailedError(update.JobID,
			fmt.Errorf("failed to update job status (job=%s, status=%s): %w", update.JobID, update.Status, err))
	}

	return nil
}

// GetDiagnosis retrieves a diagnosis by ID
func (p *PostgresClient) GetDiagnosis(ctx context.Context, id string) (*processor.Diagnosis, error) {
	if id == "" {
		return nil, fmt.Errorf("diagnosis ID is required")
	}

	query := `
		SELECT
			id, category, signature_id, confidence, provenance,
			severity, remedy, raw_text, error_codes, candidates, model, created_at
		FROM errordiag.diagnoses
		WHERE id = $1::uuid
	`

	d, err := scanDiagnosis(p.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("diagnosis not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get diagnosis: %w", err)
	}
	return d, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanDiagnosis reads the column order selected by GetDiagnosis
func scanDiagnosis(row rowScanner) (*processor.Diagnosis, error) {
	var (
		d              processor.Diagnosis
		signatureID    sql.NullString
		severity       sql.NullString
		remedy         sql.NullString
		rawText        sql.NullString
		model          sql.NullString
		codes          pq.StringArray
		candidatesJSON []byte
	)

	err := row.Scan(
		&d.ID, &d.Category, &signatureID, &d.Confidence, &d.Provenance,
		&severity, &remedy, &rawText, &codes, &candidatesJSON, &model, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if signatureID.Valid {
		d.SignatureID = &signatureID.String
	}
	d.Severity = severity.String
	d.Remedy = remedy.String
	d.RawText = rawText.String
	d.Model = model.String
	d.ErrorCodes = []string(codes)
	if d.ErrorCodes == nil {
		d.ErrorCodes = []string{}
	}
	if len(candidatesJSON) > 0 {
		if err := json.Unmarshal(candidatesJSON, &d.Candidates); err != nil {
			return nil, fmt.Errorf("failed to unmarshal candidates: %w", err)
		}
	}

	return &d, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
