package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a requested job does not exist.
var ErrNotFound = errors.New("job not found")

// Job status values.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Job is the metadata record for one export run. Fetched transaction data
// is never stored here; the only artifact of a run is the CSV file on disk,
// referenced by ArtifactPath once the run completes.
type Job struct {
	ID           string
	Wallet       string
	WindowStart  time.Time
	WindowEnd    time.Time
	Status       string
	Pages        int
	RawRecords   int
	Rows         int
	Capped       bool
	Truncated    bool
	ErrorKind    *string // nil unless the run failed or completed partially
	ArtifactPath *string // nil until a CSV has been written
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateJobParams contains the parameters for creating an export job.
type CreateJobParams struct {
	Wallet      string
	WindowStart time.Time
	WindowEnd   time.Time
}

// JobResultParams contains the terminal state of a finished run.
type JobResultParams struct {
	Status       string
	Pages        int
	RawRecords   int
	Rows         int
	Capped       bool
	Truncated    bool
	ErrorKind    *string
	ArtifactPath *string
}

// Store provides database operations for export job metadata.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const jobColumns = `id, wallet, window_start, window_end, status, pages, raw_records, rows_emitted, capped, truncated, error_kind, artifact_path, created_at, updated_at`

// CreateJob inserts a new export job in the pending state and returns it.
func (s *Store) CreateJob(ctx context.Context, params CreateJobParams) (*Job, error) {
	query := `
		INSERT INTO export_jobs (id, wallet, window_start, window_end, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + jobColumns

	row := s.pool.QueryRow(ctx, query,
		uuid.New().String(),
		params.Wallet,
		params.WindowStart,
		params.WindowEnd,
		JobStatusPending,
	)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// GetJob retrieves a job by its id. Returns ErrNotFound if it does not exist.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM export_jobs WHERE id = $1`

	row := s.pool.QueryRow(ctx, query, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs retrieves jobs ordered by most recently created first. An empty
// wallet lists jobs across all wallets.
func (s *Store) ListJobs(ctx context.Context, wallet string, limit, offset int32) ([]*Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM export_jobs
		WHERE ($1 = '' OR wallet = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.pool.Query(ctx, query, wallet, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// MarkJobRunning transitions a job to the running state.
func (s *Store) MarkJobRunning(ctx context.Context, id string) error {
	query := `
		UPDATE export_jobs
		SET status = $2, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := s.pool.Exec(ctx, query, id, JobStatusRunning)
	if err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateJobProgress records the running page and record counts for a job.
func (s *Store) UpdateJobProgress(ctx context.Context, id string, pages, rawRecords int) error {
	query := `
		UPDATE export_jobs
		SET pages = $2, raw_records = $3, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := s.pool.Exec(ctx, query, id, pages, rawRecords)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordJobResult writes the terminal state of a finished run.
func (s *Store) RecordJobResult(ctx context.Context, id string, result JobResultParams) (*Job, error) {
	query := `
		UPDATE export_jobs
		SET status = $2,
		    pages = $3,
		    raw_records = $4,
		    rows_emitted = $5,
		    capped = $6,
		    truncated = $7,
		    error_kind = $8,
		    artifact_path = $9,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + jobColumns

	row := s.pool.QueryRow(ctx, query, id,
		result.Status,
		result.Pages,
		result.RawRecords,
		result.Rows,
		result.Capped,
		result.Truncated,
		result.ErrorKind,
		result.ArtifactPath,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("record job result: %w", err)
	}
	return job, nil
}

// DeleteJob removes a job record. Returns ErrNotFound if it does not exist.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM export_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanJob(row pgx.Row) (*Job, error) {
	var job Job
	err := row.Scan(
		&job.ID,
		&job.Wallet,
		&job.WindowStart,
		&job.WindowEnd,
		&job.Status,
		&job.Pages,
		&job.RawRecords,
		&job.Rows,
		&job.Capped,
		&job.Truncated,
		&job.ErrorKind,
		&job.ArtifactPath,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}
