package spatialite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jobrunner/canopy/internal/domain"
)

// JobStore implements the job persistence port.
type JobStore struct {
	db *sql.DB
}

// NewJobStore creates a job store.
func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db.db}
}

const jobColumns = `id, status, progress, message, error_detail, area_wkt,
	source_locator, preferred_source, tenant, parcel_ref, config, result,
	created_at, updated_at, started_at, finished_at`

// Create implements output.JobStore.
func (s *JobStore) Create(ctx context.Context, job *domain.Job) error {
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("encoding job config: %w", err)
	}

	var areaWKT any
	if job.Area != nil {
		areaWKT = job.Area.WKT()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, status, progress, message, error_detail, area_wkt,
			source_locator, preferred_source, tenant, parcel_ref, config,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Status), job.Progress, job.Message, job.ErrorDetail, areaWKT,
		job.SourceLocator, job.PreferredSource, job.Tenant, job.ParcelRef, string(cfg),
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating job %s: %w", job.ID, err)
	}
	return nil
}

// Get implements output.JobStore.
func (s *JobStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}
	return job, nil
}

// List implements output.JobStore.
func (s *JobStore) List(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM jobs ORDER BY created_at DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// UpdateStatus implements output.JobStore.
func (s *JobStore) UpdateStatus(ctx context.Context, job *domain.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", job.ID, err)
	}

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = ?", job.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return domain.ErrJobNotFound
	}
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("updating job %s: %w", job.ID, err)
	}
	if domain.JobStatus(current).Terminal() {
		_ = tx.Rollback()
		return &domain.TransitionError{From: domain.JobStatus(current), To: job.Status}
	}

	var result any
	if job.Result != nil {
		encoded, err := json.Marshal(job.Result)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encoding job result: %w", err)
		}
		result = string(encoded)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, progress = ?, message = ?, error_detail = ?,
			result = ?, updated_at = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		string(job.Status), job.Progress, job.Message, job.ErrorDetail,
		result, job.UpdatedAt, nullableTime(job.StartedAt), nullableTime(job.FinishedAt),
		job.ID,
	)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("updating job %s: %w", job.ID, err)
	}
	return tx.Commit()
}

// UpdateProgress implements output.JobStore.
func (s *JobStore) UpdateProgress(ctx context.Context, id string, progress int, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET progress = ?, message = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		progress, message, time.Now().UTC(),
		id, string(domain.JobCompleted), string(domain.JobFailed),
	)
	if err != nil {
		return fmt.Errorf("updating progress of job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating progress of job %s: %w", id, err)
	}
	if affected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("job %s is terminal: %w", id, domain.ErrInvalidInput)
	}
	return nil
}

// ClaimQueued implements output.JobStore. The transaction takes the write
// lock up front so two workers can never claim the same job.
func (s *JobStore) ClaimQueued(ctx context.Context) (*domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}

	row := tx.QueryRowContext(ctx, "SELECT "+jobColumns+` FROM jobs
		WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1`,
		string(domain.JobQueued))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("claiming job: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, message = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(domain.JobProcessing), "processing started", now, now,
		job.ID, string(domain.JobQueued),
	)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("claiming job %s: %w", job.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil || affected == 0 {
		_ = tx.Rollback()
		return nil, domain.ErrJobNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claiming job %s: %w", job.ID, err)
	}

	job.Status = domain.JobProcessing
	job.Message = "processing started"
	job.StartedAt = &now
	job.UpdatedAt = now
	return job, nil
}

// CancelQueued implements output.JobStore.
func (s *JobStore) CancelQueued(ctx context.Context, id string, detail string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error_detail = ?, message = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(domain.JobFailed), detail, "processing failed", now, now,
		id, string(domain.JobQueued),
	)
	if err != nil {
		return fmt.Errorf("cancelling job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancelling job %s: %w", id, err)
	}
	if affected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return domain.ErrJobNotCancellable
	}
	return nil
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job        domain.Job
		status     string
		areaWKT    sql.NullString
		config     string
		result     sql.NullString
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	err := row.Scan(
		&job.ID, &status, &job.Progress, &job.Message, &job.ErrorDetail, &areaWKT,
		&job.SourceLocator, &job.PreferredSource, &job.Tenant, &job.ParcelRef,
		&config, &result, &job.CreatedAt, &job.UpdatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = domain.JobStatus(status)
	if areaWKT.Valid && areaWKT.String != "" {
		area, err := domain.ParseArea(areaWKT.String)
		if err != nil {
			return nil, fmt.Errorf("stored area of job %s: %w", job.ID, err)
		}
		job.Area = area
	}
	if err := json.Unmarshal([]byte(config), &job.Config); err != nil {
		return nil, fmt.Errorf("stored config of job %s: %w", job.ID, err)
	}
	if result.Valid && result.String != "" {
		job.Result = &domain.JobResult{}
		if err := json.Unmarshal([]byte(result.String), job.Result); err != nil {
			return nil, fmt.Errorf("stored result of job %s: %w", job.ID, err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return &job, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
