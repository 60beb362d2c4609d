package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/gt-insights/enrollment-api/pkg/errors"

	"github.com/gt-insights/enrollment-api/internal/models"
)

const jobColumns = "id, status, progress, message, query, file_name, csv_data, result_url, error_message, created_at, updated_at"

// JobRepository persists enrollment job rows.
type JobRepository struct {
	db *sqlx.DB
}

// NewJobRepository constructs the repository.
func NewJobRepository(db *sqlx.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job row with generated defaults.
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}
	const query = `INSERT INTO enrollment_jobs (id, status, progress, message, query, file_name, csv_data, result_url, error_message, created_at, updated_at)
VALUES (:id, :status, :progress, :message, :query, :file_name, :csv_data, :result_url, :error_message, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("create enrollment job: %w", err)
	}
	return nil
}

// GetByID returns a job row by its identifier.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	query := fmt.Sprintf("SELECT %s FROM enrollment_jobs WHERE id = $1", jobColumns)
	var job models.Job
	if err := r.db.GetContext(ctx, &job, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("get enrollment job: %w", err)
	}
	return &job, nil
}

// UpdateJobParams defines the mutable fields.
type UpdateJobParams struct {
	Status       *models.JobStatus
	Progress     *int
	Message      *string
	FileName     *string
	CSVData      *string
	ResultURL    *string
	ErrorMessage *string
}

// Update persists the provided changes for a job row. updated_at always
// advances so stale-pending sweeps see fresh activity.
func (r *JobRepository) Update(ctx context.Context, id string, params UpdateJobParams) error {
	set := make([]string, 0, 8)
	args := make([]interface{}, 0, 9)
	argPos := 1

	if params.Status != nil {
		set = append(set, fmt.Sprintf("status = $%d", argPos))
		args = append(args, *params.Status)
		argPos++
	}
	if params.Progress != nil {
		set = append(set, fmt.Sprintf("progress = $%d", argPos))
		args = append(args, *params.Progress)
		argPos++
	}
	if params.Message != nil {
		set = append(set, fmt.Sprintf("message = $%d", argPos))
		args = append(args, *params.Message)
		argPos++
	}
	if params.FileName != nil {
		set = append(set, fmt.Sprintf("file_name = $%d", argPos))
		args = append(args, *params.FileName)
		argPos++
	}
	if params.CSVData != nil {
		set = append(set, fmt.Sprintf("csv_data = $%d", argPos))
		args = append(args, *params.CSVData)
		argPos++
	}
	if params.ResultURL != nil {
		set = append(set, fmt.Sprintf("result_url = $%d", argPos))
		args = append(args, *params.ResultURL)
		argPos++
	}
	if params.ErrorMessage != nil {
		set = append(set, fmt.Sprintf("error_message = $%d", argPos))
		args = append(args, *params.ErrorMessage)
		argPos++
	}

	if len(set) == 0 {
		return nil
	}

	set = append(set, fmt.Sprintf("updated_at = $%d", argPos))
	args = append(args, time.Now().UTC())
	argPos++

	query := fmt.Sprintf("UPDATE enrollment_jobs SET %s WHERE id = $%d", strings.Join(set, ", "), argPos)
	args = append(args, id)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update enrollment job: %w", err)
	}
	return nil
}

// ListPendingBefore fetches pending jobs untouched since the cutoff, used by
// the recovery sweep to re-enqueue notices lost on the queue side.
func (r *JobRepository) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`SELECT %s FROM enrollment_jobs WHERE status = 'pending' AND updated_at < $1 ORDER BY created_at ASC LIMIT $2`, jobColumns)
	var jobs []models.Job
	if err := r.db.SelectContext(ctx, &jobs, query, cutoff, limit); err != nil {
		return nil, fmt.Errorf("list pending enrollment jobs: %w", err)
	}
	return jobs, nil
}

// ListProcessingBefore fetches processing jobs whose last update predates the
// cutoff. Workers touch their row on every progress write, so a row this
// stale belongs to a worker that died mid-job.
func (r *JobRepository) ListProcessingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`SELECT %s FROM enrollment_jobs WHERE status = 'processing' AND updated_at < $1 ORDER BY updated_at ASC LIMIT $2`, jobColumns)
	var jobs []models.Job
	if err := r.db.SelectContext(ctx, &jobs, query, cutoff, limit); err != nil {
		return nil, fmt.Errorf("list processing enrollment jobs: %w", err)
	}
	return jobs, nil
}

// ListCompletedBefore retrieves completed jobs prior to cutoff for cleanup.
func (r *JobRepository) ListCompletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM enrollment_jobs WHERE status = 'completed' AND updated_at < $1 ORDER BY updated_at ASC LIMIT $2`, jobColumns)
	var jobs []models.Job
	if err := r.db.SelectContext(ctx, &jobs, query, cutoff, limit); err != nil {
		return nil, fmt.Errorf("list completed enrollment jobs: %w", err)
	}
	return jobs, nil
}
