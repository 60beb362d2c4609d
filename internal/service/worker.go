package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gt-insights/enrollment-api/internal/compute"
	"github.com/gt-insights/enrollment-api/internal/models"
	"github.com/gt-insights/enrollment-api/internal/repository"
	"github.com/gt-insights/enrollment-api/pkg/enrollment"
	appErrors "github.com/gt-insights/enrollment-api/pkg/errors"
	"github.com/gt-insights/enrollment-api/pkg/jobs"
)

type resultSaver interface {
	Save(filename string, data []byte) (string, error)
}

// WorkerConfig tunes the compute step and result emission.
type WorkerConfig struct {
	ComputeTimeout  time.Duration
	EmbedLimitBytes int
	DownloadPath    string
}

// Worker bridges queue messages to the compute pipeline. It is idempotent:
// the query is always re-read from the job store and completed or failed
// jobs are acknowledged without recomputation.
type Worker struct {
	repo     jobStore
	computer compute.Computer
	store    resultSaver
	signer   downloadSigner
	metrics  *MetricsService
	logger   *zap.Logger
	cfg      WorkerConfig
}

// NewWorker constructs a worker.
func NewWorker(repo jobStore, computer compute.Computer, store resultSaver, signer downloadSigner, metrics *MetricsService, logger *zap.Logger, cfg WorkerConfig) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ComputeTimeout <= 0 {
		cfg.ComputeTimeout = 14 * time.Minute
	}
	if cfg.EmbedLimitBytes <= 0 {
		cfg.EmbedLimitBytes = 1 << 20
	}
	if cfg.DownloadPath == "" {
		cfg.DownloadPath = "/api/v1/enrollment/export"
	}
	return &Worker{
		repo:     repo,
		computer: computer,
		store:    store,
		signer:   signer,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
	}
}

// Handle processes one queue message. A nil return acknowledges the message;
// an error hands it back for redelivery.
func (w *Worker) Handle(ctx context.Context, msg jobs.Message) error {
	job, err := w.repo.GetByID(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, appErrors.ErrNotFound) {
			w.logger.Warn("dropping notice for unknown job", zap.String("job_id", msg.JobID))
			return nil
		}
		return err
	}
	if job.Status.Terminal() {
		// duplicate delivery after completion, nothing to do
		return nil
	}

	if err := w.markProcessing(ctx, job); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, w.cfg.ComputeTimeout)
	defer cancel()

	records, filename, err := w.computer.Compute(cctx, job.Query, w.progressFunc(ctx, job.ID, job.Progress))
	if err != nil {
		return w.handleComputeError(ctx, job.ID, err)
	}

	data, err := enrollment.Encode(records)
	if err != nil {
		w.failJob(ctx, job.ID, "failed to encode results")
		return nil
	}

	params := repository.UpdateJobParams{}
	if len(data) <= w.cfg.EmbedLimitBytes {
		csv := string(data)
		params.CSVData = &csv
	} else {
		relPath, err := w.store.Save(job.ID+"_"+filename, data)
		if err != nil {
			return fmt.Errorf("store result payload: %w", err)
		}
		token, _, err := w.signer.Generate(job.ID, relPath)
		if err != nil {
			return fmt.Errorf("sign result payload: %w", err)
		}
		url := w.cfg.DownloadPath + "/" + token
		params.ResultURL = &url
	}

	completed := models.JobStatusCompleted
	progress := 100
	message := fmt.Sprintf("Processed %d records", len(records))
	params.Status = &completed
	params.Progress = &progress
	params.Message = &message
	params.FileName = &filename

	if err := w.repo.Update(ctx, job.ID, params); err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	w.metrics.RecordJobFinished(completed, time.Since(job.CreatedAt))
	w.logger.Info("job completed",
		zap.String("job_id", job.ID),
		zap.Int("records", len(records)),
		zap.Int("payload_bytes", len(data)))
	return nil
}

// markProcessing moves the job into processing. On a redelivery the row may
// already carry progress from an earlier run, which is kept rather than
// dropped back to 10.
func (w *Worker) markProcessing(ctx context.Context, job *models.Job) error {
	processing := models.JobStatusProcessing
	progress := job.Progress
	if progress < 10 {
		progress = 10
	}
	message := "Fetching course data"
	if err := w.repo.Update(ctx, job.ID, repository.UpdateJobParams{
		Status:   &processing,
		Progress: &progress,
		Message:  &message,
	}); err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}
	return nil
}

// progressFunc maps compute progress onto the 10-90 band, never moving
// backwards: floor carries the row's progress across redeliveries. Updates
// use the outer context so a compute timeout cannot block the final status
// write.
func (w *Worker) progressFunc(ctx context.Context, jobID string, floor int) compute.ProgressFunc {
	last := floor
	if last < 10 {
		last = 10
	}
	return func(done, total int, message string) {
		if total <= 0 {
			return
		}
		pct := 10 + done*80/total
		if pct < last {
			pct = last
		}
		if pct > 90 {
			pct = 90
		}
		last = pct
		if err := w.repo.Update(ctx, jobID, repository.UpdateJobParams{
			Progress: &pct,
			Message:  &message,
		}); err != nil {
			w.logger.Warn("progress update failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
}

// handleComputeError splits failures into application errors, which finish
// the job as failed, and infrastructure errors, which go back to the queue.
// For infrastructure errors the row is left untouched, still processing at
// its last reported progress, so pollers never see it move backwards.
func (w *Worker) handleComputeError(ctx context.Context, jobID string, err error) error {
	appErr := appErrors.FromError(err)
	if permanentCode(appErr.Code) {
		w.failJob(ctx, jobID, appErr.Message)
		w.metrics.RecordJobFinished(models.JobStatusFailed, 0)
		return nil
	}
	return err
}

func (w *Worker) failJob(ctx context.Context, jobID, reason string) {
	failed := models.JobStatusFailed
	progress := 100
	message := "Job failed"
	if err := w.repo.Update(ctx, jobID, repository.UpdateJobParams{
		Status:       &failed,
		Progress:     &progress,
		Message:      &message,
		ErrorMessage: &reason,
	}); err != nil {
		w.logger.Warn("failed to mark job failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// permanentCode covers application errors that terminate the job: no
// matching data, a query that fails late validation, and an upstream feed
// that stayed down through the scheduler client's in-compute retries.
func permanentCode(code string) bool {
	switch code {
	case "NO_DATA", appErrors.ErrValidation.Code, appErrors.ErrUnavailable.Code:
		return true
	default:
		return false
	}
}
