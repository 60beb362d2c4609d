package service

import (
	"context"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gt-insights/enrollment-api/internal/dto"
	"github.com/gt-insights/enrollment-api/internal/models"
	"github.com/gt-insights/enrollment-api/internal/repository"
	"github.com/gt-insights/enrollment-api/pkg/enrollment"
	appErrors "github.com/gt-insights/enrollment-api/pkg/errors"
	"github.com/gt-insights/enrollment-api/pkg/jobs"
)

type jobStore interface {
	Create(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id string) (*models.Job, error)
	Update(ctx context.Context, id string, params repository.UpdateJobParams) error
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error)
	ListProcessingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error)
	ListCompletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error)
}

type jobEnqueuer interface {
	Enqueue(ctx context.Context, msg jobs.Message) error
}

type resultStore interface {
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type downloadSigner interface {
	Generate(jobID, relPath string) (string, time.Time, error)
	Parse(token string, allowExpired bool) (jobID, relPath string, expiresAt time.Time, err error)
}

// JobService orchestrates the enrollment job lifecycle: submission, polling,
// download resolution, and the recovery/cleanup sweeps.
type JobService struct {
	repo    jobStore
	queue   jobEnqueuer
	store   resultStore
	signer  downloadSigner
	metrics *MetricsService
	logger  *zap.Logger
	cfg     JobServiceConfig
}

// JobServiceConfig governs validation bounds and the background sweeps.
// StaleProcessingAfter must exceed the compute timeout plus its progress
// write cadence, or live jobs get double-delivered.
type JobServiceConfig struct {
	MaxTerms             int
	StalePendingAfter    time.Duration
	StaleProcessingAfter time.Duration
	RecoveryInterval     time.Duration
	CleanupInterval      time.Duration
	ResultTTL            time.Duration
}

// Download aggregates resolved download data.
type Download struct {
	File      *os.File
	Filename  string
	ExpiresAt time.Time
}

// NewJobService constructs the job service.
func NewJobService(repo jobStore, queue jobEnqueuer, store resultStore, signer downloadSigner, metrics *MetricsService, logger *zap.Logger, cfg JobServiceConfig) *JobService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxTerms <= 0 {
		cfg.MaxTerms = enrollment.DefaultMaxTerms
	}
	if cfg.StalePendingAfter <= 0 {
		cfg.StalePendingAfter = 5 * time.Minute
	}
	if cfg.StaleProcessingAfter <= 0 {
		cfg.StaleProcessingAfter = 20 * time.Minute
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 7 * 24 * time.Hour
	}
	return &JobService{
		repo:    repo,
		queue:   queue,
		store:   store,
		signer:  signer,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
	}
}

// Submit validates the query, persists a pending job, and enqueues a
// processing notice. An enqueue failure leaves the job pending; the recovery
// sweep replays it, so the caller still gets a usable job id.
func (s *JobService) Submit(ctx context.Context, query enrollment.Query) (*dto.SubmitResponse, error) {
	query.Normalize()
	if err := query.Validate(s.cfg.MaxTerms); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}

	job := &models.Job{
		Status:   models.JobStatusPending,
		Progress: 0,
		Message:  "Job queued",
		Query:    query,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create enrollment job")
	}

	if err := s.queue.Enqueue(ctx, jobs.Message{JobID: job.ID}); err != nil {
		s.logger.Warn("enqueue failed, job left pending for recovery",
			zap.String("job_id", job.ID), zap.Error(err))
	}
	s.metrics.RecordJobSubmitted()

	return &dto.SubmitResponse{
		JobID:   job.ID,
		Status:  job.Status,
		Message: "Enrollment query accepted",
	}, nil
}

// Status exposes job state to pollers.
func (s *JobService) Status(ctx context.Context, id string) (*dto.StatusResponse, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	downloadURL := ""
	if job.ResultURL != nil {
		downloadURL = *job.ResultURL
	}
	resp := dto.StatusFromJob(job, downloadURL)
	return &resp, nil
}

// ResolveDownload validates the token and opens the stored result payload.
func (s *JobService) ResolveDownload(ctx context.Context, token string) (*Download, error) {
	jobID, relPath, expiresAt, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired download token")
	}
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.ResultURL == nil || !strings.HasSuffix(*job.ResultURL, token) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "token mismatch")
	}
	if job.Status != models.JobStatusCompleted {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "result not ready")
	}
	file, err := s.store.Open(relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open result file")
	}
	filename := relPath
	if job.FileName != nil && *job.FileName != "" {
		filename = *job.FileName
	}
	return &Download{
		File:      file,
		Filename:  filename,
		ExpiresAt: expiresAt,
	}, nil
}

// MarkFailed records a terminal failure for a job, used by the dead-letter
// path once redeliveries are exhausted.
func (s *JobService) MarkFailed(ctx context.Context, jobID, reason string) {
	failed := models.JobStatusFailed
	progress := 100
	message := "Job failed"
	if err := s.repo.Update(ctx, jobID, repository.UpdateJobParams{
		Status:       &failed,
		Progress:     &progress,
		Message:      &message,
		ErrorMessage: &reason,
	}); err != nil {
		s.logger.Warn("failed to mark job failed", zap.String("job_id", jobID), zap.Error(err))
	}
	s.metrics.RecordDeadLetter()
}

// RecoverStalePending re-enqueues pending jobs whose queue notice was lost
// (enqueue failure or broker restart).
func (s *JobService) RecoverStalePending(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.StalePendingAfter)
	stale, err := s.repo.ListPendingBefore(ctx, cutoff, 50)
	if err != nil {
		s.logger.Warn("failed to list stale pending jobs", zap.Error(err))
		return
	}
	for _, job := range stale {
		if err := s.queue.Enqueue(ctx, jobs.Message{JobID: job.ID}); err != nil {
			s.logger.Warn("failed to requeue stale job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		// bump updated_at so the next sweep does not double-enqueue
		message := "Job requeued"
		if err := s.repo.Update(ctx, job.ID, repository.UpdateJobParams{Message: &message}); err != nil {
			s.logger.Warn("failed to touch requeued job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

// RecoverStaleProcessing re-enqueues processing jobs abandoned by a crashed
// worker. Workers touch their row on every progress write, so a processing
// row idle past the threshold has no one working on it. The row itself is
// left at its last reported state; the redelivered run carries on from there.
func (s *JobService) RecoverStaleProcessing(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.StaleProcessingAfter)
	stale, err := s.repo.ListProcessingBefore(ctx, cutoff, 50)
	if err != nil {
		s.logger.Warn("failed to list stale processing jobs", zap.Error(err))
		return
	}
	for _, job := range stale {
		if err := s.queue.Enqueue(ctx, jobs.Message{JobID: job.ID}); err != nil {
			s.logger.Warn("failed to requeue abandoned job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		s.logger.Info("requeued abandoned processing job", zap.String("job_id", job.ID))
		// bump updated_at so the next sweep does not double-enqueue
		message := "Job requeued after worker interruption"
		if err := s.repo.Update(ctx, job.ID, repository.UpdateJobParams{Message: &message}); err != nil {
			s.logger.Warn("failed to touch requeued job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

// StartRecovery boots a goroutine that periodically replays stale pending
// and abandoned processing jobs.
func (s *JobService) StartRecovery(ctx context.Context) {
	if s.cfg.RecoveryInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.RecoveryInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RecoverStalePending(ctx)
				s.RecoverStaleProcessing(ctx)
			}
		}
	}()
}

// StartCleanup boots a goroutine that purges expired result payloads.
func (s *JobService) StartCleanup(ctx context.Context) {
	if s.cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanupExpired(ctx)
			}
		}
	}()
}

func (s *JobService) cleanupExpired(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.ResultTTL)
	expired, err := s.repo.ListCompletedBefore(ctx, cutoff, 100)
	if err != nil {
		s.logger.Warn("cleanup list failed", zap.Error(err))
		return
	}
	for _, job := range expired {
		if job.ResultURL == nil {
			continue
		}
		token := extractToken(*job.ResultURL)
		if token == "" {
			continue
		}
		_, relPath, _, err := s.signer.Parse(token, true)
		if err != nil {
			continue
		}
		if err := s.store.Delete(relPath); err != nil {
			s.logger.Warn("cleanup delete failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	if _, err := s.store.CleanupOlderThan(s.cfg.ResultTTL); err != nil {
		s.logger.Warn("filesystem cleanup failed", zap.Error(err))
	}
}

func extractToken(url string) string {
	if url == "" {
		return ""
	}
	parts := strings.Split(url, "/")
	return parts[len(parts)-1]
}
