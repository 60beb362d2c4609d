package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gt-insights/enrollment-api/internal/models"
	"github.com/gt-insights/enrollment-api/internal/repository"
	"github.com/gt-insights/enrollment-api/pkg/enrollment"
	appErrors "github.com/gt-insights/enrollment-api/pkg/errors"
	"github.com/gt-insights/enrollment-api/pkg/jobs"
	"github.com/gt-insights/enrollment-api/pkg/storage"
)

type jobRepoStub struct {
	jobs map[string]*models.Job
	// every persisted progress value in write order
	progressLog []int
}

func newJobRepoStub() *jobRepoStub {
	return &jobRepoStub{jobs: map[string]*models.Job{}}
}

func (r *jobRepoStub) Create(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.UpdatedAt = job.CreatedAt
	r.jobs[job.ID] = job
	return nil
}

func (r *jobRepoStub) GetByID(ctx context.Context, id string) (*models.Job, error) {
	job, ok := r.jobs[id]
	if !ok {
		return nil, appErrors.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (r *jobRepoStub) Update(ctx context.Context, id string, params repository.UpdateJobParams) error {
	job, ok := r.jobs[id]
	if !ok {
		return appErrors.ErrNotFound
	}
	if params.Status != nil {
		job.Status = *params.Status
	}
	if params.Progress != nil {
		job.Progress = *params.Progress
		r.progressLog = append(r.progressLog, *params.Progress)
	}
	if params.Message != nil {
		job.Message = *params.Message
	}
	if params.FileName != nil {
		job.FileName = params.FileName
	}
	if params.CSVData != nil {
		job.CSVData = params.CSVData
	}
	if params.ResultURL != nil {
		job.ResultURL = params.ResultURL
	}
	if params.ErrorMessage != nil {
		job.ErrorMessage = params.ErrorMessage
	}
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *jobRepoStub) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	var out []models.Job
	for _, job := range r.jobs {
		if job.Status == models.JobStatusPending && job.UpdatedAt.Before(cutoff) {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (r *jobRepoStub) ListProcessingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	var out []models.Job
	for _, job := range r.jobs {
		if job.Status == models.JobStatusProcessing && job.UpdatedAt.Before(cutoff) {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (r *jobRepoStub) ListCompletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	var out []models.Job
	for _, job := range r.jobs {
		if job.Status == models.JobStatusCompleted && job.UpdatedAt.Before(cutoff) {
			out = append(out, *job)
		}
	}
	return out, nil
}

type enqueuerStub struct {
	messages []jobs.Message
	err      error
}

func (e *enqueuerStub) Enqueue(ctx context.Context, msg jobs.Message) error {
	if e.err != nil {
		return e.err
	}
	e.messages = append(e.messages, msg)
	return nil
}

func newStorageForTest(t *testing.T) *storage.LocalStorage {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return store
}

func newJobServiceForTest(t *testing.T, repo *jobRepoStub, queue *enqueuerStub) (*JobService, *storage.LocalStorage, *storage.SignedURLSigner) {
	t.Helper()
	store := newStorageForTest(t)
	signer := storage.NewSignedURLSigner("test-secret", time.Hour)
	svc := NewJobService(repo, queue, store, signer, nil, zap.NewNop(), JobServiceConfig{
		MaxTerms:          20,
		StalePendingAfter: 5 * time.Minute,
	})
	return svc, store, signer
}

func TestSubmitCreatesPendingJobAndEnqueues(t *testing.T) {
	repo := newJobRepoStub()
	queue := &enqueuerStub{}
	svc, _, _ := newJobServiceForTest(t, repo, queue)

	resp, err := svc.Submit(context.Background(), enrollment.Query{
		NumTerms: 3, Subjects: []string{"cs"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, resp.Status)
	require.NotEmpty(t, resp.JobID)

	require.Len(t, queue.messages, 1)
	assert.Equal(t, resp.JobID, queue.messages[0].JobID)

	stored := repo.jobs[resp.JobID]
	require.NotNil(t, stored)
	// normalization happens before persistence
	assert.Equal(t, []string{"CS"}, stored.Query.Subjects)
	assert.Equal(t, enrollment.GroupModeAll, stored.Query.GroupMode)
}

func TestSubmitRejectsInvalidQuery(t *testing.T) {
	repo := newJobRepoStub()
	queue := &enqueuerStub{}
	svc, _, _ := newJobServiceForTest(t, repo, queue)

	_, err := svc.Submit(context.Background(), enrollment.Query{NumTerms: 0})
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
	assert.Empty(t, repo.jobs)
	assert.Empty(t, queue.messages)
}

func TestSubmitEnqueueFailureLeavesJobPending(t *testing.T) {
	repo := newJobRepoStub()
	queue := &enqueuerStub{err: errors.New("broker down")}
	svc, _, _ := newJobServiceForTest(t, repo, queue)

	resp, err := svc.Submit(context.Background(), enrollment.Query{NumTerms: 1})
	require.NoError(t, err)

	stored := repo.jobs[resp.JobID]
	require.NotNil(t, stored)
	assert.Equal(t, models.JobStatusPending, stored.Status)
}

func TestStatusUnknownJob(t *testing.T) {
	repo := newJobRepoStub()
	svc, _, _ := newJobServiceForTest(t, repo, &enqueuerStub{})

	_, err := svc.Status(context.Background(), "missing")
	require.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestStatusEmbedsCSVWhenPresent(t *testing.T) {
	repo := newJobRepoStub()
	svc, _, _ := newJobServiceForTest(t, repo, &enqueuerStub{})

	csv := "Term,Subject\nSpring 2025,CS\n"
	fileName := "enrollment_data.csv"
	job := &models.Job{
		Status:   models.JobStatusCompleted,
		Progress: 100,
		FileName: &fileName,
		CSVData:  &csv,
	}
	require.NoError(t, repo.Create(context.Background(), job))

	resp, err := svc.Status(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, resp.Result)
	assert.Equal(t, csv, resp.Result.CSVData)
	assert.Empty(t, resp.Result.DownloadURL)
	assert.Equal(t, fileName, resp.Result.FileName)
}

func TestStatusOmitsResultUntilCompleted(t *testing.T) {
	repo := newJobRepoStub()
	svc, _, _ := newJobServiceForTest(t, repo, &enqueuerStub{})

	job := &models.Job{Status: models.JobStatusProcessing, Progress: 40, Message: "Processing Spring 2025"}
	require.NoError(t, repo.Create(context.Background(), job))

	resp, err := svc.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Nil(t, resp.Result)
	assert.Equal(t, 40, resp.Progress)
}

func TestResolveDownloadHappyPath(t *testing.T) {
	repo := newJobRepoStub()
	svc, store, signer := newJobServiceForTest(t, repo, &enqueuerStub{})

	relPath, err := store.Save("job-1_data.csv", []byte("Term,Subject\n"))
	require.NoError(t, err)

	job := &models.Job{ID: "job-1", Status: models.JobStatusCompleted, Progress: 100}
	require.NoError(t, repo.Create(context.Background(), job))

	token, _, err := signer.Generate("job-1", relPath)
	require.NoError(t, err)
	url := "/api/v1/enrollment/export/" + token
	require.NoError(t, repo.Update(context.Background(), "job-1", repository.UpdateJobParams{ResultURL: &url}))

	download, err := svc.ResolveDownload(context.Background(), token)
	require.NoError(t, err)
	defer download.File.Close()
	assert.Equal(t, filepath.Base(relPath), download.Filename)
}

func TestResolveDownloadRejectsBadToken(t *testing.T) {
	repo := newJobRepoStub()
	svc, _, _ := newJobServiceForTest(t, repo, &enqueuerStub{})

	_, err := svc.ResolveDownload(context.Background(), "garbage-token")
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)
}

func TestResolveDownloadRejectsTokenMismatch(t *testing.T) {
	repo := newJobRepoStub()
	svc, store, signer := newJobServiceForTest(t, repo, &enqueuerStub{})

	relPath, err := store.Save("job-2_data.csv", []byte("Term\n"))
	require.NoError(t, err)

	job := &models.Job{ID: "job-2", Status: models.JobStatusCompleted}
	require.NoError(t, repo.Create(context.Background(), job))
	// job row never recorded this token
	token, _, err := signer.Generate("job-2", relPath)
	require.NoError(t, err)

	_, err = svc.ResolveDownload(context.Background(), token)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestRecoverStalePendingRequeues(t *testing.T) {
	repo := newJobRepoStub()
	queue := &enqueuerStub{}
	svc, _, _ := newJobServiceForTest(t, repo, queue)

	stale := &models.Job{ID: "stale-1", Status: models.JobStatusPending}
	require.NoError(t, repo.Create(context.Background(), stale))
	repo.jobs["stale-1"].UpdatedAt = time.Now().Add(-time.Hour)

	fresh := &models.Job{ID: "fresh-1", Status: models.JobStatusPending}
	require.NoError(t, repo.Create(context.Background(), fresh))

	svc.RecoverStalePending(context.Background())

	require.Len(t, queue.messages, 1)
	assert.Equal(t, "stale-1", queue.messages[0].JobID)
}

func TestRecoverStaleProcessingRequeuesAbandonedJobs(t *testing.T) {
	repo := newJobRepoStub()
	queue := &enqueuerStub{}
	svc, _, _ := newJobServiceForTest(t, repo, queue)
	svc.cfg.StaleProcessingAfter = 20 * time.Minute

	abandoned := &models.Job{ID: "crash-1", Status: models.JobStatusProcessing, Progress: 60}
	require.NoError(t, repo.Create(context.Background(), abandoned))
	repo.jobs["crash-1"].UpdatedAt = time.Now().Add(-time.Hour)

	// a live worker touches its row on every progress write
	live := &models.Job{ID: "live-1", Status: models.JobStatusProcessing, Progress: 40}
	require.NoError(t, repo.Create(context.Background(), live))

	svc.RecoverStaleProcessing(context.Background())

	require.Len(t, queue.messages, 1)
	assert.Equal(t, "crash-1", queue.messages[0].JobID)
	// the row stays processing; the redelivered run resumes from there
	assert.Equal(t, models.JobStatusProcessing, repo.jobs["crash-1"].Status)
	assert.Equal(t, 60, repo.jobs["crash-1"].Progress)
}

func TestStatusOmitsErrorMessageUnlessFailed(t *testing.T) {
	repo := newJobRepoStub()
	svc, _, _ := newJobServiceForTest(t, repo, &enqueuerStub{})

	stale := "earlier interruption"
	csv := "Term\n"
	completed := &models.Job{Status: models.JobStatusCompleted, Progress: 100, CSVData: &csv, ErrorMessage: &stale}
	require.NoError(t, repo.Create(context.Background(), completed))

	resp, err := svc.Status(context.Background(), completed.ID)
	require.NoError(t, err)
	assert.Nil(t, resp.ErrorMessage)

	reason := "no course data matched the query filters"
	failed := &models.Job{Status: models.JobStatusFailed, Progress: 100, ErrorMessage: &reason}
	require.NoError(t, repo.Create(context.Background(), failed))

	resp, err = svc.Status(context.Background(), failed.ID)
	require.NoError(t, err)
	require.NotNil(t, resp.ErrorMessage)
	assert.Equal(t, reason, *resp.ErrorMessage)
}

func TestCleanupExpiredDeletesStoredResults(t *testing.T) {
	repo := newJobRepoStub()
	svc, store, signer := newJobServiceForTest(t, repo, &enqueuerStub{})
	svc.cfg.ResultTTL = time.Hour

	relPath, err := store.Save("job-3_data.csv", []byte("Term\n"))
	require.NoError(t, err)
	token, _, err := signer.Generate("job-3", relPath)
	require.NoError(t, err)
	url := "/api/v1/enrollment/export/" + token

	job := &models.Job{ID: "job-3", Status: models.JobStatusCompleted, ResultURL: &url}
	require.NoError(t, repo.Create(context.Background(), job))
	repo.jobs["job-3"].UpdatedAt = time.Now().Add(-2 * time.Hour)

	svc.cleanupExpired(context.Background())

	_, err = os.Stat(store.Path(relPath))
	assert.True(t, os.IsNotExist(err))
}
