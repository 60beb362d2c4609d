package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gt-insights/enrollment-api/internal/compute"
	"github.com/gt-insights/enrollment-api/internal/models"
	"github.com/gt-insights/enrollment-api/pkg/enrollment"
	appErrors "github.com/gt-insights/enrollment-api/pkg/errors"
	"github.com/gt-insights/enrollment-api/pkg/jobs"
	"github.com/gt-insights/enrollment-api/pkg/storage"
)

type computerStub struct {
	records  []enrollment.Record
	filename string
	err      error
	calls    int
}

func (c *computerStub) Compute(ctx context.Context, query enrollment.Query, progress compute.ProgressFunc) ([]enrollment.Record, string, error) {
	c.calls++
	if progress != nil {
		progress(0, 2, "Processing Spring 2025")
		progress(1, 2, "Processing Fall 2024")
		progress(2, 2, "Formatting results")
	}
	if c.err != nil {
		return nil, "", c.err
	}
	return c.records, c.filename, nil
}

func sampleRecords() []enrollment.Record {
	actual := 40
	capacity := 100
	return []enrollment.Record{{
		Term: "Spring 2025", Subject: "CS", Course: "CS 1332", CRN: "90001",
		Section: "A", EnrollmentActual: &actual, RoomCapacity: &capacity,
	}}
}

func newWorkerForTest(t *testing.T, repo *jobRepoStub, computer *computerStub, embedLimit int) *Worker {
	t.Helper()
	store := newStorageForTest(t)
	signer := storage.NewSignedURLSigner("test-secret", time.Hour)
	return NewWorker(repo, computer, store, signer, nil, zap.NewNop(), WorkerConfig{
		ComputeTimeout:  time.Minute,
		EmbedLimitBytes: embedLimit,
		DownloadPath:    "/api/v1/enrollment/export",
	})
}

func pendingJob(t *testing.T, repo *jobRepoStub, id string) *models.Job {
	t.Helper()
	job := &models.Job{ID: id, Status: models.JobStatusPending, Query: enrollment.Query{NumTerms: 2, GroupMode: enrollment.GroupModeAll}}
	require.NoError(t, repo.Create(context.Background(), job))
	return job
}

func TestWorkerCompletesJobWithEmbeddedCSV(t *testing.T) {
	repo := newJobRepoStub()
	computer := &computerStub{records: sampleRecords(), filename: "enrollment_data_2025-03-01-1430.csv"}
	worker := newWorkerForTest(t, repo, computer, 1<<20)

	pendingJob(t, repo, "job-1")
	require.NoError(t, worker.Handle(context.Background(), jobs.Message{JobID: "job-1"}))

	job := repo.jobs["job-1"]
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	require.NotNil(t, job.CSVData)
	assert.True(t, strings.HasPrefix(*job.CSVData, "Term,Subject,Course"))
	assert.Nil(t, job.ResultURL)
	require.NotNil(t, job.FileName)
	assert.Equal(t, "enrollment_data_2025-03-01-1430.csv", *job.FileName)
}

func TestWorkerStoresLargePayloadBehindSignedURL(t *testing.T) {
	repo := newJobRepoStub()
	computer := &computerStub{records: sampleRecords(), filename: "enrollment_data.csv"}
	worker := newWorkerForTest(t, repo, computer, 8)

	pendingJob(t, repo, "job-2")
	require.NoError(t, worker.Handle(context.Background(), jobs.Message{JobID: "job-2"}))

	job := repo.jobs["job-2"]
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Nil(t, job.CSVData)
	require.NotNil(t, job.ResultURL)
	assert.True(t, strings.HasPrefix(*job.ResultURL, "/api/v1/enrollment/export/"))
}

func TestWorkerProgressStaysWithinBand(t *testing.T) {
	repo := newJobRepoStub()
	computer := &computerStub{records: sampleRecords(), filename: "f.csv"}
	worker := newWorkerForTest(t, repo, computer, 1<<20)

	job := pendingJob(t, repo, "job-3")

	fn := worker.progressFunc(context.Background(), job.ID, 0)
	fn(0, 2, "start")
	assert.Equal(t, 10, repo.jobs[job.ID].Progress)
	fn(1, 2, "half")
	assert.Equal(t, 50, repo.jobs[job.ID].Progress)
	// progress never moves backwards
	fn(0, 2, "replay")
	assert.Equal(t, 50, repo.jobs[job.ID].Progress)
	fn(2, 2, "done")
	assert.Equal(t, 90, repo.jobs[job.ID].Progress)
}

func TestWorkerPermanentErrorFailsJobAndAcks(t *testing.T) {
	repo := newJobRepoStub()
	computer := &computerStub{err: appErrors.New("NO_DATA", 422, "no course data matched the query filters")}
	worker := newWorkerForTest(t, repo, computer, 1<<20)

	pendingJob(t, repo, "job-4")
	err := worker.Handle(context.Background(), jobs.Message{JobID: "job-4"})
	require.NoError(t, err)

	job := repo.jobs["job-4"]
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "no course data matched")
}

func TestWorkerTransientErrorLeavesRowForRedelivery(t *testing.T) {
	repo := newJobRepoStub()
	computer := &computerStub{err: errors.New("connection refused")}
	worker := newWorkerForTest(t, repo, computer, 1<<20)

	pendingJob(t, repo, "job-5")
	err := worker.Handle(context.Background(), jobs.Message{JobID: "job-5", Attempt: 0})
	require.Error(t, err)

	// the row keeps its last reported state while the queue redelivers
	job := repo.jobs["job-5"]
	assert.Equal(t, models.JobStatusProcessing, job.Status)
	assert.Equal(t, 90, job.Progress)

	// the redelivered run completes without regressing reported progress
	computer.err = nil
	computer.records = sampleRecords()
	computer.filename = "f.csv"
	require.NoError(t, worker.Handle(context.Background(), jobs.Message{JobID: "job-5", Attempt: 1}))
	assert.Equal(t, models.JobStatusCompleted, repo.jobs["job-5"].Status)
	assert.Equal(t, 100, repo.jobs["job-5"].Progress)

	for i := 1; i < len(repo.progressLog); i++ {
		assert.GreaterOrEqual(t, repo.progressLog[i], repo.progressLog[i-1],
			"progress regressed from %d to %d", repo.progressLog[i-1], repo.progressLog[i])
	}
}

func TestWorkerUpstreamUnavailableFailsJob(t *testing.T) {
	repo := newJobRepoStub()
	computer := &computerStub{err: appErrors.Clone(appErrors.ErrUnavailable, "course feed unreachable")}
	worker := newWorkerForTest(t, repo, computer, 1<<20)

	pendingJob(t, repo, "job-7")
	require.NoError(t, worker.Handle(context.Background(), jobs.Message{JobID: "job-7"}))
	require.Equal(t, 1, computer.calls)

	job := repo.jobs["job-7"]
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "course feed unreachable")
}

func TestWorkerIgnoresDuplicateDeliveryOfCompletedJob(t *testing.T) {
	repo := newJobRepoStub()
	computer := &computerStub{records: sampleRecords(), filename: "f.csv"}
	worker := newWorkerForTest(t, repo, computer, 1<<20)

	pendingJob(t, repo, "job-6")
	require.NoError(t, worker.Handle(context.Background(), jobs.Message{JobID: "job-6"}))
	require.Equal(t, 1, computer.calls)

	// a second, duplicated notice must not recompute or regress the row
	require.NoError(t, worker.Handle(context.Background(), jobs.Message{JobID: "job-6", Attempt: 1}))
	assert.Equal(t, 1, computer.calls)
	assert.Equal(t, models.JobStatusCompleted, repo.jobs["job-6"].Status)
}

func TestWorkerDropsNoticeForUnknownJob(t *testing.T) {
	repo := newJobRepoStub()
	computer := &computerStub{}
	worker := newWorkerForTest(t, repo, computer, 1<<20)

	require.NoError(t, worker.Handle(context.Background(), jobs.Message{JobID: "ghost"}))
	assert.Zero(t, computer.calls)
}
