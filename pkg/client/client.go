// Package client is a programmatic consumer of the enrollment API: it
// submits a query, polls the job until it settles, and returns the decoded
// records.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gt-insights/enrollment-api/pkg/enrollment"
	appErrors "github.com/gt-insights/enrollment-api/pkg/errors"
)

const (
	defaultInterval    = 2 * time.Second
	defaultMaxAttempts = 150
)

// Config tunes the client. BaseURL points at the API prefix, e.g.
// "http://localhost:8080/api/v1".
type Config struct {
	BaseURL     string
	HTTPClient  *http.Client
	Interval    time.Duration
	MaxAttempts int
}

// Client talks to a running enrollment API server.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	interval    time.Duration
	maxAttempts int
}

// New builds a client, filling in defaults for anything unset.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:  httpClient,
		interval:    interval,
		maxAttempts: maxAttempts,
	}
}

// ProgressFunc receives poll updates. progress is clamped to [0,100] and
// never decreases across calls.
type ProgressFunc func(progress int, message string)

// Result is a settled, decoded job payload.
type Result struct {
	JobID    string
	FileName string
	Records  []enrollment.Record
}

// JobFailedError reports a job that settled as failed.
type JobFailedError struct {
	JobID   string
	Message string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Message)
}

// PollTimeoutError reports a polling budget that ran out before the job
// settled. The job may still finish server-side.
type PollTimeoutError struct {
	JobID    string
	Attempts int
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("job %s still running after %d polls", e.JobID, e.Attempts)
}

type envelope struct {
	Data  json.RawMessage  `json:"data"`
	Error *appErrors.Error `json:"error"`
}

// SubmitAck is the acknowledgement for an accepted job.
type SubmitAck struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// JobStatus is one poll snapshot of a job.
type JobStatus struct {
	JobID        string         `json:"job_id"`
	Status       string         `json:"status"`
	Progress     int            `json:"progress"`
	Message      string         `json:"message"`
	Result       *ResultPayload `json:"result"`
	ErrorMessage *string        `json:"error_message"`
}

// ResultPayload is the completed-job result projection.
type ResultPayload struct {
	FileName    string `json:"file_name"`
	CSVData     string `json:"csv_data"`
	DownloadURL string `json:"download_url"`
}

// Generate submits the query and polls until the job settles or the attempt
// budget runs out. onProgress may be nil.
func (c *Client) Generate(ctx context.Context, query enrollment.Query, onProgress ProgressFunc) (*Result, error) {
	submitted, err := c.Submit(ctx, query)
	if err != nil {
		return nil, err
	}

	lastProgress := 0
	report := func(progress int, message string) {
		if onProgress == nil {
			return
		}
		if progress < lastProgress {
			progress = lastProgress
		}
		if progress > 100 {
			progress = 100
		}
		lastProgress = progress
		onProgress(progress, message)
	}

	switch submitted.Status {
	case "completed":
		status, err := c.Status(ctx, submitted.JobID)
		if err != nil {
			return nil, err
		}
		report(status.Progress, status.Message)
		return c.resolve(ctx, status)
	case "failed":
		return nil, c.failure(ctx, submitted.JobID)
	}

	timer := time.NewTimer(c.interval)
	defer timer.Stop()

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		timer.Reset(c.interval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}

		status, err := c.Status(ctx, submitted.JobID)
		if err != nil {
			return nil, err
		}
		report(status.Progress, status.Message)

		switch status.Status {
		case "completed":
			return c.resolve(ctx, status)
		case "failed":
			message := status.Message
			if status.ErrorMessage != nil {
				message = *status.ErrorMessage
			}
			return nil, &JobFailedError{JobID: status.JobID, Message: message}
		}
	}

	return nil, &PollTimeoutError{JobID: submitted.JobID, Attempts: c.maxAttempts}
}

// Submit posts the query and returns the accepted job id and status.
func (c *Client) Submit(ctx context.Context, query enrollment.Query) (*SubmitAck, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/enrollment", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var payload SubmitAck
	if err := c.do(req, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// Status performs a single poll of the job.
func (c *Client) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/enrollment/jobs/"+url.PathEscape(jobID)+"/status", nil)
	if err != nil {
		return nil, err
	}

	var payload JobStatus
	if err := c.do(req, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func (c *Client) resolve(ctx context.Context, status *JobStatus) (*Result, error) {
	if status.Result == nil {
		return nil, fmt.Errorf("job %s completed without a result payload", status.JobID)
	}

	var raw []byte
	switch {
	case status.Result.CSVData != "":
		raw = []byte(status.Result.CSVData)
	case status.Result.DownloadURL != "":
		data, err := c.download(ctx, status.Result.DownloadURL)
		if err != nil {
			return nil, err
		}
		raw = data
	default:
		return nil, fmt.Errorf("job %s result carries neither csv_data nor download_url", status.JobID)
	}

	records, err := enrollment.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode result for job %s: %w", status.JobID, err)
	}
	return &Result{JobID: status.JobID, FileName: status.Result.FileName, Records: records}, nil
}

func (c *Client) download(ctx context.Context, downloadURL string) ([]byte, error) {
	resolved, err := c.resolveURL(downloadURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolved, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// resolveURL turns a path-absolute download URL into a full URL against the
// configured base host.
func (c *Client) resolveURL(downloadURL string) (string, error) {
	ref, err := url.Parse(downloadURL)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() {
		return downloadURL, nil
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func (c *Client) failure(ctx context.Context, jobID string) error {
	status, err := c.Status(ctx, jobID)
	if err != nil {
		return err
	}
	message := status.Message
	if status.ErrorMessage != nil {
		message = *status.ErrorMessage
	}
	return &JobFailedError{JobID: jobID, Message: message}
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("unexpected response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		if env.Error != nil {
			return env.Error
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return err
		}
	}
	return nil
}
