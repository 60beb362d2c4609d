package dto

import (
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/gt-insights/enrollment-api/internal/models"
	"github.com/gt-insights/enrollment-api/pkg/enrollment"
)

var subjectCodePattern = regexp.MustCompile(`^[A-Za-z]{2,4}$`)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("subject_code", func(fl validator.FieldLevel) bool {
			return subjectCodePattern.MatchString(strings.TrimSpace(fl.Field().String()))
		})
	}
}

// GenerateRequest is the POST /enrollment payload. Field semantics mirror
// enrollment.Query; binding tags guard the obvious shape errors and
// Query.Validate covers the rest.
type GenerateRequest struct {
	NumTerms   int                      `json:"num_terms" binding:"required,min=1"`
	Subjects   []string                 `json:"subjects" binding:"omitempty,dive,subject_code"`
	Ranges     []enrollment.CourseRange `json:"ranges"`
	SkipSummer bool                     `json:"skip_summer"`
	GroupData  enrollment.GroupMode     `json:"group_data"`
}

// Query converts the request into the domain query.
func (r GenerateRequest) Query() enrollment.Query {
	return enrollment.Query{
		NumTerms:   r.NumTerms,
		Subjects:   r.Subjects,
		Ranges:     r.Ranges,
		SkipSummer: r.SkipSummer,
		GroupMode:  r.GroupData,
	}
}

// SubmitResponse acknowledges an accepted job.
type SubmitResponse struct {
	JobID   string           `json:"job_id"`
	Status  models.JobStatus `json:"status"`
	Message string           `json:"message"`
}

// JobResult carries the completed payload: either the CSV inline or a signed
// URL to fetch it, never both.
type JobResult struct {
	FileName    string `json:"file_name"`
	CSVData     string `json:"csv_data,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
}

// StatusResponse is the poll payload for a job.
type StatusResponse struct {
	JobID        string           `json:"job_id"`
	Status       models.JobStatus `json:"status"`
	Progress     int              `json:"progress"`
	Message      string           `json:"message"`
	Result       *JobResult       `json:"result,omitempty"`
	ErrorMessage *string          `json:"error_message,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// StatusFromJob maps a persisted job onto the poll payload. Result is only
// attached once the job has completed, error_message only once it has failed.
func StatusFromJob(job *models.Job, downloadURL string) StatusResponse {
	resp := StatusResponse{
		JobID:     job.ID,
		Status:    job.Status,
		Progress:  job.Progress,
		Message:   job.Message,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
	if job.Status == models.JobStatusFailed {
		resp.ErrorMessage = job.ErrorMessage
	}
	if job.Status != models.JobStatusCompleted {
		return resp
	}
	result := &JobResult{}
	if job.FileName != nil {
		result.FileName = *job.FileName
	}
	switch {
	case job.CSVData != nil:
		result.CSVData = *job.CSVData
	case downloadURL != "":
		result.DownloadURL = downloadURL
	}
	resp.Result = result
	return resp
}
