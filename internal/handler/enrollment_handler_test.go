package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/gt-insights/enrollment-api/internal/dto"
	"github.com/gt-insights/enrollment-api/internal/models"
	"github.com/gt-insights/enrollment-api/internal/service"
	"github.com/gt-insights/enrollment-api/pkg/enrollment"
	appErrors "github.com/gt-insights/enrollment-api/pkg/errors"
)

type jobServiceMock struct {
	submitResp  *dto.SubmitResponse
	submitErr   error
	submitQuery enrollment.Query
	statusResp  *dto.StatusResponse
	statusErr   error
	download    *service.Download
	downloadErr error
}

func (m *jobServiceMock) Submit(ctx context.Context, query enrollment.Query) (*dto.SubmitResponse, error) {
	m.submitQuery = query
	return m.submitResp, m.submitErr
}

func (m *jobServiceMock) Status(ctx context.Context, id string) (*dto.StatusResponse, error) {
	return m.statusResp, m.statusErr
}

func (m *jobServiceMock) ResolveDownload(ctx context.Context, token string) (*service.Download, error) {
	return m.download, m.downloadErr
}

func newGinContext(method, path string, body []byte) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

func TestEnrollmentHandlerGenerate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &jobServiceMock{
		submitResp: &dto.SubmitResponse{JobID: "job-1", Status: models.JobStatusPending, Message: "Enrollment query accepted"},
	}
	handler := NewEnrollmentHandler(mockSvc)

	payload, _ := json.Marshal(dto.GenerateRequest{NumTerms: 2, Subjects: []string{"CS"}, SkipSummer: true})
	c, w := newGinContext(http.MethodPost, "/enrollment", payload)

	handler.Generate(c)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, 2, mockSvc.submitQuery.NumTerms)
	require.Equal(t, []string{"CS"}, mockSvc.submitQuery.Subjects)
	require.True(t, mockSvc.submitQuery.SkipSummer)

	var envelope struct {
		Data dto.SubmitResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.Equal(t, "job-1", envelope.Data.JobID)
}

func TestEnrollmentHandlerGenerateRejectsMalformedBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewEnrollmentHandler(&jobServiceMock{})

	c, w := newGinContext(http.MethodPost, "/enrollment", []byte(`{"num_terms": "two"}`))

	handler.Generate(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEnrollmentHandlerGenerateRejectsBadSubjectCode(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewEnrollmentHandler(&jobServiceMock{})

	payload, _ := json.Marshal(dto.GenerateRequest{NumTerms: 2, Subjects: []string{"C$1"}})
	c, w := newGinContext(http.MethodPost, "/enrollment", payload)

	handler.Generate(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEnrollmentHandlerGenerateValidationError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &jobServiceMock{
		submitErr: appErrors.Clone(appErrors.ErrValidation, "num_terms exceeds the maximum of 10"),
	}
	handler := NewEnrollmentHandler(mockSvc)

	payload, _ := json.Marshal(dto.GenerateRequest{NumTerms: 50})
	c, w := newGinContext(http.MethodPost, "/enrollment", payload)

	handler.Generate(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEnrollmentHandlerStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &jobServiceMock{
		statusResp: &dto.StatusResponse{
			JobID:    "job-1",
			Status:   models.JobStatusCompleted,
			Progress: 100,
			Result:   &dto.JobResult{FileName: "enrollment_data_2025-03-01-1430.csv", CSVData: "Term,Subject\n"},
		},
	}
	handler := NewEnrollmentHandler(mockSvc)

	c, w := newGinContext(http.MethodGet, "/enrollment/jobs/job-1/status", nil)
	c.Params = gin.Params{{Key: "id", Value: "job-1"}}

	handler.Status(c)
	require.Equal(t, http.StatusOK, w.Code)

	var envelope struct {
		Data dto.StatusResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.Equal(t, models.JobStatusCompleted, envelope.Data.Status)
	require.NotNil(t, envelope.Data.Result)
}

func TestEnrollmentHandlerStatusNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &jobServiceMock{statusErr: appErrors.ErrNotFound}
	handler := NewEnrollmentHandler(mockSvc)

	c, w := newGinContext(http.MethodGet, "/enrollment/jobs/missing/status", nil)
	c.Params = gin.Params{{Key: "id", Value: "missing"}}

	handler.Status(c)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestEnrollmentHandlerDownload(t *testing.T) {
	gin.SetMode(gin.TestMode)
	file, err := os.CreateTemp("", "enrollment*.csv")
	require.NoError(t, err)
	defer os.Remove(file.Name())
	_, _ = file.WriteString("Term,Subject,Course\nSpring 2025,CS,1332\n")
	_, _ = file.Seek(0, 0)

	mockSvc := &jobServiceMock{
		download: &service.Download{
			File:      file,
			Filename:  "enrollment_data_2025-03-01-1430.csv",
			ExpiresAt: time.Now().Add(time.Hour),
		},
	}
	handler := NewEnrollmentHandler(mockSvc)

	c, w := newGinContext(http.MethodGet, "/enrollment/export/token", nil)
	c.Params = gin.Params{{Key: "token", Value: "token"}}

	handler.Download(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "text/csv")
	require.Contains(t, w.Header().Get("Content-Disposition"), "enrollment_data_2025-03-01-1430.csv")
	require.Contains(t, w.Body.String(), "Spring 2025")
}

func TestEnrollmentHandlerDownloadInvalidToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &jobServiceMock{
		downloadErr: appErrors.Clone(appErrors.ErrForbidden, "invalid or expired download token"),
	}
	handler := NewEnrollmentHandler(mockSvc)

	c, w := newGinContext(http.MethodGet, "/enrollment/export/bad", nil)
	c.Params = gin.Params{{Key: "token", Value: "bad"}}

	handler.Download(c)
	require.Equal(t, http.StatusForbidden, w.Code)
}
