package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gt-insights/enrollment-api/internal/dto"
	"github.com/gt-insights/enrollment-api/internal/service"
	"github.com/gt-insights/enrollment-api/pkg/enrollment"
	appErrors "github.com/gt-insights/enrollment-api/pkg/errors"
	"github.com/gt-insights/enrollment-api/pkg/response"
)

type enrollmentJobService interface {
	Submit(ctx context.Context, query enrollment.Query) (*dto.SubmitResponse, error)
	Status(ctx context.Context, id string) (*dto.StatusResponse, error)
	ResolveDownload(ctx context.Context, token string) (*service.Download, error)
}

// EnrollmentHandler exposes the asynchronous enrollment query endpoints.
type EnrollmentHandler struct {
	jobs enrollmentJobService
}

// NewEnrollmentHandler constructs EnrollmentHandler.
func NewEnrollmentHandler(jobs enrollmentJobService) *EnrollmentHandler {
	return &EnrollmentHandler{jobs: jobs}
}

// Generate godoc
// @Summary Submit an enrollment query job
// @Tags Enrollment
// @Accept json
// @Produce json
// @Param payload body dto.GenerateRequest true "Query parameters"
// @Success 202 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /enrollment [post]
func (h *EnrollmentHandler) Generate(c *gin.Context) {
	var req dto.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	resp, err := h.jobs.Submit(c.Request.Context(), req.Query())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, resp)
}

// Status godoc
// @Summary Poll the status of an enrollment query job
// @Tags Enrollment
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /enrollment/jobs/{id}/status [get]
func (h *EnrollmentHandler) Status(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "job id is required"))
		return
	}
	resp, err := h.jobs.Status(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, resp)
}

// Download godoc
// @Summary Download a stored result payload
// @Tags Enrollment
// @Produce text/csv
// @Param token path string true "Signed download token"
// @Success 200 {file} file
// @Failure 403 {object} response.Envelope
// @Router /enrollment/export/{token} [get]
func (h *EnrollmentHandler) Download(c *gin.Context) {
	token := c.Param("token")
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "download token is required"))
		return
	}
	download, err := h.jobs.ResolveDownload(c.Request.Context(), token)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer download.File.Close()

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", download.Filename))
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, download.File); err != nil {
		// headers are already out; nothing left to do but log via gin
		_ = c.Error(err)
	}
}
