package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gt-insights/enrollment-api/internal/service"
)

// MetricsHandler serves the observability endpoints: Prometheus scrape,
// liveness and readiness.
type MetricsHandler struct {
	metrics *service.MetricsService
	ready   func() error
}

// NewMetricsHandler constructs the handler. readyCheck may be nil, in which
// case readiness always passes.
func NewMetricsHandler(metrics *service.MetricsService, readyCheck func() error) *MetricsHandler {
	return &MetricsHandler{metrics: metrics, ready: readyCheck}
}

// Prometheus serves the metrics registry in exposition format.
func (h *MetricsHandler) Prometheus(c *gin.Context) {
	if h.metrics == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	h.metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

// Health is the liveness probe.
func (h *MetricsHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready is the readiness probe; it runs the wired dependency check.
func (h *MetricsHandler) Ready(c *gin.Context) {
	if h.ready != nil {
		if err := h.ready(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "reason": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
