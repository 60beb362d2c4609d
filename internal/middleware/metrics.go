package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gt-insights/enrollment-api/internal/service"
)

// Metrics records per-request duration and count. The route template
// (FullPath) keeps the label cardinality bounded; unmatched routes fall back
// to the raw path. The scrape endpoint itself is not recorded.
func Metrics(metricsSvc *service.MetricsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if metricsSvc == nil || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		metricsSvc.ObserveHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
