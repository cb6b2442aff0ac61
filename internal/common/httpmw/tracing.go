package httpmw

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trinitylabs/controlplane/internal/common/metrics"
)

// PrometheusMetrics creates a Gin middleware that records request counts and
// latency histograms for every handled route.
func PrometheusMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
