package httpapi

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goliatone/go-dispatch/core"
)

func requestMetrics(recorder core.MetricsRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		tags := map[string]string{
			"method": c.Request.Method,
			"route":  route,
			"status": strconv.Itoa(c.Writer.Status()),
		}
		ctx := c.Request.Context()
		recorder.IncCounter(ctx, "dispatch.http.requests", 1, tags)
		recorder.ObserveHistogram(ctx, "dispatch.http.request.duration_ms", float64(time.Since(start).Milliseconds()), tags)
	}
}

// requestLog never records bodies or headers; webhook payloads and the
// completion token stay out of the log.
func requestLog(logger core.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := "debug"
		if c.Writer.Status() >= 500 {
			level = "error"
		}
		core.Log(c.Request.Context(), logger, level, "http request", map[string]any{
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    c.Writer.Status(),
			"size":      c.Writer.Size(),
			"client_ip": c.ClientIP(),
			"latency":   time.Since(start).String(),
		})
	}
}
