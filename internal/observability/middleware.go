package observability

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RouteGroup collapses an admin route to its first segment so /clients and
// /clients/:id share one series.
func RouteGroup(fullPath string) string {
	if fullPath == "" {
		return "unmatched"
	}
	seg := strings.TrimPrefix(fullPath, "/")
	if i := strings.IndexByte(seg, '/'); i >= 0 {
		seg = seg[:i]
	}
	if seg == "" {
		return "root"
	}
	return seg
}

// AdminAccessLog logs one line per admin request. A 503 is the normal
// readiness answer while the device link is down and stays at debug.
func AdminAccessLog(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		var event *zerolog.Event
		switch {
		case status == http.StatusServiceUnavailable:
			event = logger.Debug()
		case status >= http.StatusInternalServerError:
			event = logger.Error()
		case status >= http.StatusBadRequest:
			event = logger.Warn()
		default:
			event = logger.Debug()
		}
		if id := c.Param("id"); id != "" {
			event = event.Str("client_id", id)
		}
		event.
			Str("route", RouteGroup(c.FullPath())).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("took", time.Since(start)).
			Str("remote", c.ClientIP()).
			Msg("admin request")
	}
}

// AdminMetrics counts and times admin requests per route group.
func AdminMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		RecordHTTPRequest(RouteGroup(c.FullPath()), c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}
