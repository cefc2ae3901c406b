package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const unmatchedRoute = "unmatched"

// HTTPTelemetry logs and counts every front end request under its route
// template, so /api/version and /api/state share the /api/:kind series.
// The API kind is logged but never used as a label.
func HTTPTelemetry(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		elapsed := time.Since(start)
		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		RecordHTTPRequest(c.Request.Method, route, status, elapsed)

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400 || route == unmatchedRoute:
			event = logger.Warn()
		default:
			event = logger.Debug()
		}
		if kind := c.Param("kind"); kind != "" {
			event = event.Str("kind", kind)
		}
		event.
			Str("transport", "http").
			Str("method", c.Request.Method).
			Str("route", route).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", elapsed).
			Str("peer", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Msg("http request served")

		if len(c.Errors) > 0 {
			logger.Warn().Str("route", route).Strs("errors", c.Errors.Errors()).Msg("http handler errors")
		}
	}
}
