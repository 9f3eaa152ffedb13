package middleware

import (
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/thistle/pkg/context"
)

// Logger writes one line per request once the error handler has set the status.
// Health probes log at debug.
func Logger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}

			ctx := c.Request().Context()
			info := context.GetRequest(ctx)
			entry := logger.WithContext(ctx).WithFields(map[string]any{
				"request_id":    info.ID,
				"user_id":       context.GetUserID(ctx),
				"method":        info.Method,
				"route":         c.Path(),
				"remote_ip":     info.RemoteIP,
				"status":        c.Response().Status,
				"response_time": time.Since(start),
				"response_size": c.Response().Size,
			})
			if c.Path() == "/api/v1/health" || c.Path() == "/api/v1/health/live" || c.Path() == "/api/v1/health/ready" {
				entry.Debug("Request")
				return nil
			}
			entry.Info("Request")
			return nil
		}
	}
}
