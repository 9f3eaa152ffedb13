package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/thistle/pkg/context"
)

// Context records the request id, route and caller address on the request
// context and echoes the id back in X-Request-Id.
func Context() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			id := req.Header.Get(echo.HeaderXRequestID)
			if id == "" {
				id = uuid.New().String()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, id)

			ctx := context.WithRequest(req.Context(), context.Request{
				ID:       id,
				Method:   req.Method,
				Route:    req.URL.Path,
				RemoteIP: c.RealIP(),
			})
			c.SetRequest(req.WithContext(ctx))

			return next(c)
		}
	}
}
