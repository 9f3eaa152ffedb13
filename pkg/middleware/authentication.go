package middleware

import (
	"net/http"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/thistle/pkg/auth"
	"github.com/Ramsey-B/thistle/pkg/context"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// Authentication verifies the bearer token and requires requiredRole before the
// handler runs. Missing or invalid tokens are 401, a valid token without the role is 403.
func Authentication(logger ectologger.Logger, verifier auth.TokenVerifier, requiredRole string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, span := tracing.StartSpan(c.Request().Context(), "middleware.Authentication")
			defer span.End()

			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if !strings.HasPrefix(header, "Bearer ") {
				logger.WithContext(ctx).Warn("request is missing bearer token")
				return httperror.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}

			identity, err := verifier.Verify(ctx, strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
			if err != nil {
				logger.WithContext(ctx).WithError(err).Warn("token is invalid")
				return httperror.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			if requiredRole != "" && !identity.HasRole(requiredRole) {
				logger.WithContext(ctx).WithField("user_id", identity.Subject).Warnf("caller lacks role %s", requiredRole)
				return httperror.NewHTTPErrorf(http.StatusForbidden, "%s role required", requiredRole)
			}

			ctx = context.WithCaller(ctx, context.Caller{UserID: identity.Subject, Roles: identity.Roles})
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}
