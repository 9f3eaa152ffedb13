package middleware

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/thistle/pkg/context"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

const HeaderTraceID = "X-Trace-Id"

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Error renders errors as {"error": message}. Request and trace ids travel in headers.
func Error(logger ectologger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		ctx := c.Request().Context()
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		message := "internal server error"

		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if msg, ok := he.Message.(string); ok {
				message = msg
			} else {
				message = http.StatusText(code)
			}
		}

		if httperror.IsHTTPError(err) {
			code = httperror.GetStatusCode(err)
			message = httperror.ToHTTPError(err).Error()
		}

		entry := logger.WithContext(ctx).WithError(err).WithField("status", code)
		if code >= http.StatusInternalServerError {
			entry.Error("api is returning an error")
		} else {
			entry.Debug("api is returning an error")
		}

		if requestID := context.GetRequestID(ctx); requestID != "" {
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)
		}
		if traceID := tracing.GetTraceID(ctx); traceID != "" {
			c.Response().Header().Set(HeaderTraceID, traceID)
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, ErrorResponse{Error: message})
	}
}
