package dedup

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
)

// InputError is a malformed or inconsistent request.
func InputError(format string, args ...any) error {
	return httperror.NewHTTPErrorf(http.StatusBadRequest, format, args...)
}

// AuthError is a missing identity (401) or a missing role (403).
func AuthError(status int, message string) error {
	if status != http.StatusForbidden {
		status = http.StatusUnauthorized
	}
	return httperror.NewHTTPError(status, message)
}

func NotFoundError(format string, args ...any) error {
	return httperror.NewHTTPErrorf(http.StatusNotFound, format, args...)
}

// ConflictError is a transition the candidate's current state does not allow.
func ConflictError(format string, args ...any) error {
	return httperror.NewHTTPErrorf(http.StatusConflict, format, args...)
}

func PersistenceError(format string, args ...any) error {
	return httperror.NewHTTPErrorf(http.StatusInternalServerError, format, args...)
}

// UpstreamError is a failure of the intelligence platform.
func UpstreamError(format string, args ...any) error {
	return httperror.NewHTTPErrorf(http.StatusBadGateway, format, args...)
}

// asUpstream keeps 502s from the adapter as they are and wraps anything else.
func asUpstream(err error) error {
	if httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusBadGateway {
		return err
	}
	return UpstreamError("intel platform: %v", err)
}
