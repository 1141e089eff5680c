package bbdc

import (
	"errors"
	"fmt"
)

// HTTPError represents an HTTP-level error (non-200 response).
type HTTPError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// ShapeError reports that a response decoded as JSON but lacked a field the
// caller depends on. The service answers expired or rejected sessions this
// way rather than with an HTTP status, so callers treat it as
// authentication-shaped.
type ShapeError struct {
	// Op is the endpoint operation that produced the response.
	Op string

	// Field is the dotted path of the missing field, e.g. "data.tokenContent".
	Field string

	// Raw is the response body as received.
	Raw string
}

// Error implements the error interface.
func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: response missing %s", e.Op, e.Field)
}

// IsShapeError returns true if err is or wraps a *ShapeError.
func IsShapeError(err error) bool {
	var se *ShapeError
	return errors.As(err, &se)
}

// RawPayload returns the raw response carried by a *ShapeError in err's
// chain, or "" if there is none.
func RawPayload(err error) string {
	var se *ShapeError
	if errors.As(err, &se) {
		return se.Raw
	}
	return ""
}

// IsUnauthorized returns true if err wraps an HTTP 401 or 403.
func IsUnauthorized(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode == 401 || he.StatusCode == 403
	}
	return false
}
