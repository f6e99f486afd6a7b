// internal/handler/errors.go
package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/SyedDaiam9101/enginebind/internal/engine"
	"github.com/SyedDaiam9101/enginebind/internal/inference"
	"github.com/SyedDaiam9101/enginebind/internal/middleware"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      int    `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// statusError carries its own HTTP status.
type statusError struct {
	status int
	msg    string
}

func (e *statusError) Error() string { return e.msg }

func (e *statusError) StatusCode() int { return e.status }

func badRequest(format string, args ...interface{}) error {
	return &statusError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

func internalError(format string, args ...interface{}) error {
	return &statusError{status: http.StatusInternalServerError, msg: fmt.Sprintf(format, args...)}
}

// httpStatus maps known errors to HTTP status codes.
func httpStatus(err error) int {
	var se *statusError
	switch {
	case errors.As(err, &se):
		return se.status
	case engine.IsNotInitialized(err), errors.Is(err, inference.ErrClosed):
		return http.StatusServiceUnavailable
	case engine.IsResolutionError(err):
		return http.StatusServiceUnavailable
	case engine.IsUnsupported(err):
		return http.StatusNotImplemented
	case engine.IsInvalidArgument(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeJSONError(w, r, httpStatus(err), err.Error())
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:     msg,
		Code:      status,
		RequestID: middleware.GetRequestID(r.Context()),
	})
}
