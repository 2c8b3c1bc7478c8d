package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy shared by the pool, the stores, the dispatcher and the HTTP surfaces.
var (
	ErrValidation       = errors.New("validation error")
	ErrNotFound         = errors.New("not found")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrPoolFull         = errors.New("session pool is full")
	ErrPipelineOverflow = errors.New("too many requests in flight")
	ErrSlowClient       = errors.New("client is not reading")

	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrQueueOverflow      = errors.New("backend queue overflow")
)

// Invalid returns an ErrValidation carrying a description.
func Invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// StatusCode maps an error to the HTTP status reported at the boundary.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusNoContent
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrPoolFull), errors.Is(err, ErrQueueOverflow):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrBackendUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorKind is the error_kind reported to clients in error frames.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, ErrPipelineOverflow):
		return "pipeline_overflow"
	case errors.Is(err, ErrQueueOverflow):
		return "queue_overflow"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	default:
		return "internal_error"
	}
}
