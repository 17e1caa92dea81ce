package apperrors

import (
	"errors"
	"net/http"
)

// HTTPStatus maps an error class to an HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrSubmission):
		return http.StatusBadGateway
	case errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromHTTPStatus returns the sentinel an API response status stands for,
// or nil for success and unmapped codes.
func FromHTTPStatus(status int) error {
	switch status {
	case http.StatusBadRequest, http.StatusUnsupportedMediaType:
		return ErrValidation
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrInvalidState
	case http.StatusBadGateway:
		return ErrSubmission
	case http.StatusServiceUnavailable, http.StatusTooManyRequests, http.StatusGatewayTimeout:
		return ErrTransient
	}
	if status >= 500 {
		return ErrInternal
	}
	return nil
}
