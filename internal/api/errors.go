package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/go-chatrelay/internal/types"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func newApiError(status int, err error) *ApiError {
	return &ApiError{
		StatusCode: status,
		Message:    lower(http.StatusText(status)),
		Err:        err,
	}
}

func NewBadRequestError(err error) *ApiError {
	e := newApiError(http.StatusBadRequest, err)
	if err != nil {
		e.Message = err.Error()
	}
	return e
}

func NewNotFoundError() *ApiError {
	return newApiError(http.StatusNotFound, nil)
}

func NewInternalServerError(err error) *ApiError {
	return newApiError(http.StatusInternalServerError, err)
}

func NewUnauthorizedError() *ApiError {
	return newApiError(http.StatusUnauthorized, nil)
}

func NewForbiddenError() *ApiError {
	return newApiError(http.StatusForbidden, nil)
}

func NewServiceUnavailableError(err error) *ApiError {
	return newApiError(http.StatusServiceUnavailable, err)
}

// errorFromErr maps a chat error onto its HTTP status.
func errorFromErr(err error) *ApiError {
	var apiErr *ApiError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, types.ErrUnauthenticated):
		return NewUnauthorizedError()
	case errors.Is(err, types.ErrNotFound):
		return NewNotFoundError()
	case errors.Is(err, types.ErrInvalidPayload):
		return NewBadRequestError(err)
	case errors.Is(err, types.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return NewServiceUnavailableError(err)
	default:
		return NewInternalServerError(err)
	}
}
