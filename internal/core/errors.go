package core

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrBadRequest        ErrorCode = "WOS_BAD_REQUEST"
	ErrUnauthorized      ErrorCode = "WOS_UNAUTHORIZED"
	ErrNotFound          ErrorCode = "WOS_NOT_FOUND"
	ErrConflictExists    ErrorCode = "WOS_CONFLICT_EXISTS"
	ErrTimeout           ErrorCode = "WOS_TIMEOUT"
	ErrDaemonUnreachable ErrorCode = "WOS_DAEMON_UNREACHABLE"
	ErrImageNotFound     ErrorCode = "WOS_IMAGE_NOT_FOUND"
	ErrImageAuth         ErrorCode = "WOS_IMAGE_AUTH"
	ErrProviderError     ErrorCode = "WOS_PROVIDER_ERROR"
	ErrGitError          ErrorCode = "WOS_GIT_ERROR"
	ErrSyncUnreachable   ErrorCode = "WOS_SYNC_UNREACHABLE"
	ErrInternal          ErrorCode = "WOS_INTERNAL"
)

// HTTPStatus returns the HTTP status code for this error code. The command
// channel carries codes verbatim; this mapping is used by the plain HTTP
// endpoints and the panic recoverer.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	case ErrBadRequest:
		return 400
	case ErrUnauthorized:
		return 401
	case ErrNotFound, ErrImageNotFound:
		return 404
	case ErrConflictExists:
		return 409
	case ErrProviderError, ErrDaemonUnreachable, ErrSyncUnreachable:
		return 502
	case ErrTimeout:
		return 504
	default:
		return 500
	}
}

type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAppError(code ErrorCode, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// AsAppError normalizes any error into an AppError, defaulting unknown
// errors to WOS_INTERNAL so raw causes never leak onto the channel.
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae
	}
	return &AppError{Code: ErrInternal, Message: err.Error()}
}
