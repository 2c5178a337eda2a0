package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is an application error code.
type Code string

const (
	InvalidArgument      Code = "invalid_argument"
	NotFound             Code = "not_found"
	FailedPrecondition   Code = "failed_precondition"
	SessionInvalidated   Code = "session_invalidated"
	ProgressConflict     Code = "progress_conflict"
	ConfigurationMissing Code = "configuration_missing"
	RateLimited          Code = "rate_limited"
	Unavailable          Code = "unavailable"
	Internal             Code = "internal"
)

// Collaborator names the external system an Unavailable error came from.
type Collaborator string

const (
	Database     Collaborator = "database"
	ObjectStore  Collaborator = "object_store"
	PromptSource Collaborator = "prompt_source"
)

// Error is a coded application error.
type Error struct {
	Code         Code
	Message      string
	Collaborator Collaborator
	Err          error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a coded error with message.
func New(code Code, message string) error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a coded error with message and cause.
func Wrap(code Code, message string, cause error) error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     cause,
	}
}

// External reports an I/O failure talking to an external collaborator.
// The message names the collaborator and operation but never the cause text,
// which may carry connection strings or bucket paths.
func External(who Collaborator, op string, cause error) error {
	return &Error{
		Code:         Unavailable,
		Message:      fmt.Sprintf("%s unavailable: %s failed", who, op),
		Collaborator: who,
		Err:          cause,
	}
}

// CodeOf returns the error code, defaulting to internal.
func CodeOf(err error) Code {
	if err == nil {
		return Internal
	}
	var coded *Error
	if errors.As(err, &coded) {
		if coded.Code == "" {
			return Internal
		}
		return coded.Code
	}
	return Internal
}

// CollaboratorOf returns which external collaborator failed, or "" when the
// error did not come from one.
func CollaboratorOf(err error) Collaborator {
	var coded *Error
	for err != nil {
		if !errors.As(err, &coded) {
			return ""
		}
		if coded.Collaborator != "" {
			return coded.Collaborator
		}
		err = coded.Err
	}
	return ""
}

// MessageOf returns a user-facing error message.
// If the error has no typed wrapper, returns "internal error" to prevent
// leaking raw DB errors, file paths, or connection strings to API responses.
func MessageOf(err error) string {
	if err == nil {
		return string(Internal)
	}
	var coded *Error
	if errors.As(err, &coded) && coded.Message != "" {
		return coded.Message
	}
	return "internal error"
}

// HTTPStatus maps error code to HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case InvalidArgument:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case FailedPrecondition, SessionInvalidated, ProgressConflict:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
