// ABOUTME: Coded error type returned by every engine operation
// ABOUTME: Maps Conflict/PreconditionFailed/NotFound/Unauthorized/Unavailable to HTTP status codes

package conversation

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/2389/clinic-gateway/internal/store"
)

// Error codes.
const (
	CodeConflict           = "conflict"
	CodePreconditionFailed = "precondition_failed"
	CodeNotFound           = "not_found"
	CodeUnauthorized       = "unauthorized"
	CodeInvalid            = "invalid_argument"
	CodeStoreUnavailable   = "store_unavailable"
	CodePublishUnavailable = "publish_unavailable"
	CodeInternal           = "internal"
)

// Error is returned by engine operations. Compare with errors.Is against the
// sentinel values below; only Code is considered.
type Error struct {
	Code      string
	Op        string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrConflict           = &Error{Code: CodeConflict}
	ErrPreconditionFailed = &Error{Code: CodePreconditionFailed}
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrUnauthorized       = &Error{Code: CodeUnauthorized}
	ErrInvalid            = &Error{Code: CodeInvalid}
	ErrStoreUnavailable   = &Error{Code: CodeStoreUnavailable, Retryable: true}
	ErrPublishUnavailable = &Error{Code: CodePublishUnavailable, Retryable: true}
)

func conflict(op, format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Op: op, Message: fmt.Sprintf(format, args...)}
}

func precondition(op, format string, args ...any) *Error {
	return &Error{Code: CodePreconditionFailed, Op: op, Message: fmt.Sprintf(format, args...)}
}

func notFound(op, format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

func unauthorized(op, format string, args ...any) *Error {
	return &Error{Code: CodeUnauthorized, Op: op, Message: fmt.Sprintf(format, args...)}
}

func invalid(op, format string, args ...any) *Error {
	return &Error{Code: CodeInvalid, Op: op, Message: fmt.Sprintf(format, args...)}
}

func publishUnavailable(op string) *Error {
	return &Error{Code: CodePublishUnavailable, Op: op, Message: "event fan-out is not accepting events", Retryable: true}
}

// storeError translates a store failure into an engine error.
func storeError(op string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &Error{Code: CodeNotFound, Op: op, Err: err}
	case errors.Is(err, store.ErrVersionConflict), errors.Is(err, store.ErrTransferResolved):
		return &Error{Code: CodeConflict, Op: op, Message: "conversation changed concurrently, refresh and retry", Err: err}
	case errors.Is(err, store.ErrOpenConversationExists):
		return &Error{Code: CodePreconditionFailed, Op: op, Err: err}
	case errors.Is(err, store.ErrPendingTransferExists):
		return &Error{Code: CodePreconditionFailed, Op: op, Err: err}
	default:
		return &Error{Code: CodeStoreUnavailable, Op: op, Retryable: true, Err: err}
	}
}

// Code returns the error code of err, or CodeInternal for foreign errors.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsRetryable reports whether the caller may retry the action with backoff.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

// StatusCode maps an engine error to an HTTP status.
func StatusCode(err error) int {
	switch Code(err) {
	case CodeConflict:
		return http.StatusConflict
	case CodePreconditionFailed:
		return http.StatusPreconditionFailed
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusForbidden
	case CodeInvalid:
		return http.StatusBadRequest
	case CodeStoreUnavailable, CodePublishUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
