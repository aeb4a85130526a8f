// Package apperr is the error type shared by every service. It carries a
// stable machine-readable code and a client-safe message; the cause is kept
// for logs only.
package apperr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Stable error codes.
const (
	CodeUnauthenticated  = "UNAUTHENTICATED"
	CodeForbidden        = "FORBIDDEN"
	CodeNotFound         = "NOT_FOUND"
	CodeConflict         = "CONFLICT"
	CodeInvalidOperation = "INVALID_OPERATION"
	CodeBadRequest       = "BAD_REQUEST"
	CodeRateLimited      = "RATE_LIMITED"
	CodeUnavailable      = "UNAVAILABLE"
	CodeInternal         = "INTERNAL"
)

// Error is the canonical error returned by the service layer.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"error"`
	Status  int    `json:"-"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string { return e.Message }

// Unwrap exposes the cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error with the same code, so callers can write
// errors.Is(err, apperr.ErrNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrUnauthenticated  = &Error{Code: CodeUnauthenticated}
	ErrForbidden        = &Error{Code: CodeForbidden}
	ErrNotFound         = &Error{Code: CodeNotFound}
	ErrConflict         = &Error{Code: CodeConflict}
	ErrInvalidOperation = &Error{Code: CodeInvalidOperation}
	ErrBadRequest       = &Error{Code: CodeBadRequest}
	ErrRateLimited      = &Error{Code: CodeRateLimited}
	ErrUnavailable      = &Error{Code: CodeUnavailable}
	ErrInternal         = &Error{Code: CodeInternal}
)

func newErr(code string, status int, msg string) *Error {
	return &Error{Code: code, Message: msg, Status: status}
}

func Unauthenticated(msg string) *Error {
	return newErr(CodeUnauthenticated, http.StatusUnauthorized, msg)
}

func Forbidden(msg string) *Error { return newErr(CodeForbidden, http.StatusForbidden, msg) }

func NotFound(msg string) *Error { return newErr(CodeNotFound, http.StatusNotFound, msg) }

func Conflict(msg string) *Error { return newErr(CodeConflict, http.StatusConflict, msg) }

// InvalidOperation is a request that is well-formed but not allowed, such as
// befriending yourself.
func InvalidOperation(msg string) *Error {
	return newErr(CodeInvalidOperation, http.StatusBadRequest, msg)
}

func BadRequest(msg string) *Error { return newErr(CodeBadRequest, http.StatusBadRequest, msg) }

func TooManyRequests(msg string) *Error {
	return newErr(CodeRateLimited, http.StatusTooManyRequests, msg)
}

// Unavailable wraps a failure of a backing store (database, cache).
func Unavailable(cause error) *Error {
	e := newErr(CodeUnavailable, http.StatusServiceUnavailable, "service temporarily unavailable")
	e.Cause = cause
	return e
}

// Internal wraps an unexpected error. The cause is never sent to clients.
func Internal(cause error) *Error {
	e := newErr(CodeInternal, http.StatusInternalServerError, "internal error")
	e.Cause = cause
	return e
}

// As extracts the *Error from err's chain, or returns nil.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// From returns err as an *Error, wrapping unknown errors as Internal.
func From(err error) *Error {
	if e := As(err); e != nil {
		return e
	}
	return Internal(err)
}

// Write aborts the gin request with err's status and a {"code","error"} body.
// 5xx causes are logged with the request's trace id.
func Write(c *gin.Context, logger *zap.Logger, err error) {
	e := From(err)
	status := e.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Error("request failed",
			zap.String("code", e.Code),
			zap.String("path", c.FullPath()),
			zap.String("trace_id", c.GetString("trace_id")),
			zap.Error(e.Cause))
	}
	c.AbortWithStatusJSON(status, gin.H{"code": e.Code, "error": e.Message})
}
