// Package errorir defines the canonical error format shared by the swarm
// packages. Callers branch on the code with errors.Is.
package errorir

import (
	"errors"
	"fmt"
)

// Classification constants
const (
	ClassificationRetryable    = "RETRYABLE"
	ClassificationNonRetryable = "NON_RETRYABLE"
)

// Standard Error Codes
const (
	CodeNotFound           = "SWARM/RESOURCE/NOT_FOUND"
	CodeExpired            = "SWARM/PAYMENT/EXPIRED"
	CodeAlreadyProcessed   = "SWARM/PAYMENT/ALREADY_PROCESSED"
	CodeVerificationFailed = "SWARM/PAYMENT/VERIFICATION_FAILED"
	CodeTimeout            = "SWARM/ORCHESTRATION/TIMEOUT"
	CodeUnauthorized       = "SWARM/AUTH/UNAUTHORIZED"
	CodeMalformed          = "SWARM/VALIDATION/MALFORMED"
	CodeNoMajority         = "SWARM/ORCHESTRATION/NO_MAJORITY"
)

// Error is the canonical error value.
type Error struct {
	Code           string `json:"error_code"`
	Title          string `json:"title"`
	Detail         string `json:"detail"`
	Classification string `json:"classification"`
	Cause          error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Title
	}
	return e.Title + ": " + e.Detail
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error carrying the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether the operation may succeed if repeated.
func (e *Error) Retryable() bool {
	return e.Classification == ClassificationRetryable
}

// Sentinels for errors.Is.
var (
	ErrNotFound           = &Error{Code: CodeNotFound, Title: "not found", Classification: ClassificationNonRetryable}
	ErrExpired            = &Error{Code: CodeExpired, Title: "expired", Classification: ClassificationNonRetryable}
	ErrAlreadyProcessed   = &Error{Code: CodeAlreadyProcessed, Title: "already processed", Classification: ClassificationNonRetryable}
	ErrVerificationFailed = &Error{Code: CodeVerificationFailed, Title: "verification failed", Classification: ClassificationRetryable}
	ErrTimeout            = &Error{Code: CodeTimeout, Title: "timeout", Classification: ClassificationRetryable}
	ErrUnauthorized       = &Error{Code: CodeUnauthorized, Title: "unauthorized", Classification: ClassificationNonRetryable}
	ErrMalformed          = &Error{Code: CodeMalformed, Title: "malformed", Classification: ClassificationNonRetryable}
	ErrNoMajority         = &Error{Code: CodeNoMajority, Title: "no majority", Classification: ClassificationNonRetryable}
)

// New creates an error from a sentinel with a formatted detail.
func New(kind *Error, format string, args ...any) *Error {
	return &Error{
		Code:           kind.Code,
		Title:          kind.Title,
		Detail:         fmt.Sprintf(format, args...),
		Classification: kind.Classification,
	}
}

// Wrap is New with an underlying cause.
func Wrap(kind *Error, cause error, format string, args ...any) *Error {
	e := New(kind, format, args...)
	e.Cause = cause
	return e
}

// NotFound, Expired and friends are shorthands used across the payment and
// orchestration packages.
func NotFound(format string, args ...any) *Error { return New(ErrNotFound, format, args...) }

func Expired(format string, args ...any) *Error { return New(ErrExpired, format, args...) }

func AlreadyProcessed(format string, args ...any) *Error {
	return New(ErrAlreadyProcessed, format, args...)
}

// VerificationFailed keeps the verifier's reason as the detail.
func VerificationFailed(reason string) *Error { return New(ErrVerificationFailed, "%s", reason) }

func Timeout(format string, args ...any) *Error { return New(ErrTimeout, format, args...) }

func Unauthorized(format string, args ...any) *Error { return New(ErrUnauthorized, format, args...) }

func Malformed(format string, args ...any) *Error { return New(ErrMalformed, format, args...) }

// IsRetryable reports whether err carries a retryable classification.
// Errors outside this package are treated as retryable transport failures.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return err != nil
}
