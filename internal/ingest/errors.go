package ingest

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotConfigured = errors.New("not configured")
	ErrClosed        = errors.New("closed")
)

type ErrorKind string

const (
	KindAuthUnavailable  ErrorKind = "auth-unavailable"
	KindAuthExpired      ErrorKind = "auth-expired"
	KindPermissionDenied ErrorKind = "permission-denied"
	KindWorkbookMissing  ErrorKind = "workbook-missing"
	KindUnknownSchema    ErrorKind = "unknown-schema"
	KindSchemaMismatch   ErrorKind = "schema-mismatch"
	KindRateLimited      ErrorKind = "rate-limited"
	KindOtherTransient   ErrorKind = "other-transient"
	KindTimeout          ErrorKind = "timeout"
	KindPartialWrite     ErrorKind = "partial-write"
	KindUnknownAction    ErrorKind = "unknown-action"
	KindValidationFailed ErrorKind = "validation-failed"
)

type Disposition string

const (
	DispositionFatal       Disposition = "fatal"
	DispositionRecoverable Disposition = "recoverable"
	DispositionRetryable   Disposition = "retryable"
	DispositionWarning     Disposition = "warning"
	DispositionCaller      Disposition = "caller"
)

func (k ErrorKind) Disposition() Disposition {
	switch k {
	case KindAuthUnavailable:
		return DispositionRecoverable
	case KindRateLimited, KindOtherTransient, KindTimeout, KindAuthExpired:
		return DispositionRetryable
	case KindPartialWrite:
		return DispositionWarning
	case KindUnknownAction, KindValidationFailed:
		return DispositionCaller
	default:
		return DispositionFatal
	}
}

type PipelineError struct {
	Kind       ErrorKind
	HTTPStatus int
	Message    string
}

func (e *PipelineError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("%s: status=%d %s", e.Kind, e.HTTPStatus, e.Message)
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func pipelineErrorf(kind ErrorKind, format string, args ...any) *PipelineError {
	return &PipelineError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf maps any error onto the closed taxonomy. Errors produced outside
// the pipeline collapse to other-transient so the UI can always render by code.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindOtherTransient
}

// asPipelineTransient passes an already-classified error through and wraps
// anything else as other-transient.
func asPipelineTransient(err error) error {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	return &PipelineError{Kind: KindOtherTransient, Message: err.Error()}
}

type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(format string, args ...any) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger { return nopLogger{} }
