package core

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidEvent         = errors.New("invalid upload event")
	ErrInvalidQuery         = errors.New("invalid search query")
	ErrDimensionMismatch    = errors.New("vector dimension mismatch")
	ErrIdentityConflict     = errors.New("identity conflict")
	ErrExhausted            = errors.New("retries exhausted")
	ErrQueryEmbeddingFailed = errors.New("query embedding failed")
	ErrIndexUnavailable     = errors.New("vector index unavailable")
	ErrMetadataUnavailable  = errors.New("metadata store unavailable")
	ErrStaleIndex           = errors.New("every candidate references missing metadata")
)

// ErrorClass is the taxonomy attached to every error leaving a pipeline
// stage or the search path.
type ErrorClass string

const (
	ClassUnknown     ErrorClass = "unknown"
	ClassValidation  ErrorClass = "validation"
	ClassTransient   ErrorClass = "transient"
	ClassPermanent   ErrorClass = "permanent"
	ClassConsistency ErrorClass = "consistency"
	ClassExhaustion  ErrorClass = "exhaustion"
)

// Retryable reports whether a caller may retry an operation that failed
// with this class.
func (c ErrorClass) Retryable() bool {
	return c == ClassTransient || c == ClassUnknown
}

type PipelineError struct {
	Op       string
	RecordID string
	Class    ErrorClass
	Err      error
}

func (e *PipelineError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("%s [record=%s, class=%s]: %v", e.Op, e.RecordID, e.Class, e.Err)
	}
	return fmt.Sprintf("%s [class=%s]: %v", e.Op, e.Class, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

func NewPipelineError(op, recordID string, class ErrorClass, err error) *PipelineError {
	return &PipelineError{Op: op, RecordID: recordID, Class: class, Err: err}
}

func NewValidationError(op, msg string) *PipelineError {
	return &PipelineError{Op: op, Class: ClassValidation, Err: fmt.Errorf("%w: %s", ErrInvalidEvent, msg)}
}

func NewQueryError(msg string) *PipelineError {
	return &PipelineError{Op: "search.validate", Class: ClassValidation, Err: fmt.Errorf("%w: %s", ErrInvalidQuery, msg)}
}

// Transient marks err as retry-worthy (network or service unavailability).
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PipelineError{Op: op, Class: ClassTransient, Err: err}
}

// Permanent marks err as terminal (unreadable or unsupported input).
func Permanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PipelineError{Op: op, Class: ClassPermanent, Err: err}
}

// ClassOf returns the outermost class attached to err. Context
// cancellation is transient; unclassified errors are ClassUnknown.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var pe *PipelineError
	if errors.As(err, &pe) && pe.Class != "" {
		return pe.Class
	}
	switch {
	case errors.Is(err, ErrExhausted):
		return ClassExhaustion
	case errors.Is(err, ErrDimensionMismatch), errors.Is(err, ErrIdentityConflict):
		return ClassPermanent
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}
	return ClassUnknown
}

func IsRetryable(err error) bool {
	return err != nil && ClassOf(err).Retryable()
}
