// Package errors provides the unified error taxonomy for the query
// acceleration engine.
package errors

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a ServiceError into one of the engine's error
// categories. Callers branch on Kind, never on the message text.
type ErrorKind string

const (
	// KindInput covers malformed or unsatisfiable declarative queries:
	// unknown fields, type mismatches, missing required measures.
	KindInput ErrorKind = "INPUT"

	// KindSchemaDrift covers an attempt to register a materialized view
	// whose schema fingerprint collides with an existing healthy one, or
	// whose descriptor no longer matches the lake it was built from.
	KindSchemaDrift ErrorKind = "SCHEMA_DRIFT"

	// KindMemoryLimitExceeded covers a batch whose estimated or observed
	// memory footprint exceeds the configured budget.
	KindMemoryLimitExceeded ErrorKind = "MEMORY_LIMIT_EXCEEDED"

	// KindTimeout covers a query or batch that exceeded its deadline.
	KindTimeout ErrorKind = "TIMEOUT"

	// KindEngine covers a failure surfaced by the columnar engine
	// collaborator while executing a chosen plan.
	KindEngine ErrorKind = "ENGINE"

	// KindIntegrity covers a data-quality invariant violation discovered
	// in the lake or in a materialized view (non-canonical partitions,
	// duplicate primary keys, a validator mismatch beyond tolerance).
	KindIntegrity ErrorKind = "INTEGRITY"

	// KindFatal covers unrecoverable conditions: corrupted registry
	// state, an unreadable staging directory, anything that should stop
	// the affected background loop rather than be retried.
	KindFatal ErrorKind = "FATAL"
)

// ServiceError is a structured error carrying a classification, a
// human-readable message, and optional structured details for logging.
type ServiceError struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error, if any.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails attaches structured diagnostic fields to the error.
func (e *ServiceError) WithDetails(key string, value any) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError of the given kind.
func New(kind ErrorKind, message string) *ServiceError {
	return &ServiceError{Kind: kind, Message: message}
}

// Wrap wraps an existing error as a ServiceError of the given kind.
func Wrap(kind ErrorKind, message string, err error) *ServiceError {
	return &ServiceError{Kind: kind, Message: message, Err: err}
}

// NewInputError builds a KindInput error for a malformed or unsatisfiable
// declarative query. It records no field path; use NewInputErrorAt to name
// the offending JSON field (e.g. "where[2].op").
func NewInputError(message string) *ServiceError {
	return New(KindInput, message)
}

// NewInputErrorAt builds a KindInput error that names the offending field
// path within the submitted query document.
func NewInputErrorAt(path, message string) *ServiceError {
	return New(KindInput, message).WithDetails("path", path)
}

// NewSchemaDriftError builds a KindSchemaDrift error for a registry
// conflict: two descriptors sharing a schema fingerprint while healthy.
func NewSchemaDriftError(mvName string, err error) *ServiceError {
	return Wrap(KindSchemaDrift, fmt.Sprintf("schema drift detected for %q", mvName), err).
		WithDetails("mv_name", mvName)
}

// NewMemoryLimitExceeded builds a KindMemoryLimitExceeded error reporting
// the configured budget and the observed/estimated usage.
func NewMemoryLimitExceeded(limitBytes, usedBytes int64) *ServiceError {
	return New(KindMemoryLimitExceeded, "batch exceeded its memory budget").
		WithDetails("limit_bytes", limitBytes).
		WithDetails("used_bytes", usedBytes)
}

// NewTimeoutError builds a KindTimeout error for the named operation.
func NewTimeoutError(operation string) *ServiceError {
	return New(KindTimeout, "operation timed out").WithDetails("operation", operation)
}

// NewEngineError wraps a failure surfaced by the columnar engine
// collaborator while executing a plan.
func NewEngineError(operation string, err error) *ServiceError {
	return Wrap(KindEngine, "engine execution failed", err).WithDetails("operation", operation)
}

// NewIntegrityError builds a KindIntegrity error for a data-quality
// invariant violation in the lake or a materialized view.
func NewIntegrityError(subject, reason string) *ServiceError {
	return New(KindIntegrity, reason).WithDetails("subject", subject)
}

// NewFatalError wraps an unrecoverable condition that should halt the
// affected background loop rather than be retried.
func NewFatalError(message string, err error) *ServiceError {
	return Wrap(KindFatal, message, err)
}

// IsServiceError reports whether err is, or wraps, a ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain, if present.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// KindOf returns the ErrorKind of err, or KindFatal if err does not wrap a
// ServiceError (an uncategorized error is treated as unrecoverable).
func KindOf(err error) ErrorKind {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.Kind
	}
	return KindFatal
}
