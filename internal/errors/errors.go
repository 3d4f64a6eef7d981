// Package errors defines the error taxonomy shared by the observability core.
//
// Sentinels are checked with errors.Is. Classify maps any error onto the
// categories the API and the ingestion path use to decide how to react.
//
// This package must not import other internal packages.
package errors

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates malformed input that was rejected before any state change.
	ErrValidation = errors.New("validation failed")

	// ErrContextTooLarge indicates a context blob above the configured size limit.
	ErrContextTooLarge = errors.New("context too large")

	// ErrInvalidTransition indicates a lifecycle transition the state machine does not permit.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrNotFound indicates the referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyResolved indicates a second resolution attempt on a feedback entry.
	ErrAlreadyResolved = errors.New("already resolved")

	// ErrTargetNotReady indicates an analysis target that has not reached a terminal state.
	ErrTargetNotReady = errors.New("target not ready")

	// ErrAnalysisDegraded accompanies a partial analysis computed without a dependency.
	ErrAnalysisDegraded = errors.New("analysis degraded")

	// ErrDependencyUnavailable indicates an external dependency failed after retries.
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// ErrScopeTooLarge indicates an analysis scope above the configured hard limits.
	ErrScopeTooLarge = errors.New("scope too large")
)

// Category is a coarse error class
type Category string

const (
	CategoryNone       Category = ""
	CategoryValidation Category = "validation"
	CategoryOrdering   Category = "ordering"
	CategoryDependency Category = "dependency"
	CategoryInvariant  Category = "invariant"
	CategoryLimit      Category = "limit"
	CategoryNotFound   Category = "not_found"
	CategoryCanceled   Category = "canceled"
	CategoryInternal   Category = "internal"
)

// DependencyError reports which external dependency failed.
type DependencyError struct {
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() []error {
	return []error{ErrDependencyUnavailable, e.Err}
}

// Dependency wraps err as a failure of the named dependency.
func Dependency(name string, err error) error {
	if err == nil {
		return nil
	}
	return &DependencyError{Dependency: name, Err: err}
}

// DegradedError accompanies a partial result computed without the named dependency.
type DegradedError struct {
	Dependency string
	Err        error
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("analysis degraded: %s: %v", e.Dependency, e.Err)
}

func (e *DegradedError) Unwrap() []error {
	return []error{ErrAnalysisDegraded, e.Err}
}

// Degraded wraps err to mark a partial result.
func Degraded(dependency string, err error) error {
	return &DegradedError{Dependency: dependency, Err: err}
}

// Validation wraps a message as a validation error.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Classify maps err onto a Category.
func Classify(err error) Category {
	switch {
	case err == nil:
		return CategoryNone
	case errors.Is(err, ErrContextTooLarge), errors.Is(err, ErrScopeTooLarge):
		return CategoryLimit
	case errors.Is(err, ErrValidation):
		return CategoryValidation
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrTargetNotReady):
		return CategoryInvariant
	case errors.Is(err, ErrNotFound):
		return CategoryNotFound
	case errors.Is(err, ErrDependencyUnavailable), errors.Is(err, ErrAnalysisDegraded):
		return CategoryDependency
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CategoryCanceled
	default:
		return CategoryInternal
	}
}

// Is, As and New re-export the standard library helpers so callers importing
// this package under the name errors keep them available.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func New(text string) error { return errors.New(text) }

// Wrap adds context to errors at package boundaries. It returns nil if err is nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf adds formatted context to errors at package boundaries.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
