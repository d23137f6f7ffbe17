// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Standard sentinel errors
var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrInsufficientPosition = errors.New("insufficient position")
	ErrSourceTimeout        = errors.New("quote source timed out")
	ErrSourceMalformed      = errors.New("quote source returned a malformed response")
	ErrSourceRateLimited    = errors.New("quote source rate limited")
	ErrSourceUnavailable    = errors.New("quote source unavailable")
	ErrAllSourcesFailed     = errors.New("all quote sources failed")
	ErrNoSources            = errors.New("no quote sources configured")
	ErrUnsupportedMarket    = errors.New("market not supported by source")
	ErrTaskPanic            = errors.New("scheduler task panicked")
	ErrTaskNotFound         = errors.New("scheduler task not found")
	ErrSchedulerState       = errors.New("invalid scheduler state transition")
	ErrConfigInvalid        = errors.New("invalid configuration")
	ErrPersistence          = errors.New("persistence failure")
	ErrDataNotFound         = errors.New("data not found")
)

// ValidationError represents a validation error. It matches ErrInvalidInput.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// PositionError is returned when a sell exceeds the held quantity.
type PositionError struct {
	Symbol    string
	Market    string
	Held      int64
	Requested int64
}

func (e *PositionError) Error() string {
	return fmt.Sprintf("insufficient position %s:%s: held %d, requested %d", e.Market, e.Symbol, e.Held, e.Requested)
}

func (e *PositionError) Unwrap() error {
	return ErrInsufficientPosition
}

// NewPositionError creates a new PositionError.
func NewPositionError(symbol, market string, held, requested int64) *PositionError {
	return &PositionError{
		Symbol:    symbol,
		Market:    market,
		Held:      held,
		Requested: requested,
	}
}

// SourceError represents a failure of a single quote source. Kind is one of
// the Source sentinels; Err carries the underlying cause when there is one.
type SourceError struct {
	Source string
	Symbol string
	Market string
	Kind   error
	Err    error
}

func (e *SourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("source %s [%s:%s]: %v: %v", e.Source, e.Market, e.Symbol, e.Kind, e.Err)
	}
	return fmt.Sprintf("source %s [%s:%s]: %v", e.Source, e.Market, e.Symbol, e.Kind)
}

func (e *SourceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewSourceError creates a new SourceError.
func NewSourceError(source, symbol, market string, kind, err error) *SourceError {
	if kind == nil {
		kind = ErrSourceUnavailable
	}
	return &SourceError{
		Source: source,
		Symbol: symbol,
		Market: market,
		Kind:   kind,
		Err:    err,
	}
}

// AllSourcesFailedError is returned when every source in a fallback chain failed.
type AllSourcesFailedError struct {
	Symbol   string
	Market   string
	Failures []*SourceError
}

func (e *AllSourcesFailedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Source+": "+f.Kind.Error())
	}
	return fmt.Sprintf("all sources failed for %s:%s [%s]", e.Market, e.Symbol, strings.Join(parts, "; "))
}

func (e *AllSourcesFailedError) Unwrap() error {
	return ErrAllSourcesFailed
}

// NewAllSourcesFailedError creates a new AllSourcesFailedError.
func NewAllSourcesFailedError(symbol, market string, failures []*SourceError) *AllSourcesFailedError {
	return &AllSourcesFailedError{
		Symbol:   symbol,
		Market:   market,
		Failures: failures,
	}
}

// TaskPanicError represents a panic recovered at the scheduler's dispatch boundary.
type TaskPanicError struct {
	Task  string
	Value interface{}
	Stack string
}

func (e *TaskPanicError) Error() string {
	return fmt.Sprintf("task %s panicked: %v", e.Task, e.Value)
}

func (e *TaskPanicError) Unwrap() error {
	return ErrTaskPanic
}

// NewTaskPanicError creates a new TaskPanicError.
func NewTaskPanicError(task string, value interface{}, stack string) *TaskPanicError {
	return &TaskPanicError{
		Task:  task,
		Value: value,
		Stack: stack,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// New returns an error with the given text.
func New(text string) error {
	return errors.New(text)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Join returns an error that wraps the given errors.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
