// Package pipeline contains pure functions and types for declarative
// pipeline definitions. This is part of the Functional Core - all functions
// are pure with no I/O.
package pipeline

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Input validation errors
	ErrEmptyInput = errors.New("pipeline definition is empty")

	// YAML parsing errors
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// Pipeline structure errors
	ErrNoStages            = errors.New("pipeline must define at least one stage")
	ErrDuplicateStage      = errors.New("stage names must be unique")
	ErrStageNoName         = errors.New("stage must have a name")
	ErrUnknownStageKind    = errors.New("unknown stage kind")
	ErrStageMissingCommand = errors.New("run stage must have a command")
	ErrStageMissingImage   = errors.New("stage must reference an image")

	// State machine errors
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ParseError wraps errors with context about where parsing failed.
type ParseError struct {
	Field   string // e.g., "stages[2].command"
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError creates a new ParseError.
func NewParseError(field, message string, err error) *ParseError {
	return &ParseError{
		Field:   field,
		Message: message,
		Err:     err,
	}
}
