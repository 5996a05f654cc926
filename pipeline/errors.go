package pipeline

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrEntryNotFound is returned when a referenced entry doesn't exist.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrHistoryRowNotFound is returned when a referenced history row doesn't exist.
	ErrHistoryRowNotFound = errors.New("history row not found")

	// ErrHistoryRowClosed is returned by conditional writes to a row that is no longer open.
	ErrHistoryRowClosed = errors.New("history row already closed")

	// ErrUnknownStage is returned when a write references a stage missing from the policy table.
	ErrUnknownStage = errors.New("unknown stage")

	// ErrInvalidEntry is returned when entry input violates a business rule.
	ErrInvalidEntry = errors.New("invalid entry")

	// ErrDuplicateEntry is returned when an entry with the same ID already exists.
	ErrDuplicateEntry = errors.New("duplicate entry")

	// ErrStoreUnavailable is returned when the backing store cannot be reached.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidEntry }

// UnknownStageError carries the rejected stage name.
type UnknownStageError struct {
	Stage string
}

func (e *UnknownStageError) Error() string {
	return fmt.Sprintf("unknown stage %q", e.Stage)
}

func (e *UnknownStageError) Unwrap() error { return ErrUnknownStage }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntryNotFound) || errors.Is(err, ErrHistoryRowNotFound)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidEntry) ||
		errors.Is(err, ErrUnknownStage) ||
		errors.Is(err, ErrDuplicateEntry)
}
