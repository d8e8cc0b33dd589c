/**
 * @description
 * Error types shared by the collection subsystem. Validation and rule
 * violations carry a message that is safe to show to the caller.
 */
package domain

import "fmt"

// ValidationError reports malformed input that is rejected before anything is persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// RuleViolationError reports a business rule that refused the operation.
type RuleViolationError struct {
	Rule    string
	Message string
}

func (e *RuleViolationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Rule, e.Message)
}

// ConflictError is returned when an optimistic update lost the race twice.
type ConflictError struct {
	Entity string
	ID     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s was modified concurrently; reload and try again", e.Entity, e.ID)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func violation(rule, format string, args ...interface{}) error {
	return &RuleViolationError{Rule: rule, Message: fmt.Sprintf(format, args...)}
}
