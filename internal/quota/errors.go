package quota

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRule marks rule administration input that failed validation.
	ErrInvalidRule = errors.New("quota: invalid rule")
	// ErrRuleNotFound is returned when a rule id does not exist.
	ErrRuleNotFound = errors.New("quota: rule not found")
	// ErrUsageUnavailable wraps storage failures while aggregating usage.
	ErrUsageUnavailable = errors.New("quota: usage unavailable")
	// ErrInvalidUsage marks a usage event that cannot be recorded.
	ErrInvalidUsage = errors.New("quota: invalid usage")
)

// ValidationError describes which rule field was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ErrInvalidRule.Error()
	}
	return fmt.Sprintf("quota: invalid rule: %s %s", e.Field, e.Reason)
}

// Is lets errors.Is match ErrInvalidRule.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidRule
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func usageUnavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUsageUnavailable, op, err)
}
