package schedule

import (
	"errors"
	"fmt"
)

// ErrInvalidSchedule matches every *InvalidScheduleError.
var ErrInvalidSchedule = errors.New("invalid schedule")

// InvalidScheduleError reports malformed syntax or an out-of-domain value.
type InvalidScheduleError struct {
	Field  string
	Value  string
	Reason string
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid schedule: %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *InvalidScheduleError) Is(target error) bool {
	return target == ErrInvalidSchedule
}

func invalid(field, value, reason string) error {
	return &InvalidScheduleError{Field: field, Value: value, Reason: reason}
}
