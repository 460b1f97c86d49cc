package jobs

import (
	"errors"
	"fmt"

	"joinbot/internal/planner"
	"joinbot/internal/storage"
)

var (
	ErrNoEligibleAccounts = planner.ErrNoEligibleAccounts
	ErrNotFound           = storage.ErrNotFound
)

// ValidationError rejects a submission before anything is stored.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
