package campaign

import (
	"errors"
	"fmt"
)

// Error taxonomy for the campaign lifecycle. The API layer maps these to
// HTTP status codes; per-recipient send failures never surface here, they
// are absorbed into stats by the worker.
var (
	// ErrValidation marks a malformed campaign spec. Surfaced synchronously
	// at create/start time; the campaign never reaches the queue.
	ErrValidation = errors.New("invalid campaign spec")

	// ErrNotFound marks an unknown campaign, segment, or template.
	ErrNotFound = errors.New("campaign not found")

	// ErrConflict marks a lifecycle call against the wrong state, e.g.
	// pausing a draft or deleting a running campaign.
	ErrConflict = errors.New("campaign state conflict")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}
