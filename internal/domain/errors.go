package domain

import (
	"errors"
	"fmt"
)

// Engine error taxonomy. Callers branch with errors.Is; every store and
// engine failure wraps exactly one of these sentinels.
var (
	// ErrNotFound marks a missing entity or version id. Recoverable,
	// surfaced to the caller as-is.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a concurrent-mutation race on one entity id.
	// Recoverable: reload and retry.
	ErrConflict = errors.New("concurrent modification conflict")

	// ErrValidation marks a malformed request (non-monotonic interval,
	// missing change reason). Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrStorage marks a backing-store failure. The engine guarantees no
	// partial state survives: either both the version write and its audit
	// entry persisted, or neither did.
	ErrStorage = errors.New("storage unavailable")
)

func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func Storagef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStorage, fmt.Sprintf(format, args...))
}
