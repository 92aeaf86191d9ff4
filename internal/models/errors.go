package models

import "errors"

// Error categories shared by the lobby and game managers. Callers wrap them with
// fmt.Errorf("%w: ...") and transports classify with errors.Is.
var (
	// ErrValidation means the request was malformed (bad name, code, or cell).
	ErrValidation = errors.New("validation failed")

	// ErrPrecondition means the request was well formed but the current state
	// does not allow it. Nothing was mutated.
	ErrPrecondition = errors.New("precondition failed")

	// ErrForbidden means the caller is not a participant of the lobby or game.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound means the lobby or game does not exist.
	ErrNotFound = errors.New("not found")
)
