// Package errs holds the error taxonomy shared by the store, pool, state
// machine and dispatcher. Callers wrap these with fmt.Errorf("...: %w") and
// classify with errors.Is.
package errs

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrForbidden         = errors.New("forbidden")
	ErrConflict          = errors.New("conflict")
	ErrAlreadyTerminal   = errors.New("ride already terminal")
	ErrStaleUpdate       = errors.New("stale update")
	ErrInvalidArgument   = errors.New("invalid argument")
)
