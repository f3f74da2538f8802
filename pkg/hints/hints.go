// Package hints labels "soft failures": errors that mean a step or command had
// nothing to do rather than that it failed.
//
// A held workflow lock, a disabled database backup or an empty remote are not
// alerts. Producers wrap them as hints and the CLI logs them as warnings and
// exits successfully, without importing the producer's sentinel errors.
package hints

import (
	"errors"
	"fmt"
)

type hintErr struct {
	err error
}

func (h *hintErr) Error() string {
	if h == nil || h.err == nil {
		return "unknown hint"
	}
	return h.err.Error()
}
func (h *hintErr) IsHint() bool  { return true }
func (h *hintErr) Unwrap() error { return h.err }

// New creates a hint from a string.
func New(msg string) error {
	return &hintErr{err: errors.New(msg)}
}

// Newf creates a hint with fmt.Errorf semantics, so %w is honoured.
func Newf(format string, args ...any) error {
	return &hintErr{err: fmt.Errorf(format, args...)}
}

// Wrap takes an existing error and "promotes" it to a hint.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &hintErr{err: err}
}

// IsHint checks if any error in the chain behaves like a hint.
func IsHint(err error) bool {
	var h interface{ IsHint() bool }
	return errors.As(err, &h) && h.IsHint()
}

// Is checks if the error is a hint AND matches the target error.
func Is(err, target error) bool {
	return IsHint(err) && errors.Is(err, target)
}
