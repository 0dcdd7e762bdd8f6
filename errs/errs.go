// Package errs defines the error kinds shared by the copulae packages.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidArgument is returned when a caller passes a value outside an
	// operation's contract. It is always raised before any expensive work.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNumericalFailure is returned when a numerical construction (spline
	// fit, factorization) cannot produce a valid result from its input.
	ErrNumericalFailure = errors.New("numerical failure")
)

// ArgumentError reports an unsupported value for a named argument together
// with the set of values that would have been accepted.
type ArgumentError struct {
	Arg     string
	Value   string
	Allowed []string
}

func (e *ArgumentError) Error() string {
	if len(e.Allowed) == 0 {
		return fmt.Sprintf("%s: unsupported %s %q", ErrInvalidArgument, e.Arg, e.Value)
	}
	return fmt.Sprintf("%s: unsupported %s %q, must be one of (%s)",
		ErrInvalidArgument, e.Arg, e.Value, strings.Join(e.Allowed, ", "))
}

// Is makes errors.Is(err, ErrInvalidArgument) hold for every ArgumentError.
func (e *ArgumentError) Is(target error) bool {
	return target == ErrInvalidArgument
}

// Invalid wraps ErrInvalidArgument with a formatted diagnostic.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// Numerical wraps ErrNumericalFailure with a formatted diagnostic.
func Numerical(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNumericalFailure, fmt.Sprintf(format, args...))
}
