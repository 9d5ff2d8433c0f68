package queue

import (
	"errors"
	"fmt"
)

// Lookup failure kinds. Compare with errors.Is.
var (
	ErrUnknownOrigin = errors.New("unknown origin")
	ErrUnknownPath   = errors.New("unknown path")
	ErrExhausted     = errors.New("out of responses")
)

// LookupError reports which (origin, path) pair a lookup failed for.
type LookupError struct {
	Kind   error
	Origin string
	Path   string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("%v: %s %s", e.Kind, e.Origin, e.Path)
}

func (e *LookupError) Unwrap() error {
	return e.Kind
}
