package chat

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Typed errors below unwrap to one of these.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrForbidden    = errors.New("forbidden")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// NotFoundError reports a missing row.
type NotFoundError struct {
	Op       string
	Resource string
	ID       string
}

func (e NotFoundError) Error() string {
	switch {
	case e.Resource == "":
		return fmt.Sprintf("%s: %v", e.Op, ErrNotFound)
	case e.ID == "":
		return fmt.Sprintf("%s: %s %v", e.Op, e.Resource, ErrNotFound)
	default:
		return fmt.Sprintf("%s: %s %v: %s", e.Op, e.Resource, ErrNotFound, e.ID)
	}
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

func invalid(op, msg string) error { return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg} }

func notFound(op, resource, id string) error {
	return NotFoundError{Op: op, Resource: resource, ID: id}
}

// IsNotFound reports whether err represents ErrNotFound (including NotFoundError).
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsForbidden reports whether err represents ErrForbidden.
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }
