package store

import (
	"errors"
	"fmt"
)

// ErrCoordination matches every infrastructure failure reported by the store.
var ErrCoordination = errors.New("coordination failure")

// CoordinationError is the single error kind for failed bus operations.
type CoordinationError struct {
	Op  string
	Err error
}

func (e *CoordinationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CoordinationError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrCoordination) true for any CoordinationError.
func (e *CoordinationError) Is(target error) bool { return target == ErrCoordination }

// NewCoordinationError wraps err for op. An error that is already a
// CoordinationError is returned unchanged; nil stays nil.
func NewCoordinationError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CoordinationError
	if errors.As(err, &ce) {
		return err
	}
	return &CoordinationError{Op: op, Err: err}
}
