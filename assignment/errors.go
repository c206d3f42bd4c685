package assignment

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is the root of every *TransitionError.
	ErrInvalidTransition = errors.New("invalid assignment state transition")

	// ErrDuplicateAssignment is returned when a write would create a second
	// assignment for the same (policy, email, content).
	ErrDuplicateAssignment = errors.New("assignment already exists for learner and content")
)

// TransitionError describes a refused lifecycle move.
type TransitionError struct {
	AssignmentID ID
	From         State
	To           State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("assignment %s: cannot transition from %s to %s", e.AssignmentID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
