package assignment

import (
	"time"

	"github.com/google/uuid"
)

// ActionType names a side-effecting operation performed on an assignment.
type ActionType string

const (
	ActionLearnerLinked ActionType = "learner_linked"
	ActionNotified      ActionType = "notified"
	ActionReminded      ActionType = "reminded"
	ActionCancelled     ActionType = "cancelled"
	ActionExpired       ActionType = "expired"
	ActionRedeemed      ActionType = "redeemed"
)

// ErrorType classifies a failed action.
type ErrorType string

const (
	ErrorEmail       ErrorType = "email_error"
	ErrorInternalAPI ErrorType = "internal_api_error"
	ErrorEnrollment  ErrorType = "enrollment_error"
)

// Action is an append-only audit entry.
type Action struct {
	ID           string
	AssignmentID ID
	Type         ActionType
	CreatedAt    time.Time
	CompletedAt  *time.Time
	ErrorType    ErrorType
	Traceback    string
}

// Succeeded reports whether the action completed without error.
func (a Action) Succeeded() bool {
	return a.CompletedAt != nil && a.ErrorType == ""
}

// NewAction builds a completed action.
func NewAction(assignmentID ID, typ ActionType, now time.Time) Action {
	t := now
	return Action{
		ID:           uuid.NewString(),
		AssignmentID: assignmentID,
		Type:         typ,
		CreatedAt:    now,
		CompletedAt:  &t,
	}
}

// NewFailedAction builds an action that completed with an error.
func NewFailedAction(assignmentID ID, typ ActionType, now time.Time, errType ErrorType, cause error) Action {
	a := NewAction(assignmentID, typ, now)
	a.ErrorType = errType
	if cause != nil {
		a.Traceback = cause.Error()
	}
	return a
}

// LastNotifiedAt returns the completion time of the most recent successful
// notified or reminded action, or nil.
func LastNotifiedAt(actions []Action) *time.Time {
	var latest *time.Time
	for _, a := range actions {
		if a.Type != ActionNotified && a.Type != ActionReminded {
			continue
		}
		if !a.Succeeded() {
			continue
		}
		if latest == nil || a.CompletedAt.After(*latest) {
			t := *a.CompletedAt
			latest = &t
		}
	}
	return latest
}
