/*
Package assignment models content assignments under assignment-based policies.

PURPOSE:
  An admin earmarks a specific course for a specific learner before that
  learner does anything. The earmark is a LearnerContentAssignment ("assignment")
  that moves through a small lifecycle and leaves an append-only audit trail.

LIFECYCLE:
                 +-----------+   redeem ok    +----------+
    allocate --> | allocated | -------------> | accepted |  (terminal)
                 +-----------+                +----------+
                   |   |   |
       admin/sweep |   |   | sweep (deadline, subsidy expiry)
                   v   |   v
          +-----------+ | +---------+
          | cancelled | | | expired |
          +-----------+ | +---------+
                        | permanent redeem failure
                        v
                   +---------+
                   | errored | --> cancelled | allocated
                   +---------+

  cancelled and expired records re-enter allocated when the same
  (learner, content) pair is allocated again.

TIMESTAMP RULES:
  -> allocated: allocated_at = now; clear errored_at, cancelled_at, expired_at
  -> accepted:  accepted_at  = now; clear errored_at, cancelled_at, expired_at
  -> errored:   errored_at   = now; other timestamps untouched
  -> cancelled: cancelled_at = now; other timestamps untouched
  -> expired:   expired_at   = now; other timestamps untouched

UNIQUENESS:
  At most one assignment per (policy, learner email, content key).

SEE ALSO:
  - actions.go: Audit log entries
  - manager.go: Cancel, remind and learner linking
  - policy/allocator.go: Creates assignments
  - policy/expiry.go: The automatic expiration sweep
*/
package assignment

import (
	"slices"
	"time"

	"github.com/warp/learner-credit/credit"
)

// TombstoneEmail replaces a learner email when the 90-day timeout scrubs PII.
// The column stays non-null.
const TombstoneEmail = "retired-learner@tombstone.invalid"

// ID identifies an assignment.
type ID string

// State is the lifecycle state of an assignment.
type State string

const (
	StateAllocated State = "allocated"
	StateAccepted  State = "accepted"
	StateCancelled State = "cancelled"
	StateErrored   State = "errored"
	StateExpired   State = "expired"
)

var transitions = map[State][]State{
	StateAllocated: {StateAccepted, StateCancelled, StateErrored, StateExpired},
	StateErrored:   {StateCancelled, StateAllocated},
	StateCancelled: {StateAllocated},
	StateExpired:   {StateAllocated},
}

// CanTransitionTo reports whether s -> to is a legal move.
func (s State) CanTransitionTo(to State) bool {
	return slices.Contains(transitions[s], to)
}

// Reallocatable states are re-entered into allocated by a new allocation.
func (s State) Reallocatable() bool {
	return s == StateCancelled || s == StateErrored || s == StateExpired
}

// Cancelable states may be cancelled by an admin.
func (s State) Cancelable() bool {
	return s == StateAllocated || s == StateErrored
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateAllocated, StateAccepted, StateCancelled, StateErrored, StateExpired:
		return true
	}
	return false
}

// Assignment is one earmark of content for one learner.
type Assignment struct {
	ID           ID
	PolicyID     credit.PolicyID
	LearnerEmail string
	LearnerID    *credit.LearnerID // nil until the learner is linked
	ContentKey   string
	ContentTitle string

	// ContentQuantity is the price at allocation time, in cents.
	ContentQuantity credit.Cents

	State         State
	TransactionID credit.TransactionID // set on accept

	AllocationBatchID string

	AllocatedAt *time.Time
	AcceptedAt  *time.Time
	CancelledAt *time.Time
	ExpiredAt   *time.Time
	ErroredAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TransitionTo moves the assignment to state "to" at now, applying the
// timestamp rules. Illegal moves return *TransitionError and leave a unchanged.
func (a *Assignment) TransitionTo(to State, now time.Time) error {
	if !a.State.CanTransitionTo(to) {
		return &TransitionError{AssignmentID: a.ID, From: a.State, To: to}
	}

	t := now
	switch to {
	case StateAllocated:
		a.AllocatedAt = &t
		a.clearTerminal()
	case StateAccepted:
		a.AcceptedAt = &t
		a.clearTerminal()
	case StateErrored:
		a.ErroredAt = &t
	case StateCancelled:
		a.CancelledAt = &t
	case StateExpired:
		a.ExpiredAt = &t
	}
	a.State = to
	a.UpdatedAt = now
	return nil
}

func (a *Assignment) clearTerminal() {
	a.ErroredAt = nil
	a.CancelledAt = nil
	a.ExpiredAt = nil
}

// ScrubPII replaces the learner email with the tombstone value.
func (a *Assignment) ScrubPII() {
	a.LearnerEmail = TombstoneEmail
}

// MatchesLearner reports whether the assignment belongs to learnerID, either
// directly or through a not-yet-linked email.
func (a *Assignment) MatchesLearner(learnerID credit.LearnerID, email string) bool {
	if a.LearnerID != nil {
		return *a.LearnerID == learnerID
	}
	return email != "" && a.LearnerEmail == email
}
