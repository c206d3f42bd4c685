package assignment

import (
	"context"

	"github.com/warp/learner-credit/credit"
)

// =============================================================================
// STORE - Persistence of assignments and their audit log
// =============================================================================

// Store persists assignments and actions. Assignments are never hard-deleted.
type Store interface {
	GetAssignment(ctx context.Context, id ID) (*Assignment, error)

	// ListAssignments returns assignments matching filter ordered by CreatedAt,
	// then ID.
	ListAssignments(ctx context.Context, filter Filter) ([]Assignment, error)

	// Write applies a batch atomically: either every assignment is upserted and
	// every action appended, or nothing changes.
	Write(ctx context.Context, batch Batch) error

	ListActions(ctx context.Context, assignmentID ID) ([]Action, error)
}

// Filter selects assignments. Zero fields do not constrain.
type Filter struct {
	PolicyID     credit.PolicyID
	IDs          []ID
	States       []State
	LearnerID    *credit.LearnerID
	LearnerEmail string
	ContentKey   string

	// Paging.
	Limit  int
	Offset int
}

// Batch is an all-or-nothing write.
type Batch struct {
	Assignments []Assignment // inserted or updated by ID
	Actions     []Action     // appended
}

// Empty reports whether the batch has nothing to write.
func (b Batch) Empty() bool {
	return len(b.Assignments) == 0 && len(b.Actions) == 0
}
