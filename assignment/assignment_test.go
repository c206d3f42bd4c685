package assignment_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/learner-credit/assignment"
	"github.com/warp/learner-credit/credit"
	"github.com/warp/learner-credit/policy/policytest"
	"github.com/warp/learner-credit/store/memory"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func allocated(id assignment.ID, email string) assignment.Assignment {
	at := t0
	return assignment.Assignment{
		ID:              id,
		PolicyID:        "pol-1",
		LearnerEmail:    email,
		ContentKey:      "course-v1:edX+DemoX",
		ContentQuantity: 5000,
		State:           assignment.StateAllocated,
		AllocatedAt:     &at,
		CreatedAt:       t0,
		UpdatedAt:       t0,
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestState_Transitions(t *testing.T) {
	tests := []struct {
		from, to assignment.State
		ok       bool
	}{
		{assignment.StateAllocated, assignment.StateAccepted, true},
		{assignment.StateAllocated, assignment.StateCancelled, true},
		{assignment.StateAllocated, assignment.StateErrored, true},
		{assignment.StateAllocated, assignment.StateExpired, true},
		{assignment.StateErrored, assignment.StateCancelled, true},
		{assignment.StateErrored, assignment.StateAllocated, true},
		{assignment.StateCancelled, assignment.StateAllocated, true},
		{assignment.StateExpired, assignment.StateAllocated, true},
		{assignment.StateAccepted, assignment.StateCancelled, false},
		{assignment.StateAccepted, assignment.StateAllocated, false},
		{assignment.StateCancelled, assignment.StateAccepted, false},
		{assignment.StateExpired, assignment.StateCancelled, false},
		{assignment.StateErrored, assignment.StateAccepted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestTransitionTo_ReallocationClearsTerminalTimestamps(t *testing.T) {
	// GIVEN: A cancelled assignment
	a := allocated("a-1", "x@example.com")
	require.NoError(t, a.TransitionTo(assignment.StateCancelled, t0.Add(time.Hour)))
	require.NotNil(t, a.CancelledAt)

	// WHEN: It is allocated again
	later := t0.Add(48 * time.Hour)
	require.NoError(t, a.TransitionTo(assignment.StateAllocated, later))

	// THEN: allocated_at moves and the cancel stamp is gone
	assert.Equal(t, assignment.StateAllocated, a.State)
	assert.Equal(t, later, *a.AllocatedAt)
	assert.Nil(t, a.CancelledAt)
	assert.Equal(t, later, a.UpdatedAt)
}

func TestTransitionTo_ErroredKeepsOtherTimestamps(t *testing.T) {
	a := allocated("a-1", "x@example.com")

	require.NoError(t, a.TransitionTo(assignment.StateErrored, t0.Add(time.Minute)))

	assert.Equal(t, t0, *a.AllocatedAt)
	assert.Equal(t, t0.Add(time.Minute), *a.ErroredAt)
}

func TestTransitionTo_IllegalMoveLeavesRecordUnchanged(t *testing.T) {
	// GIVEN: An accepted assignment
	a := allocated("a-1", "x@example.com")
	require.NoError(t, a.TransitionTo(assignment.StateAccepted, t0))
	before := a

	// WHEN
	err := a.TransitionTo(assignment.StateCancelled, t0.Add(time.Hour))

	// THEN
	var te *assignment.TransitionError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, assignment.ErrInvalidTransition)
	assert.Equal(t, assignment.StateAccepted, te.From)
	assert.Equal(t, before, a)
}

func TestMatchesLearner(t *testing.T) {
	a := allocated("a-1", "x@example.com")
	assert.True(t, a.MatchesLearner(7, "x@example.com"))
	assert.False(t, a.MatchesLearner(7, ""))

	id := credit.LearnerID(8)
	a.LearnerID = &id
	assert.False(t, a.MatchesLearner(7, "x@example.com"), "linked id wins over email")
	assert.True(t, a.MatchesLearner(8, "other@example.com"))
}

func TestLastNotifiedAt_IgnoresFailures(t *testing.T) {
	actions := []assignment.Action{
		assignment.NewAction("a-1", assignment.ActionNotified, t0),
		assignment.NewAction("a-1", assignment.ActionReminded, t0.Add(2*time.Hour)),
		assignment.NewFailedAction("a-1", assignment.ActionReminded, t0.Add(3*time.Hour), assignment.ErrorEmail, errors.New("smtp down")),
		assignment.NewAction("a-1", assignment.ActionLearnerLinked, t0.Add(4*time.Hour)),
	}

	got := assignment.LastNotifiedAt(actions)

	require.NotNil(t, got)
	assert.Equal(t, t0.Add(2*time.Hour), *got)
	assert.Nil(t, assignment.LastNotifiedAt(nil))
}

// =============================================================================
// MANAGER
// =============================================================================

type fixture struct {
	store    *memory.Store
	notifier *policytest.Notifier
	clock    *credit.FixedClock
	manager  *assignment.Manager
}

func newFixture(t *testing.T, seed ...assignment.Assignment) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.New(),
		notifier: &policytest.Notifier{},
		clock:    credit.NewFixedClock(t0.Add(24 * time.Hour)),
	}
	f.manager = assignment.NewManager(f.store, f.notifier, f.clock, nil)
	if len(seed) > 0 {
		require.NoError(t, f.store.Write(context.Background(), assignment.Batch{Assignments: seed}))
	}
	return f
}

func TestManager_CancelIsIdempotent(t *testing.T) {
	// GIVEN: One allocated, one accepted and one already cancelled assignment
	accepted := allocated("a-2", "b@example.com")
	accepted.State = assignment.StateAccepted
	cancelled := allocated("a-3", "c@example.com")
	cancelled.State = assignment.StateCancelled
	f := newFixture(t, allocated("a-1", "a@example.com"), accepted, cancelled)
	ctx := context.Background()

	// WHEN
	res, err := f.manager.Cancel(ctx, []assignment.ID{"a-1", "a-2", "a-3", "missing"})

	// THEN
	require.NoError(t, err)
	assert.Equal(t, assignment.OutcomeCancelled, res["a-1"])
	assert.Equal(t, assignment.OutcomeNotCancelable, res["a-2"])
	assert.Equal(t, assignment.OutcomeCancelled, res["a-3"])
	assert.Equal(t, assignment.OutcomeNotFound, res["missing"])

	got, err := f.store.GetAssignment(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, assignment.StateCancelled, got.State)
	assert.Equal(t, f.clock.Now(), *got.CancelledAt)

	// Only the newly cancelled record is emailed
	assert.Equal(t, []policytest.Notification{{Kind: "cancelled", AssignmentID: "a-1"}}, f.notifier.Sent())
}

func TestManager_CancelRequiresIDs(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Cancel(context.Background(), nil)
	assert.ErrorIs(t, err, credit.ErrInvalidInput)
}

func TestManager_RemindOnlyAllocated(t *testing.T) {
	expired := allocated("a-2", "b@example.com")
	expired.State = assignment.StateExpired
	f := newFixture(t, allocated("a-1", "a@example.com"), expired)
	ctx := context.Background()

	res, err := f.manager.Remind(ctx, []assignment.ID{"a-1", "a-2"})

	require.NoError(t, err)
	assert.Equal(t, []assignment.ID{"a-1"}, res.IDs(assignment.OutcomeReminded))
	assert.Equal(t, []assignment.ID{"a-2"}, res.IDs(assignment.OutcomeNotRemindable))

	actions, err := f.store.ListActions(ctx, "a-1")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, assignment.ActionReminded, actions[0].Type)
	assert.True(t, actions[0].Succeeded())
}

func TestManager_NotifierFailureIsRecordedNotRolledBack(t *testing.T) {
	// GIVEN: Email delivery is down
	f := newFixture(t, allocated("a-1", "a@example.com"))
	f.notifier.FailWith(errors.New("smtp unavailable"))
	ctx := context.Background()

	// WHEN: The assignment is cancelled
	res, err := f.manager.Cancel(ctx, []assignment.ID{"a-1"})

	// THEN: The cancel stands and the failed email is in the audit log
	require.NoError(t, err)
	assert.Equal(t, assignment.OutcomeCancelled, res["a-1"])

	got, err := f.store.GetAssignment(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, assignment.StateCancelled, got.State)

	actions, err := f.store.ListActions(ctx, "a-1")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.False(t, actions[0].Succeeded())
	assert.Equal(t, assignment.ErrorEmail, actions[0].ErrorType)
	assert.Contains(t, actions[0].Traceback, "smtp unavailable")
}

func TestManager_LinkLearner(t *testing.T) {
	// GIVEN: Two pending records for the email, one already linked elsewhere
	linked := allocated("a-2", "a@example.com")
	linked.ContentKey = "course-v1:edX+Other"
	other := credit.LearnerID(99)
	linked.LearnerID = &other
	f := newFixture(t, allocated("a-1", "a@example.com"), linked, allocated("a-3", "z@example.com"))
	ctx := context.Background()

	// WHEN
	n, err := f.manager.LinkLearner(ctx, "a@example.com", 7)

	// THEN: Only the unlinked record for that email is touched
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetAssignment(ctx, "a-1")
	require.NoError(t, err)
	require.NotNil(t, got.LearnerID)
	assert.Equal(t, credit.LearnerID(7), *got.LearnerID)

	again, err := f.manager.LinkLearner(ctx, "a@example.com", 7)
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestManager_AcceptAndMarkErrored(t *testing.T) {
	f := newFixture(t, allocated("a-1", "a@example.com"), allocated("a-2", "b@example.com"))
	ctx := context.Background()

	a1, err := f.store.GetAssignment(ctx, "a-1")
	require.NoError(t, err)
	accepted, err := f.manager.Accept(ctx, *a1, 7, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, assignment.StateAccepted, accepted.State)
	assert.Equal(t, credit.TransactionID("tx-1"), accepted.TransactionID)
	assert.Equal(t, credit.LearnerID(7), *accepted.LearnerID)

	a2, err := f.store.GetAssignment(ctx, "a-2")
	require.NoError(t, err)
	errored, err := f.manager.MarkErrored(ctx, *a2, errors.New("enrollment refused"))
	require.NoError(t, err)
	assert.Equal(t, assignment.StateErrored, errored.State)

	actions, err := f.store.ListActions(ctx, "a-2")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, assignment.ErrorEnrollment, actions[0].ErrorType)

	// Accepted is terminal
	_, err = f.manager.MarkErrored(ctx, *accepted, errors.New("late failure"))
	assert.ErrorIs(t, err, assignment.ErrInvalidTransition)
}

func TestManager_FindForLearner(t *testing.T) {
	f := newFixture(t, allocated("a-1", "a@example.com"), allocated("a-2", "b@example.com"))

	got, err := f.manager.FindForLearner(context.Background(), "pol-1", 7, "a@example.com", "course-v1:edX+DemoX")

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, assignment.ID("a-1"), got[0].ID)
}
