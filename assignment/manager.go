/*
manager.go - Assignment operations outside allocation

OPERATIONS:
  Cancel(ids):          admin cancel; idempotent
  Remind(ids):          re-send the assignment email for allocated records
  LinkLearner(email,l): attach an LMS user id to pending records
  Accept(id, tx):       redemption succeeded
  MarkErrored(id, err): redemption failed permanently
  NotifyAllocated(as):  send the initial assignment email

SIDE EFFECTS:
  Every email attempt appends an Action, successful or not. Email failure never
  rolls back the state change that triggered it.
*/
package assignment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/warp/learner-credit/credit"
)

// Notifier sends learner-facing assignment messages. Delivery is an external
// concern; implementations typically enqueue.
type Notifier interface {
	NotifyAllocated(ctx context.Context, a Assignment) error
	NotifyReminder(ctx context.Context, a Assignment) error
	NotifyCancelled(ctx context.Context, a Assignment) error
}

// LogNotifier logs instead of sending. Default for dev deployments.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) log(kind string, a Assignment) {
	if n.Logger == nil {
		return
	}
	n.Logger.Info("assignment notification", "kind", kind,
		"assignment_id", a.ID, "policy_id", a.PolicyID, "content_key", a.ContentKey)
}

func (n LogNotifier) NotifyAllocated(_ context.Context, a Assignment) error {
	n.log("allocated", a)
	return nil
}

func (n LogNotifier) NotifyReminder(_ context.Context, a Assignment) error {
	n.log("reminder", a)
	return nil
}

func (n LogNotifier) NotifyCancelled(_ context.Context, a Assignment) error {
	n.log("cancelled", a)
	return nil
}

// =============================================================================
// MANAGER
// =============================================================================

type Manager struct {
	store    Store
	notifier Notifier
	clock    credit.Clock
	logger   *slog.Logger
}

func NewManager(store Store, notifier Notifier, clock credit.Clock, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &Manager{store: store, notifier: notifier, clock: credit.ClockOrSystem(clock), logger: logger}
}

// Store exposes the underlying store to sibling engine components.
func (m *Manager) Store() Store { return m.store }

// Outcome is the per-assignment result of a bulk command.
type Outcome string

const (
	OutcomeCancelled     Outcome = "cancelled"
	OutcomeNotCancelable Outcome = "not_cancelable"
	OutcomeReminded      Outcome = "reminded"
	OutcomeNotRemindable Outcome = "not_remindable"
	OutcomeNotFound      Outcome = "not_found"
)

// BulkResult maps each requested id to what happened to it.
type BulkResult map[ID]Outcome

// IDs returns the ids that ended with outcome o.
func (r BulkResult) IDs(o Outcome) []ID {
	var out []ID
	for id, got := range r {
		if got == o {
			out = append(out, id)
		}
	}
	return out
}

// Cancel moves cancelable assignments to cancelled. Already-cancelled records
// are reported as cancelled without being touched again.
func (m *Manager) Cancel(ctx context.Context, ids []ID) (BulkResult, error) {
	found, err := m.load(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	result := make(BulkResult, len(ids))
	var changed []Assignment
	for _, id := range ids {
		a, ok := found[id]
		switch {
		case !ok:
			result[id] = OutcomeNotFound
		case a.State == StateCancelled:
			result[id] = OutcomeCancelled
		case a.State.Cancelable():
			if err := a.TransitionTo(StateCancelled, now); err != nil {
				return nil, err
			}
			changed = append(changed, a)
			result[id] = OutcomeCancelled
		default:
			result[id] = OutcomeNotCancelable
		}
	}

	if len(changed) == 0 {
		return result, nil
	}
	if err := m.store.Write(ctx, Batch{Assignments: changed}); err != nil {
		return nil, fmt.Errorf("failed to cancel assignments: %w", err)
	}
	m.sendAll(ctx, changed, ActionCancelled, m.notifier.NotifyCancelled)
	return result, nil
}

// Remind re-sends the assignment email for allocated records.
func (m *Manager) Remind(ctx context.Context, ids []ID) (BulkResult, error) {
	found, err := m.load(ctx, ids)
	if err != nil {
		return nil, err
	}

	result := make(BulkResult, len(ids))
	var targets []Assignment
	for _, id := range ids {
		a, ok := found[id]
		switch {
		case !ok:
			result[id] = OutcomeNotFound
		case a.State == StateAllocated:
			targets = append(targets, a)
			result[id] = OutcomeReminded
		default:
			result[id] = OutcomeNotRemindable
		}
	}
	m.sendAll(ctx, targets, ActionReminded, m.notifier.NotifyReminder)
	return result, nil
}

// NotifyAllocated sends the initial assignment email for each assignment.
func (m *Manager) NotifyAllocated(ctx context.Context, assignments []Assignment) {
	m.sendAll(ctx, assignments, ActionNotified, m.notifier.NotifyAllocated)
}

// LinkLearner attaches learnerID to every allocated assignment still keyed only
// by email. Returns the number of records linked.
func (m *Manager) LinkLearner(ctx context.Context, email string, learnerID credit.LearnerID) (int, error) {
	pending, err := m.store.ListAssignments(ctx, Filter{LearnerEmail: email, States: []State{StateAllocated}})
	if err != nil {
		return 0, err
	}

	now := m.clock.Now()
	var batch Batch
	for _, a := range pending {
		if a.LearnerID != nil {
			continue
		}
		id := learnerID
		a.LearnerID = &id
		a.UpdatedAt = now
		batch.Assignments = append(batch.Assignments, a)
		batch.Actions = append(batch.Actions, NewAction(a.ID, ActionLearnerLinked, now))
	}
	if batch.Empty() {
		return 0, nil
	}
	if err := m.store.Write(ctx, batch); err != nil {
		return 0, fmt.Errorf("failed to link learner: %w", err)
	}
	m.logger.Info("linked learner to assignments", "learner_id", learnerID, "count", len(batch.Assignments))
	return len(batch.Assignments), nil
}

// Accept records a successful redemption of the assignment.
func (m *Manager) Accept(ctx context.Context, a Assignment, learnerID credit.LearnerID, txID credit.TransactionID) (*Assignment, error) {
	now := m.clock.Now()
	if err := a.TransitionTo(StateAccepted, now); err != nil {
		return nil, err
	}
	a.TransactionID = txID
	if a.LearnerID == nil {
		id := learnerID
		a.LearnerID = &id
	}
	batch := Batch{
		Assignments: []Assignment{a},
		Actions:     []Action{NewAction(a.ID, ActionRedeemed, now)},
	}
	if err := m.store.Write(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to accept assignment %s: %w", a.ID, err)
	}
	return &a, nil
}

// MarkErrored records a permanent redemption failure on the assignment.
func (m *Manager) MarkErrored(ctx context.Context, a Assignment, cause error) (*Assignment, error) {
	now := m.clock.Now()
	if err := a.TransitionTo(StateErrored, now); err != nil {
		return nil, err
	}
	batch := Batch{
		Assignments: []Assignment{a},
		Actions:     []Action{NewFailedAction(a.ID, ActionRedeemed, now, ErrorEnrollment, cause)},
	}
	if err := m.store.Write(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to mark assignment %s errored: %w", a.ID, err)
	}
	return &a, nil
}

// FindForLearner returns the policy's assignments of contentKey that belong to
// the learner, matching on learner id or, before linking, on email.
func (m *Manager) FindForLearner(ctx context.Context, policyID credit.PolicyID, learnerID credit.LearnerID, email, contentKey string) ([]Assignment, error) {
	candidates, err := m.store.ListAssignments(ctx, Filter{PolicyID: policyID, ContentKey: contentKey})
	if err != nil {
		return nil, err
	}
	var out []Assignment
	for _, a := range candidates {
		if a.MatchesLearner(learnerID, email) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Manager) load(ctx context.Context, ids []ID) (map[ID]Assignment, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no assignment ids", credit.ErrInvalidInput)
	}
	list, err := m.store.ListAssignments(ctx, Filter{IDs: ids})
	if err != nil {
		return nil, err
	}
	found := make(map[ID]Assignment, len(list))
	for _, a := range list {
		found[a.ID] = a
	}
	return found, nil
}

func (m *Manager) sendAll(ctx context.Context, assignments []Assignment, typ ActionType, send func(context.Context, Assignment) error) {
	if len(assignments) == 0 {
		return
	}
	now := m.clock.Now()
	actions := make([]Action, 0, len(assignments))
	for _, a := range assignments {
		if err := send(ctx, a); err != nil {
			m.logger.Warn("assignment notification failed", "assignment_id", a.ID, "action", typ, "error", err)
			actions = append(actions, NewFailedAction(a.ID, typ, now, ErrorEmail, err))
			continue
		}
		actions = append(actions, NewAction(a.ID, typ, now))
	}
	if err := m.store.Write(ctx, Batch{Actions: actions}); err != nil {
		m.logger.Error("failed to record assignment actions", "action", typ, "error", err)
	}
}
