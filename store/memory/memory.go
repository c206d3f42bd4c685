// Package memory provides an in-memory implementation of the policy and
// assignment stores (for tests and dev mode).
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/warp/learner-credit/assignment"
	"github.com/warp/learner-credit/credit"
	"github.com/warp/learner-credit/policy"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Store struct {
	mu          sync.RWMutex
	policies    map[credit.PolicyID]policy.Policy
	assignments map[assignment.ID]assignment.Assignment
	actions     map[assignment.ID][]assignment.Action
}

var (
	_ policy.Store     = (*Store)(nil)
	_ assignment.Store = (*Store)(nil)
)

func New() *Store {
	return &Store{
		policies:    make(map[credit.PolicyID]policy.Policy),
		assignments: make(map[assignment.ID]assignment.Assignment),
		actions:     make(map[assignment.ID][]assignment.Action),
	}
}

// -----------------------------------------------------------------------------
// Policies
// -----------------------------------------------------------------------------

func (s *Store) GetPolicy(_ context.Context, id credit.PolicyID) (*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", credit.ErrPolicyNotFound, id)
	}
	return clonePolicy(p), nil
}

func (s *Store) ListPolicies(_ context.Context, filter policy.Filter) ([]policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []policy.Policy
	for _, p := range s.policies {
		if filter.Matches(&p) {
			out = append(out, *clonePolicy(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) CreatePolicy(_ context.Context, p policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[p.ID]; ok {
		return fmt.Errorf("%w: policy %s already exists", credit.ErrInvalidInput, p.ID)
	}
	s.policies[p.ID] = *clonePolicy(p)
	return nil
}

func (s *Store) UpdatePolicy(_ context.Context, p policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[p.ID]; !ok {
		return fmt.Errorf("%w: %s", credit.ErrPolicyNotFound, p.ID)
	}
	s.policies[p.ID] = *clonePolicy(p)
	return nil
}

func clonePolicy(p policy.Policy) *policy.Policy {
	p.GroupIDs = append([]credit.GroupID(nil), p.GroupIDs...)
	return &p
}

// -----------------------------------------------------------------------------
// Assignments
// -----------------------------------------------------------------------------

func (s *Store) GetAssignment(_ context.Context, id assignment.ID) (*assignment.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", credit.ErrAssignmentNotFound, id)
	}
	return &a, nil
}

func (s *Store) ListAssignments(_ context.Context, f assignment.Filter) ([]assignment.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []assignment.Assignment
	for _, a := range s.assignments {
		if matches(f, &a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(f assignment.Filter, a *assignment.Assignment) bool {
	if f.PolicyID != "" && a.PolicyID != f.PolicyID {
		return false
	}
	if f.ContentKey != "" && a.ContentKey != f.ContentKey {
		return false
	}
	if f.LearnerEmail != "" && !strings.EqualFold(a.LearnerEmail, f.LearnerEmail) {
		return false
	}
	if f.LearnerID != nil && (a.LearnerID == nil || *a.LearnerID != *f.LearnerID) {
		return false
	}
	if len(f.IDs) > 0 && !containsID(f.IDs, a.ID) {
		return false
	}
	if len(f.States) > 0 && !containsState(f.States, a.State) {
		return false
	}
	return true
}

func containsID(ids []assignment.ID, id assignment.ID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func containsState(states []assignment.State, st assignment.State) bool {
	for _, x := range states {
		if x == st {
			return true
		}
	}
	return false
}

// Write applies the batch under one lock. A uniqueness violation anywhere in
// the batch rolls back everything written before it.
func (s *Store) Write(_ context.Context, batch assignment.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	for _, a := range batch.Assignments {
		if err := s.upsertLocked(a); err != nil {
			s.restore(snap)
			return err
		}
	}
	for _, act := range batch.Actions {
		if _, ok := s.assignments[act.AssignmentID]; !ok {
			s.restore(snap)
			return fmt.Errorf("%w: action for %s", credit.ErrAssignmentNotFound, act.AssignmentID)
		}
		s.actions[act.AssignmentID] = append(s.actions[act.AssignmentID], act)
	}
	return nil
}

// upsertLocked enforces one live record per (policy, email, content). Scrubbed
// records share the tombstone email and are exempt.
func (s *Store) upsertLocked(a assignment.Assignment) error {
	if a.LearnerEmail != assignment.TombstoneEmail {
		for id, other := range s.assignments {
			if id == a.ID || other.PolicyID != a.PolicyID || other.ContentKey != a.ContentKey {
				continue
			}
			if strings.EqualFold(other.LearnerEmail, a.LearnerEmail) {
				return fmt.Errorf("%w: %s", assignment.ErrDuplicateAssignment, a.LearnerEmail)
			}
		}
	}
	s.assignments[a.ID] = a
	return nil
}

func (s *Store) ListActions(_ context.Context, id assignment.ID) ([]assignment.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]assignment.Action(nil), s.actions[id]...), nil
}

// -----------------------------------------------------------------------------
// Snapshot / rollback
// -----------------------------------------------------------------------------

type snapshot struct {
	assignments map[assignment.ID]assignment.Assignment
	actions     map[assignment.ID][]assignment.Action
}

func (s *Store) snapshot() snapshot {
	as := make(map[assignment.ID]assignment.Assignment, len(s.assignments))
	for k, v := range s.assignments {
		as[k] = v
	}
	acts := make(map[assignment.ID][]assignment.Action, len(s.actions))
	for k, v := range s.actions {
		acts[k] = append([]assignment.Action(nil), v...)
	}
	return snapshot{assignments: as, actions: acts}
}

func (s *Store) restore(snap snapshot) {
	s.assignments = snap.assignments
	s.actions = snap.actions
}
