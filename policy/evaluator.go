/*
evaluator.go - Redeemability evaluation (can_redeem)

ALGORITHM (short-circuits on first failure, cheapest checks first):
  1. policy active, not retired, subsidy active and unexpired   -> policy_not_active
  2. learner in enterprise; in one of the policy's groups       -> learner_not_in_enterprise[_group]
  3. content in the policy's catalog                            -> content_not_in_catalog
  4. subsidy remaining balance >= content price                 -> not_enough_value_in_subsidy
  5. variant limit checks                                       -> limit-specific reason
  6. assigned policies: exactly one allocated assignment        -> reason_learner_not_assigned_content

FAILURE MODES:
  Ineligibility is a Result, never an error. A remote failure is also a Result
  (dependency_unavailable, fail closed) with the cause kept off the wire. The
  only error returned is an unknown policy type.

SIDE EFFECTS:
  None. Read-through caches live in the remote clients.
*/
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/warp/learner-credit/assignment"
	"github.com/warp/learner-credit/credit"
)

// Balances are the figures a caller needs to display remaining value. Fields
// are filled as far as evaluation progressed.
type Balances struct {
	ContentPrice                credit.Cents  `json:"content_price"`
	SubsidyRemaining            credit.Cents  `json:"subsidy_remaining"`
	PolicyRemaining             *credit.Cents `json:"policy_remaining,omitempty"`
	LearnerRemaining            *credit.Cents `json:"learner_remaining,omitempty"`
	LearnerEnrollmentsRemaining *int          `json:"learner_enrollments_remaining,omitempty"`
}

// Result is the outcome of CanRedeem.
type Result struct {
	PolicyID   credit.PolicyID `json:"policy_id"`
	Redeemable bool            `json:"redeemable"`
	Reason     *Reason         `json:"reason,omitempty"`
	Balances   Balances        `json:"balances"`

	// Priority of the policy's variant, for resolution.
	Priority int `json:"-"`

	// Assignment is the allocated assignment backing a redeemable assigned
	// policy.
	Assignment *assignment.Assignment `json:"-"`

	// Cause is the remote error behind a dependency_unavailable reason.
	Cause error `json:"-"`
}

func notRedeemable(p *Policy, code ReasonCode, detail string) *Result {
	return &Result{PolicyID: p.ID, Reason: newReason(code, detail)}
}

// Evaluator answers can_redeem. It holds no per-request state.
type Evaluator struct {
	membership  credit.MembershipService
	catalog     credit.CatalogService
	ledger      credit.LedgerService
	assignments *assignment.Manager
	clock       credit.Clock
	logger      *slog.Logger
}

func NewEvaluator(membership credit.MembershipService, catalog credit.CatalogService, ledger credit.LedgerService, assignments *assignment.Manager, clock credit.Clock, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		membership:  membership,
		catalog:     catalog,
		ledger:      ledger,
		assignments: assignments,
		clock:       credit.ClockOrSystem(clock),
		logger:      logger,
	}
}

// CanRedeem evaluates whether learnerID may redeem contentKey under p.
func (e *Evaluator) CanRedeem(ctx context.Context, p *Policy, learnerID credit.LearnerID, contentKey string) (*Result, error) {
	variant, err := VariantFor(p.Type)
	if err != nil {
		return nil, err
	}

	res, err := e.evaluate(ctx, p, variant, learnerID, contentKey)
	if err != nil {
		var depErr *credit.DependencyError
		if !errors.As(err, &depErr) {
			err = &credit.DependencyError{Service: "store", Operation: "can_redeem", Retryable: true, Err: err}
		}
		e.logger.Warn("redeemability check failed closed",
			"policy_id", p.ID, "learner_id", learnerID, "content_key", contentKey, "error", err)
		res = notRedeemable(p, ReasonDependencyUnavailable, "")
		res.Cause = err
	}
	res.Priority = variant.Priority
	return res, nil
}

func (e *Evaluator) evaluate(ctx context.Context, p *Policy, variant Variant, learnerID credit.LearnerID, contentKey string) (*Result, error) {
	now := e.clock.Now()

	// 1. Active.
	if !p.IsRedeemable() {
		return notRedeemable(p, ReasonPolicyNotActive, "policy is inactive or retired"), nil
	}
	subsidy, err := e.ledger.GetSubsidy(ctx, p.SubsidyID)
	if errors.Is(err, credit.ErrSubsidyNotFound) {
		return notRedeemable(p, ReasonPolicyNotActive, "subsidy does not exist"), nil
	}
	if err != nil {
		return nil, err
	}
	if !subsidy.IsActive(now) {
		return notRedeemable(p, ReasonPolicyNotActive, "subsidy is expired or not active"), nil
	}

	// 2. Membership.
	membership, err := e.membership.GetEnterpriseMembership(ctx, learnerID, p.EnterpriseID)
	if err != nil {
		return nil, err
	}
	if membership == nil || !membership.Active {
		return notRedeemable(p, ReasonLearnerNotInEnterprise, ""), nil
	}
	if len(p.GroupIDs) > 0 {
		inGroup, err := e.inAnyGroup(ctx, p.GroupIDs, learnerID)
		if err != nil {
			return nil, err
		}
		if !inGroup {
			return notRedeemable(p, ReasonLearnerNotInGroup, ""), nil
		}
	}

	// 3. Catalog.
	contains, err := e.catalog.CatalogContainsContent(ctx, p.CatalogID, contentKey)
	if err != nil {
		return nil, err
	}
	if !contains {
		return notRedeemable(p, ReasonContentNotInCatalog, ""), nil
	}

	// 4. Subsidy balance.
	price, err := e.catalog.GetContentPrice(ctx, contentKey)
	if err != nil {
		return nil, err
	}
	remaining, err := e.ledger.GetRemainingBalance(ctx, p.SubsidyID)
	if err != nil {
		return nil, err
	}
	res := &Result{PolicyID: p.ID, Balances: Balances{ContentPrice: price, SubsidyRemaining: remaining}}
	if !price.FitsWithin(remaining) {
		res.Reason = newReason(ReasonNotEnoughValueInSubsidy,
			fmt.Sprintf("subsidy has %s remaining, content costs %s", remaining, price))
		return res, nil
	}

	// 5. Variant limits.
	lc := &LimitContext{Policy: p, LearnerID: learnerID, Price: price, Ledger: e.ledger, Balances: &res.Balances}
	for _, check := range variant.Checks {
		reason, err := check(ctx, lc)
		if err != nil {
			return nil, err
		}
		if reason != nil {
			res.Reason = reason
			return res, nil
		}
	}

	// 6. Assignment.
	if variant.RequiresAssignment {
		allocated, reason, err := e.allocatedAssignment(ctx, p, learnerID, membership.Email, contentKey)
		if err != nil {
			return nil, err
		}
		if reason != nil {
			res.Reason = reason
			return res, nil
		}
		res.Assignment = allocated
	}

	res.Redeemable = true
	return res, nil
}

func (e *Evaluator) inAnyGroup(ctx context.Context, groups []credit.GroupID, learnerID credit.LearnerID) (bool, error) {
	for _, g := range groups {
		ok, err := e.membership.GroupContainsLearner(ctx, g, learnerID)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// allocatedAssignment requires exactly one allocated assignment. The reason for
// a miss reflects the state of whatever assignment does exist.
func (e *Evaluator) allocatedAssignment(ctx context.Context, p *Policy, learnerID credit.LearnerID, email, contentKey string) (*assignment.Assignment, *Reason, error) {
	if e.assignments == nil {
		return nil, newReason(ReasonNoAllocatedAssignment, "assignments are not configured"), nil
	}
	found, err := e.assignments.FindForLearner(ctx, p.ID, learnerID, email, contentKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load assignments: %w", err)
	}

	var allocated []assignment.Assignment
	for _, a := range found {
		if a.State == assignment.StateAllocated {
			allocated = append(allocated, a)
		}
	}
	if len(allocated) == 1 {
		return &allocated[0], nil, nil
	}
	if len(allocated) > 1 {
		return nil, newReason(ReasonNoAllocatedAssignment,
			fmt.Sprintf("%d allocated assignments found, expected exactly one", len(allocated))), nil
	}
	if len(found) == 0 {
		return nil, newReason(ReasonNoAllocatedAssignment, ""), nil
	}
	switch found[0].State {
	case assignment.StateCancelled:
		return nil, newReason(ReasonAssignmentCancelled, ""), nil
	case assignment.StateErrored:
		return nil, newReason(ReasonAssignmentFailed, ""), nil
	case assignment.StateExpired:
		return nil, newReason(ReasonAssignmentExpired, ""), nil
	default:
		return nil, newReason(ReasonNoAllocatedAssignment, "assignment already "+string(found[0].State)), nil
	}
}

// HasRedeemed reports whether the learner has any committed redemption under p.
func (e *Evaluator) HasRedeemed(ctx context.Context, p *Policy, learnerID credit.LearnerID) (bool, error) {
	learner := learnerID
	agg, err := e.ledger.GetAggregateSpend(ctx, credit.AggregateQuery{
		SubsidyID: p.SubsidyID, PolicyID: p.ID, LearnerID: &learner,
	})
	if err != nil {
		return false, err
	}
	return agg.Count > 0, nil
}

// EvaluateAll runs CanRedeem for every policy concurrently. Results keep the
// order of policies.
func (e *Evaluator) EvaluateAll(ctx context.Context, policies []Policy, learnerID credit.LearnerID, contentKey string) ([]*Result, error) {
	results := make([]*Result, len(policies))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range policies {
		g.Go(func() error {
			res, err := e.CanRedeem(gctx, &policies[i], learnerID, contentKey)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
