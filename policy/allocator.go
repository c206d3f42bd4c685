/*
allocator.go - Allocation of content assignments (can_allocate / allocate)

CHECKS (in order, first failure rejects the whole batch):
  1. policy is assignment-based, active and not retired
  2. asserted price within [catalog*lower, catalog*upper]
  3. subsidy is active
  4. new cost + existing allocated       <= subsidy remaining balance
  5. new cost + existing allocated       <= spend limit - redeemed spend

  new cost counts only learners that need a (re)allocation. Learners whose
  assignment for this content is already allocated or accepted cost nothing
  and are reported as unchanged.

WRITE:
  One atomic batch. cancelled, errored and expired records re-enter
  allocated (timestamps reset); everything else is created. Either every
  requested learner ends up with an allocated or accepted assignment, or
  nothing is written.

CONCURRENCY:
  Allocation is not lock-protected. Two admins allocating against the same
  policy at the same instant can over-allocate by at most one batch. Allocation
  is rare relative to redemption and redemption re-checks limits under lock.
*/
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/learner-credit/assignment"
	"github.com/warp/learner-credit/credit"
)

// AllocationReason is the machine-readable cause of a batch rejection.
type AllocationReason string

const (
	AllocationNotAssignable      AllocationReason = "policy_not_assignable"
	AllocationPolicyNotActive    AllocationReason = "policy_not_active"
	AllocationPriceOutOfRange    AllocationReason = "content_price_out_of_range"
	AllocationNotEnoughInSubsidy AllocationReason = "not_enough_value_in_subsidy"
	AllocationSpendLimitReached  AllocationReason = "policy_spend_limit_reached"
)

// ErrAllocationRejected is the root of every *AllocationError.
var ErrAllocationRejected = errors.New("allocation rejected")

// AllocationError is a batch-level rejection.
type AllocationError struct {
	Reason AllocationReason
	Detail string
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocation rejected: %s: %s", e.Reason, e.Detail)
}

func (e *AllocationError) Unwrap() error { return ErrAllocationRejected }

// AllocationConfig is the asserted-price tolerance band.
type AllocationConfig struct {
	PriceLowerRatio decimal.Decimal
	PriceUpperRatio decimal.Decimal
}

// DefaultAllocationConfig accepts prices within 5% of the catalog price.
func DefaultAllocationConfig() AllocationConfig {
	return AllocationConfig{
		PriceLowerRatio: decimal.RequireFromString("0.95"),
		PriceUpperRatio: decimal.RequireFromString("1.05"),
	}
}

// AllocationRequest asks for contentKey to be assigned to each email.
type AllocationRequest struct {
	Emails        []string
	ContentKey    string
	AssertedPrice credit.Cents
}

// AllocationPlan is what an allocation would do. Returned by CanAllocate.
type AllocationPlan struct {
	Create   []string                // emails with no usable assignment
	Realloc  []assignment.Assignment // reallocatable records
	NoChange []assignment.Assignment // already allocated or accepted

	NewCost           credit.Cents
	ExistingAllocated credit.Cents
	SubsidyRemaining  credit.Cents
	PolicyRemaining   *credit.Cents
}

// AllocationResult lists the assignments touched by Allocate.
type AllocationResult struct {
	Created  []assignment.Assignment
	Updated  []assignment.Assignment
	NoChange []assignment.Assignment
}

type Allocator struct {
	catalog     credit.CatalogService
	ledger      credit.LedgerService
	assignments *assignment.Manager
	cfg         AllocationConfig
	clock       credit.Clock
	recorder    Recorder
	logger      *slog.Logger
}

func NewAllocator(catalog credit.CatalogService, ledger credit.LedgerService, assignments *assignment.Manager, cfg AllocationConfig, clock credit.Clock, recorder Recorder, logger *slog.Logger) *Allocator {
	if cfg.PriceLowerRatio.IsZero() && cfg.PriceUpperRatio.IsZero() {
		cfg = DefaultAllocationConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		catalog:     catalog,
		ledger:      ledger,
		assignments: assignments,
		cfg:         cfg,
		clock:       credit.ClockOrSystem(clock),
		recorder:    recorderOrNop(recorder),
		logger:      logger,
	}
}

// CanAllocate runs every check without writing. A rejection is returned as
// *AllocationError; remote failures as *credit.DependencyError.
func (a *Allocator) CanAllocate(ctx context.Context, p *Policy, req AllocationRequest) (*AllocationPlan, error) {
	emails, err := normalizeEmails(req.Emails)
	if err != nil {
		return nil, err
	}
	if req.ContentKey == "" || req.AssertedPrice <= 0 {
		return nil, fmt.Errorf("%w: content key and a positive price are required", credit.ErrInvalidInput)
	}

	if !p.IsAssignable() {
		return nil, &AllocationError{Reason: AllocationNotAssignable, Detail: "policy does not use assigned access"}
	}
	if !p.IsRedeemable() {
		return nil, &AllocationError{Reason: AllocationPolicyNotActive, Detail: "policy is inactive or retired"}
	}

	catalogPrice, err := a.catalog.GetContentPrice(ctx, req.ContentKey)
	if err != nil {
		return nil, err
	}
	if !a.priceInBand(req.AssertedPrice, catalogPrice) {
		return nil, &AllocationError{
			Reason: AllocationPriceOutOfRange,
			Detail: fmt.Sprintf("asserted price %s is outside the accepted range around %s", req.AssertedPrice, catalogPrice),
		}
	}

	subsidy, err := a.ledger.GetSubsidy(ctx, p.SubsidyID)
	if err != nil {
		return nil, err
	}
	if !subsidy.IsActive(a.clock.Now()) {
		return nil, &AllocationError{Reason: AllocationPolicyNotActive, Detail: "subsidy is expired or not active"}
	}

	existing, err := a.assignments.Store().ListAssignments(ctx, assignment.Filter{PolicyID: p.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to load assignments: %w", err)
	}

	plan := &AllocationPlan{}
	byEmail := make(map[string]assignment.Assignment)
	for _, as := range existing {
		if as.State == assignment.StateAllocated {
			plan.ExistingAllocated += as.ContentQuantity
		}
		if as.ContentKey == req.ContentKey {
			byEmail[strings.ToLower(as.LearnerEmail)] = as
		}
	}
	for _, email := range emails {
		as, ok := byEmail[email]
		switch {
		case !ok:
			plan.Create = append(plan.Create, email)
		case as.State.Reallocatable():
			plan.Realloc = append(plan.Realloc, as)
		default:
			plan.NoChange = append(plan.NoChange, as)
		}
	}
	plan.NewCost = req.AssertedPrice * credit.Cents(len(plan.Create)+len(plan.Realloc))
	total := plan.NewCost + plan.ExistingAllocated

	plan.SubsidyRemaining, err = a.ledger.GetRemainingBalance(ctx, p.SubsidyID)
	if err != nil {
		return nil, err
	}
	if !total.FitsWithin(plan.SubsidyRemaining) {
		return plan, &AllocationError{
			Reason: AllocationNotEnoughInSubsidy,
			Detail: fmt.Sprintf("allocating %s on top of %s allocated exceeds subsidy balance %s", plan.NewCost, plan.ExistingAllocated, plan.SubsidyRemaining),
		}
	}

	if p.SpendLimit != nil {
		agg, err := a.ledger.GetAggregateSpend(ctx, credit.AggregateQuery{SubsidyID: p.SubsidyID, PolicyID: p.ID})
		if err != nil {
			return nil, err
		}
		remaining := *p.SpendLimit - agg.Spend
		plan.PolicyRemaining = &remaining
		if !total.FitsWithin(remaining) {
			return plan, &AllocationError{
				Reason: AllocationSpendLimitReached,
				Detail: fmt.Sprintf("allocating %s on top of %s allocated exceeds policy remaining %s", plan.NewCost, plan.ExistingAllocated, remaining),
			}
		}
	}
	return plan, nil
}

// Allocate checks and then writes the batch.
func (a *Allocator) Allocate(ctx context.Context, p *Policy, req AllocationRequest) (*AllocationResult, error) {
	plan, err := a.CanAllocate(ctx, p, req)
	if err != nil {
		var allocErr *AllocationError
		if errors.As(err, &allocErr) {
			a.recorder.AllocationOutcome(string(allocErr.Reason), len(req.Emails))
			a.logger.Info("allocation rejected", "policy_id", p.ID, "reason", allocErr.Reason, "detail", allocErr.Detail)
		}
		return nil, err
	}

	now := a.clock.Now()
	title := a.contentTitle(ctx, req.ContentKey)
	batchID := uuid.NewString()

	result := &AllocationResult{NoChange: plan.NoChange}
	var batch assignment.Batch
	for _, email := range plan.Create {
		t := now
		as := assignment.Assignment{
			ID:                assignment.ID(uuid.NewString()),
			PolicyID:          p.ID,
			LearnerEmail:      email,
			ContentKey:        req.ContentKey,
			ContentTitle:      title,
			ContentQuantity:   req.AssertedPrice,
			State:             assignment.StateAllocated,
			AllocationBatchID: batchID,
			AllocatedAt:       &t,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		result.Created = append(result.Created, as)
	}
	for _, as := range plan.Realloc {
		if err := as.TransitionTo(assignment.StateAllocated, now); err != nil {
			return nil, err
		}
		as.ContentQuantity = req.AssertedPrice
		as.ContentTitle = title
		as.AllocationBatchID = batchID
		result.Updated = append(result.Updated, as)
	}
	batch.Assignments = append(append(batch.Assignments, result.Created...), result.Updated...)

	if !batch.Empty() {
		if err := a.assignments.Store().Write(ctx, batch); err != nil {
			return nil, fmt.Errorf("failed to write allocation batch: %w", err)
		}
	}

	touched := append(append([]assignment.Assignment{}, result.Created...), result.Updated...)
	a.assignments.NotifyAllocated(ctx, touched)

	a.recorder.AllocationOutcome("allocated", len(touched))
	a.logger.Info("allocated assignments", "policy_id", p.ID, "content_key", req.ContentKey,
		"created", len(result.Created), "updated", len(result.Updated), "no_change", len(result.NoChange))
	return result, nil
}

func (a *Allocator) priceInBand(asserted, catalog credit.Cents) bool {
	c := decimal.NewFromInt(int64(catalog))
	x := decimal.NewFromInt(int64(asserted))
	return x.GreaterThanOrEqual(c.Mul(a.cfg.PriceLowerRatio)) && x.LessThanOrEqual(c.Mul(a.cfg.PriceUpperRatio))
}

func (a *Allocator) contentTitle(ctx context.Context, contentKey string) string {
	meta, err := a.catalog.GetContentMetadata(ctx, contentKey)
	if err != nil || meta == nil {
		a.logger.Warn("content metadata unavailable for allocation", "content_key", contentKey, "error", err)
		return ""
	}
	return meta.Title
}

func normalizeEmails(in []string) ([]string, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: at least one learner email is required", credit.ErrInvalidInput)
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, e := range in {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" || !strings.Contains(e, "@") {
			return nil, fmt.Errorf("%w: invalid email %q", credit.ErrInvalidInput, e)
		}
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out, nil
}
