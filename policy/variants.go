/*
variants.go - Policy type registry

PURPOSE:
  Every policy shares the same base eligibility checks. What differs is the
  extra limit it enforces and its priority during resolution. The stored
  discriminator selects a Variant; nothing else about a policy is inspected to
  decide its behavior.

REGISTRY:
  Type                                        Priority  Limit checks
  LearnerCreditAccessPolicy                   1         (none)
  PerLearnerEnrollmentCreditAccessPolicy      1         policy spend, learner enrollments
  PerLearnerSpendCreditAccessPolicy           1         policy spend, learner spend
  CappedEnrollmentLearnerCreditAccessPolicy   1         policy spend
  AssignedLearnerCreditAccessPolicy           1         policy spend (+ allocated assignment)
  SubscriptionAccessPolicy                    2         (none)

  Lower priority is preferred by the resolver.

LIMIT CHECKS:
  A LimitCheck reads authoritative aggregates from the ledger. It returns a
  non-nil *Reason when the limit would be exceeded. Exactly exhausting a limit
  passes.
*/
package policy

import (
	"context"
	"fmt"

	"github.com/warp/learner-credit/credit"
)

// Type is the policy discriminator.
type Type string

const (
	TypeLearnerCredit        Type = "LearnerCreditAccessPolicy"
	TypePerLearnerEnrollment Type = "PerLearnerEnrollmentCreditAccessPolicy"
	TypePerLearnerSpend      Type = "PerLearnerSpendCreditAccessPolicy"
	TypeCappedEnrollment     Type = "CappedEnrollmentLearnerCreditAccessPolicy"
	TypeAssigned             Type = "AssignedLearnerCreditAccessPolicy"
	TypeSubscription         Type = "SubscriptionAccessPolicy"
)

// Resolution priorities.
const (
	PriorityCredit       = 1
	PrioritySubscription = 2
)

// LimitContext is the input to a LimitCheck. Checks may fill Balances.
type LimitContext struct {
	Policy    *Policy
	LearnerID credit.LearnerID
	Price     credit.Cents
	Ledger    credit.LedgerService
	Balances  *Balances
}

// LimitCheck enforces one variant-specific limit.
type LimitCheck func(ctx context.Context, lc *LimitContext) (*Reason, error)

// Variant is the behavior selected by a Type.
type Variant struct {
	Type               Type
	Priority           int
	AccessMethod       AccessMethod
	Checks             []LimitCheck
	RequiresAssignment bool
}

var registry = map[Type]Variant{
	TypeLearnerCredit: {
		Type: TypeLearnerCredit, Priority: PriorityCredit, AccessMethod: AccessDirect,
	},
	TypePerLearnerEnrollment: {
		Type: TypePerLearnerEnrollment, Priority: PriorityCredit, AccessMethod: AccessDirect,
		Checks: []LimitCheck{checkPolicySpend, checkLearnerEnrollments},
	},
	TypePerLearnerSpend: {
		Type: TypePerLearnerSpend, Priority: PriorityCredit, AccessMethod: AccessDirect,
		Checks: []LimitCheck{checkPolicySpend, checkLearnerSpend},
	},
	TypeCappedEnrollment: {
		Type: TypeCappedEnrollment, Priority: PriorityCredit, AccessMethod: AccessDirect,
		Checks: []LimitCheck{checkPolicySpend},
	},
	TypeAssigned: {
		Type: TypeAssigned, Priority: PriorityCredit, AccessMethod: AccessAssigned,
		Checks:             []LimitCheck{checkPolicySpend},
		RequiresAssignment: true,
	},
	TypeSubscription: {
		Type: TypeSubscription, Priority: PrioritySubscription, AccessMethod: AccessDirect,
	},
}

// VariantFor maps a discriminator to its behavior.
func VariantFor(t Type) (Variant, error) {
	v, ok := registry[t]
	if !ok {
		return Variant{}, fmt.Errorf("%w: %q", credit.ErrUnknownPolicyType, t)
	}
	return v, nil
}

// Types lists every registered discriminator.
func Types() []Type {
	return []Type{
		TypeLearnerCredit, TypePerLearnerEnrollment, TypePerLearnerSpend,
		TypeCappedEnrollment, TypeAssigned, TypeSubscription,
	}
}

// =============================================================================
// LIMIT CHECKS
// =============================================================================

func checkPolicySpend(ctx context.Context, lc *LimitContext) (*Reason, error) {
	if lc.Policy.SpendLimit == nil {
		return nil, nil
	}
	agg, err := lc.Ledger.GetAggregateSpend(ctx, credit.AggregateQuery{
		SubsidyID: lc.Policy.SubsidyID,
		PolicyID:  lc.Policy.ID,
	})
	if err != nil {
		return nil, err
	}

	limit := *lc.Policy.SpendLimit
	remaining := limit - agg.Spend
	lc.Balances.PolicyRemaining = &remaining
	if !(agg.Spend + lc.Price).FitsWithin(limit) {
		return newReason(ReasonPolicySpendLimitReached,
			fmt.Sprintf("policy has %s remaining of %s, content costs %s", remaining, limit, lc.Price)), nil
	}
	return nil, nil
}

func checkLearnerEnrollments(ctx context.Context, lc *LimitContext) (*Reason, error) {
	if lc.Policy.PerLearnerEnrollmentLimit == nil {
		return nil, nil
	}
	agg, err := lc.learnerAggregate(ctx)
	if err != nil {
		return nil, err
	}

	limit := *lc.Policy.PerLearnerEnrollmentLimit
	left := limit - agg.Count
	lc.Balances.LearnerEnrollmentsRemaining = &left
	if agg.Count >= limit {
		return newReason(ReasonLearnerMaxEnrollmentsReached,
			fmt.Sprintf("learner has %d of %d enrollments", agg.Count, limit)), nil
	}
	return nil, nil
}

func checkLearnerSpend(ctx context.Context, lc *LimitContext) (*Reason, error) {
	if lc.Policy.PerLearnerSpendLimit == nil {
		return nil, nil
	}
	agg, err := lc.learnerAggregate(ctx)
	if err != nil {
		return nil, err
	}

	limit := *lc.Policy.PerLearnerSpendLimit
	remaining := limit - agg.Spend
	lc.Balances.LearnerRemaining = &remaining
	if !(agg.Spend + lc.Price).FitsWithin(limit) {
		return newReason(ReasonLearnerMaxSpendReached,
			fmt.Sprintf("learner has %s remaining of %s, content costs %s", remaining, limit, lc.Price)), nil
	}
	return nil, nil
}

func (lc *LimitContext) learnerAggregate(ctx context.Context) (credit.Aggregate, error) {
	learner := lc.LearnerID
	return lc.Ledger.GetAggregateSpend(ctx, credit.AggregateQuery{
		SubsidyID: lc.Policy.SubsidyID,
		PolicyID:  lc.Policy.ID,
		LearnerID: &learner,
	})
}
