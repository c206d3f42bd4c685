/*
Package policy is the Subsidy Access Policy engine.

PURPOSE:
  A policy is one enterprise's rule for who may spend how much of which subsidy
  on which catalog. This package decides redeemability, picks one policy when
  several apply, performs redemptions under a distributed lock, allocates
  assignments, and expires stale ones.

KEY CONCEPTS IN THIS FILE (policy.go):
  Policy:       The flat persisted record. One shape for every variant.
  Type:         Discriminator selecting the variant (see variants.go).
  AccessMethod: direct (learner browses) or assigned (admin earmarks).

FLOW:
  Evaluator.CanRedeem ----> Result{redeemable, reason, balances}
        |
  Resolve(candidates) ----> one policy
        |
  Redeemer.Redeem ----> lock -> CanRedeem -> ledger -> assignment -> unlock

OWNERSHIP:
  Policy records are owned here. Balances, spend and transactions are owned by
  the remote ledger and are always re-read, never accumulated locally.

SEE ALSO:
  - variants.go:  Type registry and limit checks
  - evaluator.go: CanRedeem
  - resolver.go:  Resolve
  - redeemer.go:  Redeem
  - allocator.go: CanAllocate / Allocate
  - expiry.go:    Automatic assignment expiration sweep
  - service.go:   Create-or-get, update, deactivate, redeemability queries
*/
package policy

import (
	"context"
	"time"

	"github.com/warp/learner-credit/credit"
)

// AccessMethod selects how learners reach content under a policy.
type AccessMethod string

const (
	AccessDirect   AccessMethod = "direct"
	AccessAssigned AccessMethod = "assigned"
)

// Policy is a subsidy access policy. Optional limits are nil when unset.
type Policy struct {
	ID           credit.PolicyID
	EnterpriseID credit.EnterpriseID
	Description  string
	Type         Type
	AccessMethod AccessMethod
	SubsidyID    credit.SubsidyID
	CatalogID    credit.CatalogID

	// Active controls visibility. Inactive policies are soft-deleted.
	Active bool
	// Retired hides the policy from redemption while keeping it visible.
	Retired bool

	SpendLimit                *credit.Cents
	PerLearnerSpendLimit      *credit.Cents
	PerLearnerEnrollmentLimit *int

	GroupIDs []credit.GroupID

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsRedeemable reports the local half of the "policy is active" check.
func (p *Policy) IsRedeemable() bool {
	return p.Active && !p.Retired
}

// IsAssignable reports whether the policy accepts allocations.
func (p *Policy) IsAssignable() bool {
	return p.AccessMethod == AccessAssigned
}

// =============================================================================
// STORE - Persistence of policy records
// =============================================================================

// Store persists policies. There is no delete; deactivate instead.
type Store interface {
	GetPolicy(ctx context.Context, id credit.PolicyID) (*Policy, error)

	// ListPolicies returns every policy matching filter in one query, ordered
	// by CreatedAt then ID.
	ListPolicies(ctx context.Context, filter Filter) ([]Policy, error)

	CreatePolicy(ctx context.Context, p Policy) error
	UpdatePolicy(ctx context.Context, p Policy) error
}

// Filter selects policies. Zero fields do not constrain.
type Filter struct {
	EnterpriseID credit.EnterpriseID
	SubsidyID    credit.SubsidyID
	CatalogID    credit.CatalogID
	Type         Type
	AccessMethod AccessMethod
	ActiveOnly   bool
}

// Matches reports whether p satisfies f. Used by in-memory stores.
func (f Filter) Matches(p *Policy) bool {
	switch {
	case f.EnterpriseID != "" && p.EnterpriseID != f.EnterpriseID:
		return false
	case f.SubsidyID != "" && p.SubsidyID != f.SubsidyID:
		return false
	case f.CatalogID != "" && p.CatalogID != f.CatalogID:
		return false
	case f.Type != "" && p.Type != f.Type:
		return false
	case f.AccessMethod != "" && p.AccessMethod != f.AccessMethod:
		return false
	case f.ActiveOnly && !p.Active:
		return false
	}
	return true
}
