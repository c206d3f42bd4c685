/*
service.go - Policy administration and enterprise-level redeemability queries

OPERATIONS:
  CreateOrGet         idempotent on (enterprise, subsidy, catalog, type)
  Update              partial update, spend-limit invariant enforced
  Deactivate          soft delete (active = false)
  SetRetired          hide from redemption, keep visible
  ListForEnterprise   every policy of an enterprise in one store query
  RedeemablePolicies  evaluate all active policies for one content key
  CanRedeemContent    per-content-key redeemability for many keys

SPEND-LIMIT INVARIANT:
  sum(spend_limit of active policies on a subsidy) <= subsidy total deposits

  Checked on create and on every update that could raise the sum. A violation
  is an *credit.InvariantError and nothing is written. Values are never
  clamped.
*/
package policy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/warp/learner-credit/credit"
	"github.com/warp/learner-credit/lock"
)

type Service struct {
	store     Store
	ledger    credit.LedgerService
	evaluator *Evaluator
	locker    lock.Locker
	lockOpts  lock.Options
	clock     credit.Clock
	logger    *slog.Logger
}

func NewService(store Store, ledger credit.LedgerService, evaluator *Evaluator, locker lock.Locker, lockOpts lock.Options, clock credit.Clock, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		ledger:    ledger,
		evaluator: evaluator,
		locker:    locker,
		lockOpts:  lockOpts,
		clock:     credit.ClockOrSystem(clock),
		logger:    logger,
	}
}

func (s *Service) Get(ctx context.Context, id credit.PolicyID) (*Policy, error) {
	return s.store.GetPolicy(ctx, id)
}

func (s *Service) ListForEnterprise(ctx context.Context, enterpriseID credit.EnterpriseID) ([]Policy, error) {
	return s.store.ListPolicies(ctx, Filter{EnterpriseID: enterpriseID})
}

// =============================================================================
// CREATE / UPDATE
// =============================================================================

// CreateOrGet returns the existing policy with the same enterprise, subsidy,
// catalog and type, or creates p. created reports which happened. Concurrent
// calls for the same subsidy are serialized through the lock store.
func (s *Service) CreateOrGet(ctx context.Context, p Policy) (out *Policy, created bool, err error) {
	if err := validatePolicy(&p); err != nil {
		return nil, false, err
	}

	key := "provision:" + string(p.EnterpriseID) + ":" + string(p.SubsidyID)
	err = lock.WithLock(ctx, s.locker, key, s.lockOpts, nil, func(ctx context.Context) error {
		existing, err := s.store.ListPolicies(ctx, Filter{
			EnterpriseID: p.EnterpriseID, SubsidyID: p.SubsidyID, CatalogID: p.CatalogID, Type: p.Type,
		})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			out = &existing[0]
			return nil
		}

		if err := s.checkSpendLimits(ctx, &p); err != nil {
			return err
		}
		now := s.clock.Now()
		if p.ID == "" {
			p.ID = credit.PolicyID(uuid.NewString())
		}
		p.CreatedAt, p.UpdatedAt = now, now
		if err := s.store.CreatePolicy(ctx, p); err != nil {
			return fmt.Errorf("failed to create policy: %w", err)
		}
		out, created = &p, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.Info("policy created", "policy_id", out.ID, "enterprise_id", out.EnterpriseID, "type", out.Type)
	}
	return out, created, nil
}

// Update carries optional field changes. Nil fields are left as they are.
type Update struct {
	Description               *string
	Active                    *bool
	Retired                   *bool
	CatalogID                 *credit.CatalogID
	SpendLimit                *credit.Cents
	PerLearnerSpendLimit      *credit.Cents
	PerLearnerEnrollmentLimit *int
	GroupIDs                  *[]credit.GroupID

	// ClearSpendLimit removes the aggregate cap.
	ClearSpendLimit bool
}

// Update applies u to the policy. A change that would break the spend-limit
// invariant is rejected.
func (s *Service) Update(ctx context.Context, id credit.PolicyID, u Update) (*Policy, error) {
	p, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	next := *p
	if u.Description != nil {
		next.Description = *u.Description
	}
	if u.Active != nil {
		next.Active = *u.Active
	}
	if u.Retired != nil {
		next.Retired = *u.Retired
	}
	if u.CatalogID != nil {
		next.CatalogID = *u.CatalogID
	}
	if u.SpendLimit != nil {
		v := *u.SpendLimit
		next.SpendLimit = &v
	}
	if u.ClearSpendLimit {
		next.SpendLimit = nil
	}
	if u.PerLearnerSpendLimit != nil {
		v := *u.PerLearnerSpendLimit
		next.PerLearnerSpendLimit = &v
	}
	if u.PerLearnerEnrollmentLimit != nil {
		v := *u.PerLearnerEnrollmentLimit
		next.PerLearnerEnrollmentLimit = &v
	}
	if u.GroupIDs != nil {
		next.GroupIDs = append([]credit.GroupID(nil), (*u.GroupIDs)...)
	}
	if err := validatePolicy(&next); err != nil {
		return nil, err
	}

	if raisesSpendLimits(p, &next) {
		if err := s.checkSpendLimits(ctx, &next); err != nil {
			return nil, err
		}
	}
	next.UpdatedAt = s.clock.Now()
	if err := s.store.UpdatePolicy(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to update policy: %w", err)
	}
	s.logger.Info("policy updated", "policy_id", next.ID)
	return &next, nil
}

// Deactivate soft-deletes the policy.
func (s *Service) Deactivate(ctx context.Context, id credit.PolicyID) (*Policy, error) {
	inactive := false
	return s.Update(ctx, id, Update{Active: &inactive})
}

// SetRetired toggles redeemability without touching visibility.
func (s *Service) SetRetired(ctx context.Context, id credit.PolicyID, retired bool) (*Policy, error) {
	return s.Update(ctx, id, Update{Retired: &retired})
}

func raisesSpendLimits(before, after *Policy) bool {
	if !after.Active || after.SpendLimit == nil {
		return false
	}
	if !before.Active || before.SpendLimit == nil {
		return true
	}
	return *after.SpendLimit > *before.SpendLimit || after.SubsidyID != before.SubsidyID
}

func (s *Service) checkSpendLimits(ctx context.Context, candidate *Policy) error {
	if !candidate.Active || candidate.SpendLimit == nil {
		return nil
	}
	subsidy, err := s.ledger.GetSubsidy(ctx, candidate.SubsidyID)
	if err != nil {
		return err
	}
	peers, err := s.store.ListPolicies(ctx, Filter{SubsidyID: candidate.SubsidyID, ActiveOnly: true})
	if err != nil {
		return err
	}

	total := *candidate.SpendLimit
	for _, peer := range peers {
		if peer.ID == candidate.ID || peer.SpendLimit == nil {
			continue
		}
		total += *peer.SpendLimit
	}
	if !total.FitsWithin(subsidy.TotalDeposits) {
		return &credit.InvariantError{
			Invariant: "spend_limit_exceeds_deposits",
			Message: fmt.Sprintf("active spend limits on subsidy %s would total %s, above deposits of %s",
				candidate.SubsidyID, total, subsidy.TotalDeposits),
		}
	}
	return nil
}

func validatePolicy(p *Policy) error {
	variant, err := VariantFor(p.Type)
	if err != nil {
		return err
	}
	if p.AccessMethod == "" {
		p.AccessMethod = variant.AccessMethod
	}
	if p.AccessMethod != variant.AccessMethod {
		return fmt.Errorf("%w: %s requires access method %q", credit.ErrInvalidInput, p.Type, variant.AccessMethod)
	}
	switch {
	case p.EnterpriseID == "" || p.SubsidyID == "" || p.CatalogID == "":
		return fmt.Errorf("%w: enterprise, subsidy and catalog are required", credit.ErrInvalidInput)
	case p.SpendLimit != nil && *p.SpendLimit < 0,
		p.PerLearnerSpendLimit != nil && *p.PerLearnerSpendLimit < 0,
		p.PerLearnerEnrollmentLimit != nil && *p.PerLearnerEnrollmentLimit < 0:
		return fmt.Errorf("%w: limits must not be negative", credit.ErrInvalidInput)
	case p.Type == TypePerLearnerEnrollment && p.PerLearnerEnrollmentLimit == nil:
		return fmt.Errorf("%w: %s requires a per-learner enrollment limit", credit.ErrInvalidInput, p.Type)
	case p.Type == TypePerLearnerSpend && p.PerLearnerSpendLimit == nil:
		return fmt.Errorf("%w: %s requires a per-learner spend limit", credit.ErrInvalidInput, p.Type)
	case p.Type == TypeCappedEnrollment && p.SpendLimit == nil:
		return fmt.Errorf("%w: %s requires a spend limit", credit.ErrInvalidInput, p.Type)
	}
	return nil
}

// =============================================================================
// REDEEMABILITY QUERIES
// =============================================================================

// ContentRedeemability answers "can this learner redeem this content key".
type ContentRedeemability struct {
	ContentKey string          `json:"content_key"`
	Redeemable bool            `json:"redeemable"`
	PolicyID   credit.PolicyID `json:"policy_id,omitempty"`
	Balances   *Balances       `json:"balances,omitempty"`
	Reasons    []Reason        `json:"reasons"`
}

// RedeemablePolicies evaluates every active policy of the enterprise for one
// content key and returns the redeemable ones plus every result.
func (s *Service) RedeemablePolicies(ctx context.Context, enterpriseID credit.EnterpriseID, learnerID credit.LearnerID, contentKey string) ([]Policy, []*Result, error) {
	policies, err := s.store.ListPolicies(ctx, Filter{EnterpriseID: enterpriseID, ActiveOnly: true})
	if err != nil {
		return nil, nil, err
	}
	results, err := s.evaluator.EvaluateAll(ctx, policies, learnerID, contentKey)
	if err != nil {
		return nil, nil, err
	}
	var redeemable []Policy
	for i, res := range results {
		if res.Redeemable {
			redeemable = append(redeemable, policies[i])
		}
	}
	return redeemable, results, nil
}

// CanRedeemContent answers redeemability for each content key, resolving one
// policy per redeemable key.
func (s *Service) CanRedeemContent(ctx context.Context, enterpriseID credit.EnterpriseID, learnerID credit.LearnerID, contentKeys []string) ([]ContentRedeemability, error) {
	if len(contentKeys) == 0 {
		return nil, fmt.Errorf("%w: at least one content key is required", credit.ErrInvalidInput)
	}
	policies, err := s.store.ListPolicies(ctx, Filter{EnterpriseID: enterpriseID, ActiveOnly: true})
	if err != nil {
		return nil, err
	}

	out := make([]ContentRedeemability, len(contentKeys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, key := range contentKeys {
		g.Go(func() error {
			results, err := s.evaluator.EvaluateAll(gctx, policies, learnerID, key)
			if err != nil {
				return err
			}
			out[i] = summarize(key, policies, results)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func summarize(contentKey string, policies []Policy, results []*Result) ContentRedeemability {
	cr := ContentRedeemability{ContentKey: contentKey, Reasons: []Reason{}}
	if chosen := Resolve(CandidatesFrom(policies, results)); chosen != nil {
		cr.Redeemable = true
		cr.PolicyID = chosen.ID
		for _, res := range results {
			if res.PolicyID == chosen.ID {
				b := res.Balances
				cr.Balances = &b
			}
		}
		return cr
	}
	seen := make(map[ReasonCode]bool)
	for _, res := range results {
		if res.Reason != nil && !seen[res.Reason.Code] {
			seen[res.Reason.Code] = true
			cr.Reasons = append(cr.Reasons, *res.Reason)
		}
	}
	return cr
}

