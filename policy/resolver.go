/*
resolver.go - Choose one policy among several redeemable ones

ORDERING:
  Stable sort ascending by (variant priority, subsidy remaining balance) and
  take the first. Credit policies (priority 1) beat subscription policies
  (priority 2); among equals, the policy whose subsidy has less left is spent
  first.

TIES:
  When two candidates tie on both keys the winner depends on input order. The
  input order is not guaranteed to be stable across calls (it follows
  concurrent evaluation and store ordering), so neither is the winner. This is
  accepted behavior.
*/
package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/warp/learner-credit/credit"
)

// Candidate is a redeemable policy with its resolution keys.
type Candidate struct {
	Policy   *Policy
	Priority int
	Balance  credit.Cents // subsidy remaining
}

// Resolve returns the preferred candidate, or nil for an empty slice.
func Resolve(candidates []Candidate) *Policy {
	if len(candidates) == 0 {
		return nil
	}
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].Balance < sorted[j].Balance
	})
	return sorted[0].Policy
}

// CandidatesFrom pairs each redeemable result with its policy. Policies and
// results must be index-aligned.
func CandidatesFrom(policies []Policy, results []*Result) []Candidate {
	var out []Candidate
	for i, res := range results {
		if res == nil || !res.Redeemable {
			continue
		}
		out = append(out, Candidate{
			Policy:   &policies[i],
			Priority: res.Priority,
			Balance:  res.Balances.SubsidyRemaining,
		})
	}
	return out
}

// ResolvePolicy picks one of policies, all already known to be redeemable for
// the same learner and content. Remaining balances are fetched once per
// distinct subsidy, concurrently.
func ResolvePolicy(ctx context.Context, ledger credit.LedgerService, policies []Policy) (*Policy, error) {
	if len(policies) == 0 {
		return nil, fmt.Errorf("%w: no policies to resolve", credit.ErrInvalidInput)
	}

	var mu sync.Mutex
	balances := make(map[credit.SubsidyID]credit.Cents)
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range distinctSubsidies(policies) {
		g.Go(func() error {
			b, err := ledger.GetRemainingBalance(gctx, id)
			if err != nil {
				return err
			}
			mu.Lock()
			balances[id] = b
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	candidates := make([]Candidate, len(policies))
	for i := range policies {
		variant, err := VariantFor(policies[i].Type)
		if err != nil {
			return nil, err
		}
		candidates[i] = Candidate{Policy: &policies[i], Priority: variant.Priority, Balance: balances[policies[i].SubsidyID]}
	}
	return Resolve(candidates), nil
}

func distinctSubsidies(policies []Policy) []credit.SubsidyID {
	seen := make(map[credit.SubsidyID]bool, len(policies))
	var out []credit.SubsidyID
	for _, p := range policies {
		if !seen[p.SubsidyID] {
			seen[p.SubsidyID] = true
			out = append(out, p.SubsidyID)
		}
	}
	return out
}
