/*
collaborators.go - Interfaces of the remote services the engine consumes

PURPOSE:
  The engine never talks to a global client. Every remote service is an
  interface constructed once and passed in explicitly, so tests substitute
  in-memory doubles and no state is shared between requests.

SERVICES:
  MembershipService: learner <-> enterprise and group membership
  CatalogService:    catalog inclusion, current price, content metadata
  LedgerService:     subsidy records, transactions, aggregate spend

FAILURE CONTRACT:
  Implementations return *DependencyError for timeouts and error responses.
  Evaluation treats any such error as "not redeemable" (fail closed).

IMPLEMENTATIONS:
  - remote/http.go:   HTTP clients (OAuth2 client credentials)
  - remote/cached.go: Read-through caches for membership and catalog
  - remote/memory.go: In-memory services for dev mode and tests
*/
package credit

import "context"

// MembershipService answers "who belongs where".
type MembershipService interface {
	// GetEnterpriseMembership returns nil, nil when the learner is not linked
	// to the enterprise.
	GetEnterpriseMembership(ctx context.Context, learnerID LearnerID, enterpriseID EnterpriseID) (*Membership, error)

	GroupContainsLearner(ctx context.Context, groupID GroupID, learnerID LearnerID) (bool, error)
}

// CatalogService answers content questions.
type CatalogService interface {
	CatalogContainsContent(ctx context.Context, catalogID CatalogID, contentKey string) (bool, error)
	GetContentPrice(ctx context.Context, contentKey string) (Cents, error)
	GetContentMetadata(ctx context.Context, contentKey string) (*ContentMetadata, error)
}

// LedgerService is the authoritative store of balances and redemptions.
type LedgerService interface {
	GetSubsidy(ctx context.Context, subsidyID SubsidyID) (*Subsidy, error)
	GetRemainingBalance(ctx context.Context, subsidyID SubsidyID) (Cents, error)

	// CreateTransaction records a redemption. Retrying with the same
	// IdempotencyKey must be safe; the ledger deduplicates.
	CreateTransaction(ctx context.Context, req TransactionRequest) (*Transaction, error)

	GetAggregateSpend(ctx context.Context, query AggregateQuery) (Aggregate, error)

	// ListTransactions returns every transaction matching query, including
	// failed and reversed ones, oldest first.
	ListTransactions(ctx context.Context, query TransactionQuery) ([]Transaction, error)
}
