/*
Package credit provides the shared vocabulary of the Learner Credit engine.

PURPOSE:
  This package holds the domain-agnostic types every other package speaks:
  money, identifiers, and the records returned by the remote services this
  engine depends on (membership, catalog, ledger). It owns no behavior beyond
  small value helpers; policy logic lives in package policy, assignment
  lifecycle in package assignment.

KEY CONCEPTS IN THIS FILE (types.go):
  - Cents: Integer minor-currency units. Never floats.
  - Subsidy: The remote ledger's view of a pool of value. Authoritative.
  - Transaction: A redemption recorded by the remote ledger.
  - Aggregate: Count and spend of committed transactions for some scope.

OWNERSHIP:
  The remote subsidy service owns balances and the transaction log. Anything
  in this package describing them is a copy, never a source of truth.

SEE ALSO:
  - collaborators.go: Interfaces of the remote services
  - errors.go: Error taxonomy shared by all packages
*/
package credit

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// Cents is an amount of money in USD cents.
type Cents int64

// CentsPerDollar converts between dollars and cents.
const CentsPerDollar = 100

// Dollars returns the amount as a decimal dollar value.
func (c Cents) Dollars() decimal.Decimal {
	return decimal.NewFromInt(int64(c)).Div(decimal.NewFromInt(CentsPerDollar))
}

// String formats the amount as "$12.34".
func (c Cents) String() string {
	return "$" + c.Dollars().StringFixed(2)
}

// FitsWithin reports whether c can be spent against limit. Exactly exhausting
// the limit is allowed.
func (c Cents) FitsWithin(limit Cents) bool { return c <= limit }

// CentsFromDollars converts a decimal dollar amount to cents, rounding half
// away from zero.
func CentsFromDollars(d decimal.Decimal) Cents {
	return Cents(d.Mul(decimal.NewFromInt(CentsPerDollar)).Round(0).IntPart())
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PolicyID string
type EnterpriseID string
type SubsidyID string
type CatalogID string
type GroupID string
type TransactionID string

// LearnerID is the numeric LMS user id of a learner.
type LearnerID int64

// =============================================================================
// REMOTE RECORDS
// =============================================================================

// Subsidy is the ledger's record of a pool of redeemable value.
type Subsidy struct {
	ID               SubsidyID
	EnterpriseID     EnterpriseID
	Title            string
	RemainingBalance Cents
	TotalDeposits    Cents
	ActiveAt         time.Time
	ExpiresAt        time.Time
	IsSoftDeleted    bool
}

// IsActive reports whether the subsidy can be redeemed against at now.
func (s *Subsidy) IsActive(now time.Time) bool {
	if s.IsSoftDeleted {
		return false
	}
	if !s.ActiveAt.IsZero() && now.Before(s.ActiveAt) {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// IsExpired reports whether the subsidy's expiration has passed at now.
func (s *Subsidy) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Membership links a learner to an enterprise customer.
type Membership struct {
	EnterpriseID EnterpriseID
	LearnerID    LearnerID
	Email        string
	Active       bool
}

// ContentMetadata is the subset of catalog metadata the engine needs.
type ContentMetadata struct {
	ContentKey         string
	ParentContentKey   string
	Title              string
	StartDate          *time.Time
	EnrollmentDeadline *time.Time
	Price              Cents
}

// TransactionState is the ledger's lifecycle state for a redemption.
type TransactionState string

const (
	TransactionCreated   TransactionState = "created"
	TransactionPending   TransactionState = "pending"
	TransactionCommitted TransactionState = "committed"
	TransactionFailed    TransactionState = "failed"
)

// TransactionRequest asks the ledger to record a redemption.
type TransactionRequest struct {
	SubsidyID      SubsidyID
	PolicyID       PolicyID
	LearnerID      LearnerID
	ContentKey     string
	Quantity       Cents
	IdempotencyKey string
	Metadata       map[string]any
}

// Transaction is a redemption as reported by the ledger.
type Transaction struct {
	ID         TransactionID
	SubsidyID  SubsidyID
	PolicyID   PolicyID
	LearnerID  LearnerID
	ContentKey string
	Quantity   Cents
	State      TransactionState
	Error      string
	Reversed   bool
	CreatedAt  time.Time
}

// IsLive reports whether the transaction still holds value: created, pending
// or committed, and not reversed. Only live transactions are replayed by an
// idempotency key.
func (t *Transaction) IsLive() bool {
	return !t.Reversed && t.State != TransactionFailed
}

// TransactionQuery selects transactions for one learner and piece of content,
// live or not.
type TransactionQuery struct {
	SubsidyID  SubsidyID
	PolicyID   PolicyID
	LearnerID  LearnerID
	ContentKey string
}

// Aggregate summarises committed (non-reversed) transactions in some scope.
type Aggregate struct {
	Count int
	Spend Cents
}

// AggregateQuery selects the scope for an aggregate spend lookup. SubsidyID is
// always set; PolicyID and LearnerID narrow the scope when present.
type AggregateQuery struct {
	SubsidyID SubsidyID
	PolicyID  PolicyID
	LearnerID *LearnerID
}
