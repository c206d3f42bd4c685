package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/learner-credit/credit"
)

// =============================================================================
// IN-MEMORY SERVICES - For dev mode and tests
// =============================================================================

// faults injects failures per operation and counts calls.
type faults struct {
	mu    sync.Mutex
	errs  map[string]error
	calls map[string]int
}

func newFaults() faults {
	return faults{errs: make(map[string]error), calls: make(map[string]int)}
}

// hit records a call to op and returns the injected error, if any.
func (f *faults) hit(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.errs[op]
}

// Fail makes every call to op return err until cleared with a nil err.
func (f *faults) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

// Calls returns how many times op was invoked.
func (f *faults) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Operation names accepted by Fail and Calls.
const (
	OpGetEnterpriseMembership = "get_enterprise_membership"
	OpGroupContainsLearner    = "group_contains_learner"
	OpCatalogContainsContent  = "catalog_contains_content"
	OpGetContentPrice         = "get_content_price"
	OpGetContentMetadata      = "get_content_metadata"
	OpGetSubsidy              = "get_subsidy"
	OpGetRemainingBalance     = "get_remaining_balance"
	OpCreateTransaction       = "create_transaction"
	OpGetAggregateSpend       = "get_aggregate_spend"
	OpListTransactions        = "list_transactions"
)

// -----------------------------------------------------------------------------
// Membership
// -----------------------------------------------------------------------------

type MemoryMembership struct {
	faults
	mu      sync.RWMutex
	members map[credit.EnterpriseID]map[credit.LearnerID]credit.Membership
	groups  map[credit.GroupID]map[credit.LearnerID]bool
}

func NewMemoryMembership() *MemoryMembership {
	return &MemoryMembership{
		faults:  newFaults(),
		members: make(map[credit.EnterpriseID]map[credit.LearnerID]credit.Membership),
		groups:  make(map[credit.GroupID]map[credit.LearnerID]bool),
	}
}

func (m *MemoryMembership) AddLearner(enterpriseID credit.EnterpriseID, learnerID credit.LearnerID, email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[enterpriseID] == nil {
		m.members[enterpriseID] = make(map[credit.LearnerID]credit.Membership)
	}
	m.members[enterpriseID][learnerID] = credit.Membership{
		EnterpriseID: enterpriseID, LearnerID: learnerID, Email: email, Active: true,
	}
}

func (m *MemoryMembership) AddToGroup(groupID credit.GroupID, learnerID credit.LearnerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.groups[groupID] == nil {
		m.groups[groupID] = make(map[credit.LearnerID]bool)
	}
	m.groups[groupID][learnerID] = true
}

func (m *MemoryMembership) GetEnterpriseMembership(_ context.Context, learnerID credit.LearnerID, enterpriseID credit.EnterpriseID) (*credit.Membership, error) {
	if err := m.hit(OpGetEnterpriseMembership); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	mem, ok := m.members[enterpriseID][learnerID]
	if !ok {
		return nil, nil
	}
	return &mem, nil
}

func (m *MemoryMembership) GroupContainsLearner(_ context.Context, groupID credit.GroupID, learnerID credit.LearnerID) (bool, error) {
	if err := m.hit(OpGroupContainsLearner); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groups[groupID][learnerID], nil
}

// -----------------------------------------------------------------------------
// Catalog
// -----------------------------------------------------------------------------

type MemoryCatalog struct {
	faults
	mu       sync.RWMutex
	catalogs map[credit.CatalogID]map[string]bool
	content  map[string]credit.ContentMetadata
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		faults:   newFaults(),
		catalogs: make(map[credit.CatalogID]map[string]bool),
		content:  make(map[string]credit.ContentMetadata),
	}
}

// AddContent registers content and includes it in catalogID.
func (c *MemoryCatalog) AddContent(catalogID credit.CatalogID, meta credit.ContentMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.catalogs[catalogID] == nil {
		c.catalogs[catalogID] = make(map[string]bool)
	}
	c.catalogs[catalogID][meta.ContentKey] = true
	c.content[meta.ContentKey] = meta
}

// SetPrice changes the current price of existing content.
func (c *MemoryCatalog) SetPrice(contentKey string, price credit.Cents) {
	c.mu.Lock()
	defer c.mu.Unlock()
	meta := c.content[contentKey]
	meta.ContentKey = contentKey
	meta.Price = price
	c.content[contentKey] = meta
}

func (c *MemoryCatalog) CatalogContainsContent(_ context.Context, catalogID credit.CatalogID, contentKey string) (bool, error) {
	if err := c.hit(OpCatalogContainsContent); err != nil {
		return false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.catalogs[catalogID][contentKey], nil
}

func (c *MemoryCatalog) GetContentPrice(_ context.Context, contentKey string) (credit.Cents, error) {
	if err := c.hit(OpGetContentPrice); err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	meta, ok := c.content[contentKey]
	if !ok {
		return 0, fmt.Errorf("%w: %s", credit.ErrContentNotFound, contentKey)
	}
	return meta.Price, nil
}

func (c *MemoryCatalog) GetContentMetadata(_ context.Context, contentKey string) (*credit.ContentMetadata, error) {
	if err := c.hit(OpGetContentMetadata); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	meta, ok := c.content[contentKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", credit.ErrContentNotFound, contentKey)
	}
	return &meta, nil
}

// -----------------------------------------------------------------------------
// Ledger
// -----------------------------------------------------------------------------

// MemoryLedger is an authoritative in-process ledger. Transaction creation is
// atomic and deduplicated by idempotency key while the earlier transaction is
// live; a failed or reversed one is replaced by a new attempt.
type MemoryLedger struct {
	faults
	mu           sync.Mutex
	subsidies    map[credit.SubsidyID]credit.Subsidy
	transactions []credit.Transaction
	reversed     map[credit.TransactionID]bool
	byKey        map[string]credit.TransactionID
	now          func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		faults:    newFaults(),
		subsidies: make(map[credit.SubsidyID]credit.Subsidy),
		reversed:  make(map[credit.TransactionID]bool),
		byKey:     make(map[string]credit.TransactionID),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// PutSubsidy creates or replaces a subsidy. RemainingBalance is taken as given.
func (l *MemoryLedger) PutSubsidy(s credit.Subsidy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subsidies[s.ID] = s
}

func (l *MemoryLedger) GetSubsidy(_ context.Context, id credit.SubsidyID) (*credit.Subsidy, error) {
	if err := l.hit(OpGetSubsidy); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.subsidies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", credit.ErrSubsidyNotFound, id)
	}
	return &s, nil
}

func (l *MemoryLedger) GetRemainingBalance(_ context.Context, id credit.SubsidyID) (credit.Cents, error) {
	if err := l.hit(OpGetRemainingBalance); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.subsidies[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", credit.ErrSubsidyNotFound, id)
	}
	return s.RemainingBalance, nil
}

// CreateTransaction commits a redemption, or returns a failed transaction when
// the subsidy cannot cover it.
func (l *MemoryLedger) CreateTransaction(_ context.Context, req credit.TransactionRequest) (*credit.Transaction, error) {
	if err := l.hit(OpCreateTransaction); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if req.IdempotencyKey != "" {
		if id, ok := l.byKey[req.IdempotencyKey]; ok {
			for _, tx := range l.transactions {
				if tx.ID == id && l.live(tx) {
					tx.Reversed = l.reversed[tx.ID]
					return &tx, nil
				}
			}
		}
	}

	s, ok := l.subsidies[req.SubsidyID]
	if !ok {
		return nil, &credit.DependencyError{Service: "ledger", Operation: OpCreateTransaction, StatusCode: 404, Err: credit.ErrSubsidyNotFound}
	}

	tx := credit.Transaction{
		ID:         credit.TransactionID(uuid.NewString()),
		SubsidyID:  req.SubsidyID,
		PolicyID:   req.PolicyID,
		LearnerID:  req.LearnerID,
		ContentKey: req.ContentKey,
		Quantity:   req.Quantity,
		State:      credit.TransactionCommitted,
		CreatedAt:  l.now(),
	}
	if !req.Quantity.FitsWithin(s.RemainingBalance) {
		tx.State = credit.TransactionFailed
		tx.Error = "insufficient subsidy balance"
	} else {
		s.RemainingBalance -= req.Quantity
		l.subsidies[s.ID] = s
	}

	l.transactions = append(l.transactions, tx)
	if req.IdempotencyKey != "" {
		l.byKey[req.IdempotencyKey] = tx.ID
	}
	return &tx, nil
}

// Reverse undoes a committed transaction and refunds the subsidy.
func (l *MemoryLedger) Reverse(id credit.TransactionID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, tx := range l.transactions {
		if tx.ID != id || tx.State != credit.TransactionCommitted || l.reversed[id] {
			continue
		}
		l.reversed[id] = true
		s := l.subsidies[tx.SubsidyID]
		s.RemainingBalance += tx.Quantity
		l.subsidies[tx.SubsidyID] = s
		return nil
	}
	return fmt.Errorf("no reversible transaction %s", id)
}

// live reports whether tx still holds value. Callers hold l.mu.
func (l *MemoryLedger) live(tx credit.Transaction) bool {
	return tx.State != credit.TransactionFailed && !l.reversed[tx.ID]
}

func (l *MemoryLedger) ListTransactions(_ context.Context, q credit.TransactionQuery) ([]credit.Transaction, error) {
	if err := l.hit(OpListTransactions); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []credit.Transaction
	for _, tx := range l.transactions {
		if tx.SubsidyID != q.SubsidyID || tx.LearnerID != q.LearnerID {
			continue
		}
		if q.PolicyID != "" && tx.PolicyID != q.PolicyID {
			continue
		}
		if q.ContentKey != "" && tx.ContentKey != q.ContentKey {
			continue
		}
		tx.Reversed = l.reversed[tx.ID]
		out = append(out, tx)
	}
	return out, nil
}

func (l *MemoryLedger) GetAggregateSpend(_ context.Context, q credit.AggregateQuery) (credit.Aggregate, error) {
	if err := l.hit(OpGetAggregateSpend); err != nil {
		return credit.Aggregate{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var agg credit.Aggregate
	for _, tx := range l.transactions {
		if tx.State != credit.TransactionCommitted || l.reversed[tx.ID] {
			continue
		}
		if tx.SubsidyID != q.SubsidyID {
			continue
		}
		if q.PolicyID != "" && tx.PolicyID != q.PolicyID {
			continue
		}
		if q.LearnerID != nil && tx.LearnerID != *q.LearnerID {
			continue
		}
		agg.Count++
		agg.Spend += tx.Quantity
	}
	return agg, nil
}

// Transactions returns a copy of every transaction recorded.
func (l *MemoryLedger) Transactions() []credit.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := append([]credit.Transaction(nil), l.transactions...)
	for i := range out {
		out[i].Reversed = l.reversed[out[i].ID]
	}
	return out
}
