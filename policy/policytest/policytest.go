// Package policytest wires a complete engine over in-memory collaborators
// for tests of policy and its callers.
package policytest

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/warp/learner-credit/assignment"
	"github.com/warp/learner-credit/credit"
	"github.com/warp/learner-credit/lock"
	"github.com/warp/learner-credit/metrics"
	"github.com/warp/learner-credit/policy"
	"github.com/warp/learner-credit/remote"
	"github.com/warp/learner-credit/store/memory"
)

// Fixed identifiers of the default enterprise, subsidy and catalog.
const (
	Enterprise credit.EnterpriseID = "ent-1"
	Subsidy    credit.SubsidyID    = "sub-1"
	Catalog    credit.CatalogID    = "cat-1"
)

// Now is the instant the engine clock starts at.
var Now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// Env is a fully wired engine.
type Env struct {
	Clock      *credit.FixedClock
	Store      *memory.Store
	Membership *remote.MemoryMembership
	Catalog    *remote.MemoryCatalog
	Ledger     *remote.MemoryLedger
	Locker     *lock.MemoryLocker
	Notifier   *Notifier
	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	Assignments *assignment.Manager
	Evaluator   *policy.Evaluator
	Service     *policy.Service
	Redeemer    *policy.Redeemer
	Allocator   *policy.Allocator
	Sweeper     *policy.Sweeper
}

// LockOptions keeps contention tests fast.
var LockOptions = lock.Options{TTL: 10 * time.Second, WaitTimeout: 2 * time.Second, PollInterval: time.Millisecond}

// New returns an engine with one active subsidy holding balance cents.
func New(t testing.TB, balance credit.Cents) *Env {
	t.Helper()

	e := &Env{
		Clock:      credit.NewFixedClock(Now),
		Store:      memory.New(),
		Membership: remote.NewMemoryMembership(),
		Catalog:    remote.NewMemoryCatalog(),
		Ledger:     remote.NewMemoryLedger(),
		Locker:     lock.NewMemoryLocker(),
		Notifier:   &Notifier{},
		Registry:   prometheus.NewRegistry(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	e.Metrics = metrics.MustNewMetrics(e.Registry)

	e.Ledger.PutSubsidy(credit.Subsidy{
		ID:               Subsidy,
		EnterpriseID:     Enterprise,
		Title:            "Learner credit",
		RemainingBalance: balance,
		TotalDeposits:    balance,
		ActiveAt:         Now.AddDate(-1, 0, 0),
		ExpiresAt:        Now.AddDate(1, 0, 0),
	})

	e.Assignments = assignment.NewManager(e.Store, e.Notifier, e.Clock, e.Logger)
	e.Evaluator = policy.NewEvaluator(e.Membership, e.Catalog, e.Ledger, e.Assignments, e.Clock, e.Logger)
	e.Service = policy.NewService(e.Store, e.Ledger, e.Evaluator, e.Locker, LockOptions, e.Clock, e.Logger)
	e.Redeemer = policy.NewRedeemer(e.Evaluator, e.Ledger, e.Locker, e.Assignments,
		policy.RedeemerConfig{Lock: LockOptions, Scope: policy.LockScopePolicy}, e.Metrics, e.Logger)
	e.Allocator = policy.NewAllocator(e.Catalog, e.Ledger, e.Assignments, policy.DefaultAllocationConfig(), e.Clock, e.Metrics, e.Logger)
	e.Sweeper = policy.NewSweeper(e.Store, e.Store, e.Catalog, e.Ledger, policy.DefaultSweepConfig(), e.Clock, e.Metrics, e.Logger)
	return e
}

// Learner links learnerID to the enterprise and adds it to groups.
func (e *Env) Learner(learnerID credit.LearnerID, email string, groups ...credit.GroupID) {
	e.Membership.AddLearner(Enterprise, learnerID, email)
	for _, g := range groups {
		e.Membership.AddToGroup(g, learnerID)
	}
}

// Content adds contentKey to the default catalog at price.
func (e *Env) Content(contentKey string, price credit.Cents) {
	e.Catalog.AddContent(Catalog, credit.ContentMetadata{ContentKey: contentKey, Title: "Course " + contentKey, Price: price})
}

// Policy provisions a policy of type typ on the default subsidy and catalog.
// mutate may set limits before creation.
func (e *Env) Policy(t testing.TB, typ policy.Type, mutate func(*policy.Policy)) *policy.Policy {
	t.Helper()
	p := policy.Policy{
		EnterpriseID: Enterprise,
		Description:  string(typ),
		Type:         typ,
		SubsidyID:    Subsidy,
		CatalogID:    Catalog,
		Active:       true,
	}
	if mutate != nil {
		mutate(&p)
	}
	out, _, err := e.Service.CreateOrGet(context.Background(), p)
	if err != nil {
		t.Fatalf("create policy: %v", err)
	}
	return out
}

// Cents returns a pointer to c.
func Cents(c credit.Cents) *credit.Cents { return &c }

// Int returns a pointer to n.
func Int(n int) *int { return &n }

// =============================================================================
// NOTIFIER
// =============================================================================

// Notification is one recorded send.
type Notification struct {
	Kind         string
	AssignmentID assignment.ID
}

// Notifier records sends and optionally fails them.
type Notifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

// FailWith makes every subsequent send return err. Nil restores success.
func (n *Notifier) FailWith(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

// Sent returns a copy of the recorded sends.
func (n *Notifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

func (n *Notifier) record(kind string, a assignment.Assignment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, Notification{Kind: kind, AssignmentID: a.ID})
	return nil
}

func (n *Notifier) NotifyAllocated(_ context.Context, a assignment.Assignment) error {
	return n.record("allocated", a)
}

func (n *Notifier) NotifyReminder(_ context.Context, a assignment.Assignment) error {
	return n.record("reminder", a)
}

func (n *Notifier) NotifyCancelled(_ context.Context, a assignment.Assignment) error {
	return n.record("cancelled", a)
}
