/*
redeemer.go - The redemption write path

STATE MACHINE:
  REQUESTED -> LOCK_ACQUIRED -> VALIDATED -> COMMITTED
  REQUESTED -> LOCK_FAILED
  REQUESTED -> LOCK_ACQUIRED -> REJECTED
  REQUESTED -> LOCK_ACQUIRED -> VALIDATED -> REMOTE_ERROR

STEPS:
  1. Acquire the policy lock (or policy+learner, when configured and the
     policy has no policy-wide spend limit) with a bounded wait. Not
     acquired -> LOCK_FAILED, no internal retry.
  2. Re-run CanRedeem inside the lock. Earlier checks are not trusted.
  3. Count the learner's failed or reversed transactions for the content,
     then create the ledger transaction with a deterministic idempotency key
     for that attempt.
  4. Assigned policies: commit -> assignment accepted; permanent failure ->
     assignment errored; retryable failure -> assignment stays allocated.
  5. Release the lock on every exit path (deferred in lock.WithLock).

RETURN CONTRACT:
  COMMITTED, LOCK_FAILED, REJECTED   -> (*Redemption, nil)
  REMOTE_ERROR                        -> (*Redemption, *credit.DependencyError)
  unknown policy type                 -> (nil, credit.ErrUnknownPolicyType)
  ctx done while waiting for the lock -> (nil, ctx.Err())

  The lock is a latency and correctness optimization. The ledger remains the
  final arbiter of uniqueness through the idempotency key.
*/
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/warp/learner-credit/assignment"
	"github.com/warp/learner-credit/credit"
	"github.com/warp/learner-credit/lock"
)

// RedeemState is the terminal state of one redemption attempt.
type RedeemState string

const (
	RedeemCommitted   RedeemState = "committed"
	RedeemLockFailed  RedeemState = "lock_failed"
	RedeemRejected    RedeemState = "rejected"
	RedeemRemoteError RedeemState = "remote_error"
)

// LockScope selects the granularity of the redemption lock.
type LockScope string

const (
	LockScopePolicy  LockScope = "policy"
	LockScopeLearner LockScope = "learner"
)

// Redemption is the outcome of Redeem.
type Redemption struct {
	State         RedeemState            `json:"state"`
	PolicyID      credit.PolicyID        `json:"policy_id"`
	TransactionID credit.TransactionID   `json:"transaction_id,omitempty"`
	Transaction   *credit.Transaction    `json:"-"`
	Reason        *Reason                `json:"reason,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Assignment    *assignment.Assignment `json:"-"`
}

// RedeemerConfig configures locking.
type RedeemerConfig struct {
	Lock  lock.Options
	Scope LockScope
}

type Redeemer struct {
	evaluator   *Evaluator
	ledger      credit.LedgerService
	locker      lock.Locker
	assignments *assignment.Manager
	cfg         RedeemerConfig
	recorder    Recorder
	logger      *slog.Logger
}

func NewRedeemer(evaluator *Evaluator, ledger credit.LedgerService, locker lock.Locker, assignments *assignment.Manager, cfg RedeemerConfig, recorder Recorder, logger *slog.Logger) *Redeemer {
	if cfg.Scope == "" {
		cfg.Scope = LockScopePolicy
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redeemer{
		evaluator:   evaluator,
		ledger:      ledger,
		locker:      locker,
		assignments: assignments,
		cfg:         cfg,
		recorder:    recorderOrNop(recorder),
		logger:      logger,
	}
}

// lockKey narrows the lock to one learner only when nothing policy-wide is
// checked under it. A spend limit is shared by every learner on the policy.
func (r *Redeemer) lockKey(p *Policy, learnerID credit.LearnerID) string {
	if r.cfg.Scope == LockScopeLearner && p.SpendLimit == nil {
		return lock.PolicyLearnerKey(p.ID, learnerID)
	}
	return lock.PolicyKey(p.ID)
}

// Redeem consumes subsidy value for learnerID on contentKey under p.
// Metadata is passed through to the ledger untouched.
func (r *Redeemer) Redeem(ctx context.Context, p *Policy, learnerID credit.LearnerID, contentKey string, metadata map[string]any) (*Redemption, error) {
	if _, err := VariantFor(p.Type); err != nil {
		return nil, err
	}

	log := r.logger.With("policy_id", p.ID, "learner_id", learnerID, "content_key", contentKey)
	var out *Redemption

	err := lock.WithLock(ctx, r.locker, r.lockKey(p, learnerID), r.cfg.Lock, r.recorder, func(ctx context.Context) error {
		var err error
		out, err = r.redeemLocked(ctx, p, learnerID, contentKey, metadata)
		return err
	})

	if out == nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		log.Info("redemption abandoned while waiting for the lock", "error", err)
		return nil, err
	}

	switch {
	case errors.Is(err, credit.ErrLocked):
		log.Info("redemption lock busy")
		out = &Redemption{State: RedeemLockFailed, PolicyID: p.ID, Error: "another redemption is in progress; try again shortly"}
		err = nil
	case out != nil && out.State == RedeemCommitted && err != nil:
		// The ledger committed; a failed release only delays the next holder
		// until the TTL lapses.
		log.Warn("redemption committed but lock release failed", "error", err)
		err = nil
	case out == nil && err != nil:
		// Lock store failure before fn ran.
		err = &credit.DependencyError{Service: "lock", Operation: "acquire", Retryable: true, Err: err}
		out = &Redemption{State: RedeemRemoteError, PolicyID: p.ID, Error: retrySafeMessage}
	}

	r.recorder.RedemptionOutcome(string(p.Type), string(out.State))
	if err != nil {
		log.Warn("redemption failed", "state", out.State, "error", err)
	} else {
		log.Info("redemption finished", "state", out.State, "transaction_id", out.TransactionID)
	}
	return out, err
}

const retrySafeMessage = "the redemption could not be completed; it is safe to retry"

func (r *Redeemer) redeemLocked(ctx context.Context, p *Policy, learnerID credit.LearnerID, contentKey string, metadata map[string]any) (*Redemption, error) {
	res, err := r.evaluator.CanRedeem(ctx, p, learnerID, contentKey)
	if err != nil {
		return nil, err
	}
	if !res.Redeemable {
		if res.Cause != nil {
			return &Redemption{State: RedeemRemoteError, PolicyID: p.ID, Reason: res.Reason, Error: retrySafeMessage}, res.Cause
		}
		return &Redemption{State: RedeemRejected, PolicyID: p.ID, Reason: res.Reason}, nil
	}

	attempt, err := r.attempt(ctx, p, learnerID, contentKey)
	if err != nil {
		return r.remoteFailure(ctx, p, res.Assignment, err)
	}

	tx, err := r.ledger.CreateTransaction(ctx, credit.TransactionRequest{
		SubsidyID:      p.SubsidyID,
		PolicyID:       p.ID,
		LearnerID:      learnerID,
		ContentKey:     contentKey,
		Quantity:       res.Balances.ContentPrice,
		IdempotencyKey: IdempotencyKey(p, learnerID, contentKey, res.Assignment, attempt),
		Metadata:       metadata,
	})
	if err == nil && tx.State == credit.TransactionFailed {
		err = &credit.DependencyError{
			Service: "ledger", Operation: "create_transaction", Retryable: false,
			Err: fmt.Errorf("transaction %s failed: %s", tx.ID, tx.Error),
		}
	}
	if err != nil {
		return r.remoteFailure(ctx, p, res.Assignment, err)
	}

	out := &Redemption{State: RedeemCommitted, PolicyID: p.ID, TransactionID: tx.ID, Transaction: tx}
	if res.Assignment != nil {
		accepted, aerr := r.assignments.Accept(ctx, *res.Assignment, learnerID, tx.ID)
		if aerr != nil {
			// The ledger committed; the assignment will be reconciled on retry
			// through the idempotency key.
			r.logger.Error("failed to accept assignment after commit",
				"assignment_id", res.Assignment.ID, "transaction_id", tx.ID, "error", aerr)
		} else {
			out.Assignment = accepted
		}
	}
	return out, nil
}

// attempt counts the learner's earlier transactions for contentKey that no
// longer hold value. A live one keeps the count, so its retry replays it.
func (r *Redeemer) attempt(ctx context.Context, p *Policy, learnerID credit.LearnerID, contentKey string) (int, error) {
	prior, err := r.ledger.ListTransactions(ctx, credit.TransactionQuery{
		SubsidyID: p.SubsidyID, PolicyID: p.ID, LearnerID: learnerID, ContentKey: contentKey,
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range prior {
		if !prior[i].IsLive() {
			n++
		}
	}
	return n, nil
}

func (r *Redeemer) remoteFailure(ctx context.Context, p *Policy, a *assignment.Assignment, cause error) (*Redemption, error) {
	var depErr *credit.DependencyError
	if !errors.As(cause, &depErr) {
		depErr = &credit.DependencyError{Service: "ledger", Operation: "create_transaction", Retryable: true, Err: cause}
	}

	out := &Redemption{State: RedeemRemoteError, PolicyID: p.ID, Error: retrySafeMessage}
	if a != nil && !depErr.Retryable {
		errored, err := r.assignments.MarkErrored(ctx, *a, depErr)
		if err != nil {
			r.logger.Error("failed to mark assignment errored", "assignment_id", a.ID, "error", err)
		} else {
			out.Assignment = errored
		}
		out.Error = "the redemption failed permanently"
	}
	return out, depErr
}

// IdempotencyKey derives the ledger key for a redemption. The same
// (subsidy, policy, learner, content, attempt) always yields the same key, so
// a retry after an ambiguous timeout cannot double-spend. attempt is the
// number of earlier failed or reversed transactions, so a refunded learner
// can redeem again. Assigned redemptions also bind the assignment and its
// allocation time, so a re-allocation gets a fresh key.
func IdempotencyKey(p *Policy, learnerID credit.LearnerID, contentKey string, a *assignment.Assignment, attempt int) string {
	parts := []string{
		string(p.SubsidyID), string(p.ID), strconv.FormatInt(int64(learnerID), 10), contentKey,
	}
	if a != nil {
		parts = append(parts, string(a.ID))
		if a.AllocatedAt != nil {
			parts = append(parts, a.AllocatedAt.UTC().Format("2006-01-02T15:04:05.000000Z"))
		}
	}
	if attempt > 0 {
		parts = append(parts, "attempt="+strconv.Itoa(attempt))
	}
	return "ledger-redemption-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(parts, "|"))).String()
}
