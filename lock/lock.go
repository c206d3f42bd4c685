/*
Package lock provides named, TTL-bound mutual exclusion across processes.

PURPOSE:
  Redemptions against the same policy must be serialized even when they run on
  different workers or hosts. This package exposes a small Locker contract and
  two implementations: Redis (shared, production) and Memory (single process).

PROTOCOL:
  Acquire:  SET key token NX PX ttl     (atomic set-if-absent)
  Release:  if GET key == token then DEL key   (atomic, Lua)

  The token is random per acquisition. A holder whose TTL expired can never
  delete a lock that another holder has since acquired.

BOUNDED WAIT:
  WithLock polls Acquire until Options.WaitTimeout elapses, then returns
  credit.ErrLocked. A caller whose ctx ends first gets ctx.Err() instead.
  It never blocks indefinitely. The lock is released on every
  exit path of fn, including panics.

KEYS:
  PolicyKey(p)            -> "subsidy_access_policy:<policy>"
  PolicyLearnerKey(p, l)  -> "subsidy_access_policy:<policy>:<learner>"

SEE ALSO:
  - redis.go: RedisLocker
  - memory.go: MemoryLocker
  - policy/redeemer.go: The caller
*/
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warp/learner-credit/credit"
)

// ErrNotAcquired is returned by Acquire when the key is already held.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker is the lock store contract.
type Locker interface {
	// Acquire takes key for at most ttl. Returns ErrNotAcquired if held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, err error)

	// Release frees key only if it is still held with token. It reports
	// whether a lock was actually removed.
	Release(ctx context.Context, key, token string) (bool, error)
}

// Options controls WithLock.
type Options struct {
	TTL          time.Duration // maximum hold duration
	WaitTimeout  time.Duration // bounded wait for acquisition; 0 means try once
	PollInterval time.Duration
}

// DefaultOptions mirrors the production defaults.
func DefaultOptions() Options {
	return Options{
		TTL:          5 * time.Minute,
		WaitTimeout:  500 * time.Millisecond,
		PollInterval: 50 * time.Millisecond,
	}
}

// Observer receives lock wait timings. Optional.
type Observer interface {
	ObserveLockWait(acquired bool, wait time.Duration)
}

const resourceName = "subsidy_access_policy"

// PolicyKey scopes a lock to one policy.
func PolicyKey(policyID credit.PolicyID) string {
	return fmt.Sprintf("%s:%s", resourceName, policyID)
}

// PolicyLearnerKey scopes a lock to one learner within a policy.
func PolicyLearnerKey(policyID credit.PolicyID, learnerID credit.LearnerID) string {
	return fmt.Sprintf("%s:%s:%d", resourceName, policyID, learnerID)
}

func newToken() string { return uuid.NewString() }

// =============================================================================
// SCOPED ACQUIRE / RELEASE
// =============================================================================

// WithLock runs fn while holding key. If the lock cannot be acquired within
// opts.WaitTimeout it returns credit.ErrLocked without calling fn; if ctx is
// done first it returns ctx.Err().
func WithLock(ctx context.Context, l Locker, key string, opts Options, obs Observer, fn func(ctx context.Context) error) (err error) {
	start := time.Now()
	token, err := acquireWithWait(ctx, l, key, opts)
	if obs != nil {
		obs.ObserveLockWait(err == nil, time.Since(start))
	}
	if err != nil {
		return err
	}

	defer func() {
		// Release with a fresh context so a cancelled request still frees the key.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, relErr := l.Release(relCtx, key, token); relErr != nil && err == nil {
			err = fmt.Errorf("release lock %s: %w", key, relErr)
		}
	}()

	return fn(ctx)
}

func acquireWithWait(ctx context.Context, l Locker, key string, opts Options) (string, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	deadline := time.Now().Add(opts.WaitTimeout)

	for {
		token, err := l.Acquire(ctx, key, opts.TTL)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return "", fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if !time.Now().Add(opts.PollInterval).Before(deadline) {
			return "", credit.ErrLocked
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(opts.PollInterval):
		}
	}
}
