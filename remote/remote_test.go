package remote_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/learner-credit/credit"
	"github.com/warp/learner-credit/remote"
)

func newServer(t *testing.T, h http.HandlerFunc) remote.ClientConfig {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return remote.ClientConfig{BaseURL: srv.URL, Timeout: time.Second}
}

// =============================================================================
// HTTP CLIENTS
// =============================================================================

func TestHTTPMembership_NotLinkedIsNil(t *testing.T) {
	// GIVEN: A membership service answering 404
	cfg := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/enterprise-customers/ent-1/learners/42", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	})
	m := remote.NewHTTPMembership(cfg)

	// WHEN: The learner is looked up
	got, err := m.GetEnterpriseMembership(context.Background(), 42, "ent-1")

	// THEN: Absence is not an error
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestHTTPMembership_DecodesMembership(t *testing.T) {
	cfg := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"enterprise_customer_uuid": "ent-1", "lms_user_id": 42, "email": "a@example.com", "active": true,
		})
	})
	m := remote.NewHTTPMembership(cfg)

	got, err := m.GetEnterpriseMembership(context.Background(), 42, "ent-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, credit.LearnerID(42), got.LearnerID)
	assert.Equal(t, "a@example.com", got.Email)
	assert.True(t, got.Active)
}

func TestHTTPClient_StatusMapping(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusRequestTimeout, true},
		{http.StatusBadRequest, false},
		{http.StatusForbidden, false},
		{http.StatusConflict, false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			cfg := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", tc.status)
			})
			l := remote.NewHTTPLedger(cfg)

			_, err := l.GetRemainingBalance(context.Background(), "sub-1")

			var depErr *credit.DependencyError
			require.ErrorAs(t, err, &depErr)
			assert.Equal(t, tc.status, depErr.StatusCode)
			assert.Equal(t, tc.retryable, depErr.Retryable)
			assert.Equal(t, tc.retryable, credit.IsRetryable(err))
			assert.ErrorIs(t, err, credit.ErrDependencyUnavailable)
		})
	}
}

func TestHTTPClient_TimeoutIsRetryable(t *testing.T) {
	// GIVEN: A catalog that answers slower than the client timeout
	cfg := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	cfg.Timeout = 20 * time.Millisecond
	c := remote.NewHTTPCatalog(cfg)

	// WHEN: A lookup is made
	_, err := c.CatalogContainsContent(context.Background(), "cat-1", "course-v1:x")

	// THEN: The failure is a retryable dependency error
	var depErr *credit.DependencyError
	require.ErrorAs(t, err, &depErr)
	assert.True(t, depErr.Retryable)
	assert.Zero(t, depErr.StatusCode)
}

func TestHTTPCatalog_MissingContent(t *testing.T) {
	cfg := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	c := remote.NewHTTPCatalog(cfg)

	_, err := c.GetContentPrice(context.Background(), "nope")
	assert.ErrorIs(t, err, credit.ErrContentNotFound)
}

func TestHTTPLedger_CreateTransactionSendsIdempotencyKey(t *testing.T) {
	// GIVEN: A ledger that echoes a committed transaction
	var got map[string]any
	cfg := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/transactions", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]any{
			"uuid": "tx-1", "subsidy_uuid": "sub-1", "lms_user_id": 7,
			"content_key": "course-v1:x", "quantity": 5000, "state": "committed",
		})
	})
	l := remote.NewHTTPLedger(cfg)

	// WHEN: A transaction is created
	tx, err := l.CreateTransaction(context.Background(), credit.TransactionRequest{
		SubsidyID: "sub-1", PolicyID: "pol-1", LearnerID: 7, ContentKey: "course-v1:x",
		Quantity: 5000, IdempotencyKey: "ledger-redemption-abc",
	})

	// THEN: The key reached the ledger and the response is mapped
	require.NoError(t, err)
	assert.Equal(t, "ledger-redemption-abc", got["idempotency_key"])
	assert.Equal(t, credit.TransactionID("tx-1"), tx.ID)
	assert.Equal(t, credit.TransactionCommitted, tx.State)
	assert.Equal(t, credit.Cents(5000), tx.Quantity)
}

func TestHTTPClient_OAuthBearerToken(t *testing.T) {
	// GIVEN: A token endpoint and a service that requires the token
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-123","token_type":"bearer","expires_in":3600}`))
	}))
	t.Cleanup(tokenSrv.Close)

	var auth string
	cfg := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{"contains_content_items": true})
	})
	cfg.TokenURL = tokenSrv.URL
	cfg.ClientID = "engine"
	cfg.ClientSecret = "secret"

	// WHEN: A request is made
	ok, err := remote.NewHTTPCatalog(cfg).CatalogContainsContent(context.Background(), "cat-1", "k")

	// THEN: It carries the bearer token
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Bearer tok-123", auth)
}

// =============================================================================
// CACHES
// =============================================================================

func TestCachedCatalog_ServesFromCache(t *testing.T) {
	// GIVEN: A cached catalog over an in-memory catalog
	inner := remote.NewMemoryCatalog()
	inner.AddContent("cat-1", credit.ContentMetadata{ContentKey: "k", Price: 1000})
	c := remote.NewCachedCatalog(inner, remote.CacheConfig{TTL: time.Minute})
	ctx := context.Background()

	// WHEN: The price is read twice
	p1, err := c.GetContentPrice(ctx, "k")
	require.NoError(t, err)
	inner.SetPrice("k", 2000)
	p2, err := c.GetContentPrice(ctx, "k")
	require.NoError(t, err)

	// THEN: The second read is stale but served without a remote call
	assert.Equal(t, credit.Cents(1000), p1)
	assert.Equal(t, credit.Cents(1000), p2)
	assert.Equal(t, 1, inner.Calls(remote.OpGetContentPrice))
}

func TestCachedCatalog_ExpiresAfterTTL(t *testing.T) {
	inner := remote.NewMemoryCatalog()
	inner.AddContent("cat-1", credit.ContentMetadata{ContentKey: "k", Price: 1000})
	c := remote.NewCachedCatalog(inner, remote.CacheConfig{TTL: 20 * time.Millisecond})
	ctx := context.Background()

	_, err := c.GetContentPrice(ctx, "k")
	require.NoError(t, err)
	inner.SetPrice("k", 2000)

	assert.Eventually(t, func() bool {
		p, err := c.GetContentPrice(ctx, "k")
		return err == nil && p == 2000
	}, time.Second, 10*time.Millisecond)
}

func TestCachedMembership_ErrorsAreNotCached(t *testing.T) {
	// GIVEN: A membership service that fails once
	inner := remote.NewMemoryMembership()
	inner.AddLearner("ent-1", 1, "a@example.com")
	inner.Fail(remote.OpGetEnterpriseMembership, &credit.DependencyError{Service: "membership", Retryable: true, Err: errors.New("down")})
	c := remote.NewCachedMembership(inner, remote.CacheConfig{})
	ctx := context.Background()

	_, err := c.GetEnterpriseMembership(ctx, 1, "ent-1")
	require.Error(t, err)

	// WHEN: The service recovers
	inner.Fail(remote.OpGetEnterpriseMembership, nil)
	m, err := c.GetEnterpriseMembership(ctx, 1, "ent-1")

	// THEN: The next call reaches it
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 2, inner.Calls(remote.OpGetEnterpriseMembership))
}

// slowCatalog counts price calls and blocks until released.
type slowCatalog struct {
	*remote.MemoryCatalog
	calls   atomic.Int32
	release chan struct{}
}

func (s *slowCatalog) GetContentPrice(ctx context.Context, key string) (credit.Cents, error) {
	s.calls.Add(1)
	<-s.release
	return s.MemoryCatalog.GetContentPrice(ctx, key)
}

func TestCachedCatalog_CollapsesConcurrentMisses(t *testing.T) {
	// GIVEN: A slow catalog behind the cache
	inner := &slowCatalog{MemoryCatalog: remote.NewMemoryCatalog(), release: make(chan struct{})}
	inner.AddContent("cat-1", credit.ContentMetadata{ContentKey: "k", Price: 1000})
	c := remote.NewCachedCatalog(inner, remote.CacheConfig{})

	// WHEN: Many callers miss at once
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := c.GetContentPrice(context.Background(), "k")
			assert.NoError(t, err)
			assert.Equal(t, credit.Cents(1000), p)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(inner.release)
	wg.Wait()

	// THEN: One remote call served them all
	assert.Equal(t, int32(1), inner.calls.Load())
}

// ctxCatalog blocks price calls until released, then honors its ctx.
type ctxCatalog struct {
	*remote.MemoryCatalog
	calls   atomic.Int32
	release chan struct{}
}

func (c *ctxCatalog) GetContentPrice(ctx context.Context, key string) (credit.Cents, error) {
	c.calls.Add(1)
	<-c.release
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.MemoryCatalog.GetContentPrice(ctx, key)
}

func TestCachedCatalog_FirstCallerCancelDoesNotFailOthers(t *testing.T) {
	// GIVEN: A caller that starts the shared load, then a second that joins it
	inner := &ctxCatalog{MemoryCatalog: remote.NewMemoryCatalog(), release: make(chan struct{})}
	inner.AddContent("cat-1", credit.ContentMetadata{ContentKey: "k", Price: 1000})
	c := remote.NewCachedCatalog(inner, remote.CacheConfig{})

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.GetContentPrice(firstCtx, "k")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return inner.calls.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		price credit.Cents
		err   error
	}
	second := make(chan result, 1)
	go func() {
		p, err := c.GetContentPrice(context.Background(), "k")
		second <- result{p, err}
	}()

	// WHEN: The first caller goes away before the load finishes
	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	close(inner.release)

	// THEN: The second caller still gets the price from the one load
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, credit.Cents(1000), got.price)
	assert.Equal(t, int32(1), inner.calls.Load())
}

// =============================================================================
// IN-MEMORY LEDGER
// =============================================================================

func TestMemoryLedger_IdempotentCreate(t *testing.T) {
	// GIVEN: A subsidy with $100
	l := remote.NewMemoryLedger()
	l.PutSubsidy(credit.Subsidy{ID: "sub-1", RemainingBalance: 10000})
	ctx := context.Background()
	req := credit.TransactionRequest{SubsidyID: "sub-1", PolicyID: "p", LearnerID: 1, ContentKey: "k", Quantity: 3000, IdempotencyKey: "key-1"}

	// WHEN: The same request is sent twice
	tx1, err := l.CreateTransaction(ctx, req)
	require.NoError(t, err)
	tx2, err := l.CreateTransaction(ctx, req)
	require.NoError(t, err)

	// THEN: One transaction, charged once
	assert.Equal(t, tx1.ID, tx2.ID)
	bal, err := l.GetRemainingBalance(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, credit.Cents(7000), bal)
	assert.Len(t, l.Transactions(), 1)
}

func TestMemoryLedger_InsufficientBalanceFails(t *testing.T) {
	l := remote.NewMemoryLedger()
	l.PutSubsidy(credit.Subsidy{ID: "sub-1", RemainingBalance: 1000})

	tx, err := l.CreateTransaction(context.Background(), credit.TransactionRequest{SubsidyID: "sub-1", Quantity: 1001})
	require.NoError(t, err)
	assert.Equal(t, credit.TransactionFailed, tx.State)

	bal, _ := l.GetRemainingBalance(context.Background(), "sub-1")
	assert.Equal(t, credit.Cents(1000), bal)
}

func TestMemoryLedger_AggregatesExcludeReversed(t *testing.T) {
	// GIVEN: Two committed redemptions by different learners
	l := remote.NewMemoryLedger()
	l.PutSubsidy(credit.Subsidy{ID: "sub-1", RemainingBalance: 10000})
	ctx := context.Background()
	tx1, err := l.CreateTransaction(ctx, credit.TransactionRequest{SubsidyID: "sub-1", PolicyID: "p", LearnerID: 1, Quantity: 1000})
	require.NoError(t, err)
	_, err = l.CreateTransaction(ctx, credit.TransactionRequest{SubsidyID: "sub-1", PolicyID: "p", LearnerID: 2, Quantity: 2000})
	require.NoError(t, err)

	// WHEN: One is reversed
	require.NoError(t, l.Reverse(tx1.ID))

	// THEN: Aggregates and balance reflect only the live one
	all, err := l.GetAggregateSpend(ctx, credit.AggregateQuery{SubsidyID: "sub-1", PolicyID: "p"})
	require.NoError(t, err)
	assert.Equal(t, credit.Aggregate{Count: 1, Spend: 2000}, all)

	learner := credit.LearnerID(1)
	mine, err := l.GetAggregateSpend(ctx, credit.AggregateQuery{SubsidyID: "sub-1", PolicyID: "p", LearnerID: &learner})
	require.NoError(t, err)
	assert.Zero(t, mine.Count)

	bal, _ := l.GetRemainingBalance(ctx, "sub-1")
	assert.Equal(t, credit.Cents(8000), bal)
}

func TestMemoryLedger_ReversedTransactionIsNotReplayed(t *testing.T) {
	// GIVEN: A committed redemption that was then refunded
	l := remote.NewMemoryLedger()
	l.PutSubsidy(credit.Subsidy{ID: "sub-1", RemainingBalance: 10000})
	ctx := context.Background()
	req := credit.TransactionRequest{SubsidyID: "sub-1", PolicyID: "p", LearnerID: 1, ContentKey: "k", Quantity: 3000, IdempotencyKey: "key-1"}
	first, err := l.CreateTransaction(ctx, req)
	require.NoError(t, err)
	require.NoError(t, l.Reverse(first.ID))

	// WHEN: The same key arrives again
	second, err := l.CreateTransaction(ctx, req)

	// THEN: A new transaction is charged
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, credit.TransactionCommitted, second.State)
	bal, _ := l.GetRemainingBalance(ctx, "sub-1")
	assert.Equal(t, credit.Cents(7000), bal)

	txs, err := l.ListTransactions(ctx, credit.TransactionQuery{SubsidyID: "sub-1", PolicyID: "p", LearnerID: 1, ContentKey: "k"})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.True(t, txs[0].Reversed)
	assert.False(t, txs[0].IsLive())
	assert.True(t, txs[1].IsLive())
}

func TestMemoryLedger_FailedTransactionIsNotReplayed(t *testing.T) {
	l := remote.NewMemoryLedger()
	l.PutSubsidy(credit.Subsidy{ID: "sub-1", RemainingBalance: 1000})
	ctx := context.Background()
	req := credit.TransactionRequest{SubsidyID: "sub-1", LearnerID: 1, Quantity: 2000, IdempotencyKey: "key-1"}

	failed, err := l.CreateTransaction(ctx, req)
	require.NoError(t, err)
	require.Equal(t, credit.TransactionFailed, failed.State)

	l.PutSubsidy(credit.Subsidy{ID: "sub-1", RemainingBalance: 5000})
	retry, err := l.CreateTransaction(ctx, req)

	require.NoError(t, err)
	assert.NotEqual(t, failed.ID, retry.ID)
	assert.Equal(t, credit.TransactionCommitted, retry.State)
}

func TestHTTPLedger_ListTransactions(t *testing.T) {
	// GIVEN: A ledger with one reversed and one live transaction
	cfg := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/transactions", r.URL.Path)
		assert.Equal(t, "sub-1", r.URL.Query().Get("subsidy_uuid"))
		assert.Equal(t, "7", r.URL.Query().Get("lms_user_id"))
		assert.Equal(t, "course-v1:x", r.URL.Query().Get("content_key"))
		json.NewEncoder(w).Encode(map[string]any{"results": []map[string]any{
			{"uuid": "tx-1", "state": "committed", "quantity": 5000, "reversal": map[string]any{"uuid": "rev-1"}},
			{"uuid": "tx-2", "state": "committed", "quantity": 5000},
		}})
	})

	// WHEN
	txs, err := remote.NewHTTPLedger(cfg).ListTransactions(context.Background(), credit.TransactionQuery{
		SubsidyID: "sub-1", PolicyID: "pol-1", LearnerID: 7, ContentKey: "course-v1:x",
	})

	// THEN: Reversals are mapped
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.True(t, txs[0].Reversed)
	assert.False(t, txs[1].Reversed)
}
