/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Policy create-or-get, update invariants, deactivation
- Redemption status mapping (committed, rejected, locked, remote error)
- Allocation and batch rejection
- Assignment cancel / remind / link
*/
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/learner-credit/api"
	"github.com/warp/learner-credit/assignment"
	"github.com/warp/learner-credit/credit"
	"github.com/warp/learner-credit/lock"
	"github.com/warp/learner-credit/policy"
	"github.com/warp/learner-credit/policy/policytest"
	"github.com/warp/learner-credit/remote"
)

const course = "course-v1:edX+DemoX"

type testServer struct {
	env    *policytest.Env
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	env := policytest.New(t, 100000)
	env.Content(course, 5000)
	env.Learner(7, "learner@example.com")

	h := api.NewHandler(api.Dependencies{
		Policies:    env.Service,
		Evaluator:   env.Evaluator,
		Redeemer:    env.Redeemer,
		Allocator:   env.Allocator,
		Assignments: env.Assignments,
		Sweeper:     env.Sweeper,
		Logger:      env.Logger,
	})
	return &testServer{env: env, router: api.NewRouter(h, api.RouterConfig{Gatherer: env.Registry})}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// =============================================================================
// POLICIES
// =============================================================================

func TestCreatePolicy_CreateOrGet(t *testing.T) {
	// GIVEN: A server with an empty policy store
	s := newTestServer(t)
	body := map[string]any{
		"enterprise_customer_uuid":     string(policytest.Enterprise),
		"policy_type":                  string(policy.TypePerLearnerEnrollment),
		"subsidy_uuid":                 string(policytest.Subsidy),
		"catalog_uuid":                 string(policytest.Catalog),
		"per_learner_enrollment_limit": 2,
		"spend_limit":                  50000,
	}

	// WHEN: The same policy is posted twice
	first := s.do(t, http.MethodPost, "/api/v1/policies", body)
	second := s.do(t, http.MethodPost, "/api/v1/policies", body)

	// THEN: The first call creates, the second returns the same record
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	require.Equal(t, http.StatusOK, second.Code)
	a := decode[api.CreatePolicyResponse](t, first)
	b := decode[api.CreatePolicyResponse](t, second)
	assert.True(t, a.Created)
	assert.False(t, b.Created)
	assert.Equal(t, a.Policy.ID, b.Policy.ID)
	assert.Equal(t, "direct", a.Policy.AccessMethod)
	assert.Equal(t, int64(50000), *a.Policy.SpendLimit)
}

func TestCreatePolicy_Validation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing subsidy", map[string]any{
			"enterprise_customer_uuid": "ent-1", "policy_type": string(policy.TypeLearnerCredit), "catalog_uuid": "cat-1",
		}},
		{"negative limit", map[string]any{
			"enterprise_customer_uuid": "ent-1", "policy_type": string(policy.TypeLearnerCredit),
			"subsidy_uuid": "sub-1", "catalog_uuid": "cat-1", "spend_limit": -1,
		}},
		{"unknown type", map[string]any{
			"enterprise_customer_uuid": "ent-1", "policy_type": "NoSuchPolicy",
			"subsidy_uuid": "sub-1", "catalog_uuid": "cat-1",
		}},
		{"unknown field", map[string]any{
			"enterprise_customer_uuid": "ent-1", "policy_type": string(policy.TypeLearnerCredit),
			"subsidy_uuid": "sub-1", "catalog_uuid": "cat-1", "bogus": true,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/v1/policies", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestUpdatePolicy_SpendLimitAboveDepositsIs422(t *testing.T) {
	// GIVEN: A capped policy using most of the subsidy
	s := newTestServer(t)
	p := s.env.Policy(t, policy.TypeCappedEnrollment, func(p *policy.Policy) { p.SpendLimit = policytest.Cents(90000) })

	// WHEN: The limit is raised past total deposits
	rec := s.do(t, http.MethodPatch, "/api/v1/policies/"+string(p.ID), map[string]any{"spend_limit": 100001})

	// THEN: The update is refused and nothing changed
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "invariant_violation", decode[api.ErrorResponse](t, rec).Code)
	got, err := s.env.Service.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.Cents(90000), *got.SpendLimit)
}

func TestPolicy_GetDeactivateAndNotFound(t *testing.T) {
	s := newTestServer(t)
	p := s.env.Policy(t, policy.TypeLearnerCredit, nil)

	rec := s.do(t, http.MethodPost, "/api/v1/policies/"+string(p.ID)+"/deactivate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[api.PolicyDTO](t, rec).Active)

	rec = s.do(t, http.MethodGet, "/api/v1/policies/"+string(p.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/policies/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// REDEMPTION
// =============================================================================

func TestRedeem_Committed(t *testing.T) {
	// GIVEN: A direct policy and an enrolled learner
	s := newTestServer(t)
	p := s.env.Policy(t, policy.TypeLearnerCredit, nil)

	// WHEN: The learner redeems
	rec := s.do(t, http.MethodPost, "/api/v1/policies/"+string(p.ID)+"/redeem",
		map[string]any{"lms_user_id": 7, "content_key": course, "metadata": map[string]any{"source": "test"}})

	// THEN: A transaction was committed and has-redeemed reflects it
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[api.RedeemResponse](t, rec)
	assert.Equal(t, string(policy.RedeemCommitted), resp.State)
	assert.NotEmpty(t, resp.TransactionID)

	rec = s.do(t, http.MethodGet, "/api/v1/policies/"+string(p.ID)+"/has-redeemed?lms_user_id=7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[api.HasRedeemedResponse](t, rec).HasRedeemed)
}

func TestRedeem_IneligibleIs422WithReason(t *testing.T) {
	s := newTestServer(t)
	p := s.env.Policy(t, policy.TypeLearnerCredit, nil)

	rec := s.do(t, http.MethodPost, "/api/v1/policies/"+string(p.ID)+"/redeem",
		map[string]any{"lms_user_id": 99, "content_key": course})

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decode[api.RedeemResponse](t, rec)
	require.NotNil(t, resp.Reason)
	assert.Equal(t, policy.ReasonLearnerNotInEnterprise, resp.Reason.Code)
	assert.Empty(t, s.env.Ledger.Transactions())
}

func TestRedeem_LockHeldIs423(t *testing.T) {
	// GIVEN: Someone else holds the policy lock
	s := newTestServer(t)
	p := s.env.Policy(t, policy.TypeLearnerCredit, nil)
	_, err := s.env.Locker.Acquire(context.Background(), lock.PolicyKey(p.ID), time.Minute)
	require.NoError(t, err)

	// WHEN: The learner redeems
	rec := s.do(t, http.MethodPost, "/api/v1/policies/"+string(p.ID)+"/redeem",
		map[string]any{"lms_user_id": 7, "content_key": course})

	// THEN: The caller is told to retry and nothing was spent
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Equal(t, string(policy.RedeemLockFailed), decode[api.RedeemResponse](t, rec).State)
	assert.Empty(t, s.env.Ledger.Transactions())
}

func TestRedeem_LedgerTimeoutIs503(t *testing.T) {
	s := newTestServer(t)
	p := s.env.Policy(t, policy.TypeLearnerCredit, nil)
	s.env.Ledger.Fail(remote.OpCreateTransaction, &credit.DependencyError{
		Service: "ledger", Operation: remote.OpCreateTransaction, Retryable: true, Err: errors.New("timeout"),
	})

	rec := s.do(t, http.MethodPost, "/api/v1/policies/"+string(p.ID)+"/redeem",
		map[string]any{"lms_user_id": 7, "content_key": course})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decode[api.RedeemResponse](t, rec)
	assert.Equal(t, string(policy.RedeemRemoteError), resp.State)
	assert.Contains(t, resp.Error, "safe to retry")
	assert.False(t, s.env.Locker.Held(lock.PolicyKey(p.ID)))
}

func TestRemoteFailureTextStaysServerSide(t *testing.T) {
	const leak = `GET https://ledger.internal:8443/transactions/aggregates: {"trace":"db-primary-7 timeout"}`
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			"permanent dependency failure",
			&credit.DependencyError{Service: "ledger", StatusCode: 500, Err: errors.New(leak)},
			http.StatusBadGateway, "ledger_unavailable",
		},
		{
			"retryable dependency failure",
			&credit.DependencyError{Service: "ledger", Retryable: true, Err: errors.New(leak)},
			http.StatusServiceUnavailable, "ledger_unavailable",
		},
		{"unclassified failure", errors.New(leak), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: The ledger answers with internal details
			s := newTestServer(t)
			p := s.env.Policy(t, policy.TypeLearnerCredit, nil)
			s.env.Ledger.Fail(remote.OpGetAggregateSpend, tt.err)

			// WHEN
			rec := s.do(t, http.MethodGet, "/api/v1/policies/"+string(p.ID)+"/has-redeemed?lms_user_id=7", nil)

			// THEN: The client gets a status and a code, nothing from upstream
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decode[api.ErrorResponse](t, rec).Code)
			assert.NotContains(t, rec.Body.String(), "ledger.internal")
			assert.NotContains(t, rec.Body.String(), "db-primary-7")
		})
	}
}

func TestCanRedeem_PerContentKey(t *testing.T) {
	// GIVEN: One redeemable course and one outside the catalog
	s := newTestServer(t)
	p := s.env.Policy(t, policy.TypeLearnerCredit, nil)

	// WHEN
	rec := s.do(t, http.MethodPost, "/api/v1/enterprises/"+string(policytest.Enterprise)+"/can-redeem",
		map[string]any{"lms_user_id": 7, "content_keys": []string{course, "not-in-catalog"}})

	// THEN
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[[]policy.ContentRedeemability](t, rec)
	require.Len(t, out, 2)
	assert.True(t, out[0].Redeemable)
	assert.Equal(t, p.ID, out[0].PolicyID)
	assert.False(t, out[1].Redeemable)
	require.Len(t, out[1].Reasons, 1)
	assert.Equal(t, policy.ReasonContentNotInCatalog, out[1].Reasons[0].Code)
}

func TestCanRedeem_RequiresContentKeys(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/enterprises/ent-1/can-redeem", map[string]any{"lms_user_id": 7})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ALLOCATION AND ASSIGNMENTS
// =============================================================================

func assignedPolicy(t *testing.T, s *testServer) *policy.Policy {
	return s.env.Policy(t, policy.TypeAssigned, func(p *policy.Policy) { p.SpendLimit = policytest.Cents(20000) })
}

func TestAllocate_ThenCancelAndRemind(t *testing.T) {
	// GIVEN: An assigned policy
	s := newTestServer(t)
	p := assignedPolicy(t, s)
	base := "/api/v1/policies/" + string(p.ID)

	// WHEN: Two learners are allocated
	rec := s.do(t, http.MethodPost, base+"/allocate", map[string]any{
		"learner_emails": []string{"a@example.com", "b@example.com"}, "content_key": course, "content_price_cents": 5000,
	})

	// THEN: Both assignments exist and were notified
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	alloc := decode[api.AllocateResponse](t, rec)
	require.Len(t, alloc.Created, 2)
	assert.Len(t, s.env.Notifier.Sent(), 2)

	listed := s.do(t, http.MethodGet, base+"/assignments?state=allocated", nil)
	require.Equal(t, http.StatusOK, listed.Code)
	assert.Len(t, decode[[]api.AssignmentDTO](t, listed), 2)

	// WHEN: One is cancelled and both are reminded
	ids := []string{alloc.Created[0].ID}
	rec = s.do(t, http.MethodPost, "/api/v1/assignments/cancel", map[string]any{"assignment_uuids": ids})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ids, decode[api.BulkAssignmentsResponse](t, rec).Results[string(assignment.OutcomeCancelled)])

	rec = s.do(t, http.MethodPost, "/api/v1/assignments/remind", map[string]any{
		"assignment_uuids": []string{alloc.Created[0].ID, alloc.Created[1].ID, "missing"},
	})

	// THEN: Only the still-allocated one is reminded
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[api.BulkAssignmentsResponse](t, rec).Results
	assert.Equal(t, []string{alloc.Created[1].ID}, res[string(assignment.OutcomeReminded)])
	assert.Equal(t, []string{alloc.Created[0].ID}, res[string(assignment.OutcomeNotRemindable)])
	assert.Equal(t, []string{"missing"}, res[string(assignment.OutcomeNotFound)])
}

func TestAllocate_OverSpendLimitIs422(t *testing.T) {
	s := newTestServer(t)
	p := assignedPolicy(t, s)

	rec := s.do(t, http.MethodPost, "/api/v1/policies/"+string(p.ID)+"/allocate", map[string]any{
		"learner_emails":      []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com", "e@example.com"},
		"content_key":         course,
		"content_price_cents": 5000,
	})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, string(policy.AllocationSpendLimitReached), decode[api.ErrorResponse](t, rec).Code)
	list, err := s.env.Store.ListAssignments(context.Background(), assignment.Filter{PolicyID: p.ID})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCanAllocate_ReportsRejectionAsAnswer(t *testing.T) {
	s := newTestServer(t)
	p := assignedPolicy(t, s)

	rec := s.do(t, http.MethodPost, "/api/v1/policies/"+string(p.ID)+"/can-allocate", map[string]any{
		"learner_emails": []string{"a@example.com"}, "content_key": course, "content_price_cents": 9000,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[api.CanAllocateResponse](t, rec)
	assert.False(t, out.CanAllocate)
	assert.Equal(t, string(policy.AllocationPriceOutOfRange), out.Reason)
}

func TestAllocate_RejectsBadEmail(t *testing.T) {
	s := newTestServer(t)
	p := assignedPolicy(t, s)

	rec := s.do(t, http.MethodPost, "/api/v1/policies/"+string(p.ID)+"/allocate", map[string]any{
		"learner_emails": []string{"not-an-email"}, "content_key": course, "content_price_cents": 5000,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLinkLearner_ThenRedeemAssignment(t *testing.T) {
	// GIVEN: Content assigned to an email before the learner had an account
	s := newTestServer(t)
	p := assignedPolicy(t, s)
	rec := s.do(t, http.MethodPost, "/api/v1/policies/"+string(p.ID)+"/allocate", map[string]any{
		"learner_emails": []string{"learner@example.com"}, "content_key": course, "content_price_cents": 5000,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// WHEN: The learner is linked and redeems
	rec = s.do(t, http.MethodPost, "/api/v1/assignments/link-learner",
		map[string]any{"learner_email": "learner@example.com", "lms_user_id": 7})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[api.LinkLearnerResponse](t, rec).Linked)

	rec = s.do(t, http.MethodPost, "/api/v1/policies/"+string(p.ID)+"/redeem",
		map[string]any{"lms_user_id": 7, "content_key": course})

	// THEN: The assignment is accepted
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	listed := s.do(t, http.MethodGet, "/api/v1/policies/"+string(p.ID)+"/assignments?state=accepted", nil)
	got := decode[[]api.AssignmentDTO](t, listed)
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].TransactionID)
}

func TestListAssignments_RejectsUnknownState(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/v1/policies/p/assignments?state=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ADMIN AND PLUMBING
// =============================================================================

func TestExpireAssignments_DryRun(t *testing.T) {
	s := newTestServer(t)
	assignedPolicy(t, s)

	rec := s.do(t, http.MethodPost, "/api/v1/admin/expire-assignments?dry_run=true", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[policy.SweepResult](t, rec).DryRun)
}

func TestMetricsAndHealth(t *testing.T) {
	s := newTestServer(t)
	p := s.env.Policy(t, policy.TypeLearnerCredit, nil)
	s.do(t, http.MethodPost, "/api/v1/policies/"+string(p.ID)+"/redeem", map[string]any{"lms_user_id": 7, "content_key": course})

	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "learner_credit_redemption_outcomes_total")
}
