package policy_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/learner-credit/assignment"
	"github.com/warp/learner-credit/credit"
	"github.com/warp/learner-credit/policy"
	"github.com/warp/learner-credit/policy/policytest"
	"github.com/warp/learner-credit/remote"
)

const (
	course   = "course-v1:edX+DemoX"
	price    = credit.Cents(5000)
	learner  = credit.LearnerID(7)
	email    = "learner@example.com"
	stranger = credit.LearnerID(99)
)

// newEnv funds the subsidy with balance and registers one learner and one course.
func newEnv(t *testing.T, balance credit.Cents) *policytest.Env {
	t.Helper()
	env := policytest.New(t, balance)
	env.Learner(learner, email, "g-1")
	env.Content(course, price)
	return env
}

func TestCanRedeem_Reasons(t *testing.T) {
	tests := []struct {
		name      string
		balance   credit.Cents
		typ       policy.Type
		mutate    func(*policy.Policy)
		learnerID credit.LearnerID
		content   string
		want      policy.ReasonCode
	}{
		{
			name: "inactive policy", balance: 100000, typ: policy.TypeLearnerCredit,
			mutate:    func(p *policy.Policy) { p.Active = false },
			learnerID: learner, content: course, want: policy.ReasonPolicyNotActive,
		},
		{
			name: "retired policy", balance: 100000, typ: policy.TypeLearnerCredit,
			mutate:    func(p *policy.Policy) { p.Retired = true },
			learnerID: learner, content: course, want: policy.ReasonPolicyNotActive,
		},
		{
			name: "learner outside enterprise", balance: 100000, typ: policy.TypeLearnerCredit,
			learnerID: stranger, content: course, want: policy.ReasonLearnerNotInEnterprise,
		},
		{
			name: "learner outside groups", balance: 100000, typ: policy.TypeLearnerCredit,
			mutate:    func(p *policy.Policy) { p.GroupIDs = []credit.GroupID{"g-2"} },
			learnerID: learner, content: course, want: policy.ReasonLearnerNotInGroup,
		},
		{
			name: "content outside catalog", balance: 100000, typ: policy.TypeLearnerCredit,
			learnerID: learner, content: "course-v1:edX+Missing", want: policy.ReasonContentNotInCatalog,
		},
		{
			name: "subsidy too small", balance: 4999, typ: policy.TypeLearnerCredit,
			learnerID: learner, content: course, want: policy.ReasonNotEnoughValueInSubsidy,
		},
		{
			name: "policy spend limit", balance: 100000, typ: policy.TypeCappedEnrollment,
			mutate:    func(p *policy.Policy) { p.SpendLimit = policytest.Cents(4999) },
			learnerID: learner, content: course, want: policy.ReasonPolicySpendLimitReached,
		},
		{
			name: "learner enrollment limit", balance: 100000, typ: policy.TypePerLearnerEnrollment,
			mutate:    func(p *policy.Policy) { p.PerLearnerEnrollmentLimit = policytest.Int(0) },
			learnerID: learner, content: course, want: policy.ReasonLearnerMaxEnrollmentsReached,
		},
		{
			name: "learner spend limit", balance: 100000, typ: policy.TypePerLearnerSpend,
			mutate:    func(p *policy.Policy) { p.PerLearnerSpendLimit = policytest.Cents(4000) },
			learnerID: learner, content: course, want: policy.ReasonLearnerMaxSpendReached,
		},
		{
			name: "no assignment", balance: 100000, typ: policy.TypeAssigned,
			learnerID: learner, content: course, want: policy.ReasonNoAllocatedAssignment,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN
			env := newEnv(t, tt.balance)
			p := env.Policy(t, tt.typ, tt.mutate)

			// WHEN
			res, err := env.Evaluator.CanRedeem(context.Background(), p, tt.learnerID, tt.content)

			// THEN
			require.NoError(t, err)
			assert.False(t, res.Redeemable)
			require.NotNil(t, res.Reason)
			assert.Equal(t, tt.want, res.Reason.Code)
			assert.NotEmpty(t, res.Reason.UserMessage)
		})
	}
}

func TestCanRedeem_ExpiredSubsidyIsNotActive(t *testing.T) {
	env := newEnv(t, 100000)
	p := env.Policy(t, policy.TypeLearnerCredit, nil)
	env.Clock.Set(policytest.Now.AddDate(2, 0, 0))

	res, err := env.Evaluator.CanRedeem(context.Background(), p, learner, course)

	require.NoError(t, err)
	assert.Equal(t, policy.ReasonPolicyNotActive, res.Reason.Code)
}

func TestCanRedeem_ExactlyExhaustingLimitsPasses(t *testing.T) {
	// GIVEN: Limits equal to the price
	env := newEnv(t, price)
	p := env.Policy(t, policy.TypePerLearnerSpend, func(p *policy.Policy) {
		p.SpendLimit = policytest.Cents(price)
		p.PerLearnerSpendLimit = policytest.Cents(price)
	})

	// WHEN
	res, err := env.Evaluator.CanRedeem(context.Background(), p, learner, course)

	// THEN: Redeemable, with every balance reported
	require.NoError(t, err)
	assert.True(t, res.Redeemable)
	assert.Nil(t, res.Reason)
	assert.Equal(t, price, res.Balances.ContentPrice)
	assert.Equal(t, price, res.Balances.SubsidyRemaining)
	assert.Equal(t, price, *res.Balances.PolicyRemaining)
	assert.Equal(t, price, *res.Balances.LearnerRemaining)
}

func TestCanRedeem_DependencyFailureFailsClosed(t *testing.T) {
	// GIVEN: The membership service is down
	env := newEnv(t, 100000)
	p := env.Policy(t, policy.TypeLearnerCredit, nil)
	env.Membership.Fail(remote.OpGetEnterpriseMembership, &credit.DependencyError{
		Service: "membership", Operation: remote.OpGetEnterpriseMembership, Retryable: true, Err: errors.New("timeout"),
	})

	// WHEN
	res, err := env.Evaluator.CanRedeem(context.Background(), p, learner, course)

	// THEN: Not redeemable, the cause is kept for the caller
	require.NoError(t, err)
	assert.False(t, res.Redeemable)
	assert.Equal(t, policy.ReasonDependencyUnavailable, res.Reason.Code)
	assert.True(t, credit.IsRetryable(res.Cause))
}

func TestCanRedeem_UnknownTypeIsAnError(t *testing.T) {
	env := newEnv(t, 100000)
	p := &policy.Policy{ID: "p-x", Type: "MysteryPolicy", Active: true}

	_, err := env.Evaluator.CanRedeem(context.Background(), p, learner, course)

	assert.ErrorIs(t, err, credit.ErrUnknownPolicyType)
}

func TestCanRedeem_AssignmentStateDrivesReason(t *testing.T) {
	// GIVEN: An allocated assignment for the learner's email
	env := newEnv(t, 100000)
	p := env.Policy(t, policy.TypeAssigned, func(p *policy.Policy) { p.SpendLimit = policytest.Cents(50000) })
	ctx := context.Background()
	alloc, err := env.Allocator.Allocate(ctx, p, policy.AllocationRequest{
		Emails: []string{email}, ContentKey: course, AssertedPrice: price,
	})
	require.NoError(t, err)
	require.Len(t, alloc.Created, 1)

	// WHEN: Evaluated before and after cancel
	before, err := env.Evaluator.CanRedeem(ctx, p, learner, course)
	require.NoError(t, err)
	_, err = env.Assignments.Cancel(ctx, []assignment.ID{alloc.Created[0].ID})
	require.NoError(t, err)
	after, err := env.Evaluator.CanRedeem(ctx, p, learner, course)
	require.NoError(t, err)

	// THEN
	assert.True(t, before.Redeemable)
	require.NotNil(t, before.Assignment)
	assert.Equal(t, alloc.Created[0].ID, before.Assignment.ID)
	assert.False(t, after.Redeemable)
	assert.Equal(t, policy.ReasonAssignmentCancelled, after.Reason.Code)
}

func TestEvaluateAll_KeepsOrder(t *testing.T) {
	env := newEnv(t, 100000)
	open := env.Policy(t, policy.TypeLearnerCredit, nil)
	capped := env.Policy(t, policy.TypeCappedEnrollment, func(p *policy.Policy) { p.SpendLimit = policytest.Cents(100) })

	results, err := env.Evaluator.EvaluateAll(context.Background(), []policy.Policy{*capped, *open}, learner, course)

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, capped.ID, results[0].PolicyID)
	assert.False(t, results[0].Redeemable)
	assert.Equal(t, open.ID, results[1].PolicyID)
	assert.True(t, results[1].Redeemable)
}
