package factory_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/learner-credit/credit"
	"github.com/warp/learner-credit/factory"
	"github.com/warp/learner-credit/policy"
	"github.com/warp/learner-credit/policy/policytest"
)

const sampleYAML = `
policies:
  - enterprise_customer_uuid: ent-1
    description: Spring cohort
    policy_type: PerLearnerSpendCreditAccessPolicy
    subsidy_uuid: sub-1
    catalog_uuid: cat-1
    spend_limit_usd: "500.50"
    per_learner_spend_limit_usd: "100"
    group_uuids: [g-1]
  - enterprise_customer_uuid: ent-1
    policy_type: AssignedLearnerCreditAccessPolicy
    subsidy_uuid: sub-1
    catalog_uuid: cat-1
    spend_limit_usd: "250"
`

func TestParseYAML_ConvertsDollarsToCents(t *testing.T) {
	// GIVEN: A YAML document with dollar limits
	f := factory.NewPolicyFactory()

	// WHEN: It is parsed and converted
	doc, err := f.ParseYAML([]byte(sampleYAML))
	require.NoError(t, err)
	require.Len(t, doc.Policies, 2)
	p, err := f.ToPolicy(doc.Policies[0])

	// THEN: Limits are exact cents and defaults apply
	require.NoError(t, err)
	assert.Equal(t, policy.TypePerLearnerSpend, p.Type)
	assert.Equal(t, credit.Cents(50050), *p.SpendLimit)
	assert.Equal(t, credit.Cents(10000), *p.PerLearnerSpendLimit)
	assert.True(t, p.Active)
	assert.Equal(t, []credit.GroupID{"g-1"}, p.GroupIDs)
}

func TestParseFile_JSONByExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"policies":[{
		"enterprise_customer_uuid":"ent-1","policy_type":"LearnerCreditAccessPolicy",
		"subsidy_uuid":"sub-1","catalog_uuid":"cat-1","active":false}]}`), 0o600))

	doc, err := factory.NewPolicyFactory().ParseFile(path)

	require.NoError(t, err)
	require.Len(t, doc.Policies, 1)
	assert.False(t, *doc.Policies[0].Active)
}

func TestParse_Rejects(t *testing.T) {
	f := factory.NewPolicyFactory()

	tests := []struct {
		name string
		yaml string
	}{
		{"empty document", "policies: []"},
		{"unknown key", "policies:\n  - enterprise_customer_uuid: e\n    policy_type: t\n    subsidy_uuid: s\n    catalog_uuid: c\n    colour: red\n"},
		{"missing catalog", "policies:\n  - enterprise_customer_uuid: e\n    policy_type: t\n    subsidy_uuid: s\n"},
		{"bad access method", "policies:\n  - enterprise_customer_uuid: e\n    policy_type: t\n    subsidy_uuid: s\n    catalog_uuid: c\n    access_method: walk-in\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParseYAML([]byte(tt.yaml))
			assert.ErrorIs(t, err, credit.ErrInvalidInput)
		})
	}
}

func TestToPolicy_RejectsBadDollars(t *testing.T) {
	f := factory.NewPolicyFactory()
	base := factory.PolicyDefinition{EnterpriseID: "e", PolicyType: "t", SubsidyID: "s", CatalogID: "c"}

	for _, raw := range []string{"12.345", "-1", "ten"} {
		def := base
		def.SpendLimitUSD = raw
		_, err := f.ToPolicy(def)
		assert.ErrorIs(t, err, credit.ErrInvalidInput, raw)
	}
}

func TestProvision_IsIdempotent(t *testing.T) {
	// GIVEN: An engine and a parsed document
	env := policytest.New(t, 100000)
	f := factory.NewPolicyFactory()
	doc, err := f.ParseYAML([]byte(sampleYAML))
	require.NoError(t, err)
	ctx := context.Background()

	// WHEN: It is provisioned twice
	first, err := f.Provision(ctx, env.Service, doc)
	require.NoError(t, err)
	second, err := f.Provision(ctx, env.Service, doc)
	require.NoError(t, err)

	// THEN: The second run finds every policy
	require.Len(t, first, 2)
	require.Len(t, second, 2)
	for i := range first {
		assert.True(t, first[i].Created)
		assert.False(t, second[i].Created)
		assert.Equal(t, first[i].Policy.ID, second[i].Policy.ID)
	}
	assert.Equal(t, policy.AccessAssigned, first[1].Policy.AccessMethod)
}

func TestProvision_StopsAtInvariantViolation(t *testing.T) {
	// GIVEN: Limits totalling more than the subsidy's deposits
	env := policytest.New(t, 60000)
	f := factory.NewPolicyFactory()
	doc, err := f.ParseYAML([]byte(sampleYAML))
	require.NoError(t, err)

	// WHEN
	results, err := f.Provision(context.Background(), env.Service, doc)

	// THEN: The first policy is kept, the second is refused
	assert.ErrorIs(t, err, credit.ErrInvariantViolation)
	assert.Len(t, results, 1)
}
