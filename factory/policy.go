/*
Package factory provides YAML/JSON to Go policy conversion.

PURPOSE:
  Converts provisioning documents into policy.Policy values and provisions
  them through the policy service. Operators describe an enterprise's
  policies in a file; the factory validates it and creates whatever does
  not exist yet.

DOCUMENT SCHEMA (YAML shown, JSON has the same keys):
  policies:
    - enterprise_customer_uuid: 7f1c...
      description: Spring cohort
      policy_type: PerLearnerSpendCreditAccessPolicy
      subsidy_uuid: 52aa...
      catalog_uuid: 0d3e...
      spend_limit_usd: "10000.00"
      per_learner_spend_limit_usd: "500"
      group_uuids: [b91c...]

MONEY:
  Limits are written in dollars as decimal strings and stored as integer
  cents. More than two decimal places is an error, never a rounding.

IDEMPOTENCY:
  Provisioning goes through CreateOrGet. Running the same document twice
  creates nothing the second time.

USAGE:
  factory := NewPolicyFactory()
  doc, err := factory.ParseFile("configs/policies.yaml")
  results, err := factory.Provision(ctx, service, doc)

SEE ALSO:
  - policy/service.go: CreateOrGet
  - cmd/server/main.go: provision command
*/
package factory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/learner-credit/credit"
	"github.com/warp/learner-credit/policy"
)

// =============================================================================
// DOCUMENT SCHEMA TYPES
// =============================================================================

// Document is a provisioning file.
type Document struct {
	Policies []PolicyDefinition `json:"policies" yaml:"policies" validate:"required,min=1,dive"`
}

// PolicyDefinition is one policy in a provisioning document.
type PolicyDefinition struct {
	EnterpriseID              string   `json:"enterprise_customer_uuid" yaml:"enterprise_customer_uuid" validate:"required"`
	Description               string   `json:"description" yaml:"description" validate:"max=500"`
	PolicyType                string   `json:"policy_type" yaml:"policy_type" validate:"required"`
	AccessMethod              string   `json:"access_method,omitempty" yaml:"access_method,omitempty" validate:"omitempty,oneof=direct assigned"`
	SubsidyID                 string   `json:"subsidy_uuid" yaml:"subsidy_uuid" validate:"required"`
	CatalogID                 string   `json:"catalog_uuid" yaml:"catalog_uuid" validate:"required"`
	Active                    *bool    `json:"active,omitempty" yaml:"active,omitempty"`
	SpendLimitUSD             string   `json:"spend_limit_usd,omitempty" yaml:"spend_limit_usd,omitempty"`
	PerLearnerSpendLimitUSD   string   `json:"per_learner_spend_limit_usd,omitempty" yaml:"per_learner_spend_limit_usd,omitempty"`
	PerLearnerEnrollmentLimit *int     `json:"per_learner_enrollment_limit,omitempty" yaml:"per_learner_enrollment_limit,omitempty" validate:"omitempty,gte=0"`
	GroupIDs                  []string `json:"group_uuids,omitempty" yaml:"group_uuids,omitempty" validate:"omitempty,dive,required"`
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts provisioning documents to policies.
type PolicyFactory struct {
	validate *validator.Validate
}

// NewPolicyFactory creates a new policy factory.
func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// ParseFile reads a document from path. Files ending in .json are decoded as
// JSON; anything else as YAML.
func (f *PolicyFactory) ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provisioning file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return f.ParseJSON(data)
	}
	return f.ParseYAML(data)
}

// ParseJSON decodes and validates a JSON document. Unknown keys are errors.
func (f *PolicyFactory) ParseJSON(data []byte) (*Document, error) {
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: failed to parse policy JSON: %v", credit.ErrInvalidInput, err)
	}
	return f.validated(&doc)
}

// ParseYAML decodes and validates a YAML document. Unknown keys are errors.
func (f *PolicyFactory) ParseYAML(data []byte) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: failed to parse policy YAML: %v", credit.ErrInvalidInput, err)
	}
	return f.validated(&doc)
}

func (f *PolicyFactory) validated(doc *Document) (*Document, error) {
	if err := f.validate.Struct(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", credit.ErrInvalidInput, err)
	}
	return doc, nil
}

// ToPolicy converts one definition. Type-specific rules (required limits,
// access method) are left to the policy service.
func (f *PolicyFactory) ToPolicy(def PolicyDefinition) (policy.Policy, error) {
	if err := f.validate.Struct(def); err != nil {
		return policy.Policy{}, fmt.Errorf("%w: %v", credit.ErrInvalidInput, err)
	}
	spend, err := parseDollars("spend_limit_usd", def.SpendLimitUSD)
	if err != nil {
		return policy.Policy{}, err
	}
	perLearner, err := parseDollars("per_learner_spend_limit_usd", def.PerLearnerSpendLimitUSD)
	if err != nil {
		return policy.Policy{}, err
	}

	active := true
	if def.Active != nil {
		active = *def.Active
	}
	groups := make([]credit.GroupID, len(def.GroupIDs))
	for i, g := range def.GroupIDs {
		groups[i] = credit.GroupID(g)
	}
	return policy.Policy{
		EnterpriseID:              credit.EnterpriseID(def.EnterpriseID),
		Description:               def.Description,
		Type:                      policy.Type(def.PolicyType),
		AccessMethod:              policy.AccessMethod(def.AccessMethod),
		SubsidyID:                 credit.SubsidyID(def.SubsidyID),
		CatalogID:                 credit.CatalogID(def.CatalogID),
		Active:                    active,
		SpendLimit:                spend,
		PerLearnerSpendLimit:      perLearner,
		PerLearnerEnrollmentLimit: def.PerLearnerEnrollmentLimit,
		GroupIDs:                  groups,
	}, nil
}

// parseDollars converts "123.45" to cents. Empty means unset.
func parseDollars(field, raw string) (*credit.Cents, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", credit.ErrInvalidInput, field, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %s must not be negative", credit.ErrInvalidInput, field)
	}
	if !d.Equal(d.Truncate(2)) {
		return nil, fmt.Errorf("%w: %s has more than two decimal places", credit.ErrInvalidInput, field)
	}
	c := credit.CentsFromDollars(d)
	return &c, nil
}

// =============================================================================
// PROVISIONING
// =============================================================================

// Provisioner is the part of *policy.Service the factory needs.
type Provisioner interface {
	CreateOrGet(ctx context.Context, p policy.Policy) (*policy.Policy, bool, error)
}

// Result is the outcome for one definition.
type Result struct {
	Policy  *policy.Policy
	Created bool
}

// Provision converts and provisions every definition in order. It stops at
// the first failure; definitions before it stay provisioned, and a rerun
// picks up where it stopped.
func (f *PolicyFactory) Provision(ctx context.Context, svc Provisioner, doc *Document) ([]Result, error) {
	if doc == nil {
		return nil, errors.New("nil provisioning document")
	}
	results := make([]Result, 0, len(doc.Policies))
	for i, def := range doc.Policies {
		p, err := f.ToPolicy(def)
		if err != nil {
			return results, fmt.Errorf("policy %d: %w", i, err)
		}
		out, created, err := svc.CreateOrGet(ctx, p)
		if err != nil {
			return results, fmt.Errorf("policy %d (%s on subsidy %s): %w", i, def.PolicyType, def.SubsidyID, err)
		}
		results = append(results, Result{Policy: out, Created: created})
	}
	return results, nil
}
