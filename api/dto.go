/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Every amount on the wire is integer USD cents.

VALIDATION:
  Request types carry go-playground/validator struct tags. Handlers call
  decodeAndValidate before touching the domain.

SEE ALSO:
  - handlers.go: Uses these types
  - errors.go: ErrorResponse and status mapping
*/
package api

import (
	"time"

	"github.com/warp/learner-credit/assignment"
	"github.com/warp/learner-credit/credit"
	"github.com/warp/learner-credit/policy"
)

// =============================================================================
// POLICIES
// =============================================================================

// PolicyDTO represents a subsidy access policy in API responses.
type PolicyDTO struct {
	ID                        string   `json:"uuid"`
	EnterpriseID              string   `json:"enterprise_customer_uuid"`
	Description               string   `json:"description"`
	PolicyType                string   `json:"policy_type"`
	AccessMethod              string   `json:"access_method"`
	SubsidyID                 string   `json:"subsidy_uuid"`
	CatalogID                 string   `json:"catalog_uuid"`
	Active                    bool     `json:"active"`
	Retired                   bool     `json:"retired"`
	SpendLimit                *int64   `json:"spend_limit"`
	PerLearnerSpendLimit      *int64   `json:"per_learner_spend_limit"`
	PerLearnerEnrollmentLimit *int     `json:"per_learner_enrollment_limit"`
	GroupIDs                  []string `json:"group_uuids"`
	CreatedAt                 string   `json:"created"`
	UpdatedAt                 string   `json:"modified"`
}

func toPolicyDTO(p *policy.Policy) PolicyDTO {
	groups := make([]string, len(p.GroupIDs))
	for i, g := range p.GroupIDs {
		groups[i] = string(g)
	}
	return PolicyDTO{
		ID:                        string(p.ID),
		EnterpriseID:              string(p.EnterpriseID),
		Description:               p.Description,
		PolicyType:                string(p.Type),
		AccessMethod:              string(p.AccessMethod),
		SubsidyID:                 string(p.SubsidyID),
		CatalogID:                 string(p.CatalogID),
		Active:                    p.Active,
		Retired:                   p.Retired,
		SpendLimit:                centsPtr(p.SpendLimit),
		PerLearnerSpendLimit:      centsPtr(p.PerLearnerSpendLimit),
		PerLearnerEnrollmentLimit: p.PerLearnerEnrollmentLimit,
		GroupIDs:                  groups,
		CreatedAt:                 p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:                 p.UpdatedAt.Format(time.RFC3339),
	}
}

// CreatePolicyRequest is the body of POST /api/v1/policies. Active defaults
// to true; an empty access method takes the policy type's default.
type CreatePolicyRequest struct {
	EnterpriseID              string   `json:"enterprise_customer_uuid" validate:"required"`
	Description               string   `json:"description" validate:"max=500"`
	PolicyType                string   `json:"policy_type" validate:"required"`
	AccessMethod              string   `json:"access_method" validate:"omitempty,oneof=direct assigned"`
	SubsidyID                 string   `json:"subsidy_uuid" validate:"required"`
	CatalogID                 string   `json:"catalog_uuid" validate:"required"`
	Active                    *bool    `json:"active"`
	SpendLimit                *int64   `json:"spend_limit" validate:"omitempty,gte=0"`
	PerLearnerSpendLimit      *int64   `json:"per_learner_spend_limit" validate:"omitempty,gte=0"`
	PerLearnerEnrollmentLimit *int     `json:"per_learner_enrollment_limit" validate:"omitempty,gte=0"`
	GroupIDs                  []string `json:"group_uuids" validate:"omitempty,dive,required"`
}

func (r CreatePolicyRequest) toPolicy() policy.Policy {
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	groups := make([]credit.GroupID, len(r.GroupIDs))
	for i, g := range r.GroupIDs {
		groups[i] = credit.GroupID(g)
	}
	return policy.Policy{
		EnterpriseID:              credit.EnterpriseID(r.EnterpriseID),
		Description:               r.Description,
		Type:                      policy.Type(r.PolicyType),
		AccessMethod:              policy.AccessMethod(r.AccessMethod),
		SubsidyID:                 credit.SubsidyID(r.SubsidyID),
		CatalogID:                 credit.CatalogID(r.CatalogID),
		Active:                    active,
		SpendLimit:                toCents(r.SpendLimit),
		PerLearnerSpendLimit:      toCents(r.PerLearnerSpendLimit),
		PerLearnerEnrollmentLimit: r.PerLearnerEnrollmentLimit,
		GroupIDs:                  groups,
	}
}

// CreatePolicyResponse tells the caller whether a new policy was written.
type CreatePolicyResponse struct {
	Policy  PolicyDTO `json:"policy"`
	Created bool      `json:"created"`
}

// UpdatePolicyRequest is the body of PATCH /api/v1/policies/{id}. Absent
// fields are left untouched.
type UpdatePolicyRequest struct {
	Description               *string   `json:"description" validate:"omitempty,max=500"`
	Active                    *bool     `json:"active"`
	Retired                   *bool     `json:"retired"`
	CatalogID                 *string   `json:"catalog_uuid" validate:"omitempty,min=1"`
	SpendLimit                *int64    `json:"spend_limit" validate:"omitempty,gte=0"`
	ClearSpendLimit           bool      `json:"clear_spend_limit"`
	PerLearnerSpendLimit      *int64    `json:"per_learner_spend_limit" validate:"omitempty,gte=0"`
	PerLearnerEnrollmentLimit *int      `json:"per_learner_enrollment_limit" validate:"omitempty,gte=0"`
	GroupIDs                  *[]string `json:"group_uuids"`
}

func (r UpdatePolicyRequest) toUpdate() policy.Update {
	u := policy.Update{
		Description:               r.Description,
		Active:                    r.Active,
		Retired:                   r.Retired,
		SpendLimit:                toCents(r.SpendLimit),
		ClearSpendLimit:           r.ClearSpendLimit,
		PerLearnerSpendLimit:      toCents(r.PerLearnerSpendLimit),
		PerLearnerEnrollmentLimit: r.PerLearnerEnrollmentLimit,
	}
	if r.CatalogID != nil {
		c := credit.CatalogID(*r.CatalogID)
		u.CatalogID = &c
	}
	if r.GroupIDs != nil {
		groups := make([]credit.GroupID, len(*r.GroupIDs))
		for i, g := range *r.GroupIDs {
			groups[i] = credit.GroupID(g)
		}
		u.GroupIDs = &groups
	}
	return u
}

// =============================================================================
// REDEMPTION
// =============================================================================

// CanRedeemRequest asks which of ContentKeys the learner can redeem.
type CanRedeemRequest struct {
	LMSUserID   int64    `json:"lms_user_id" validate:"required,gt=0"`
	ContentKeys []string `json:"content_keys" validate:"required,min=1,max=100,dive,required"`
}

// RedeemRequest is the body of POST /api/v1/policies/{id}/redeem.
type RedeemRequest struct {
	LMSUserID  int64          `json:"lms_user_id" validate:"required,gt=0"`
	ContentKey string         `json:"content_key" validate:"required"`
	Metadata   map[string]any `json:"metadata"`
}

// RedeemResponse reports a redemption attempt.
type RedeemResponse struct {
	TransactionID string         `json:"transaction_id,omitempty"`
	State         string         `json:"state"`
	Reason        *policy.Reason `json:"reason,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// HasRedeemedResponse is returned by GET /api/v1/policies/{id}/has-redeemed.
type HasRedeemedResponse struct {
	PolicyID    string `json:"policy_id"`
	LMSUserID   int64  `json:"lms_user_id"`
	HasRedeemed bool   `json:"has_redeemed"`
}

// =============================================================================
// ALLOCATION
// =============================================================================

// AllocateRequest asks for ContentKey to be assigned to each learner email.
// ContentPrice is the price the admin saw, in cents.
type AllocateRequest struct {
	LearnerEmails []string `json:"learner_emails" validate:"required,min=1,max=1000,dive,required,email"`
	ContentKey    string   `json:"content_key" validate:"required"`
	ContentPrice  int64    `json:"content_price_cents" validate:"required,gt=0"`
}

func (r AllocateRequest) toAllocation() policy.AllocationRequest {
	return policy.AllocationRequest{
		Emails:        r.LearnerEmails,
		ContentKey:    r.ContentKey,
		AssertedPrice: credit.Cents(r.ContentPrice),
	}
}

// AssignmentDTO represents a learner content assignment in API responses.
type AssignmentDTO struct {
	ID              string  `json:"uuid"`
	PolicyID        string  `json:"assignment_configuration"`
	LearnerEmail    string  `json:"learner_email"`
	LMSUserID       *int64  `json:"lms_user_id"`
	ContentKey      string  `json:"content_key"`
	ContentTitle    string  `json:"content_title,omitempty"`
	ContentQuantity int64   `json:"content_quantity"`
	State           string  `json:"state"`
	TransactionID   string  `json:"transaction_uuid,omitempty"`
	AllocatedAt     *string `json:"allocated_at,omitempty"`
	AcceptedAt      *string `json:"accepted_at,omitempty"`
	CancelledAt     *string `json:"cancelled_at,omitempty"`
	ExpiredAt       *string `json:"expired_at,omitempty"`
	ErroredAt       *string `json:"errored_at,omitempty"`
}

func toAssignmentDTO(a *assignment.Assignment) AssignmentDTO {
	dto := AssignmentDTO{
		ID:              string(a.ID),
		PolicyID:        string(a.PolicyID),
		LearnerEmail:    a.LearnerEmail,
		ContentKey:      a.ContentKey,
		ContentTitle:    a.ContentTitle,
		ContentQuantity: int64(a.ContentQuantity),
		State:           string(a.State),
		TransactionID:   string(a.TransactionID),
		AllocatedAt:     formatTime(a.AllocatedAt),
		AcceptedAt:      formatTime(a.AcceptedAt),
		CancelledAt:     formatTime(a.CancelledAt),
		ExpiredAt:       formatTime(a.ExpiredAt),
		ErroredAt:       formatTime(a.ErroredAt),
	}
	if a.LearnerID != nil {
		id := int64(*a.LearnerID)
		dto.LMSUserID = &id
	}
	return dto
}

func toAssignmentDTOs(as []assignment.Assignment) []AssignmentDTO {
	out := make([]AssignmentDTO, len(as))
	for i := range as {
		out[i] = toAssignmentDTO(&as[i])
	}
	return out
}

// AllocateResponse lists every assignment the allocation touched.
type AllocateResponse struct {
	Created  []AssignmentDTO `json:"created"`
	Updated  []AssignmentDTO `json:"updated"`
	NoChange []AssignmentDTO `json:"no_change"`
}

// CanAllocateResponse reports whether an allocation would be accepted.
type CanAllocateResponse struct {
	CanAllocate       bool   `json:"can_allocate"`
	Reason            string `json:"reason,omitempty"`
	Detail            string `json:"detail,omitempty"`
	NewCost           int64  `json:"new_cost,omitempty"`
	ExistingAllocated int64  `json:"existing_allocated,omitempty"`
	SubsidyRemaining  int64  `json:"subsidy_remaining,omitempty"`
	PolicyRemaining   *int64 `json:"policy_remaining,omitempty"`
}

// =============================================================================
// ASSIGNMENT COMMANDS
// =============================================================================

// BulkAssignmentsRequest names the assignments a cancel or remind applies to.
type BulkAssignmentsRequest struct {
	AssignmentIDs []string `json:"assignment_uuids" validate:"required,min=1,max=1000,dive,required"`
}

func (r BulkAssignmentsRequest) ids() []assignment.ID {
	out := make([]assignment.ID, len(r.AssignmentIDs))
	for i, id := range r.AssignmentIDs {
		out[i] = assignment.ID(id)
	}
	return out
}

// BulkAssignmentsResponse groups the requested ids by outcome.
type BulkAssignmentsResponse struct {
	Results map[string][]string `json:"results"`
}

func toBulkResponse(result assignment.BulkResult) BulkAssignmentsResponse {
	out := BulkAssignmentsResponse{Results: make(map[string][]string)}
	for id, outcome := range result {
		out.Results[string(outcome)] = append(out.Results[string(outcome)], string(id))
	}
	return out
}

// LinkLearnerRequest attaches an LMS user id to allocated assignments.
type LinkLearnerRequest struct {
	LearnerEmail string `json:"learner_email" validate:"required,email"`
	LMSUserID    int64  `json:"lms_user_id" validate:"required,gt=0"`
}

// LinkLearnerResponse reports how many assignments were linked.
type LinkLearnerResponse struct {
	Linked int `json:"linked"`
}

// =============================================================================
// HELPERS
// =============================================================================

func centsPtr(c *credit.Cents) *int64 {
	if c == nil {
		return nil
	}
	v := int64(*c)
	return &v
}

func toCents(v *int64) *credit.Cents {
	if v == nil {
		return nil
	}
	c := credit.Cents(*v)
	return &c
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
