/*
handlers.go - HTTP API handlers for the learner credit engine

PURPOSE:
  Exposes policy administration, redeemability checks, redemption,
  allocation and assignment commands over REST. Handles HTTP
  request/response, JSON serialization, and delegates to package policy.

ENDPOINTS:
  Policies:
    POST   /api/v1/policies                      Create-or-get a policy
    GET    /api/v1/policies/{id}                 Get a policy
    PATCH  /api/v1/policies/{id}                 Update a policy
    POST   /api/v1/policies/{id}/deactivate      Soft-delete a policy
    GET    /api/v1/enterprises/{enterprise}/policies

  Redemption:
    POST   /api/v1/enterprises/{enterprise}/can-redeem
    POST   /api/v1/policies/{id}/redeem
    GET    /api/v1/policies/{id}/has-redeemed?lms_user_id=

  Allocation:
    POST   /api/v1/policies/{id}/can-allocate
    POST   /api/v1/policies/{id}/allocate
    GET    /api/v1/policies/{id}/assignments?state=

  Assignments:
    POST   /api/v1/assignments/cancel
    POST   /api/v1/assignments/remind
    POST   /api/v1/assignments/link-learner

  Admin:
    POST   /api/v1/admin/expire-assignments?dry_run=true

ERROR HANDLING:
  Domain errors are mapped in errors.go:
  - 400: Validation errors, invalid input
  - 404: Policy or assignment not found
  - 409: Duplicate assignment, illegal transition
  - 422: Ineligible redemption, allocation rejection, invariant violation
  - 423: Redemption lock busy
  - 502/503: Remote dependency failure (503 is safe to retry)

SECURITY NOTE:
  No authentication middleware. Callers are trusted backend services.

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Status mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/warp/learner-credit/assignment"
	"github.com/warp/learner-credit/credit"
	"github.com/warp/learner-credit/policy"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Policies    *policy.Service
	Evaluator   *policy.Evaluator
	Redeemer    *policy.Redeemer
	Allocator   *policy.Allocator
	Assignments *assignment.Manager
	Sweeper     *policy.Sweeper

	validate *validator.Validate
	logger   *slog.Logger
}

// Dependencies are the engine components the handlers delegate to.
type Dependencies struct {
	Policies    *policy.Service
	Evaluator   *policy.Evaluator
	Redeemer    *policy.Redeemer
	Allocator   *policy.Allocator
	Assignments *assignment.Manager
	Sweeper     *policy.Sweeper
	Logger      *slog.Logger
}

// NewHandler creates a new handler over the given engine components.
func NewHandler(deps Dependencies) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Policies:    deps.Policies,
		Evaluator:   deps.Evaluator,
		Redeemer:    deps.Redeemer,
		Allocator:   deps.Allocator,
		Assignments: deps.Assignments,
		Sweeper:     deps.Sweeper,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger,
	}
}

// decodeAndValidate reads the JSON body into dst and applies its struct tags.
// It writes the 400 itself and reports false on failure.
func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return false
	}
	return true
}

// loadPolicy resolves the {id} URL parameter. It writes the error response
// itself and returns nil on failure.
func (h *Handler) loadPolicy(w http.ResponseWriter, r *http.Request) *policy.Policy {
	id := credit.PolicyID(chi.URLParam(r, "id"))
	p, err := h.Policies.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "get policy", err)
		return nil
	}
	return p
}

// =============================================================================
// POLICY HANDLERS
// =============================================================================

// CreatePolicy creates a policy, or returns the existing one for the same
// enterprise, subsidy, catalog and type.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req CreatePolicyRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	p, created, err := h.Policies.CreateOrGet(r.Context(), req.toPolicy())
	if errors.Is(err, credit.ErrUnknownPolicyType) {
		writeError(w, http.StatusBadRequest, "Unknown policy type", err)
		return
	}
	if err != nil {
		h.writeDomainError(w, "create policy", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, CreatePolicyResponse{Policy: toPolicyDTO(p), Created: created})
}

// GetPolicy returns a single policy.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	p := h.loadPolicy(w, r)
	if p == nil {
		return
	}
	writeJSON(w, http.StatusOK, toPolicyDTO(p))
}

// ListEnterprisePolicies returns the active policies of one enterprise.
func (h *Handler) ListEnterprisePolicies(w http.ResponseWriter, r *http.Request) {
	enterprise := credit.EnterpriseID(chi.URLParam(r, "enterprise"))
	policies, err := h.Policies.ListForEnterprise(r.Context(), enterprise)
	if err != nil {
		h.writeDomainError(w, "list policies", err)
		return
	}
	dtos := make([]PolicyDTO, len(policies))
	for i := range policies {
		dtos[i] = toPolicyDTO(&policies[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// UpdatePolicy applies a partial update.
func (h *Handler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req UpdatePolicyRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	id := credit.PolicyID(chi.URLParam(r, "id"))
	p, err := h.Policies.Update(r.Context(), id, req.toUpdate())
	if err != nil {
		h.writeDomainError(w, "update policy", err)
		return
	}
	writeJSON(w, http.StatusOK, toPolicyDTO(p))
}

// DeactivatePolicy soft-deletes a policy.
func (h *Handler) DeactivatePolicy(w http.ResponseWriter, r *http.Request) {
	id := credit.PolicyID(chi.URLParam(r, "id"))
	p, err := h.Policies.Deactivate(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "deactivate policy", err)
		return
	}
	writeJSON(w, http.StatusOK, toPolicyDTO(p))
}

// =============================================================================
// REDEMPTION HANDLERS
// =============================================================================

// CanRedeem reports, per content key, whether the learner can redeem it and
// under which policy.
func (h *Handler) CanRedeem(w http.ResponseWriter, r *http.Request) {
	var req CanRedeemRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	enterprise := credit.EnterpriseID(chi.URLParam(r, "enterprise"))

	out, err := h.Policies.CanRedeemContent(r.Context(), enterprise, credit.LearnerID(req.LMSUserID), req.ContentKeys)
	if err != nil {
		h.writeDomainError(w, "check redeemability", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Redeem spends subsidy value on one content key for one learner.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	p := h.loadPolicy(w, r)
	if p == nil {
		return
	}

	res, err := h.Redeemer.Redeem(r.Context(), p, credit.LearnerID(req.LMSUserID), req.ContentKey, req.Metadata)
	if res == nil {
		h.writeDomainError(w, "redeem", err)
		return
	}

	resp := RedeemResponse{
		TransactionID: string(res.TransactionID),
		State:         string(res.State),
		Reason:        res.Reason,
		Error:         res.Error,
	}
	writeJSON(w, redemptionStatus(res.State, err), resp)
}

func redemptionStatus(state policy.RedeemState, err error) int {
	switch state {
	case policy.RedeemCommitted:
		return http.StatusOK
	case policy.RedeemLockFailed:
		return StatusLocked
	case policy.RedeemRejected:
		return http.StatusUnprocessableEntity
	}
	if credit.IsRetryable(err) {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

// HasRedeemed reports whether the learner has any committed redemption under
// the policy.
func (h *Handler) HasRedeemed(w http.ResponseWriter, r *http.Request) {
	learner, err := strconv.ParseInt(r.URL.Query().Get("lms_user_id"), 10, 64)
	if err != nil || learner <= 0 {
		writeError(w, http.StatusBadRequest, "lms_user_id must be a positive integer", err)
		return
	}
	p := h.loadPolicy(w, r)
	if p == nil {
		return
	}
	redeemed, err := h.Evaluator.HasRedeemed(r.Context(), p, credit.LearnerID(learner))
	if err != nil {
		h.writeDomainError(w, "look up redemptions", err)
		return
	}
	writeJSON(w, http.StatusOK, HasRedeemedResponse{PolicyID: string(p.ID), LMSUserID: learner, HasRedeemed: redeemed})
}

// =============================================================================
// ALLOCATION HANDLERS
// =============================================================================

// CanAllocate dry-runs an allocation. A rejection is a 200 with
// can_allocate=false; only malformed input and remote failures are errors.
func (h *Handler) CanAllocate(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	p := h.loadPolicy(w, r)
	if p == nil {
		return
	}

	plan, err := h.Allocator.CanAllocate(r.Context(), p, req.toAllocation())
	var allocErr *policy.AllocationError
	if errors.As(err, &allocErr) {
		writeJSON(w, http.StatusOK, CanAllocateResponse{Reason: string(allocErr.Reason), Detail: allocErr.Detail})
		return
	}
	if err != nil {
		h.writeDomainError(w, "check allocation", err)
		return
	}
	writeJSON(w, http.StatusOK, CanAllocateResponse{
		CanAllocate:       true,
		NewCost:           int64(plan.NewCost),
		ExistingAllocated: int64(plan.ExistingAllocated),
		SubsidyRemaining:  int64(plan.SubsidyRemaining),
		PolicyRemaining:   centsPtr(plan.PolicyRemaining),
	})
}

// Allocate assigns content to every requested learner, or to none.
func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	p := h.loadPolicy(w, r)
	if p == nil {
		return
	}

	res, err := h.Allocator.Allocate(r.Context(), p, req.toAllocation())
	if err != nil {
		h.writeDomainError(w, "allocate", err)
		return
	}
	writeJSON(w, http.StatusOK, AllocateResponse{
		Created:  toAssignmentDTOs(res.Created),
		Updated:  toAssignmentDTOs(res.Updated),
		NoChange: toAssignmentDTOs(res.NoChange),
	})
}

// ListPolicyAssignments returns a page of the policy's assignments, optionally
// narrowed by state.
func (h *Handler) ListPolicyAssignments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := assignment.Filter{PolicyID: credit.PolicyID(chi.URLParam(r, "id"))}
	for _, s := range q["state"] {
		st := assignment.State(s)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown state %q", s), nil)
			return
		}
		filter.States = append(filter.States, st)
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), 100); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offset", err)
		return
	}

	list, err := h.Assignments.Store().ListAssignments(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, "list assignments", err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentDTOs(list))
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%q is not a non-negative integer", raw)
	}
	return n, nil
}

// =============================================================================
// ASSIGNMENT HANDLERS
// =============================================================================

// CancelAssignments cancels each cancelable assignment. Already-cancelled
// ones are reported as cancelled.
func (h *Handler) CancelAssignments(w http.ResponseWriter, r *http.Request) {
	var req BulkAssignmentsRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	res, err := h.Assignments.Cancel(r.Context(), req.ids())
	if err != nil {
		h.writeDomainError(w, "cancel assignments", err)
		return
	}
	writeJSON(w, http.StatusOK, toBulkResponse(res))
}

// RemindAssignments re-sends the notification for allocated assignments.
func (h *Handler) RemindAssignments(w http.ResponseWriter, r *http.Request) {
	var req BulkAssignmentsRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	res, err := h.Assignments.Remind(r.Context(), req.ids())
	if err != nil {
		h.writeDomainError(w, "remind assignments", err)
		return
	}
	writeJSON(w, http.StatusOK, toBulkResponse(res))
}

// LinkLearner records the LMS user id of a learner who signed up after
// being assigned content by email.
func (h *Handler) LinkLearner(w http.ResponseWriter, r *http.Request) {
	var req LinkLearnerRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	n, err := h.Assignments.LinkLearner(r.Context(), req.LearnerEmail, credit.LearnerID(req.LMSUserID))
	if err != nil {
		h.writeDomainError(w, "link learner", err)
		return
	}
	writeJSON(w, http.StatusOK, LinkLearnerResponse{Linked: n})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// ExpireAssignments runs the expiration sweep once, outside the schedule.
func (h *Handler) ExpireAssignments(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dry_run") == "true"
	res, err := h.Sweeper.Run(r.Context(), dryRun)
	if err != nil {
		h.writeDomainError(w, "expire assignments", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
