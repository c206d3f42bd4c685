package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/warp/learner-credit/assignment"
	"github.com/warp/learner-credit/credit"
	"github.com/warp/learner-credit/policy"
)

// StatusLocked is returned when a redemption lock could not be taken in time.
const StatusLocked = http.StatusLocked

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps err onto a status using the shared error taxonomy.
// message names the failed operation. Dependency and internal failures are
// logged with their cause and answered with fixed text, so upstream bodies
// and URLs never reach the client.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	var (
		allocErr *policy.AllocationError
		depErr   *credit.DependencyError
		valErr   validator.ValidationErrors
	)
	switch {
	case errors.As(err, &valErr), errors.Is(err, credit.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case credit.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, credit.ErrLocked):
		writeJSON(w, StatusLocked, ErrorResponse{
			Error:     "Another redemption is in progress, try again shortly",
			Code:      "locked",
			Retryable: true,
		})
	case errors.As(err, &allocErr):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "Allocation rejected",
			Details: allocErr.Detail,
			Code:    string(allocErr.Reason),
		})
	case errors.Is(err, credit.ErrInvariantViolation):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "Change would violate a policy invariant",
			Details: err.Error(),
			Code:    "invariant_violation",
		})
	case errors.Is(err, assignment.ErrDuplicateAssignment), errors.Is(err, assignment.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "Conflicting assignment state", err)
	case errors.As(err, &depErr):
		h.logger.Warn("dependency failure", "operation", message, "service", depErr.Service,
			"retryable", depErr.Retryable, "error", err)
		status := http.StatusBadGateway
		msg := "A dependent service rejected the request"
		if depErr.Retryable {
			status = http.StatusServiceUnavailable
			msg = "A dependent service is unavailable, the request is safe to retry"
		}
		writeJSON(w, status, ErrorResponse{
			Error:     msg,
			Code:      depErr.Service + "_unavailable",
			Retryable: depErr.Retryable,
		})
	case errors.Is(err, credit.ErrUnknownPolicyType):
		h.logger.Error("misconfigured policy", "operation", message, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Policy is misconfigured", Code: "misconfigured"})
	default:
		h.logger.Error("request failed", "operation", message, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: fmt.Sprintf("Failed to %s", message), Code: "internal"})
	}
}
