/*
errors.go - Error taxonomy shared across the engine

ERROR CATEGORIES:
  1. Ineligibility   - NOT an error. Returned as a structured reason.
  2. Contention      - ErrLocked. Caller may retry with backoff.
  3. Remote failure  - *DependencyError. Retryable or permanent.
  4. Invariant       - *InvariantError. Rejected synchronously, never clamped.
  5. Configuration   - ErrUnknownPolicyType. Fatal for the request.

USAGE:
  if errors.Is(err, credit.ErrLocked) {
      // surface "try again shortly"
  }
  var depErr *credit.DependencyError
  if errors.As(err, &depErr) && depErr.Retryable {
      // safe to retry the identical request
  }
*/
package credit

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrLocked is returned when a lock could not be acquired within the wait
	// timeout. Distinct from ineligibility and from remote failure.
	ErrLocked = errors.New("resource is locked by another redemption")

	// ErrDependencyUnavailable is the root of every *DependencyError.
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// ErrInvariantViolation is the root of every *InvariantError.
	ErrInvariantViolation = errors.New("data invariant violation")

	// ErrUnknownPolicyType is returned for a discriminator outside the registry.
	ErrUnknownPolicyType = errors.New("unknown policy type")

	ErrPolicyNotFound     = errors.New("policy not found")
	ErrAssignmentNotFound = errors.New("assignment not found")
	ErrSubsidyNotFound    = errors.New("subsidy not found")
	ErrContentNotFound    = errors.New("content not found")

	// ErrInvalidInput is returned for malformed caller input.
	ErrInvalidInput = errors.New("invalid input")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// DependencyError describes a failed call to a remote service.
type DependencyError struct {
	Service    string // "membership", "catalog", "ledger"
	Operation  string
	StatusCode int // 0 for transport errors and timeouts
	Retryable  bool
	Err        error
}

func (e *DependencyError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Service, e.Operation, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Service, e.Operation, e.Err)
}

func (e *DependencyError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDependencyUnavailable}
	}
	return []error{ErrDependencyUnavailable, e.Err}
}

// InvariantError describes a rejected write that would break a data invariant.
type InvariantError struct {
	Invariant string
	Message   string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s", e.Invariant, e.Message)
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the identical call might succeed later.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrLocked) {
		return true
	}
	var depErr *DependencyError
	return errors.As(err, &depErr) && depErr.Retryable
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvariantViolation) || errors.Is(err, ErrInvalidInput)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPolicyNotFound) ||
		errors.Is(err, ErrAssignmentNotFound) ||
		errors.Is(err, ErrSubsidyNotFound) ||
		errors.Is(err, ErrContentNotFound)
}
