package policy

// ReasonCode is the machine-readable cause of ineligibility.
type ReasonCode string

const (
	ReasonPolicyNotActive              ReasonCode = "policy_not_active"
	ReasonLearnerNotInEnterprise       ReasonCode = "learner_not_in_enterprise"
	ReasonLearnerNotInGroup            ReasonCode = "learner_not_in_enterprise_group"
	ReasonContentNotInCatalog          ReasonCode = "content_not_in_catalog"
	ReasonNotEnoughValueInSubsidy      ReasonCode = "not_enough_value_in_subsidy"
	ReasonLearnerMaxEnrollmentsReached ReasonCode = "learner_max_enrollments_reached"
	ReasonLearnerMaxSpendReached       ReasonCode = "learner_max_spend_reached"
	ReasonPolicySpendLimitReached      ReasonCode = "policy_spend_limit_reached"
	ReasonNoAllocatedAssignment        ReasonCode = "reason_learner_not_assigned_content"
	ReasonAssignmentCancelled          ReasonCode = "reason_learner_assignment_cancelled"
	ReasonAssignmentFailed             ReasonCode = "reason_learner_assignment_failed"
	ReasonAssignmentExpired            ReasonCode = "reason_learner_assignment_expired"
	ReasonDependencyUnavailable        ReasonCode = "dependency_unavailable"
)

var userMessages = map[ReasonCode]string{
	ReasonPolicyNotActive:              "You can't enroll right now because your funds expired.",
	ReasonLearnerNotInEnterprise:       "You can't enroll right now because your account is no longer associated with the organization.",
	ReasonLearnerNotInGroup:            "You can't enroll right now because your account is no longer associated with the organization.",
	ReasonContentNotInCatalog:          "You can't enroll right now because this course is no longer available in your organization's catalog.",
	ReasonNotEnoughValueInSubsidy:      "You can't enroll right now because your organization doesn't have enough funds.",
	ReasonLearnerMaxEnrollmentsReached: "You can't enroll right now because of limits set by your organization.",
	ReasonLearnerMaxSpendReached:       "You can't enroll right now because of limits set by your organization.",
	ReasonPolicySpendLimitReached:      "You can't enroll right now because your organization doesn't have enough funds.",
	ReasonNoAllocatedAssignment:        "You can't enroll right now because this course is not assigned to you.",
	ReasonAssignmentCancelled:          "You can't enroll right now because your administrator canceled your course assignment.",
	ReasonAssignmentFailed:             "You can't enroll right now because this course is not assigned to you.",
	ReasonAssignmentExpired:            "You can't enroll right now because this course is not assigned to you.",
	ReasonDependencyUnavailable:        "Something went wrong on our end. Please try again shortly.",
}

// Reason explains why a policy is not redeemable.
type Reason struct {
	Code        ReasonCode `json:"reason"`
	UserMessage string     `json:"user_message"`
	Detail      string     `json:"detail,omitempty"`
}

func newReason(code ReasonCode, detail string) *Reason {
	return &Reason{Code: code, UserMessage: userMessages[code], Detail: detail}
}
