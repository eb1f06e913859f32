package services

import "fmt"

// Machine-readable reason codes shared across services and handlers.
const (
	ReasonMissingDomainResearch = "missing_domain_research"
	ReasonResearchHardFail      = "research_hard_fail"
	ReasonExistingOpenCampaign  = "existing_open_campaign"
	ReasonNoEnabledChannels     = "no_enabled_channels"
	ReasonSLOLaunchFreeze       = "slo_launch_freeze"
	ReasonApprovalRequired      = "approval_required"
	ReasonAutoLaunchPolicyBlock = "auto_launch_policy_block"
)

// ValidationError rejects malformed or out-of-range input before any side
// effect. Handlers map it to HTTP 400.
type ValidationError struct {
	Reason  string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationf(reason, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// PolicyError signals a governance bound or role violation. HTTP 403.
type PolicyError struct {
	Reason  string
	Message string
}

func (e *PolicyError) Error() string { return e.Message }

func policyf(reason, format string, args ...interface{}) *PolicyError {
	return &PolicyError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// ConflictError signals optimistic-concurrency loss, a duplicate open
// campaign, or an already-decided request. Safe to retry after re-fetching
// state. HTTP 409.
type ConflictError struct {
	Reason  string
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

func conflictf(reason, format string, args ...interface{}) *ConflictError {
	return &ConflictError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError signals an unknown entity id. HTTP 404.
type NotFoundError struct {
	Entity  string
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

func notFoundf(entity, format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Entity: entity, Message: fmt.Sprintf(format, args...)}
}

// DependencyError signals a failed collaborator call (metrics source,
// queue, notifier). Non-critical paths swallow it; critical paths surface
// it as HTTP 502-class failures.
type DependencyError struct {
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s dependency failed: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }
