package domain

import "time"

// ApprovalRequest gates a task behind a human decision
type ApprovalRequest struct {
	RequestID         string       `json:"request_id"`
	Task              TaskSnapshot `json:"task"`
	RiskAssessment    Payload      `json:"risk_assessment,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	TimeoutAt         time.Time    `json:"timeout_at"`
	Resolved          bool         `json:"resolved"`
	Approved          *bool        `json:"approved,omitempty"`
	ResolutionMessage string       `json:"resolution_message,omitempty"`
	ResolvedAt        *time.Time   `json:"resolved_at,omitempty"`
	TimedOut          bool         `json:"timed_out,omitempty"`
}

// Expired reports whether an unresolved request has passed its deadline
func (r *ApprovalRequest) Expired(now time.Time) bool {
	return !r.Resolved && now.After(r.TimeoutAt)
}

// Resolve records the decision. Resolved requests are never touched again.
func (r *ApprovalRequest) Resolve(approved bool, message string, at time.Time) {
	r.Resolved = true
	r.Approved = &approved
	r.ResolutionMessage = message
	r.ResolvedAt = &at
}

// IsApproved reports whether the request was resolved with approval
func (r *ApprovalRequest) IsApproved() bool {
	return r.Resolved && r.Approved != nil && *r.Approved
}
