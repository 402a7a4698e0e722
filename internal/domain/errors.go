package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBatchNotFound is returned for operations on an unknown batch
	ErrBatchNotFound = errors.New("batch not found")
	// ErrBatchNotTerminal is returned when purging a batch that is still running
	ErrBatchNotTerminal = errors.New("batch has not finished")
)

// ValidationError rejects a batch at submission time
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid batch: " + e.Reason
	}
	return fmt.Sprintf("invalid batch: %s: %s", e.Field, e.Reason)
}

// DuplicateRegistrationError is raised when an agent ID is registered twice
// with different capabilities
type DuplicateRegistrationError struct {
	AgentID string
}

func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("agent %q already registered with different supported tasks", e.AgentID)
}

// NoAvailableAgentError means no instance could take the task right now
type NoAvailableAgentError struct {
	TaskType string
	// Busy is the number of healthy capable instances that are all occupied.
	// Zero means there is no healthy instance for the task type at all.
	Busy int
}

func (e *NoAvailableAgentError) Error() string {
	if e.Busy > 0 {
		return fmt.Sprintf("no available agent for task type %q: all %d capable instances busy", e.TaskType, e.Busy)
	}
	return fmt.Sprintf("no available agent for task type %q", e.TaskType)
}

// Saturated reports whether capable instances exist but are all busy
func (e *NoAvailableAgentError) Saturated() bool {
	return e.Busy > 0
}

// UnknownRequestError is returned when approving a request that is not pending
type UnknownRequestError struct {
	RequestID string
}

func (e *UnknownRequestError) Error() string {
	return fmt.Sprintf("approval request %q is not pending", e.RequestID)
}

// TimeoutKind tells apart the two independent timeouts
type TimeoutKind string

const (
	TimeoutApproval  TimeoutKind = "approval"
	TimeoutExecution TimeoutKind = "execution"
)

// TimeoutError marks a task that ran out of time, either waiting for a
// human or waiting for its agent
type TimeoutError struct {
	Kind    TimeoutKind
	TaskID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout for task %s after %s", e.Kind, e.TaskID, e.Timeout)
}
