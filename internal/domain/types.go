// Package domain holds the task, batch and approval records shared by the
// agent pool and the orchestrator, along with their lifecycle rules.
package domain

import "maps"

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskPending          TaskStatus = "pending"
	TaskAwaitingApproval TaskStatus = "awaiting_approval"
	TaskApproved         TaskStatus = "approved"
	TaskRejected         TaskStatus = "rejected"
	TaskDispatched       TaskStatus = "dispatched"
	TaskRunning          TaskStatus = "running"
	TaskCompleted        TaskStatus = "completed"
	TaskFailed           TaskStatus = "failed"
	TaskCancelled        TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskRejected:
		return true
	}
	return false
}

// BatchStatus represents the aggregate state of a batch
type BatchStatus string

const (
	BatchPending            BatchStatus = "pending"
	BatchRunning            BatchStatus = "running"
	BatchPartiallyCompleted BatchStatus = "partially_completed"
	BatchCompleted          BatchStatus = "completed"
	BatchFailed             BatchStatus = "failed"
	BatchCancelled          BatchStatus = "cancelled"
)

// IsTerminal reports whether the batch has settled
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchCompleted, BatchFailed, BatchPartiallyCompleted, BatchCancelled:
		return true
	}
	return false
}

// TimeoutAction is what happens to an approval request nobody answered
type TimeoutAction string

const (
	TimeoutApprove TimeoutAction = "approve"
	TimeoutReject  TimeoutAction = "reject"
)

// Valid reports whether the action is one of the known values
func (a TimeoutAction) Valid() bool {
	return a == TimeoutApprove || a == TimeoutReject
}

// Payload is an opaque task input or result. The orchestrator never looks
// inside it; agents agree on keys per task type.
type Payload map[string]any

// Clone returns a shallow copy so snapshots do not alias live task state
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	return maps.Clone(p)
}

// String returns the value under key if it is a string
func (p Payload) String(key string) string {
	if s, ok := p[key].(string); ok {
		return s
	}
	return ""
}
