package domain

import (
	"time"
)

// TaskSpec is a task as submitted by a caller, before the orchestrator
// assigns it an identity and lifecycle. It is also the YAML shape of a task
// in a batch file.
type TaskSpec struct {
	TaskID           string        `yaml:"task_id,omitempty"`
	TaskType         string        `yaml:"task_type"`
	Description      string        `yaml:"description,omitempty"`
	InputData        Payload       `yaml:"input_data,omitempty"`
	Priority         int           `yaml:"priority,omitempty"`
	RequiresApproval *bool         `yaml:"requires_approval,omitempty"` // nil inherits the batch default
	Dependencies     []string      `yaml:"dependencies,omitempty"`
	Timeout          time.Duration `yaml:"timeout,omitempty"`
}

// ConcurrentTask is a unit of work tracked by the orchestrator
type ConcurrentTask struct {
	TaskID           string
	BatchID          string
	TaskType         string
	Description      string
	InputData        Payload
	Priority         int
	RequiresApproval bool
	Dependencies     []string
	Timeout          time.Duration
	Seq              int // submission order within the batch

	Status            TaskStatus
	AssignedInstance  string
	ApprovalRequestID string
	Result            Payload
	Error             string
	DispatchAttempts  int

	CreatedAt    time.Time
	DispatchedAt *time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// IsReady returns true if the task has not started and every dependency
// is in the completed set
func (t *ConcurrentTask) IsReady(completed map[string]bool) bool {
	if t.Status != TaskPending && t.Status != TaskApproved {
		return false
	}
	for _, dep := range t.Dependencies {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// Finish moves the task into a terminal status
func (t *ConcurrentTask) Finish(status TaskStatus, at time.Time) {
	t.Status = status
	t.CompletedAt = &at
}

// Snapshot returns a copy safe to hand to callers
func (t *ConcurrentTask) Snapshot() TaskSnapshot {
	return TaskSnapshot{
		TaskID:            t.TaskID,
		BatchID:           t.BatchID,
		TaskType:          t.TaskType,
		Description:       t.Description,
		Priority:          t.Priority,
		RequiresApproval:  t.RequiresApproval,
		Dependencies:      append([]string(nil), t.Dependencies...),
		Status:            t.Status,
		AssignedInstance:  t.AssignedInstance,
		ApprovalRequestID: t.ApprovalRequestID,
		Result:            t.Result.Clone(),
		Error:             t.Error,
		CreatedAt:         t.CreatedAt,
		DispatchedAt:      copyTime(t.DispatchedAt),
		StartedAt:         copyTime(t.StartedAt),
		CompletedAt:       copyTime(t.CompletedAt),
	}
}

// TaskSnapshot is a point-in-time view of a task
type TaskSnapshot struct {
	TaskID            string     `json:"task_id"`
	BatchID           string     `json:"batch_id"`
	TaskType          string     `json:"task_type"`
	Description       string     `json:"description,omitempty"`
	Priority          int        `json:"priority"`
	RequiresApproval  bool       `json:"requires_approval"`
	Dependencies      []string   `json:"dependencies,omitempty"`
	Status            TaskStatus `json:"status"`
	AssignedInstance  string     `json:"assigned_instance,omitempty"`
	ApprovalRequestID string     `json:"approval_request_id,omitempty"`
	Result            Payload    `json:"result,omitempty"`
	Error             string     `json:"error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	DispatchedAt      *time.Time `json:"dispatched_at,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
