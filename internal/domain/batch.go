package domain

import "time"

// ExecutionBatch is a group of tasks submitted together
type ExecutionBatch struct {
	BatchID         string
	UserID          string
	SessionID       string
	WorkflowID      string
	Tasks           []*ConcurrentTask
	Status          BatchStatus
	CancelRequested bool
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// Refresh recomputes the batch status from its tasks and stamps
// CompletedAt the first time the batch settles. It reports whether the
// batch became terminal during this call.
func (b *ExecutionBatch) Refresh(now time.Time) bool {
	wasTerminal := b.Status.IsTerminal()
	statuses := make([]TaskStatus, len(b.Tasks))
	for i, t := range b.Tasks {
		statuses[i] = t.Status
	}
	b.Status = DeriveBatchStatus(statuses, b.CancelRequested)
	if !wasTerminal && b.Status.IsTerminal() {
		b.CompletedAt = &now
		return true
	}
	return false
}

// DeriveBatchStatus computes the aggregate status of a set of tasks.
//
// Any non-terminal task keeps the batch running. Once every task is
// terminal: all completed is COMPLETED; a mix of completed and anything
// else is PARTIALLY_COMPLETED; nothing completed is CANCELLED when the
// caller cancelled the batch and FAILED otherwise.
func DeriveBatchStatus(statuses []TaskStatus, cancelRequested bool) BatchStatus {
	if len(statuses) == 0 {
		return BatchPending
	}
	completed := 0
	for _, s := range statuses {
		if !s.IsTerminal() {
			return BatchRunning
		}
		if s == TaskCompleted {
			completed++
		}
	}
	switch {
	case completed == len(statuses):
		return BatchCompleted
	case completed > 0:
		return BatchPartiallyCompleted
	case cancelRequested:
		return BatchCancelled
	default:
		return BatchFailed
	}
}

// Snapshot returns a copy of the batch and its tasks
func (b *ExecutionBatch) Snapshot() BatchSnapshot {
	s := BatchSnapshot{
		BatchID:    b.BatchID,
		UserID:     b.UserID,
		SessionID:  b.SessionID,
		WorkflowID: b.WorkflowID,
		Status:     b.Status,
		Total:      len(b.Tasks),
		CreatedAt:  b.CreatedAt,
		Tasks:      make([]TaskSnapshot, 0, len(b.Tasks)),
	}
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		s.CompletedAt = &t
	}
	for _, t := range b.Tasks {
		switch t.Status {
		case TaskCompleted:
			s.Completed++
		case TaskFailed:
			s.Failed++
		case TaskCancelled:
			s.Cancelled++
		case TaskRejected:
			s.Rejected++
		}
		s.Tasks = append(s.Tasks, t.Snapshot())
	}
	if s.Total > 0 {
		s.ProgressPercent = float64(s.Completed) / float64(s.Total) * 100
	}
	return s
}

// BatchSnapshot is a point-in-time view of a batch
type BatchSnapshot struct {
	BatchID         string         `json:"batch_id"`
	UserID          string         `json:"user_id"`
	SessionID       string         `json:"session_id"`
	WorkflowID      string         `json:"workflow_id,omitempty"`
	Status          BatchStatus    `json:"status"`
	Total           int            `json:"total_tasks"`
	Completed       int            `json:"completed_tasks"`
	Failed          int            `json:"failed_tasks"`
	Cancelled       int            `json:"cancelled_tasks"`
	Rejected        int            `json:"rejected_tasks"`
	ProgressPercent float64        `json:"progress_percentage"`
	CreatedAt       time.Time      `json:"created_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	Tasks           []TaskSnapshot `json:"tasks"`
}

// Task returns the snapshot of the named task
func (s BatchSnapshot) Task(taskID string) (TaskSnapshot, bool) {
	for _, t := range s.Tasks {
		if t.TaskID == taskID {
			return t, true
		}
	}
	return TaskSnapshot{}, false
}
