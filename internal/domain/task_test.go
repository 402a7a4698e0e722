package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStatus_IsTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskCompleted, TaskFailed, TaskCancelled, TaskRejected}
	open := []TaskStatus{TaskPending, TaskAwaitingApproval, TaskApproved, TaskDispatched, TaskRunning}

	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range open {
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestConcurrentTask_IsReady(t *testing.T) {
	task := &ConcurrentTask{TaskID: "b", Status: TaskPending, Dependencies: []string{"a"}}

	assert.False(t, task.IsReady(map[string]bool{}))
	assert.True(t, task.IsReady(map[string]bool{"a": true}))

	task.Status = TaskApproved
	assert.True(t, task.IsReady(map[string]bool{"a": true}))

	task.Status = TaskRunning
	assert.False(t, task.IsReady(map[string]bool{"a": true}), "running task is not ready again")
}

func TestConcurrentTask_SnapshotDoesNotAlias(t *testing.T) {
	now := time.Now()
	task := &ConcurrentTask{
		TaskID:       "a",
		Result:       Payload{"k": "v"},
		Dependencies: []string{"x"},
		StartedAt:    &now,
	}

	snap := task.Snapshot()
	snap.Result["k"] = "changed"
	snap.Dependencies[0] = "y"
	*snap.StartedAt = now.Add(time.Hour)

	assert.Equal(t, "v", task.Result["k"])
	assert.Equal(t, "x", task.Dependencies[0])
	assert.Equal(t, now, *task.StartedAt)
}

func TestApprovalRequest_Resolve(t *testing.T) {
	now := time.Now()
	req := &ApprovalRequest{RequestID: "r1", CreatedAt: now, TimeoutAt: now.Add(time.Minute)}

	assert.False(t, req.Expired(now))
	assert.True(t, req.Expired(now.Add(2*time.Minute)))

	req.Resolve(true, "ok", now)
	assert.True(t, req.IsApproved())
	assert.False(t, req.Expired(now.Add(2*time.Minute)), "resolved requests never expire")
}

func TestErrors_As(t *testing.T) {
	wrapped := fmt.Errorf("dispatch: %w", &NoAvailableAgentError{TaskType: "logo_generation", Busy: 2})

	var na *NoAvailableAgentError
	require.True(t, errors.As(wrapped, &na))
	assert.True(t, na.Saturated())
	assert.Contains(t, na.Error(), "all 2 capable instances busy")

	idle := &NoAvailableAgentError{TaskType: "x"}
	assert.False(t, idle.Saturated())

	te := &TimeoutError{Kind: TimeoutExecution, TaskID: "t1", Timeout: time.Second}
	assert.Equal(t, "execution timeout for task t1 after 1s", te.Error())

	ve := &ValidationError{Field: "tasks[0].task_type", Reason: "required"}
	assert.Equal(t, "invalid batch: tasks[0].task_type: required", ve.Error())
}
