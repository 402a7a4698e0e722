package agentpool

import (
	"fmt"
	"time"
)

// InstanceStatus is the supervised-worker state of one instance
type InstanceStatus string

const (
	StatusStarting  InstanceStatus = "starting"
	StatusHealthy   InstanceStatus = "healthy"
	StatusBusy      InstanceStatus = "busy"
	StatusUnhealthy InstanceStatus = "unhealthy"
	StatusStopped   InstanceStatus = "stopped"
)

var transitions = map[InstanceStatus][]InstanceStatus{
	StatusStarting:  {StatusHealthy, StatusUnhealthy, StatusStopped},
	StatusHealthy:   {StatusBusy, StatusUnhealthy, StatusStopped},
	StatusBusy:      {StatusHealthy, StatusUnhealthy, StatusStopped},
	StatusUnhealthy: {StatusStarting, StatusStopped},
}

// CanTransition reports whether an instance may move from one status to another
func CanTransition(from, to InstanceStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Instance is one live worker. All fields are guarded by the owning pool's mutex.
type Instance struct {
	id  string
	reg *Registration

	agent           Agent
	status          InstanceStatus
	successCount    int
	failureCount    int
	restarts        int
	lastUsed        time.Time
	lastHealthCheck time.Time
	lastError       string
	startedAt       time.Time
}

func newInstance(reg *Registration, n int) *Instance {
	return &Instance{
		id:     fmt.Sprintf("%s_%d", reg.AgentID, n),
		reg:    reg,
		status: StatusStarting,
	}
}

// transition moves the instance to status to, rejecting illegal moves
func (i *Instance) transition(to InstanceStatus) error {
	if i.status == to {
		return nil
	}
	if !CanTransition(i.status, to) {
		return fmt.Errorf("instance %s: illegal transition %s -> %s", i.id, i.status, to)
	}
	i.status = to
	return nil
}

// InstanceInfo is a read-only view of an instance
type InstanceInfo struct {
	InstanceID      string         `json:"instance_id"`
	AgentID         string         `json:"agent_id"`
	Status          InstanceStatus `json:"status"`
	SupportedTasks  []string       `json:"supported_tasks"`
	Priority        int            `json:"priority"`
	SuccessCount    int            `json:"success_count"`
	FailureCount    int            `json:"failure_count"`
	Restarts        int            `json:"restarts"`
	LastError       string         `json:"last_error,omitempty"`
	LastUsed        time.Time      `json:"last_used"`
	LastHealthCheck time.Time      `json:"last_health_check"`
	StartedAt       time.Time      `json:"started_at"`
}

func (i *Instance) info() InstanceInfo {
	return InstanceInfo{
		InstanceID:      i.id,
		AgentID:         i.reg.AgentID,
		Status:          i.status,
		SupportedTasks:  append([]string(nil), i.reg.SupportedTasks...),
		Priority:        i.reg.Priority,
		SuccessCount:    i.successCount,
		FailureCount:    i.failureCount,
		Restarts:        i.restarts,
		LastError:       i.lastError,
		LastUsed:        i.lastUsed,
		LastHealthCheck: i.lastHealthCheck,
		StartedAt:       i.startedAt,
	}
}
