package orchestrator

import (
	"fmt"

	"github.com/hochfrequenz/agent-hq/internal/domain"
)

// RiskAssessor annotates approval requests for the human deciding them. It
// runs while the orchestrator holds its lock and must not call back into it.
type RiskAssessor interface {
	Assess(task domain.TaskSnapshot) domain.Payload
}

// RiskFunc adapts a function to RiskAssessor
type RiskFunc func(task domain.TaskSnapshot) domain.Payload

func (f RiskFunc) Assess(task domain.TaskSnapshot) domain.Payload {
	return f(task)
}

// PriorityRisk rates urgent tasks, which jump the queue, as high risk and
// background tasks as low risk
var PriorityRisk = RiskFunc(func(task domain.TaskSnapshot) domain.Payload {
	level := "medium"
	switch {
	case task.Priority < 0:
		level = "high"
	case task.Priority > 5:
		level = "low"
	}
	return domain.Payload{
		"risk_level": level,
		"reasoning":  fmt.Sprintf("%s task %s at priority %d", task.TaskType, task.TaskID, task.Priority),
	}
})
