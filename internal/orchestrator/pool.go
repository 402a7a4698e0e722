package orchestrator

import (
	"context"

	"github.com/hochfrequenz/agent-hq/internal/agentpool"
	"github.com/hochfrequenz/agent-hq/internal/domain"
)

// Pool is what the orchestrator needs from an agent pool
type Pool interface {
	// Acquire atomically reserves an instance able to run taskType. It
	// returns *domain.NoAvailableAgentError when none is free.
	Acquire(taskType string) (Lease, error)
	// Supports reports whether any registered agent handles taskType
	Supports(taskType string) bool
	// OnChange registers a callback fired when an instance may have
	// become available
	OnChange(fn func())
}

// Lease is a reserved instance
type Lease interface {
	InstanceID() string
	Run(ctx context.Context, input domain.Payload) (domain.Payload, error)
	Release()
}

type agentPool struct {
	pool *agentpool.Pool
}

// FromAgentPool adapts *agentpool.Pool to Pool
func FromAgentPool(p *agentpool.Pool) Pool {
	return agentPool{pool: p}
}

func (a agentPool) Acquire(taskType string) (Lease, error) {
	l, err := a.pool.Acquire(taskType)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (a agentPool) Supports(taskType string) bool {
	return a.pool.Supports(taskType)
}

func (a agentPool) OnChange(fn func()) {
	a.pool.OnChange(fn)
}
