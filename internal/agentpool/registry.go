// Package agentpool owns the live agent instances, routes task executions
// to one healthy capable instance at a time and reports pool health.
package agentpool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/hochfrequenz/agent-hq/internal/domain"
)

// Agent executes tasks of the types it was registered for
type Agent interface {
	Execute(ctx context.Context, taskType string, input domain.Payload) (domain.Payload, error)
}

// AgentFunc adapts a plain function to Agent
type AgentFunc func(ctx context.Context, taskType string, input domain.Payload) (domain.Payload, error)

func (f AgentFunc) Execute(ctx context.Context, taskType string, input domain.Payload) (domain.Payload, error) {
	return f(ctx, taskType, input)
}

// Starter is implemented by agents that need warm-up before taking work
type Starter interface {
	Start(ctx context.Context) error
}

// Stopper is implemented by agents holding resources
type Stopper interface {
	Stop(ctx context.Context) error
}

// HealthChecker is implemented by agents that can report their own health.
// The pool calls it from the health loop on idle instances.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Factory builds the handle for one instance
type Factory func(instanceID string, cfg domain.Payload) (Agent, error)

// Registration is the static record of one agent type
type Registration struct {
	AgentID        string
	Factory        Factory
	Config         domain.Payload
	SupportedTasks []string
	MaxInstances   int
	AutoRestart    bool
	// Priority breaks ties between capable instances, lower first
	Priority int
}

// Supports reports whether the agent can run taskType
func (r *Registration) Supports(taskType string) bool {
	return slices.Contains(r.SupportedTasks, taskType)
}

func (r *Registration) validate() error {
	switch {
	case r.AgentID == "":
		return errors.New("agent id is required")
	case r.Factory == nil:
		return fmt.Errorf("agent %s: factory is required", r.AgentID)
	case len(r.SupportedTasks) == 0:
		return fmt.Errorf("agent %s: no supported tasks", r.AgentID)
	case r.MaxInstances < 1:
		return fmt.Errorf("agent %s: max instances must be at least 1, got %d", r.AgentID, r.MaxInstances)
	}
	return nil
}

func sameTasks(a, b []string) bool {
	x := slices.Clone(a)
	y := slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(slices.Compact(x), slices.Compact(y))
}

// Registry tracks agent registrations in registration order
type Registry struct {
	regs  map[string]*Registration
	order []string
	mu    sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		regs: make(map[string]*Registration),
	}
}

// Register adds reg. Registering the same agent ID again with the same
// supported tasks is a no-op; with different tasks it is a
// DuplicateRegistrationError.
func (r *Registry) Register(reg Registration) error {
	if err := reg.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.regs[reg.AgentID]; ok {
		if sameTasks(existing.SupportedTasks, reg.SupportedTasks) {
			return nil
		}
		return &domain.DuplicateRegistrationError{AgentID: reg.AgentID}
	}

	reg.SupportedTasks = slices.Clone(reg.SupportedTasks)
	reg.Config = reg.Config.Clone()
	r.regs[reg.AgentID] = &reg
	r.order = append(r.order, reg.AgentID)
	return nil
}

// Get returns a registration by agent ID
func (r *Registry) Get(agentID string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[agentID]
	return reg, ok
}

// All returns registrations in registration order
func (r *Registry) All() []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Registration, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.regs[id])
	}
	return result
}

// Count returns the number of registered agent types
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regs)
}

// Supports reports whether any registered agent can run taskType
func (r *Registry) Supports(taskType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, reg := range r.regs {
		if reg.Supports(taskType) {
			return true
		}
	}
	return false
}

// TaskTypes returns every task type some agent supports, sorted
func (r *Registry) TaskTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var types []string
	for _, reg := range r.regs {
		types = append(types, reg.SupportedTasks...)
	}
	slices.Sort(types)
	return slices.Compact(types)
}
