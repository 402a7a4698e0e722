package system

import (
	"time"

	"github.com/hochfrequenz/agent-hq/internal/agentpool"
	"github.com/hochfrequenz/agent-hq/internal/bus"
	"github.com/hochfrequenz/agent-hq/internal/orchestrator"
)

// Health status values
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusStopped  = "stopped"
)

// Health aggregates the component snapshots for dashboards
type Health struct {
	Status       string             `json:"status"`
	Uptime       time.Duration      `json:"uptime"`
	Pool         agentpool.Health   `json:"agent_pool"`
	Bus          bus.Stats          `json:"message_bus"`
	Orchestrator orchestrator.Stats `json:"orchestrator"`
	Timestamp    time.Time          `json:"timestamp"`
}

// GetSystemHealth snapshots every component. The system is degraded when
// the pool is, or when a configured bus is not connected.
func (s *System) GetSystemHealth() Health {
	s.mu.RLock()
	running, started := s.running, s.startedAt
	b, pool, orch := s.bus, s.pool, s.orch
	s.mu.RUnlock()

	h := Health{Status: StatusStopped, Timestamp: time.Now()}
	if !running {
		return h
	}

	h.Uptime = time.Since(started)
	h.Pool = pool.Health()
	h.Bus = b.Stats()
	h.Orchestrator = orch.Stats()

	h.Status = StatusHealthy
	busWanted := s.cfg.Bus.URL != "" || s.opts.Bus != nil
	if h.Pool.Status == agentpool.PoolDegraded || (busWanted && !h.Bus.Connected) {
		h.Status = StatusDegraded
	}
	return h
}
