package agentpool

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/agent-hq/internal/bus"
	"github.com/hochfrequenz/agent-hq/internal/domain"
	"github.com/hochfrequenz/agent-hq/internal/logging"
	"github.com/hochfrequenz/agent-hq/internal/metrics"
)

const (
	defaultStartTimeout  = 30 * time.Second
	defaultHealthTimeout = 5 * time.Second
	stopGrace            = 5 * time.Second
)

var (
	// ErrNotRunning is returned by Acquire outside Start..Stop
	ErrNotRunning = errors.New("agent pool is not running")
	// ErrAlreadyStarted is returned when registering or starting a started pool
	ErrAlreadyStarted = errors.New("agent pool already started")
)

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as unrecoverable for the instance that returned it. The
// instance turns unhealthy and is restarted when its registration allows.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal
func IsFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}

// PoolStatus is the aggregate state reported by Health
type PoolStatus string

const (
	PoolInitializing PoolStatus = "initializing"
	PoolRunning      PoolStatus = "running"
	PoolDegraded     PoolStatus = "degraded"
	PoolStopping     PoolStatus = "stopping"
	PoolStopped      PoolStatus = "stopped"
)

// Health is a point-in-time snapshot of the pool
type Health struct {
	Status          PoolStatus `json:"status"`
	TotalAgents     int        `json:"total_agents"`
	HealthyAgents   int        `json:"healthy_agents"`
	BusyAgents      int        `json:"busy_agents"`
	UnhealthyAgents int        `json:"unhealthy_agents"`
	StartingAgents  int        `json:"starting_agents"`
	TotalTasks      int        `json:"total_tasks_processed"`
	SuccessfulTasks int        `json:"successful_tasks"`
	FailedTasks     int        `json:"failed_tasks"`
	// SuccessRate is a percentage, zero before the first task
	SuccessRate float64   `json:"success_rate"`
	LastUpdated time.Time `json:"last_updated"`
}

// HealthPercentage is the share of instances able to work, busy included
func (h Health) HealthPercentage() float64 {
	if h.TotalAgents == 0 {
		return 0
	}
	return float64(h.HealthyAgents) / float64(h.TotalAgents) * 100
}

// Options configures a Pool
type Options struct {
	// HealthInterval is the period of the health loop; zero disables it
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	StartTimeout   time.Duration
	Bus            bus.Bus
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Pool owns the agent instances
type Pool struct {
	registry *Registry
	log      *slog.Logger
	metrics  *metrics.Metrics
	bus      bus.Bus

	healthInterval time.Duration
	healthTimeout  time.Duration
	startTimeout   time.Duration

	mu         sync.Mutex
	phase      PoolStatus
	instances  []*Instance
	byID       map[string]*Instance
	listeners  []func()
	successes  int
	failures   int
	stopHealth context.CancelFunc

	inflight   sync.WaitGroup
	background sync.WaitGroup

	// forceCtx is cancelled when Stop gives up waiting; running executions
	// observe it through their lease
	forceCtx context.Context
	force    context.CancelFunc
}

// New creates a pool with an empty registry
func New(opts Options) *Pool {
	forceCtx, force := context.WithCancel(context.Background())
	return &Pool{
		registry:       NewRegistry(),
		log:            logging.OrDiscard(opts.Logger).With("component", "agent_pool"),
		metrics:        opts.Metrics,
		bus:            bus.OrNop(opts.Bus),
		healthInterval: opts.HealthInterval,
		healthTimeout:  cmp.Or(opts.HealthTimeout, defaultHealthTimeout),
		startTimeout:   cmp.Or(opts.StartTimeout, defaultStartTimeout),
		phase:          PoolInitializing,
		byID:           make(map[string]*Instance),
		forceCtx:       forceCtx,
		force:          force,
	}
}

// Register adds an agent type. It must be called before Start.
func (p *Pool) Register(reg Registration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase != PoolInitializing {
		return ErrAlreadyStarted
	}
	return p.registry.Register(reg)
}

// Registry exposes the registrations
func (p *Pool) Registry() *Registry {
	return p.registry
}

// Supports reports whether any registered agent can run taskType
func (p *Pool) Supports(taskType string) bool {
	return p.registry.Supports(taskType)
}

// OnChange registers fn to be called whenever an instance finishes work or
// changes health. The orchestrator uses it to retry dispatch.
func (p *Pool) OnChange(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Start creates MaxInstances instances per registration and starts them
// concurrently. An agent type that fails to start is logged and left
// unhealthy; the others stay usable.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.phase != PoolInitializing {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	regs := p.registry.All()
	byAgent := make(map[string][]*Instance, len(regs))
	for _, reg := range regs {
		for n := 1; n <= reg.MaxInstances; n++ {
			inst := newInstance(reg, n)
			p.instances = append(p.instances, inst)
			p.byID[inst.id] = inst
			byAgent[reg.AgentID] = append(byAgent[reg.AgentID], inst)
		}
	}
	p.mu.Unlock()

	var g errgroup.Group
	for _, reg := range regs {
		g.Go(func() error {
			failed := 0
			for _, inst := range byAgent[reg.AgentID] {
				if err := p.startInstance(ctx, inst); err != nil {
					failed++
					p.log.Error("starting agent instance", "instance", inst.id, "error", err)
				}
			}
			if failed == len(byAgent[reg.AgentID]) {
				p.log.Warn("agent type unavailable", "agent", reg.AgentID)
			}
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	p.phase = PoolRunning
	if p.healthInterval > 0 {
		hctx, cancel := context.WithCancel(context.Background())
		p.stopHealth = cancel
		p.background.Add(1)
		go p.healthLoop(hctx)
	}
	total := len(p.instances)
	p.mu.Unlock()

	p.log.Info("agent pool started", "agents", len(regs), "instances", total)
	return nil
}

func (p *Pool) startInstance(ctx context.Context, inst *Instance) error {
	ctx, cancel := context.WithTimeout(ctx, p.startTimeout)
	defer cancel()

	agent, err := inst.reg.Factory(inst.id, inst.reg.Config.Clone())
	if err == nil {
		if s, ok := agent.(Starter); ok {
			err = s.Start(ctx)
		}
	}

	p.mu.Lock()
	if inst.status == StatusStopped {
		// Stop ran while we were starting
		p.mu.Unlock()
		if agent != nil {
			p.stopAgent(inst.id, agent)
		}
		return errors.New("pool stopped during start")
	}
	if err != nil {
		inst.lastError = err.Error()
		_ = inst.transition(StatusUnhealthy)
	} else {
		inst.agent = agent
		inst.startedAt = time.Now()
		inst.lastHealthCheck = inst.startedAt
		_ = inst.transition(StatusHealthy)
	}
	info := inst.info()
	p.mu.Unlock()

	p.notify(info)
	return err
}

func (p *Pool) stopAgent(instanceID string, agent Agent) {
	s, ok := agent.(Stopper)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		p.log.Warn("stopping agent instance", "instance", instanceID, "error", err)
	}
}

// Acquire selects a healthy instance capable of taskType and marks it busy.
// Selection and marking happen under one lock, so two callers never get
// the same instance. Candidates are ordered by registration priority, then
// least recently used, then instance ID.
func (p *Pool) Acquire(taskType string) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.phase != PoolRunning {
		return nil, ErrNotRunning
	}

	var candidates []*Instance
	pending := 0
	for _, inst := range p.instances {
		if !inst.reg.Supports(taskType) {
			continue
		}
		switch inst.status {
		case StatusHealthy:
			candidates = append(candidates, inst)
		case StatusBusy, StatusStarting:
			pending++
		}
	}
	if len(candidates) == 0 {
		return nil, &domain.NoAvailableAgentError{TaskType: taskType, Busy: pending}
	}

	best := slices.MinFunc(candidates, compareInstances)
	_ = best.transition(StatusBusy)
	best.lastUsed = time.Now()
	p.inflight.Add(1)

	return &Lease{pool: p, inst: best, agent: best.agent, taskType: taskType}, nil
}

func compareInstances(a, b *Instance) int {
	return cmp.Or(
		cmp.Compare(a.reg.Priority, b.reg.Priority),
		a.lastUsed.Compare(b.lastUsed),
		strings.Compare(a.id, b.id),
	)
}

// Execute acquires an instance and runs one task on it
func (p *Pool) Execute(ctx context.Context, taskType string, input domain.Payload) (domain.Payload, error) {
	lease, err := p.Acquire(taskType)
	if err != nil {
		return nil, err
	}
	return lease.Run(ctx, input)
}

// finish records the outcome of one execution and frees the instance.
// Executions cancelled by their caller or by Stop count neither as success
// nor as failure.
func (p *Pool) finish(inst *Instance, err error, cancelled bool) {
	p.mu.Lock()
	outcome := "success"
	switch {
	case cancelled:
		outcome = "cancelled"
	case err == nil:
		inst.successCount++
		p.successes++
	default:
		inst.failureCount++
		p.failures++
		inst.lastError = err.Error()
		outcome = "failure"
	}

	restart := false
	if inst.status == StatusBusy {
		if IsFatal(err) {
			_ = inst.transition(StatusUnhealthy)
			outcome = "fatal"
			if inst.reg.AutoRestart && p.phase == PoolRunning {
				restart = true
				p.background.Add(1)
			}
		} else {
			_ = inst.transition(StatusHealthy)
		}
	}
	info := inst.info()
	p.mu.Unlock()

	p.inflight.Done()
	p.metrics.AgentExecuted(inst.reg.AgentID, outcome)
	if outcome == "fatal" {
		p.log.Warn("agent instance failed", "instance", inst.id, "error", err)
	}
	p.notify(info)

	if restart {
		go func() {
			defer p.background.Done()
			p.restart(inst)
		}()
	}
}

// release frees an instance that was acquired but never ran
func (p *Pool) release(inst *Instance) {
	p.mu.Lock()
	if inst.status == StatusBusy {
		_ = inst.transition(StatusHealthy)
	}
	info := inst.info()
	p.mu.Unlock()

	p.inflight.Done()
	p.notify(info)
}

// restart replaces the handle of an unhealthy instance in place
func (p *Pool) restart(inst *Instance) {
	p.mu.Lock()
	if p.phase != PoolRunning || inst.status != StatusUnhealthy {
		p.mu.Unlock()
		return
	}
	old := inst.agent
	inst.agent = nil
	inst.restarts++
	_ = inst.transition(StatusStarting)
	info := inst.info()
	p.mu.Unlock()

	p.log.Warn("restarting agent instance", "instance", inst.id, "attempt", info.Restarts, "last_error", info.LastError)
	p.notify(info)

	if old != nil {
		p.stopAgent(inst.id, old)
	}
	err := p.startInstance(p.forceCtx, inst)
	p.metrics.AgentRestarted(inst.reg.AgentID, err == nil)
	if err != nil {
		p.log.Error("restart failed", "instance", inst.id, "error", err)
	}
}

func (p *Pool) healthLoop(ctx context.Context) {
	defer p.background.Done()

	ticker := time.NewTicker(p.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CheckHealth(ctx)
		}
	}
}

// CheckHealth probes idle instances whose agents implement HealthChecker
// and restarts unhealthy instances registered with AutoRestart
func (p *Pool) CheckHealth(ctx context.Context) {
	p.mu.Lock()
	if p.phase != PoolRunning {
		p.mu.Unlock()
		return
	}
	var probe []*Instance
	var restart []*Instance
	now := time.Now()
	for _, inst := range p.instances {
		switch inst.status {
		case StatusHealthy:
			if _, ok := inst.agent.(HealthChecker); ok {
				probe = append(probe, inst)
			} else {
				inst.lastHealthCheck = now
			}
		case StatusBusy:
			inst.lastHealthCheck = now
		case StatusUnhealthy:
			if inst.reg.AutoRestart {
				restart = append(restart, inst)
			}
		}
	}
	p.mu.Unlock()

	for _, inst := range probe {
		p.probe(ctx, inst)
	}
	for _, inst := range restart {
		p.restart(inst)
	}
}

func (p *Pool) probe(ctx context.Context, inst *Instance) {
	p.mu.Lock()
	checker, ok := inst.agent.(HealthChecker)
	p.mu.Unlock()
	if !ok {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, p.healthTimeout)
	err := checker.HealthCheck(cctx)
	cancel()

	p.mu.Lock()
	inst.lastHealthCheck = time.Now()
	changed := false
	if err != nil && inst.status == StatusHealthy {
		inst.lastError = err.Error()
		_ = inst.transition(StatusUnhealthy)
		changed = true
	}
	autoRestart := inst.reg.AutoRestart
	info := inst.info()
	p.mu.Unlock()

	if changed {
		p.log.Warn("health check failed", "instance", inst.id, "error", err)
		p.notify(info)
		if autoRestart {
			p.restart(inst)
		}
	}
}

// Stop waits for running executions until ctx is done, then cancels the
// stragglers' contexts, stops every agent and marks all instances stopped.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	switch p.phase {
	case PoolStopping, PoolStopped:
		p.mu.Unlock()
		return nil
	case PoolInitializing:
		p.phase = PoolStopped
		p.mu.Unlock()
		return nil
	}
	p.phase = PoolStopping
	if p.stopHealth != nil {
		p.stopHealth()
	}
	p.mu.Unlock()

	p.log.Info("stopping agent pool")
	if !wait(ctx, &p.inflight) {
		p.log.Warn("executions still running at stop deadline, cancelling them")
	}
	p.force()

	graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopGrace)
	defer cancel()
	if !wait(graceCtx, &p.background) {
		p.log.Warn("background restarts did not finish")
	}

	type stopping struct {
		id    string
		agent Agent
	}
	var agents []stopping
	var infos []InstanceInfo
	p.mu.Lock()
	for _, inst := range p.instances {
		if inst.agent != nil && inst.status != StatusStopped {
			agents = append(agents, stopping{inst.id, inst.agent})
		}
		inst.status = StatusStopped
		infos = append(infos, inst.info())
	}
	p.phase = PoolStopped
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(graceCtx)
	for _, a := range agents {
		s, ok := a.agent.(Stopper)
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := s.Stop(gctx); err != nil {
				return fmt.Errorf("stopping %s: %w", a.id, err)
			}
			return nil
		})
	}
	err := g.Wait()

	for _, info := range infos {
		p.notify(info)
	}
	p.log.Info("agent pool stopped", "successes", p.Health().SuccessfulTasks)
	return err
}

func wait(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Health aggregates instance states and execution counters. A running pool
// is degraded when any instance is unhealthy or fewer than 80% can work.
func (p *Pool) Health() Health {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := Health{
		TotalTasks:      p.successes + p.failures,
		SuccessfulTasks: p.successes,
		FailedTasks:     p.failures,
		LastUpdated:     time.Now(),
	}
	for _, inst := range p.instances {
		h.TotalAgents++
		switch inst.status {
		case StatusHealthy:
			h.HealthyAgents++
		case StatusBusy:
			h.HealthyAgents++
			h.BusyAgents++
		case StatusUnhealthy:
			h.UnhealthyAgents++
		case StatusStarting:
			h.StartingAgents++
		}
	}
	if h.TotalTasks > 0 {
		h.SuccessRate = float64(h.SuccessfulTasks) / float64(h.TotalTasks) * 100
	}

	h.Status = p.phase
	if p.phase == PoolRunning && (h.UnhealthyAgents > 0 || float64(h.HealthyAgents) < float64(h.TotalAgents)*0.8) {
		h.Status = PoolDegraded
	}
	return h
}

// AgentInfo returns one instance by ID
func (p *Pool) AgentInfo(instanceID string) (InstanceInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.byID[instanceID]
	if !ok {
		return InstanceInfo{}, false
	}
	return inst.info(), true
}

// Instances returns every instance in registration order
func (p *Pool) Instances() []InstanceInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]InstanceInfo, 0, len(p.instances))
	for _, inst := range p.instances {
		result = append(result, inst.info())
	}
	return result
}

// notify tells listeners and the bus about an instance change. Must be
// called without holding p.mu.
func (p *Pool) notify(info InstanceInfo) {
	p.mu.Lock()
	listeners := slices.Clone(p.listeners)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}

	msg := bus.NewMessage("agent:"+info.InstanceID+":status", bus.AgentStatus, "agent_pool", domain.Payload{
		"instance_id":   info.InstanceID,
		"agent_id":      info.AgentID,
		"status":        string(info.Status),
		"success_count": info.SuccessCount,
		"failure_count": info.FailureCount,
		"restarts":      info.Restarts,
	})
	if err := p.bus.Publish(context.Background(), msg); err != nil && !errors.Is(err, bus.ErrNotConnected) {
		p.log.Debug("publishing agent status", "instance", info.InstanceID, "error", err)
	}
}

// Lease is exclusive use of one busy instance. Exactly one of Run or
// Release frees it.
type Lease struct {
	pool     *Pool
	inst     *Instance
	agent    Agent
	taskType string
	used     atomic.Bool
}

// InstanceID names the leased instance
func (l *Lease) InstanceID() string {
	return l.inst.id
}

// AgentID names the leased instance's agent type
func (l *Lease) AgentID() string {
	return l.inst.reg.AgentID
}

// Run executes the task on the leased instance and frees it. Panics in
// the agent are recovered and reported as fatal errors.
func (l *Lease) Run(ctx context.Context, input domain.Payload) (domain.Payload, error) {
	if !l.used.CompareAndSwap(false, true) {
		return nil, errors.New("lease already used")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(l.pool.forceCtx, cancel)
	defer stop()

	out, err := l.execute(ctx, input)
	cancelled := errors.Is(err, context.Canceled) && !IsFatal(err) && ctx.Err() != nil
	l.pool.finish(l.inst, err, cancelled)
	return out, err
}

func (l *Lease) execute(ctx context.Context, input domain.Payload) (out domain.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = Fatal(fmt.Errorf("agent %s panicked: %v", l.inst.id, r))
		}
	}()
	return l.agent.Execute(ctx, l.taskType, input.Clone())
}

// Release frees the instance without running anything
func (l *Lease) Release() {
	if l.used.CompareAndSwap(false, true) {
		l.pool.release(l.inst)
	}
}
