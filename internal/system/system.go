// Package system wires the message bus, agent pool and orchestrator into
// one runnable unit and offers single-task helpers on top of batches.
package system

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hochfrequenz/agent-hq/internal/agentpool"
	"github.com/hochfrequenz/agent-hq/internal/bus"
	"github.com/hochfrequenz/agent-hq/internal/config"
	"github.com/hochfrequenz/agent-hq/internal/departments"
	"github.com/hochfrequenz/agent-hq/internal/domain"
	"github.com/hochfrequenz/agent-hq/internal/historystore"
	"github.com/hochfrequenz/agent-hq/internal/logging"
	"github.com/hochfrequenz/agent-hq/internal/metrics"
	"github.com/hochfrequenz/agent-hq/internal/notify"
	"github.com/hochfrequenz/agent-hq/internal/orchestrator"
)

// ErrNotRunning is returned by operations that need a started system
var ErrNotRunning = errors.New("system not running")

// Options injects collaborators; zero values build them from config
type Options struct {
	Logger *slog.Logger
	// Registry receives the Prometheus collectors; nil creates a private one
	Registry *prometheus.Registry
	// Bus replaces the transport selected by config
	Bus bus.Bus
	// Departments to register; nil means departments.All()
	Departments []departments.Department
	// Agents are registered after the departments
	Agents []agentpool.Registration
	// History replaces the store opened from config. The caller keeps
	// ownership and closes it.
	History *historystore.Store
	// Notifier replaces the channels selected by [notifications]
	Notifier notify.Notifier
	Risk     orchestrator.RiskAssessor
}

// TaskRef identifies a task submitted through SubmitTask
type TaskRef struct {
	BatchID string `json:"batch_id"`
	TaskID  string `json:"task_id"`
}

// SubmitOptions carries the batch fields of a single-task submission
type SubmitOptions struct {
	UserID     string
	SessionID  string
	WorkflowID string
	// RequiresApproval nil applies the configured default
	RequiresApproval *bool
}

// AwaitOptions bounds AwaitTaskResult
type AwaitOptions struct {
	// PollInterval backs up completion notification; default 500ms
	PollInterval time.Duration
	// Timeout of zero waits until ctx is done
	Timeout time.Duration
}

// System is the composition root
type System struct {
	cfg      *config.Config
	log      *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	notifier notify.Notifier
	opts     Options

	mu           sync.RWMutex
	running      bool
	startedAt    time.Time
	bus          bus.Bus
	pool         *agentpool.Pool
	orch         *orchestrator.Orchestrator
	history      *historystore.Store
	ownsHistory  bool
	onApproval   orchestrator.ApprovalFunc
	onProgress   orchestrator.ProgressFunc
	onCompletion orchestrator.CompletionFunc
}

// New validates cfg and prepares a system. Nothing is started.
func New(cfg *config.Config, opts Options) (*System, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if opts.Departments == nil {
		opts.Departments = departments.All()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
		if n := cfg.Notifications; n.Enabled() {
			notifier = notify.Multi{notify.NewDesktop(n.Desktop), notify.NewSlack(n.SlackWebhook)}
		}
	}
	return &System{
		cfg:      cfg,
		log:      logging.OrDiscard(opts.Logger).With("component", "system"),
		registry: reg,
		metrics:  metrics.New(reg),
		notifier: notifier,
		opts:     opts,
	}, nil
}

// Gatherer exposes the system's Prometheus collectors
func (s *System) Gatherer() prometheus.Gatherer {
	return s.registry
}

// Start brings up the bus, then the agent pool, then the orchestrator.
// A bus that fails to connect is replaced by a no-op bus.
func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("system already running")
	}
	logger := logging.OrDiscard(s.opts.Logger)

	b := s.opts.Bus
	if b == nil {
		b = s.newBus(logger)
	}
	if err := b.Connect(ctx); err != nil {
		s.log.Warn("message bus unavailable, continuing without events", "url", s.cfg.Bus.URL, "error", err)
		b = bus.Nop{}
	}

	pool := agentpool.New(agentpool.Options{
		HealthInterval: s.cfg.Pool.HealthInterval.Std(),
		HealthTimeout:  s.cfg.Pool.HealthTimeout.Std(),
		StartTimeout:   s.cfg.Pool.StartTimeout.Std(),
		Bus:            b,
		Logger:         logger,
		Metrics:        s.metrics,
	})
	for _, reg := range s.registrations() {
		if err := pool.Register(reg); err != nil {
			_ = b.Disconnect(context.WithoutCancel(ctx))
			return fmt.Errorf("registering agents: %w", err)
		}
	}

	history, owns, err := s.openHistory()
	if err != nil {
		_ = b.Disconnect(context.WithoutCancel(ctx))
		return err
	}

	if err := pool.Start(ctx); err != nil {
		s.closeHistory(history, owns)
		_ = b.Disconnect(context.WithoutCancel(ctx))
		return fmt.Errorf("starting agent pool: %w", err)
	}

	orch, err := orchestrator.New(orchestratorConfig(s.cfg.Orchestrator), orchestrator.FromAgentPool(pool), orchestrator.Options{
		Bus:     b,
		Logger:  logger,
		Metrics: s.metrics,
		Risk:    s.opts.Risk,
	})
	if err == nil {
		orch.SetApprovalCallback(s.approvalRequested)
		orch.SetProgressCallback(s.progressed)
		orch.SetCompletionCallback(s.completed)
		err = orch.Start(ctx)
	}
	if err != nil {
		_ = pool.Stop(context.WithoutCancel(ctx))
		s.closeHistory(history, owns)
		_ = b.Disconnect(context.WithoutCancel(ctx))
		return fmt.Errorf("starting orchestrator: %w", err)
	}

	s.bus, s.pool, s.orch = b, pool, orch
	s.history, s.ownsHistory = history, owns
	s.running = true
	s.startedAt = time.Now()
	s.log.Info("system started",
		"agent_types", pool.Registry().Count(),
		"task_types", len(pool.Registry().TaskTypes()),
		"history", history != nil)
	return nil
}

func (s *System) newBus(logger *slog.Logger) bus.Bus {
	if s.cfg.Bus.URL == "" {
		var opts []bus.MemoryOption
		if s.cfg.Bus.Buffer > 0 {
			opts = append(opts, bus.WithBuffer(s.cfg.Bus.Buffer))
		}
		return bus.NewMemory(logger, s.metrics, opts...)
	}
	return bus.NewRedis(s.cfg.Bus.URL, logger, s.metrics)
}

// registrations applies the [agents.<id>] overrides to the departments
func (s *System) registrations() []agentpool.Registration {
	var regs []agentpool.Registration
	for _, d := range s.opts.Departments {
		ac := s.cfg.Agent(d.ID)
		if !ac.IsEnabled() {
			s.log.Info("agent disabled by configuration", "agent", d.ID)
			continue
		}
		maxInstances := ac.MaxInstances
		if maxInstances == 0 {
			maxInstances = s.cfg.Pool.MaxInstances
		}
		autoRestart := s.cfg.Pool.AutoRestart
		if ac.AutoRestart != nil {
			autoRestart = *ac.AutoRestart
		}
		reg := d.Registration(maxInstances, autoRestart, domain.Payload(ac.Settings))
		if ac.Priority != nil {
			reg.Priority = *ac.Priority
		}
		regs = append(regs, reg)
	}
	return append(regs, s.opts.Agents...)
}

func (s *System) openHistory() (*historystore.Store, bool, error) {
	if s.opts.History != nil {
		return s.opts.History, false, nil
	}
	if !s.cfg.History.Enabled {
		return nil, false, nil
	}
	store, err := historystore.New(s.cfg.History.DatabasePath)
	if err != nil {
		return nil, false, fmt.Errorf("opening history %s: %w", s.cfg.History.DatabasePath, err)
	}
	return store, true, nil
}

func (s *System) closeHistory(store *historystore.Store, owns bool) {
	if store != nil && owns {
		if err := store.Close(); err != nil {
			s.log.Warn("closing history store", "error", err)
		}
	}
}

// Stop shuts down in reverse start order. The orchestrator and the pool
// each get two fifths of timeout, the bus the remaining fifth.
func (s *System) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	b, pool, orch := s.bus, s.pool, s.orch
	history, owns := s.history, s.ownsHistory
	s.mu.Unlock()

	stage := func(share time.Duration, fn func(context.Context) error) error {
		ctx, cancel := context.WithTimeout(context.Background(), share)
		defer cancel()
		return fn(ctx)
	}

	var errs []error
	if err := stage(timeout*2/5, orch.Stop); err != nil {
		errs = append(errs, fmt.Errorf("stopping orchestrator: %w", err))
	}
	if err := stage(timeout*2/5, pool.Stop); err != nil {
		errs = append(errs, fmt.Errorf("stopping agent pool: %w", err))
	}
	if err := stage(timeout/5, b.Disconnect); err != nil {
		errs = append(errs, fmt.Errorf("disconnecting bus: %w", err))
	}
	s.closeHistory(history, owns)

	s.log.Info("system stopped", "errors", len(errs))
	return errors.Join(errs...)
}

// Running reports whether Start succeeded and Stop has not been called
func (s *System) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *System) live() (*orchestrator.Orchestrator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return nil, ErrNotRunning
	}
	return s.orch, nil
}

// Orchestrator returns the running orchestrator, nil before Start
func (s *System) Orchestrator() *orchestrator.Orchestrator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orch
}

// Pool returns the running agent pool, nil before Start
func (s *System) Pool() *agentpool.Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool
}

// History returns the finished-batch store, nil when disabled
func (s *System) History() *historystore.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history
}

// SubmitBatch submits a batch to the orchestrator
func (s *System) SubmitBatch(req orchestrator.BatchRequest) (string, error) {
	orch, err := s.live()
	if err != nil {
		return "", err
	}
	return orch.SubmitBatch(req)
}

// SubmitTask submits task as a batch of one
func (s *System) SubmitTask(task domain.TaskSpec, opts SubmitOptions) (TaskRef, error) {
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	requires := s.cfg.Orchestrator.RequiresApproval
	if opts.RequiresApproval != nil {
		requires = *opts.RequiresApproval
	}
	batchID, err := s.SubmitBatch(orchestrator.BatchRequest{
		Tasks:            []domain.TaskSpec{task},
		UserID:           opts.UserID,
		SessionID:        opts.SessionID,
		WorkflowID:       opts.WorkflowID,
		RequiresApproval: requires,
	})
	if err != nil {
		return TaskRef{}, err
	}
	return TaskRef{BatchID: batchID, TaskID: task.TaskID}, nil
}

// AwaitTaskResult waits for the task to complete and returns its result.
// It reports false on timeout, when ctx ends, or when the task finished
// without completing.
func (s *System) AwaitTaskResult(ctx context.Context, taskID string, opts AwaitOptions) (domain.Payload, bool) {
	orch, err := s.live()
	if err != nil {
		return nil, false
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	// nil when the task is unknown, which leaves polling to find it
	done, _ := orch.TaskDone(taskID)
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		if result, ok := orch.GetTaskResult(taskID); ok {
			return result, true
		}
		if task, ok := orch.GetTask(taskID); ok && task.Status.IsTerminal() {
			return nil, false
		}
		select {
		case <-done:
			done = nil
		case <-ticker.C:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// ApproveTask resolves an approval request
func (s *System) ApproveTask(requestID string, approved bool, message string) error {
	orch, err := s.live()
	if err != nil {
		return err
	}
	return orch.ApproveTask(requestID, approved, message)
}

// CancelBatch cancels a running batch
func (s *System) CancelBatch(batchID string) error {
	orch, err := s.live()
	if err != nil {
		return err
	}
	return orch.CancelBatch(batchID)
}

// GetBatchStatus returns the live batch, falling back to history
func (s *System) GetBatchStatus(ctx context.Context, batchID string) (domain.BatchSnapshot, bool) {
	if orch, err := s.live(); err == nil {
		if b, ok := orch.GetBatchStatus(batchID); ok {
			return b, true
		}
	}
	if h := s.History(); h != nil {
		if b, err := h.GetBatch(ctx, batchID); err == nil {
			return b, true
		}
	}
	return domain.BatchSnapshot{}, false
}

// SetApprovalCallback installs the approval observer
func (s *System) SetApprovalCallback(fn orchestrator.ApprovalFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onApproval = fn
}

// SetProgressCallback installs the progress observer
func (s *System) SetProgressCallback(fn orchestrator.ProgressFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onProgress = fn
}

// SetCompletionCallback installs the completion observer. It runs after
// the batch has been recorded to history.
func (s *System) SetCompletionCallback(fn orchestrator.CompletionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCompletion = fn
}

func (s *System) approvalRequested(ctx context.Context, req domain.ApprovalRequest) error {
	s.mu.RLock()
	fn := s.onApproval
	s.mu.RUnlock()

	var errs []error
	if s.cfg.Notifications.Approvals {
		if err := s.notifier.Send(ctx, notify.ApprovalNeeded(req)); err != nil {
			errs = append(errs, fmt.Errorf("notifying approval %s: %w", req.RequestID, err))
		}
	}
	if fn != nil {
		if err := fn(ctx, req); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *System) progressed(ctx context.Context, batchID string, progress domain.BatchSnapshot) error {
	s.mu.RLock()
	fn := s.onProgress
	s.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, batchID, progress)
}

func (s *System) completed(ctx context.Context, result domain.BatchSnapshot) error {
	s.mu.RLock()
	fn, history := s.onCompletion, s.history
	s.mu.RUnlock()

	var errs []error
	if history != nil {
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err := history.RecordBatch(recordCtx, result)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("recording batch %s: %w", result.BatchID, err))
		}
	}
	if err := s.notifier.Send(ctx, notify.BatchFinished(result)); err != nil {
		errs = append(errs, fmt.Errorf("notifying batch %s: %w", result.BatchID, err))
	}
	if fn != nil {
		if err := fn(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func orchestratorConfig(c config.OrchestratorConfig) orchestrator.Config {
	return orchestrator.Config{
		ApprovalTimeout:       c.ApprovalTimeout.Std(),
		ApprovalTimeoutAction: c.ApprovalTimeoutAction,
		SkipApprovals:         c.SkipApprovals,
		TaskTimeout:           c.TaskTimeout.Std(),
		SweepInterval:         c.SweepInterval.Std(),
		DispatchWaitTimeout:   c.DispatchWaitTimeout.Std(),
		MaxDispatchAttempts:   c.MaxDispatchAttempts,
		RetryInitialInterval:  c.RetryInitialInterval.Std(),
		RetryMaxInterval:      c.RetryMaxInterval.Std(),
	}
}
