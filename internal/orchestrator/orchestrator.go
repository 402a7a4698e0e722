// Package orchestrator turns batches of task specifications into tracked
// executions: it gates tasks behind human approval, dispatches ready tasks
// to the agent pool concurrently in dependency order and keeps per-task and
// per-batch status for polling.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/agent-hq/internal/bus"
	"github.com/hochfrequenz/agent-hq/internal/domain"
	"github.com/hochfrequenz/agent-hq/internal/logging"
	"github.com/hochfrequenz/agent-hq/internal/metrics"
)

// ErrNotRunning is returned when submitting to a stopped orchestrator
var ErrNotRunning = errors.New("orchestrator is not running")

// ApprovalFunc is told about every new approval request. It is expected to
// eventually call ApproveTask.
type ApprovalFunc func(ctx context.Context, req domain.ApprovalRequest) error

// ProgressFunc receives a batch snapshot whenever one of its tasks changes
type ProgressFunc func(ctx context.Context, batchID string, progress domain.BatchSnapshot) error

// CompletionFunc receives the final snapshot of every batch once
type CompletionFunc func(ctx context.Context, result domain.BatchSnapshot) error

// BatchRequest is the input of SubmitBatch
type BatchRequest struct {
	Tasks      []domain.TaskSpec
	UserID     string
	SessionID  string
	WorkflowID string
	// RequiresApproval is inherited by tasks that do not set their own
	RequiresApproval bool
}

// Stats are cumulative orchestrator counters
type Stats struct {
	TotalBatches       int `json:"total_batches"`
	ActiveBatches      int `json:"active_batches"`
	FinishedBatches    int `json:"finished_batches"`
	TasksExecuted      int `json:"tasks_executed"`
	ApprovalsRequested int `json:"approvals_requested"`
	PendingApprovals   int `json:"pending_approvals"`
}

// Options carries the collaborators of an Orchestrator
type Options struct {
	Bus     bus.Bus
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Risk annotates approval requests; PriorityRisk when nil
	Risk RiskAssessor
}

type taskEntry struct {
	task *domain.ConcurrentTask
	run  *batchRun
	done chan struct{}
}

// Orchestrator owns every batch, task and approval request
type Orchestrator struct {
	cfg     Config
	pool    Pool
	bus     bus.Bus
	log     *slog.Logger
	metrics *metrics.Metrics
	risk    RiskAssessor

	mu       sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	batches  map[string]*batchRun
	tasks    map[string]*taskEntry
	requests map[string]*domain.ApprovalRequest
	stats    Stats

	onApproval   ApprovalFunc
	onProgress   ProgressFunc
	onCompletion CompletionFunc

	agentSub  bus.Subscription
	wg        sync.WaitGroup
	callbacks sync.WaitGroup
}

// New creates an orchestrator dispatching to pool
func New(cfg Config, pool Pool, opts Options) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator config: %w", err)
	}
	if pool == nil {
		return nil, errors.New("orchestrator needs an agent pool")
	}
	o := &Orchestrator{
		cfg:      cfg,
		pool:     pool,
		bus:      bus.OrNop(opts.Bus),
		log:      logging.OrDiscard(opts.Logger).With("component", "orchestrator"),
		metrics:  opts.Metrics,
		risk:     opts.Risk,
		batches:  make(map[string]*batchRun),
		tasks:    make(map[string]*taskEntry),
		requests: make(map[string]*domain.ApprovalRequest),
	}
	if o.risk == nil {
		o.risk = PriorityRisk
	}
	pool.OnChange(o.wakeAll)
	return o, nil
}

// SetApprovalCallback sets the approval-request observer
func (o *Orchestrator) SetApprovalCallback(fn ApprovalFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onApproval = fn
}

// SetProgressCallback sets the task-progress observer
func (o *Orchestrator) SetProgressCallback(fn ProgressFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onProgress = fn
}

// SetCompletionCallback sets the batch-completion observer
func (o *Orchestrator) SetCompletionCallback(fn CompletionFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onCompletion = fn
}

// Start begins the approval sweep and subscribes to agent status events
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return errors.New("orchestrator already running")
	}
	o.running = true
	o.ctx, o.cancel = context.WithCancel(context.WithoutCancel(ctx))
	o.wg.Add(1)
	go o.sweepLoop(o.ctx)
	o.mu.Unlock()

	sub, err := o.bus.SubscribePattern(ctx, "agent:*:status", o.handleAgentStatus)
	if err != nil {
		o.log.Warn("agent status events unavailable", "error", err)
	} else {
		o.agentSub = sub
	}

	o.log.Info("orchestrator started",
		"approval_timeout", o.cfg.ApprovalTimeout,
		"approval_timeout_action", o.cfg.ApprovalTimeoutAction,
		"skip_approvals", o.cfg.SkipApprovals)
	return nil
}

// Stop cancels every active batch and waits until ctx is done for running
// executions and callbacks to return
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	var fx effects
	for _, run := range o.batches {
		if !run.batch.Status.IsTerminal() {
			o.cancelLocked(run, "orchestrator stopped", &fx)
		}
	}
	o.seal(&fx)
	o.mu.Unlock()

	o.flush(&fx)
	o.cancel()
	if o.agentSub != nil {
		o.agentSub.Unsubscribe()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		o.callbacks.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.log.Info("orchestrator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for executions: %w", ctx.Err())
	}
}

func (o *Orchestrator) handleAgentStatus(_ context.Context, msg bus.Message) error {
	switch msg.Payload.String("status") {
	case "unhealthy":
		o.log.Warn("agent instance unhealthy", "instance", msg.Payload.String("instance_id"))
	case "healthy", "starting", "stopped":
		o.log.Debug("agent instance status", "instance", msg.Payload.String("instance_id"), "status", msg.Payload.String("status"))
	}
	return nil
}

// SubmitBatch validates the tasks, records the batch and starts its
// dispatch loop. It returns as soon as the batch is recorded.
func (o *Orchestrator) SubmitBatch(req BatchRequest) (string, error) {
	specs, err := o.validate(req.Tasks)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	batch := &domain.ExecutionBatch{
		BatchID:    uuid.NewString(),
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		WorkflowID: req.WorkflowID,
		Status:     domain.BatchPending,
		CreatedAt:  now,
	}
	for i, s := range specs {
		requires := req.RequiresApproval
		if s.RequiresApproval != nil {
			requires = *s.RequiresApproval
		}
		if o.cfg.SkipApprovals {
			requires = false
		}
		batch.Tasks = append(batch.Tasks, &domain.ConcurrentTask{
			TaskID:           s.TaskID,
			BatchID:          batch.BatchID,
			TaskType:         s.TaskType,
			Description:      s.Description,
			InputData:        s.InputData.Clone(),
			Priority:         s.Priority,
			RequiresApproval: requires,
			Dependencies:     slices.Clone(s.Dependencies),
			Timeout:          s.Timeout,
			Seq:              i,
			Status:           domain.TaskPending,
			CreatedAt:        now,
		})
	}
	batch.Refresh(now)

	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return "", ErrNotRunning
	}
	for _, t := range batch.Tasks {
		if _, exists := o.tasks[t.TaskID]; exists {
			o.mu.Unlock()
			return "", &domain.ValidationError{Field: "task_id", Reason: fmt.Sprintf("task %q already exists", t.TaskID)}
		}
	}
	run := newBatchRun(o.ctx, batch)
	o.batches[batch.BatchID] = run
	for _, t := range batch.Tasks {
		o.tasks[t.TaskID] = &taskEntry{task: t, run: run, done: make(chan struct{})}
	}
	o.stats.TotalBatches++
	var fx effects
	fx.publish(batchEvent(batch, "submitted"))
	o.wg.Add(1)
	o.mu.Unlock()

	o.flush(&fx)
	o.metrics.BatchSubmitted()
	o.log.Info("batch submitted", "batch", batch.BatchID, "tasks", len(batch.Tasks), "user", req.UserID)

	go o.runBatch(run)
	return batch.BatchID, nil
}

// validate fills in task IDs and rejects batches that could never run
func (o *Orchestrator) validate(tasks []domain.TaskSpec) ([]domain.TaskSpec, error) {
	if len(tasks) == 0 {
		return nil, &domain.ValidationError{Field: "tasks", Reason: "batch has no tasks"}
	}

	specs := slices.Clone(tasks)
	seen := make(map[string]bool, len(specs))
	for i := range specs {
		s := &specs[i]
		if s.TaskID == "" {
			s.TaskID = uuid.NewString()
		}
		if seen[s.TaskID] {
			return nil, &domain.ValidationError{Field: fmt.Sprintf("tasks[%d].task_id", i), Reason: fmt.Sprintf("duplicate task id %q", s.TaskID)}
		}
		seen[s.TaskID] = true

		if s.TaskType == "" {
			return nil, &domain.ValidationError{Field: fmt.Sprintf("tasks[%d].task_type", i), Reason: "task type is required"}
		}
		if !o.pool.Supports(s.TaskType) {
			return nil, &domain.ValidationError{Field: fmt.Sprintf("tasks[%d].task_type", i), Reason: fmt.Sprintf("no agent registered for task type %q", s.TaskType)}
		}
		if s.Timeout < 0 {
			return nil, &domain.ValidationError{Field: fmt.Sprintf("tasks[%d].timeout", i), Reason: "must not be negative"}
		}
	}
	if _, err := topologicalOrder(specs); err != nil {
		return nil, err
	}
	return specs, nil
}

// GetBatchStatus returns a snapshot of the batch, or false when unknown
func (o *Orchestrator) GetBatchStatus(batchID string) (domain.BatchSnapshot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	run, ok := o.batches[batchID]
	if !ok {
		return domain.BatchSnapshot{}, false
	}
	return run.batch.Snapshot(), true
}

// GetTask returns a snapshot of one task
func (o *Orchestrator) GetTask(taskID string) (domain.TaskSnapshot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.tasks[taskID]
	if !ok {
		return domain.TaskSnapshot{}, false
	}
	return e.task.Snapshot(), true
}

// GetTaskResult returns the result of a completed task. It reports false
// while the task is unknown, still in progress or ended without completing.
func (o *Orchestrator) GetTaskResult(taskID string) (domain.Payload, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.tasks[taskID]
	if !ok || e.task.Status != domain.TaskCompleted {
		return nil, false
	}
	return e.task.Result.Clone(), true
}

// TaskDone returns a channel closed when the task reaches a terminal status
func (o *Orchestrator) TaskDone(taskID string) (<-chan struct{}, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.tasks[taskID]
	if !ok {
		return nil, false
	}
	return e.done, true
}

// BatchDone returns a channel closed when the batch reaches a terminal status
func (o *Orchestrator) BatchDone(batchID string) (<-chan struct{}, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	run, ok := o.batches[batchID]
	if !ok {
		return nil, false
	}
	return run.done, true
}

// CancelBatch cancels every task of the batch that has not finished.
// Cancelling a finished batch is a no-op.
func (o *Orchestrator) CancelBatch(batchID string) error {
	o.mu.Lock()
	run, ok := o.batches[batchID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", batchID, domain.ErrBatchNotFound)
	}
	if run.batch.Status.IsTerminal() {
		o.mu.Unlock()
		return nil
	}
	var fx effects
	o.cancelLocked(run, "batch cancelled", &fx)
	o.seal(&fx)
	o.mu.Unlock()

	o.flush(&fx)
	o.log.Info("batch cancelled", "batch", batchID)
	return nil
}

func (o *Orchestrator) cancelLocked(run *batchRun, reason string, fx *effects) {
	now := time.Now().UTC()
	run.batch.CancelRequested = true
	for _, task := range run.batch.Tasks {
		if task.Status.IsTerminal() {
			continue
		}
		if req, ok := o.requests[task.ApprovalRequestID]; ok && !req.Resolved {
			req.Resolve(false, reason, now)
			o.metrics.ApprovalResolved("cancelled")
			fx.publish(approvalResolvedEvent(req))
		}
		task.Error = reason
		task.Finish(domain.TaskCancelled, now)
		o.taskFinished(run, task, fx)
	}
	if run.batch.Refresh(now) {
		o.finalize(run, fx)
	}
}

// PurgeBatch forgets a finished batch with its tasks and approval requests
func (o *Orchestrator) PurgeBatch(batchID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	run, ok := o.batches[batchID]
	if !ok {
		return fmt.Errorf("purge %s: %w", batchID, domain.ErrBatchNotFound)
	}
	if !run.batch.Status.IsTerminal() {
		return fmt.Errorf("purge %s: %w", batchID, domain.ErrBatchNotTerminal)
	}
	for _, task := range run.batch.Tasks {
		delete(o.tasks, task.TaskID)
		delete(o.requests, task.ApprovalRequestID)
	}
	delete(o.batches, batchID)
	return nil
}

// Stats returns cumulative counters
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats
	for _, run := range o.batches {
		if !run.batch.Status.IsTerminal() {
			s.ActiveBatches++
		}
	}
	for _, req := range o.requests {
		if !req.Resolved {
			s.PendingApprovals++
		}
	}
	return s
}

// wakeAll nudges every active batch loop to retry dispatch
func (o *Orchestrator) wakeAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, run := range o.batches {
		run.wake()
	}
}
