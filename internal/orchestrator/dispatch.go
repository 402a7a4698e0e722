package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hochfrequenz/agent-hq/internal/domain"
)

// batchRun is the dispatch state of one batch
type batchRun struct {
	batch  *domain.ExecutionBatch
	ctx    context.Context
	cancel context.CancelFunc
	wakeCh chan struct{}
	done   chan struct{}
	retry  map[string]*retryState
	// waiting records when a ready task first found its agent type saturated
	waiting map[string]time.Time

	observers observerQueue
}

// retryState spaces out dispatch attempts for a task with no healthy agent
type retryState struct {
	backoff  *backoff.ExponentialBackOff
	failures int
	next     time.Time
}

func newBatchRun(parent context.Context, batch *domain.ExecutionBatch) *batchRun {
	ctx, cancel := context.WithCancel(parent)
	return &batchRun{
		batch:  batch,
		ctx:    ctx,
		cancel: cancel,
		wakeCh: make(chan struct{}, 1),
		done:   make(chan struct{}),
		retry:  make(map[string]*retryState),

		waiting: make(map[string]time.Time),
	}
}

func (r *batchRun) wake() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

// runBatch reconciles the batch whenever something changes until every
// task is terminal
func (o *Orchestrator) runBatch(run *batchRun) {
	defer o.wg.Done()

	for {
		finished, retryAt := o.advance(run)
		if finished {
			return
		}

		var timer *time.Timer
		var retryC <-chan time.Time
		if !retryAt.IsZero() {
			timer = time.NewTimer(time.Until(retryAt))
			retryC = timer.C
		}
		select {
		case <-run.wakeCh:
		case <-retryC:
		case <-run.ctx.Done():
		}
		if timer != nil {
			timer.Stop()
		}
		if run.ctx.Err() != nil {
			return
		}
	}
}

// advance is one reconcile pass over the batch. It cancels tasks whose
// dependencies failed, opens approval requests for ready gated tasks and
// dispatches the rest in priority order. It reports whether the batch is
// finished and, when a task is waiting on a retry delay, when to come back.
func (o *Orchestrator) advance(run *batchRun) (bool, time.Time) {
	o.mu.Lock()
	var fx effects
	defer func() {
		o.seal(&fx)
		o.mu.Unlock()
		o.flush(&fx)
	}()

	b := run.batch
	if b.Status.IsTerminal() {
		return true, time.Time{}
	}
	now := time.Now().UTC()

	byID := make(map[string]*domain.ConcurrentTask, len(b.Tasks))
	for _, t := range b.Tasks {
		byID[t.TaskID] = t
	}

	// Cancellation propagates along dependency chains, so repeat until stable
	for changed := true; changed; {
		changed = false
		for _, task := range b.Tasks {
			if task.Status != domain.TaskPending {
				continue
			}
			if dep, blocked := blockedByDependency(task, byID); blocked {
				task.Error = fmt.Sprintf("dependency %s ended %s", dep.TaskID, dep.Status)
				task.Finish(domain.TaskCancelled, now)
				o.taskFinished(run, task, &fx)
				changed = true
			}
		}
	}

	completed := make(map[string]bool, len(b.Tasks))
	for _, t := range b.Tasks {
		if t.Status == domain.TaskCompleted {
			completed[t.TaskID] = true
		}
	}

	var retryAt time.Time
	saturated := make(map[string]*domain.NoAvailableAgentError)
	for _, task := range readyTasks(b.Tasks, completed) {
		if task.Status == domain.TaskPending && task.RequiresApproval {
			o.requestApproval(run, task, now, &fx)
			continue
		}
		if cause := saturated[task.TaskType]; cause != nil {
			retryAt = earliest(retryAt, o.waitForAgent(run, task, cause, now, &fx))
			continue
		}
		if rs := run.retry[task.TaskID]; rs != nil && now.Before(rs.next) {
			retryAt = earliest(retryAt, rs.next)
			continue
		}

		task.DispatchAttempts++
		lease, err := o.pool.Acquire(task.TaskType)
		if err == nil {
			o.dispatch(run, task, lease, now, &fx)
			continue
		}

		var noAgent *domain.NoAvailableAgentError
		if errors.As(err, &noAgent) && noAgent.Saturated() {
			// An instance will free up and wake us
			task.DispatchAttempts--
			saturated[task.TaskType] = noAgent
			retryAt = earliest(retryAt, o.waitForAgent(run, task, noAgent, now, &fx))
			continue
		}
		if next, ok := o.scheduleRetry(run, task, err, now, &fx); ok {
			retryAt = earliest(retryAt, next)
		}
	}

	if b.Refresh(now) {
		o.finalize(run, &fx)
		return true, time.Time{}
	}
	return false, retryAt
}

func earliest(a, b time.Time) time.Time {
	if b.IsZero() {
		return a
	}
	if a.IsZero() || b.Before(a) {
		return b
	}
	return a
}

// waitForAgent tracks a task waiting on a saturated agent type and fails it
// once DispatchWaitTimeout has passed. It returns when the wait expires, or
// zero when there is no deadline to come back for.
func (o *Orchestrator) waitForAgent(run *batchRun, task *domain.ConcurrentTask, cause *domain.NoAvailableAgentError, now time.Time, fx *effects) time.Time {
	if o.cfg.DispatchWaitTimeout <= 0 {
		return time.Time{}
	}
	since, ok := run.waiting[task.TaskID]
	if !ok {
		since = now
		run.waiting[task.TaskID] = now
	}
	deadline := since.Add(o.cfg.DispatchWaitTimeout)
	if now.Before(deadline) {
		return deadline
	}

	task.Error = fmt.Sprintf("no agent freed up within %s: %v", o.cfg.DispatchWaitTimeout, cause)
	task.Finish(domain.TaskFailed, now)
	o.taskFinished(run, task, fx)
	o.log.Warn("task gave up waiting for an agent", "batch", run.batch.BatchID, "task", task.TaskID, "task_type", task.TaskType, "waited", now.Sub(since))
	return time.Time{}
}

// scheduleRetry backs off a task whose dispatch failed, failing it once the
// attempt budget is spent. It reports the next attempt time when there is one.
func (o *Orchestrator) scheduleRetry(run *batchRun, task *domain.ConcurrentTask, cause error, now time.Time, fx *effects) (time.Time, bool) {
	rs := run.retry[task.TaskID]
	if rs == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = o.cfg.RetryInitialInterval
		b.MaxInterval = o.cfg.RetryMaxInterval
		b.MaxElapsedTime = 0
		b.Reset()
		rs = &retryState{backoff: b}
		run.retry[task.TaskID] = rs
	}
	rs.failures++

	if rs.failures >= o.cfg.MaxDispatchAttempts {
		delete(run.retry, task.TaskID)
		task.Error = fmt.Sprintf("dispatch failed after %d attempts: %v", rs.failures, cause)
		task.Finish(domain.TaskFailed, now)
		o.taskFinished(run, task, fx)
		o.log.Warn("task failed to dispatch", "batch", run.batch.BatchID, "task", task.TaskID, "attempts", rs.failures, "error", cause)
		return time.Time{}, false
	}

	o.metrics.DispatchRetried()
	rs.next = now.Add(rs.backoff.NextBackOff())
	o.log.Debug("dispatch retry scheduled", "task", task.TaskID, "attempt", rs.failures, "at", rs.next, "error", cause)
	return rs.next, true
}

// dispatch hands a leased instance to a new execution goroutine
func (o *Orchestrator) dispatch(run *batchRun, task *domain.ConcurrentTask, lease Lease, now time.Time, fx *effects) {
	delete(run.retry, task.TaskID)
	delete(run.waiting, task.TaskID)
	task.Status = domain.TaskDispatched
	task.DispatchedAt = &now
	task.AssignedInstance = lease.InstanceID()
	fx.touch(run)

	timeout := task.Timeout
	if timeout == 0 {
		timeout = o.cfg.TaskTimeout
	}

	o.log.Debug("task dispatched", "batch", run.batch.BatchID, "task", task.TaskID, "instance", task.AssignedInstance)
	o.wg.Add(1)
	go o.execute(run, task, lease, task.InputData.Clone(), timeout)
}

type outcome struct {
	result domain.Payload
	err    error
}

// execute runs one task on its leased instance and records the outcome
func (o *Orchestrator) execute(run *batchRun, task *domain.ConcurrentTask, lease Lease, input domain.Payload, timeout time.Duration) {
	defer o.wg.Done()

	o.mu.Lock()
	if task.Status != domain.TaskDispatched {
		// cancelled between dispatch and start
		o.mu.Unlock()
		lease.Release()
		return
	}
	var fx effects
	now := time.Now().UTC()
	task.Status = domain.TaskRunning
	task.StartedAt = &now
	fx.publish(taskEvent(task))
	fx.touch(run)
	o.seal(&fx)
	o.mu.Unlock()
	o.flush(&fx)

	ctx := run.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	results := make(chan outcome, 1)
	go func() {
		out, err := lease.Run(ctx, input)
		results <- outcome{result: out, err: err}
	}()

	var res outcome
	select {
	case res = <-results:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	if res.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && run.ctx.Err() == nil {
		res.err = &domain.TimeoutError{Kind: domain.TimeoutExecution, TaskID: task.TaskID, Timeout: timeout}
	}
	o.complete(run, task, res)
}

// complete stores an execution outcome. Outcomes for tasks that already
// ended, e.g. through cancellation, are discarded.
func (o *Orchestrator) complete(run *batchRun, task *domain.ConcurrentTask, res outcome) {
	o.mu.Lock()
	var fx effects
	defer func() {
		o.seal(&fx)
		o.mu.Unlock()
		o.flush(&fx)
	}()

	if task.Status.IsTerminal() {
		o.log.Debug("discarding late result", "task", task.TaskID, "status", task.Status)
		return
	}

	now := time.Now().UTC()
	if res.err != nil {
		task.Error = res.err.Error()
		task.Finish(domain.TaskFailed, now)
		o.log.Warn("task failed", "batch", run.batch.BatchID, "task", task.TaskID, "instance", task.AssignedInstance, "error", res.err)
	} else {
		task.Result = res.result.Clone()
		task.Finish(domain.TaskCompleted, now)
	}
	o.taskFinished(run, task, &fx)

	if run.batch.Refresh(now) {
		o.finalize(run, &fx)
		return
	}
	run.wake()
}

// taskFinished does the bookkeeping for a task that just became terminal
func (o *Orchestrator) taskFinished(run *batchRun, task *domain.ConcurrentTask, fx *effects) {
	var ran time.Duration
	if task.StartedAt != nil {
		ran = task.CompletedAt.Sub(*task.StartedAt)
		o.stats.TasksExecuted++
	}
	o.metrics.TaskFinished(task.TaskType, string(task.Status), ran)
	delete(run.retry, task.TaskID)
	delete(run.waiting, task.TaskID)

	if e, ok := o.tasks[task.TaskID]; ok {
		close(e.done)
	}
	fx.publish(taskEvent(task))
	fx.touch(run)
}

// finalize runs once when a batch becomes terminal
func (o *Orchestrator) finalize(run *batchRun, fx *effects) {
	b := run.batch
	o.stats.FinishedBatches++
	o.metrics.BatchFinished(string(b.Status))
	close(run.done)
	run.cancel()

	fx.publish(batchEvent(b, "finished"))
	fx.complete(run)
	o.log.Info("batch finished", "batch", b.BatchID, "status", b.Status, "tasks", len(b.Tasks))
}
