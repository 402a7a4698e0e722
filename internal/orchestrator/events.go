package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hochfrequenz/agent-hq/internal/bus"
	"github.com/hochfrequenz/agent-hq/internal/domain"
)

const source = "orchestrator"

// effects collects notifications produced under the orchestrator lock so
// they can be delivered after it is released
type effects struct {
	messages    []bus.Message
	approvals   []domain.ApprovalRequest
	touched     []*batchRun
	completions []*batchRun
}

func (fx *effects) publish(msg bus.Message) {
	fx.messages = append(fx.messages, msg)
}

func (fx *effects) approve(req domain.ApprovalRequest) {
	fx.approvals = append(fx.approvals, req)
}

func (fx *effects) complete(run *batchRun) {
	fx.completions = append(fx.completions, run)
}

func (fx *effects) touch(run *batchRun) {
	for _, r := range fx.touched {
		if r == run {
			return
		}
	}
	fx.touched = append(fx.touched, run)
}

// seal snapshots every touched batch and queues its progress and completion
// callbacks. Queueing happens under o.mu, so each batch's observers see
// snapshots in the order they were taken.
func (o *Orchestrator) seal(fx *effects) {
	for _, run := range fx.touched {
		snap := run.batch.Snapshot()
		fx.publish(progressEvent(snap))
		if fn := o.onProgress; fn != nil {
			o.enqueue(run, "progress", func(ctx context.Context) error { return fn(ctx, snap.BatchID, snap) })
		}
	}
	fx.touched = nil

	for _, run := range fx.completions {
		snap := run.batch.Snapshot()
		if fn := o.onCompletion; fn != nil {
			o.enqueue(run, "completion", func(ctx context.Context) error { return fn(ctx, snap) })
		}
	}
	fx.completions = nil
}

// flush delivers collected effects. Must be called without o.mu held.
func (o *Orchestrator) flush(fx *effects) {
	for _, msg := range fx.messages {
		if err := o.bus.Publish(context.Background(), msg); err != nil && !errors.Is(err, bus.ErrNotConnected) {
			o.log.Debug("publishing event", "topic", msg.Topic, "error", err)
		}
	}

	o.mu.Lock()
	onApproval := o.onApproval
	o.mu.Unlock()

	if onApproval != nil {
		for _, req := range fx.approvals {
			o.callbacks.Add(1)
			go func() {
				defer o.callbacks.Done()
				o.invoke("approval", func(ctx context.Context) error { return onApproval(ctx, req) })
			}()
		}
	}
}

// observerQueue runs one batch's progress and completion callbacks one at a
// time in submission order
type observerQueue struct {
	mu      sync.Mutex
	pending []observerCall
	running bool
}

type observerCall struct {
	name string
	fn   func(ctx context.Context) error
}

// enqueue adds a callback to the batch's observer queue, starting a drainer
// when none is running. Must be called with o.mu held.
func (o *Orchestrator) enqueue(run *batchRun, name string, fn func(ctx context.Context) error) {
	q := &run.observers
	q.mu.Lock()
	q.pending = append(q.pending, observerCall{name: name, fn: fn})
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	o.callbacks.Add(1)
	go func() {
		defer o.callbacks.Done()
		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				q.running = false
				q.mu.Unlock()
				return
			}
			call := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()

			o.invoke(call.name, call.fn)
		}
	}()
}

// invoke runs one observer callback. Its failures never reach the dispatch
// loop; they are logged and counted.
func (o *Orchestrator) invoke(name string, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			o.metrics.CallbackFailed(name)
			o.log.Warn("callback panicked", "callback", name, "panic", r)
		}
	}()
	if err := fn(context.Background()); err != nil {
		o.metrics.CallbackFailed(name)
		o.log.Warn("callback failed", "callback", name, "error", err)
	}
}

func taskEvent(t *domain.ConcurrentTask) bus.Message {
	typ := bus.WorkflowUpdate
	switch t.Status {
	case domain.TaskRunning:
		typ = bus.TaskStarted
	case domain.TaskCompleted:
		typ = bus.TaskCompleted
	case domain.TaskFailed:
		typ = bus.TaskFailed
	}
	payload := domain.Payload{
		"task_id":   t.TaskID,
		"batch_id":  t.BatchID,
		"task_type": t.TaskType,
		"status":    string(t.Status),
	}
	if t.AssignedInstance != "" {
		payload["instance_id"] = t.AssignedInstance
	}
	if t.Error != "" {
		payload["error"] = t.Error
	}
	msg := bus.NewMessage("orchestrator:task:"+t.TaskID, typ, source, payload)
	msg.CorrelationID = t.BatchID
	return msg
}

func batchEvent(b *domain.ExecutionBatch, event string) bus.Message {
	msg := bus.NewMessage("orchestrator:batch:"+b.BatchID, bus.WorkflowUpdate, source, domain.Payload{
		"batch_id":    b.BatchID,
		"event":       event,
		"status":      string(b.Status),
		"total_tasks": len(b.Tasks),
		"user_id":     b.UserID,
		"session_id":  b.SessionID,
	})
	msg.CorrelationID = b.BatchID
	return msg
}

func progressEvent(s domain.BatchSnapshot) bus.Message {
	msg := bus.NewMessage("orchestrator:progress:"+s.BatchID, bus.WorkflowUpdate, source, domain.Payload{
		"batch_id":            s.BatchID,
		"status":              string(s.Status),
		"total_tasks":         s.Total,
		"completed_tasks":     s.Completed,
		"failed_tasks":        s.Failed,
		"progress_percentage": s.ProgressPercent,
	})
	msg.CorrelationID = s.BatchID
	return msg
}

func approvalRequestEvent(req *domain.ApprovalRequest) bus.Message {
	msg := bus.NewMessage("orchestrator:approval_request", bus.UserEvent, source, domain.Payload{
		"request_id":       req.RequestID,
		"task_id":          req.Task.TaskID,
		"batch_id":         req.Task.BatchID,
		"task_description": req.Task.Description,
		"risk_level":       req.RiskAssessment.String("risk_level"),
		"created_at":       req.CreatedAt,
		"timeout_at":       req.TimeoutAt,
	})
	msg.CorrelationID = req.Task.BatchID
	return msg
}

func approvalResolvedEvent(req *domain.ApprovalRequest) bus.Message {
	msg := bus.NewMessage("orchestrator:approval:"+req.RequestID, bus.UserEvent, source, domain.Payload{
		"request_id": req.RequestID,
		"task_id":    req.Task.TaskID,
		"approved":   req.IsApproved(),
		"message":    req.ResolutionMessage,
		"timed_out":  req.TimedOut,
	})
	msg.CorrelationID = req.Task.BatchID
	return msg
}

// String summarizes stats for logs
func (s Stats) String() string {
	return fmt.Sprintf("batches=%d active=%d finished=%d tasks=%d approvals=%d pending=%d",
		s.TotalBatches, s.ActiveBatches, s.FinishedBatches, s.TasksExecuted, s.ApprovalsRequested, s.PendingApprovals)
}
