package orchestrator

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/agent-hq/internal/domain"
)

// requestApproval parks a ready task behind a new approval request
func (o *Orchestrator) requestApproval(run *batchRun, task *domain.ConcurrentTask, now time.Time, fx *effects) {
	task.Status = domain.TaskAwaitingApproval
	task.ApprovalRequestID = uuid.NewString()

	snap := task.Snapshot()
	req := &domain.ApprovalRequest{
		RequestID:      task.ApprovalRequestID,
		Task:           snap,
		RiskAssessment: o.risk.Assess(snap),
		CreatedAt:      now,
		TimeoutAt:      now.Add(o.cfg.ApprovalTimeout),
	}
	o.requests[req.RequestID] = req
	o.stats.ApprovalsRequested++
	o.metrics.ApprovalRequested()

	fx.approve(*req)
	fx.publish(approvalRequestEvent(req))
	fx.touch(run)
	o.log.Info("approval requested", "batch", run.batch.BatchID, "task", task.TaskID, "request", req.RequestID, "timeout_at", req.TimeoutAt)
}

// ApproveTask resolves a pending approval request. Approved tasks become
// eligible for dispatch; rejected tasks end REJECTED. It returns
// ErrNotRunning once Stop has begun.
func (o *Orchestrator) ApproveTask(requestID string, approved bool, message string) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return ErrNotRunning
	}
	req, ok := o.requests[requestID]
	if !ok || req.Resolved {
		o.mu.Unlock()
		return &domain.UnknownRequestError{RequestID: requestID}
	}
	var fx effects
	o.resolve(req, approved, message, false, time.Now().UTC(), &fx)
	o.seal(&fx)
	o.mu.Unlock()

	o.flush(&fx)
	return nil
}

func (o *Orchestrator) resolve(req *domain.ApprovalRequest, approved bool, message string, timedOut bool, now time.Time, fx *effects) {
	req.Resolve(approved, message, now)
	req.TimedOut = timedOut

	outcome := "rejected"
	if approved {
		outcome = "approved"
	}
	if timedOut {
		outcome = "timeout_" + outcome
	}
	o.metrics.ApprovalResolved(outcome)
	fx.publish(approvalResolvedEvent(req))
	o.log.Info("approval resolved", "request", req.RequestID, "task", req.Task.TaskID, "outcome", outcome)

	e, ok := o.tasks[req.Task.TaskID]
	if !ok || e.task.Status != domain.TaskAwaitingApproval {
		return
	}
	task, run := e.task, e.run
	if approved {
		task.Status = domain.TaskApproved
		fx.touch(run)
		run.wake()
		return
	}

	switch {
	case timedOut:
		task.Error = (&domain.TimeoutError{Kind: domain.TimeoutApproval, TaskID: task.TaskID, Timeout: o.cfg.ApprovalTimeout}).Error()
	case message != "":
		task.Error = "rejected: " + message
	default:
		task.Error = "rejected"
	}
	task.Finish(domain.TaskRejected, now)
	o.taskFinished(run, task, fx)
	if run.batch.Refresh(now) {
		o.finalize(run, fx)
	}
}

func (o *Orchestrator) sweepLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			o.sweepExpired(now.UTC())
		}
	}
}

// sweepExpired resolves every expired request with the configured action
func (o *Orchestrator) sweepExpired(now time.Time) int {
	o.mu.Lock()
	var fx effects
	approve := o.cfg.ApprovalTimeoutAction == domain.TimeoutApprove
	n := 0
	for _, req := range o.requests {
		if req.Expired(now) {
			o.resolve(req, approve, "approval timed out", true, now, &fx)
			n++
		}
	}
	o.seal(&fx)
	o.mu.Unlock()

	o.flush(&fx)
	if n > 0 {
		o.log.Warn("approval requests timed out", "count", n, "action", o.cfg.ApprovalTimeoutAction)
	}
	return n
}

// PendingApprovals returns unresolved approval requests, oldest first
func (o *Orchestrator) PendingApprovals() []domain.ApprovalRequest {
	o.mu.Lock()
	defer o.mu.Unlock()

	var pending []domain.ApprovalRequest
	for _, req := range o.requests {
		if !req.Resolved {
			pending = append(pending, *req)
		}
	}
	slices.SortFunc(pending, func(a, b domain.ApprovalRequest) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return pending
}

// ApprovalRequest returns one request, resolved or not
func (o *Orchestrator) ApprovalRequest(requestID string) (domain.ApprovalRequest, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	req, ok := o.requests[requestID]
	if !ok {
		return domain.ApprovalRequest{}, false
	}
	return *req, true
}
