// Package notify tells people about finished batches and pending approvals.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/hochfrequenz/agent-hq/internal/domain"
)

// Level is the severity of a notification
type Level int

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelWarning
	LevelError
)

// Notification is one message to deliver
type Notification struct {
	Title   string
	Message string
	Level   Level
	BatchID string // Optional batch reference
	TaskID  string // Optional task reference
}

// Notifier delivers notifications
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// Multi sends to every notifier and joins their errors
type Multi []Notifier

func (m Multi) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop does nothing (for testing or disabled notifications)
type Nop struct{}

func (Nop) Send(context.Context, Notification) error { return nil }

// BatchFinished describes a terminal batch
func BatchFinished(b domain.BatchSnapshot) Notification {
	n := Notification{
		Title:   fmt.Sprintf("Batch %s", b.Status),
		Message: fmt.Sprintf("%d of %d tasks completed", b.Completed, b.Total),
		BatchID: b.BatchID,
	}
	switch b.Status {
	case domain.BatchCompleted:
		n.Level = LevelSuccess
	case domain.BatchPartiallyCompleted, domain.BatchCancelled:
		n.Level = LevelWarning
	default:
		n.Level = LevelError
	}
	if failed := b.Failed + b.Rejected; failed > 0 {
		n.Message += fmt.Sprintf(", %d failed or rejected", failed)
	}
	return n
}

// ApprovalNeeded describes a new approval request
func ApprovalNeeded(req domain.ApprovalRequest) Notification {
	msg := fmt.Sprintf("%s task %s waits for approval until %s",
		req.Task.TaskType, req.Task.TaskID, req.TimeoutAt.Format("15:04:05"))
	if level := req.RiskAssessment.String("risk_level"); level != "" {
		msg += fmt.Sprintf(" (risk %s)", level)
	}
	return Notification{
		Title:   "Approval needed",
		Message: msg,
		Level:   LevelInfo,
		BatchID: req.Task.BatchID,
		TaskID:  req.Task.TaskID,
	}
}
