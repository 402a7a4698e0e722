package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/agent-hq/internal/domain"
)

// Config controls approval and dispatch behavior
type Config struct {
	// ApprovalTimeout is how long an approval request may stay unanswered
	ApprovalTimeout time.Duration
	// ApprovalTimeoutAction resolves expired requests. It has no default.
	ApprovalTimeoutAction domain.TimeoutAction
	// SkipApprovals auto-approves every task at submission
	SkipApprovals bool
	// TaskTimeout bounds one agent execution unless the task sets its own;
	// zero means no limit
	TaskTimeout time.Duration
	// SweepInterval is how often expired approval requests are resolved
	SweepInterval time.Duration
	// DispatchWaitTimeout bounds how long a ready task waits for a busy
	// agent type to free an instance; zero waits indefinitely
	DispatchWaitTimeout time.Duration

	// MaxDispatchAttempts bounds retries while no healthy agent exists
	MaxDispatchAttempts  int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

// DefaultConfig returns defaults for everything except ApprovalTimeoutAction,
// which callers must choose
func DefaultConfig() Config {
	return Config{
		ApprovalTimeout:      5 * time.Minute,
		TaskTimeout:          5 * time.Minute,
		SweepInterval:        time.Second,
		MaxDispatchAttempts:  5,
		RetryInitialInterval: 200 * time.Millisecond,
		RetryMaxInterval:     5 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.ApprovalTimeoutAction == "" {
		return errors.New("approval timeout action is required (approve or reject)")
	}
	if !c.ApprovalTimeoutAction.Valid() {
		return fmt.Errorf("approval timeout action %q: must be approve or reject", c.ApprovalTimeoutAction)
	}
	if c.ApprovalTimeout <= 0 {
		return fmt.Errorf("approval timeout must be positive, got %s", c.ApprovalTimeout)
	}
	if c.TaskTimeout < 0 {
		return fmt.Errorf("task timeout must not be negative, got %s", c.TaskTimeout)
	}
	if c.DispatchWaitTimeout < 0 {
		return fmt.Errorf("dispatch wait timeout must not be negative, got %s", c.DispatchWaitTimeout)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}
	if c.MaxDispatchAttempts < 1 {
		return fmt.Errorf("max dispatch attempts must be at least 1, got %d", c.MaxDispatchAttempts)
	}
	if c.RetryInitialInterval <= 0 || c.RetryMaxInterval < c.RetryInitialInterval {
		return fmt.Errorf("retry intervals invalid: initial %s, max %s", c.RetryInitialInterval, c.RetryMaxInterval)
	}
	return nil
}
