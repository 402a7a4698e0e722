// Package schedule submits batch files on cron schedules.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/agent-hq/internal/logging"
	"github.com/hochfrequenz/agent-hq/internal/orchestrator"
)

// Submitter accepts batches; satisfied by the orchestrator and the system
type Submitter interface {
	SubmitBatch(req orchestrator.BatchRequest) (string, error)
}

// Job submits the batch in File every time Cron fires
type Job struct {
	Name   string
	Cron   string
	File   string
	UserID string
	// RequiresApproval overrides the file's default when set
	RequiresApproval *bool
}

// Validate checks if the job is valid
func (j Job) Validate() error {
	if j.Name == "" {
		return errors.New("job name is required")
	}
	if j.Cron == "" {
		return fmt.Errorf("job %s: cron expression is required", j.Name)
	}
	if _, err := ParseCron(j.Cron); err != nil {
		return fmt.Errorf("job %s: invalid cron expression: %w", j.Name, err)
	}
	if j.File == "" {
		return fmt.Errorf("job %s: batch file is required", j.Name)
	}
	return nil
}

// Run is the outcome of one firing
type Run struct {
	At      time.Time
	BatchID string
	Err     error
}

// JobStatus describes a scheduled job
type JobStatus struct {
	Job
	Next    time.Time
	LastRun *Run
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five-field cron expression or a descriptor such as @daily
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// Scheduler manages scheduled batch submissions
type Scheduler struct {
	cron   *cron.Cron
	submit Submitter
	log    *slog.Logger

	mu      sync.RWMutex
	jobs    map[string]Job
	entries map[string]cron.EntryID
	lastRun map[string]Run
}

// New creates a scheduler that hands fired batches to submit
func New(submit Submitter, log *slog.Logger) *Scheduler {
	log = logging.OrDiscard(log).With("component", "schedule")
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cronLogger{log}))),
		submit:  submit,
		log:     log,
		jobs:    make(map[string]Job),
		entries: make(map[string]cron.EntryID),
		lastRun: make(map[string]Run),
	}
}

// Add schedules a job. Names are unique.
func (s *Scheduler) Add(job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("job %s already scheduled", job.Name)
	}
	id, err := s.cron.AddFunc(job.Cron, func() { s.fire(job.Name) })
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	s.jobs[job.Name] = job
	s.entries[job.Name] = id
	s.log.Info("job scheduled", "job", job.Name, "cron", job.Cron, "file", job.File)
	return nil
}

// Remove unschedules a job and reports whether it existed
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[name]
	if !ok {
		return false
	}
	s.cron.Remove(id)
	delete(s.entries, name)
	delete(s.jobs, name)
	delete(s.lastRun, name)
	return true
}

// Start begins firing jobs in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops firing and waits for running submissions until ctx ends
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow submits the job's batch immediately
func (s *Scheduler) RunNow(name string) (string, error) {
	s.mu.RLock()
	_, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("job %s is not scheduled", name)
	}
	run := s.fire(name)
	return run.BatchID, run.Err
}

func (s *Scheduler) fire(name string) Run {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return Run{At: time.Now(), Err: fmt.Errorf("job %s is not scheduled", name)}
	}

	run := Run{At: time.Now()}
	run.BatchID, run.Err = s.submitJob(job)
	if run.Err != nil {
		s.log.Error("scheduled batch failed", "job", name, "file", job.File, "error", run.Err)
	} else {
		s.log.Info("scheduled batch submitted", "job", name, "batch_id", run.BatchID)
	}

	s.mu.Lock()
	if _, ok := s.jobs[name]; ok {
		s.lastRun[name] = run
	}
	s.mu.Unlock()
	return run
}

// submitJob re-reads the file on every firing so edits apply without restart
func (s *Scheduler) submitJob(job Job) (string, error) {
	file, err := LoadBatchFile(job.File)
	if err != nil {
		return "", err
	}
	req := file.Request()
	if job.UserID != "" {
		req.UserID = job.UserID
	}
	if req.UserID == "" {
		req.UserID = "scheduler"
	}
	if req.WorkflowID == "" {
		req.WorkflowID = "schedule:" + job.Name
	}
	if job.RequiresApproval != nil {
		req.RequiresApproval = *job.RequiresApproval
	}
	return s.submit.SubmitBatch(req)
}

// NextRun returns the next scheduled run time for a job
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return time.Time{}
	}
	sched, err := ParseCron(job.Cron)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(time.Now())
}

// Jobs lists scheduled jobs sorted by name
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(s.jobs))
	now := time.Now()
	for name, job := range s.jobs {
		st := JobStatus{Job: job}
		if sched, err := ParseCron(job.Cron); err == nil {
			st.Next = sched.Next(now)
		}
		if run, ok := s.lastRun[name]; ok {
			st.LastRun = &run
		}
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b JobStatus) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// cronLogger routes cron's own messages to slog
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
