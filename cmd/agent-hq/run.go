package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/agent-hq/internal/domain"
	"github.com/hochfrequenz/agent-hq/internal/schedule"
	"github.com/hochfrequenz/agent-hq/internal/system"
)

var (
	runAutoApprove  bool
	runSkipApproval bool
	runUser         string
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Run a batch file and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().BoolVar(&runAutoApprove, "auto-approve", false, "approve every approval request without asking")
	runCmd.Flags().BoolVar(&runSkipApproval, "skip-approvals", false, "do not gate any task behind approval")
	runCmd.Flags().StringVar(&runUser, "user", "", "user id recorded on the batch")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runSkipApproval {
		cfg.Orchestrator.SkipApprovals = true
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	file, err := schedule.LoadBatchFile(args[0])
	if err != nil {
		return err
	}
	req := file.Request()
	if runUser != "" {
		req.UserID = runUser
	}
	if req.UserID == "" {
		req.UserID = os.Getenv("USER")
	}

	sys, err := system.New(cfg, system.Options{Logger: log})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	out := cmd.OutOrStdout()
	prompter := newPrompter(cmd.InOrStdin(), out, sys, runAutoApprove)
	sys.SetApprovalCallback(prompter.enqueue)
	sys.SetProgressCallback(func(_ context.Context, batchID string, p domain.BatchSnapshot) error {
		fmt.Fprintf(out, "progress: %d/%d tasks completed (%.0f%%)\n", p.Completed, p.Total, p.ProgressPercent)
		return nil
	})

	if err := sys.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sys.Stop(cfg.ShutdownTimeout.Std()); err != nil {
			log.Warn("shutdown incomplete", "error", err)
		}
	}()
	go prompter.run(ctx)

	batchID, err := sys.SubmitBatch(req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Submitted batch %s with %d tasks\n", batchID, len(req.Tasks))

	done, _ := sys.Orchestrator().BatchDone(batchID)
	select {
	case <-done:
	case <-ctx.Done():
		fmt.Fprintln(out, "Interrupted, cancelling batch")
		if err := sys.CancelBatch(batchID); err != nil {
			return err
		}
	}

	batch, ok := sys.Orchestrator().GetBatchStatus(batchID)
	if !ok {
		return fmt.Errorf("batch %s disappeared", batchID)
	}
	printBatch(out, batch)
	if batch.Status != domain.BatchCompleted {
		return fmt.Errorf("batch ended %s", batch.Status)
	}
	return nil
}

// prompter serializes approval questions onto one terminal
type prompter struct {
	in      *bufio.Scanner
	out     io.Writer
	sys     *system.System
	auto    bool
	pending chan domain.ApprovalRequest
}

func newPrompter(in io.Reader, out io.Writer, sys *system.System, auto bool) *prompter {
	return &prompter{
		in:      bufio.NewScanner(in),
		out:     out,
		sys:     sys,
		auto:    auto,
		pending: make(chan domain.ApprovalRequest, 64),
	}
}

func (p *prompter) enqueue(ctx context.Context, req domain.ApprovalRequest) error {
	if p.auto {
		fmt.Fprintf(p.out, "Auto-approving %s (%s)\n", req.Task.TaskID, req.Task.TaskType)
		return p.sys.ApproveTask(req.RequestID, true, "auto-approved")
	}
	select {
	case p.pending <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *prompter) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-p.pending:
			p.ask(req)
		}
	}
}

func (p *prompter) ask(req domain.ApprovalRequest) {
	fmt.Fprintf(p.out, "\nApproval needed for task %s (%s)\n", req.Task.TaskID, req.Task.TaskType)
	if req.Task.Description != "" {
		fmt.Fprintf(p.out, "  %s\n", req.Task.Description)
	}
	if level := req.RiskAssessment.String("risk_level"); level != "" {
		fmt.Fprintf(p.out, "  risk: %s (%s)\n", level, req.RiskAssessment.String("reasoning"))
	}
	fmt.Fprintf(p.out, "  expires %s\n", humanize.Time(req.TimeoutAt))
	fmt.Fprint(p.out, "Approve? [y/N/reason]: ")

	if !p.in.Scan() {
		return
	}
	answer := strings.TrimSpace(p.in.Text())
	approved := strings.EqualFold(answer, "y") || strings.EqualFold(answer, "yes")
	message := answer
	if approved {
		message = "approved at terminal"
	}
	if err := p.sys.ApproveTask(req.RequestID, approved, message); err != nil {
		fmt.Fprintf(p.out, "  %v\n", err)
	}
}

func printBatch(out io.Writer, b domain.BatchSnapshot) {
	elapsed := "-"
	if b.CompletedAt != nil {
		elapsed = b.CompletedAt.Sub(b.CreatedAt).Round(time.Millisecond).String()
	}
	fmt.Fprintf(out, "\nBatch %s: %s in %s\n", b.BatchID, b.Status, elapsed)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tTYPE\tSTATUS\tINSTANCE\tDURATION\tERROR")
	for _, t := range b.Tasks {
		duration := "-"
		if t.StartedAt != nil && t.CompletedAt != nil {
			duration = t.CompletedAt.Sub(*t.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", t.TaskID, t.TaskType, t.Status, dash(t.AssignedInstance), duration, dash(t.Error))
	}
	w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
