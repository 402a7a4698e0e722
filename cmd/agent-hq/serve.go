package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/agent-hq/internal/domain"
	"github.com/hochfrequenz/agent-hq/internal/schedule"
	"github.com/hochfrequenz/agent-hq/internal/system"
)

var (
	serveListen      string
	serveAutoApprove bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled batches and expose metrics until interrupted",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "metrics listen address (overrides config)")
	serveCmd.Flags().BoolVar(&serveAutoApprove, "auto-approve", false, "approve every approval request")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Metrics.Listen = serveListen
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	sys, err := system.New(cfg, system.Options{Logger: log})
	if err != nil {
		return err
	}
	if serveAutoApprove {
		sys.SetApprovalCallback(func(_ context.Context, req domain.ApprovalRequest) error {
			return sys.ApproveTask(req.RequestID, true, "auto-approved by serve")
		})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := sys.Start(ctx); err != nil {
		return err
	}

	sched := schedule.New(sys, log)
	for _, s := range cfg.Schedules {
		err := sched.Add(schedule.Job{
			Name:             s.Name,
			Cron:             s.Cron,
			File:             s.File,
			UserID:           s.UserID,
			RequiresApproval: s.RequiresApproval,
		})
		if err != nil {
			_ = sys.Stop(cfg.ShutdownTimeout.Std())
			return err
		}
	}
	sched.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(sys.Gatherer(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		h := sys.GetSystemHealth()
		w.Header().Set("Content-Type", "application/json")
		if h.Status != system.StatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	})
	mux.HandleFunc("/schedules", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sched.Jobs())
	})

	srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	log.Info("serving", "listen", cfg.Metrics.Listen, "schedules", len(cfg.Schedules))
	fmt.Fprintf(cmd.OutOrStdout(), "agent-hq serving metrics on http://%s/metrics\n", cfg.Metrics.Listen)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}

	timeout := cfg.ShutdownTimeout.Std()
	shutdownCtx, done := context.WithTimeout(context.Background(), timeout)
	defer done()
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Warn("scheduler stop", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	return errors.Join(runErr, sys.Stop(timeout))
}
