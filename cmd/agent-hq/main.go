package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/agent-hq/internal/config"
	"github.com/hochfrequenz/agent-hq/internal/logging"
)

var (
	configPath string
	logLevel   string
	rootCmd    = &cobra.Command{
		Use:   "agent-hq",
		Short: "agent-hq - concurrent business-creation agents with human approval",
		Long: `agent-hq runs batches of department tasks (branding, market research,
logo and website generation) on a pool of long-lived agents. Tasks can be
gated behind human approval and may depend on each other.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	return logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
}
