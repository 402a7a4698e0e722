// Package config loads agent-hq settings from TOML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/hochfrequenz/agent-hq/internal/domain"
)

// Config holds all application configuration
type Config struct {
	ShutdownTimeout Duration               `toml:"shutdown_timeout"`
	Log             LogConfig              `toml:"log"`
	Bus             BusConfig              `toml:"bus"`
	Pool            PoolConfig             `toml:"pool"`
	Agents          map[string]AgentConfig `toml:"agents"`
	Orchestrator    OrchestratorConfig     `toml:"orchestrator"`
	History         HistoryConfig          `toml:"history"`
	Notifications   NotificationsConfig    `toml:"notifications"`
	Metrics         MetricsConfig          `toml:"metrics"`
	Schedules       []ScheduleConfig       `toml:"schedule"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// BusConfig selects the message bus transport. An empty URL uses the
// in-process bus.
type BusConfig struct {
	URL    string `toml:"url"`
	Buffer int    `toml:"buffer"`
}

// PoolConfig holds agent pool settings
type PoolConfig struct {
	HealthInterval Duration `toml:"health_interval"`
	HealthTimeout  Duration `toml:"health_timeout"`
	StartTimeout   Duration `toml:"start_timeout"`
	AutoRestart    bool     `toml:"auto_restart"`
	// MaxInstances applies to agents without their own max_instances
	MaxInstances int `toml:"max_instances"`
}

// AgentConfig overrides the registration of one department agent
type AgentConfig struct {
	Enabled      *bool          `toml:"enabled"`
	MaxInstances int            `toml:"max_instances"`
	Priority     *int           `toml:"priority"`
	AutoRestart  *bool          `toml:"auto_restart"`
	Settings     map[string]any `toml:"settings"`
}

// IsEnabled reports whether the agent should be registered
func (a AgentConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// OrchestratorConfig holds approval and dispatch settings
type OrchestratorConfig struct {
	RequiresApproval      bool                 `toml:"requires_approval"`
	ApprovalTimeout       Duration             `toml:"approval_timeout"`
	ApprovalTimeoutAction domain.TimeoutAction `toml:"approval_timeout_action"`
	SkipApprovals         bool                 `toml:"skip_approvals"`
	TaskTimeout           Duration             `toml:"task_timeout"`
	SweepInterval         Duration             `toml:"sweep_interval"`
	DispatchWaitTimeout   Duration             `toml:"dispatch_wait_timeout"`
	MaxDispatchAttempts   int                  `toml:"max_dispatch_attempts"`
	RetryInitialInterval  Duration             `toml:"retry_initial_interval"`
	RetryMaxInterval      Duration             `toml:"retry_max_interval"`
}

// HistoryConfig holds the finished-batch store settings
type HistoryConfig struct {
	Enabled      bool   `toml:"enabled"`
	DatabasePath string `toml:"database_path"`
}

// NotificationsConfig selects where batch outcomes are announced
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
	// Approvals also announces every new approval request
	Approvals bool `toml:"approvals"`
}

// Enabled reports whether any channel is configured
func (n NotificationsConfig) Enabled() bool {
	return n.Desktop || n.SlackWebhook != ""
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// ScheduleConfig submits a batch file on a cron schedule
type ScheduleConfig struct {
	Name             string `toml:"name"`
	Cron             string `toml:"cron"`
	File             string `toml:"file"`
	UserID           string `toml:"user_id"`
	RequiresApproval *bool  `toml:"requires_approval"`
}

// Duration is a time.Duration written as a Go duration string, e.g. "90s"
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns a Config with sensible defaults. The approval timeout
// action is deliberately left empty; Validate rejects it until set.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		ShutdownTimeout: Duration(30 * time.Second),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Bus: BusConfig{
			Buffer: 256,
		},
		Pool: PoolConfig{
			HealthInterval: Duration(30 * time.Second),
			HealthTimeout:  Duration(5 * time.Second),
			StartTimeout:   Duration(30 * time.Second),
			AutoRestart:    true,
			MaxInstances:   1,
		},
		Agents: map[string]AgentConfig{},
		Orchestrator: OrchestratorConfig{
			RequiresApproval:     false,
			ApprovalTimeout:      Duration(5 * time.Minute),
			TaskTimeout:          Duration(5 * time.Minute),
			SweepInterval:        Duration(time.Second),
			DispatchWaitTimeout:  Duration(10 * time.Minute),
			MaxDispatchAttempts:  5,
			RetryInitialInterval: Duration(200 * time.Millisecond),
			RetryMaxInterval:     Duration(5 * time.Second),
		},
		History: HistoryConfig{
			Enabled:      true,
			DatabasePath: filepath.Join(home, ".agent-hq", "history.db"),
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9090",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Expand paths
	cfg.History.DatabasePath = ExpandPath(cfg.History.DatabasePath)
	for i := range cfg.Schedules {
		cfg.Schedules[i].File = ExpandPath(cfg.Schedules[i].File)
	}

	return cfg, nil
}

// Validate checks settings that have no safe default
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: must be text or json", c.Log.Format))
	}

	action := c.Orchestrator.ApprovalTimeoutAction
	switch {
	case action == "":
		errs = append(errs, errors.New("orchestrator.approval_timeout_action is required (approve or reject)"))
	case !action.Valid():
		errs = append(errs, fmt.Errorf("orchestrator.approval_timeout_action %q: must be approve or reject", action))
	}
	if c.Orchestrator.ApprovalTimeout <= 0 {
		errs = append(errs, errors.New("orchestrator.approval_timeout must be positive"))
	}
	if c.Orchestrator.DispatchWaitTimeout < 0 {
		errs = append(errs, errors.New("orchestrator.dispatch_wait_timeout must not be negative"))
	}

	if c.Pool.MaxInstances < 1 {
		errs = append(errs, errors.New("pool.max_instances must be at least 1"))
	}
	for id, a := range c.Agents {
		if a.MaxInstances < 0 {
			errs = append(errs, fmt.Errorf("agents.%s.max_instances must not be negative", id))
		}
	}

	if c.History.Enabled && c.History.DatabasePath == "" {
		errs = append(errs, errors.New("history.database_path is required when history is enabled"))
	}

	seen := make(map[string]bool)
	for i, s := range c.Schedules {
		if s.Name == "" || s.Cron == "" || s.File == "" {
			errs = append(errs, fmt.Errorf("schedule[%d]: name, cron and file are required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("schedule[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
	}

	return errors.Join(errs...)
}

// Agent returns the overrides for one agent ID
func (c *Config) Agent(id string) AgentConfig {
	return c.Agents[id]
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "agent-hq", "config.toml")
}
