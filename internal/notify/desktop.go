package notify

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
)

// Desktop shows notifications through the OS notification center
type Desktop struct {
	enabled bool
	// command builds the process; replaced in tests
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewDesktop creates a desktop notifier
func NewDesktop(enabled bool) *Desktop {
	return &Desktop{enabled: enabled, command: exec.CommandContext}
}

// Send shows the notification. Unsupported platforms are a no-op.
func (d *Desktop) Send(ctx context.Context, n Notification) error {
	if !d.enabled {
		return nil
	}
	name, args, ok := desktopCommand(runtime.GOOS, n)
	if !ok {
		return nil
	}
	return d.command(ctx, name, args...).Run()
}

func desktopCommand(goos string, n Notification) (string, []string, bool) {
	switch goos {
	case "darwin":
		script := `display notification "` + appleQuote(n.Message) + `" with title "` + appleQuote(n.Title) + `"`
		return "osascript", []string{"-e", script}, true
	case "linux":
		return "notify-send", []string{"--icon", IconFor(n.Level), n.Title, n.Message}, true
	}
	return "", nil, false
}

func appleQuote(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

// IconFor returns a freedesktop icon name for the level
func IconFor(l Level) string {
	switch l {
	case LevelSuccess:
		return "dialog-positive"
	case LevelWarning:
		return "dialog-warning"
	case LevelError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}
