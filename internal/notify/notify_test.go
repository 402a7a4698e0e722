package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/agent-hq/internal/domain"
)

func TestSlack_Send(t *testing.T) {
	var got SlackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := NewSlack(server.URL).Send(context.Background(), Notification{
		Title:   "Batch completed",
		Message: "3 of 3 tasks completed",
		Level:   LevelSuccess,
		BatchID: "b1",
	})
	require.NoError(t, err)

	assert.Equal(t, "Batch completed", got.Text)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "good", got.Attachments[0].Color)
	assert.Equal(t, "batch b1", got.Attachments[0].Title)
	assert.Equal(t, "agent-hq", got.Attachments[0].Footer)
}

func TestSlack_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	err := NewSlack(server.URL).Send(context.Background(), Notification{Title: "x"})
	assert.EqualError(t, err, "slack returned 403")
}

func TestSlack_DisabledWithoutURL(t *testing.T) {
	assert.NoError(t, NewSlack("").Send(context.Background(), Notification{Title: "x"}))
}

func TestSlackColor(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelSuccess, "good"},
		{LevelWarning, "warning"},
		{LevelError, "danger"},
		{LevelInfo, "#439FE0"},
	}

	for _, tt := range tests {
		if got := SlackColor(tt.level); got != tt.want {
			t.Errorf("SlackColor(%v) = %q, want %q", tt.level, got, tt.want)
		}
	}
}

type failing struct{ err error }

func (f failing) Send(context.Context, Notification) error { return f.err }

func TestMulti_JoinsErrors(t *testing.T) {
	a, b := errors.New("a"), errors.New("b")
	err := Multi{failing{a}, Nop{}, failing{b}}.Send(context.Background(), Notification{})
	assert.ErrorIs(t, err, a)
	assert.ErrorIs(t, err, b)
	assert.NoError(t, Multi{Nop{}}.Send(context.Background(), Notification{}))
}

func TestBatchFinished(t *testing.T) {
	n := BatchFinished(domain.BatchSnapshot{BatchID: "b1", Status: domain.BatchPartiallyCompleted, Total: 3, Completed: 2, Failed: 1})
	assert.Equal(t, LevelWarning, n.Level)
	assert.Equal(t, "Batch partially_completed", n.Title)
	assert.Equal(t, "2 of 3 tasks completed, 1 failed or rejected", n.Message)

	assert.Equal(t, LevelSuccess, BatchFinished(domain.BatchSnapshot{Status: domain.BatchCompleted}).Level)
	assert.Equal(t, LevelError, BatchFinished(domain.BatchSnapshot{Status: domain.BatchFailed}).Level)
}

func TestApprovalNeeded(t *testing.T) {
	n := ApprovalNeeded(domain.ApprovalRequest{
		Task:           domain.TaskSnapshot{TaskID: "t1", BatchID: "b1", TaskType: "logo_generation"},
		RiskAssessment: domain.Payload{"risk_level": "high"},
		TimeoutAt:      time.Date(2026, 1, 1, 9, 30, 0, 0, time.UTC),
	})
	assert.Equal(t, "t1", n.TaskID)
	assert.Equal(t, "logo_generation task t1 waits for approval until 09:30:00 (risk high)", n.Message)
}

func TestDesktopCommand(t *testing.T) {
	n := Notification{Title: `Say "hi"`, Message: "done", Level: LevelError}

	name, args, ok := desktopCommand("darwin", n)
	require.True(t, ok)
	assert.Equal(t, "osascript", name)
	assert.Equal(t, `display notification "done" with title "Say \"hi\""`, args[1])

	name, args, ok = desktopCommand("linux", n)
	require.True(t, ok)
	assert.Equal(t, "notify-send", name)
	assert.Equal(t, []string{"--icon", "dialog-error", `Say "hi"`, "done"}, args)

	_, _, ok = desktopCommand("windows", n)
	assert.False(t, ok)
}

func TestDesktop_Disabled(t *testing.T) {
	d := NewDesktop(false)
	d.command = func(context.Context, string, ...string) *exec.Cmd {
		t.Fatal("disabled notifier must not run commands")
		return nil
	}
	assert.NoError(t, d.Send(context.Background(), Notification{Title: "x"}))
}
