package schedule

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/agent-hq/internal/orchestrator"
)

type recordingSubmitter struct {
	mu   sync.Mutex
	reqs []orchestrator.BatchRequest
	err  error
}

func (r *recordingSubmitter) SubmitBatch(req orchestrator.BatchRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.reqs = append(r.reqs, req)
	return "batch-" + string(rune('0'+len(r.reqs))), nil
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

const sampleBatch = `
user_id: file-user
requires_approval: true
tasks:
  - task_id: brand
    task_type: branding
    input_data:
      business_idea: coffee delivery
  - task_id: logo
    task_type: logo_generation
    dependencies: [brand]
    requires_approval: false
    timeout: 2m
`

func writeBatch(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "batch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleBatch), 0644))
	return path
}

func TestParseCron(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 22 * * *", false},   // 10 PM daily
		{"0 12 * * 1-5", false}, // noon weekdays
		{"@daily", false},
		{"@every 5m", false},
		{"invalid", true},
		{"0 0 0 22 * * *", true},
	}

	for _, tt := range tests {
		_, err := ParseCron(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCron(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestParseBatchFile(t *testing.T) {
	f, err := LoadBatchFile(writeBatch(t))
	require.NoError(t, err)

	req := f.Request()
	assert.Equal(t, "file-user", req.UserID)
	assert.True(t, req.RequiresApproval)
	require.Len(t, req.Tasks, 2)
	assert.Equal(t, "coffee delivery", req.Tasks[0].InputData.String("business_idea"))
	assert.Nil(t, req.Tasks[0].RequiresApproval)
	require.NotNil(t, req.Tasks[1].RequiresApproval)
	assert.False(t, *req.Tasks[1].RequiresApproval)
	assert.Equal(t, []string{"brand"}, req.Tasks[1].Dependencies)
	assert.Equal(t, 2*time.Minute, req.Tasks[1].Timeout)

	_, err = ParseBatchFile([]byte("user_id: x\n"))
	assert.Error(t, err)
	_, err = ParseBatchFile([]byte("tasks: [unclosed"))
	assert.Error(t, err)
}

func TestJob_Validate(t *testing.T) {
	valid := Job{Name: "nightly", Cron: "0 22 * * *", File: "batch.yaml"}
	require.NoError(t, valid.Validate())

	for _, job := range []Job{
		{Cron: "0 22 * * *", File: "b.yaml"},
		{Name: "n", File: "b.yaml"},
		{Name: "n", Cron: "whenever", File: "b.yaml"},
		{Name: "n", Cron: "@daily"},
	} {
		assert.Error(t, job.Validate(), "%+v", job)
	}
}

func TestScheduler_RunNowAppliesOverrides(t *testing.T) {
	sub := &recordingSubmitter{}
	s := New(sub, nil)
	no := false
	require.NoError(t, s.Add(Job{Name: "weekly", Cron: "@weekly", File: writeBatch(t), UserID: "ops", RequiresApproval: &no}))

	id, err := s.RunNow("weekly")
	require.NoError(t, err)
	assert.Equal(t, "batch-1", id)

	require.Equal(t, 1, sub.count())
	req := sub.reqs[0]
	assert.Equal(t, "ops", req.UserID)
	assert.Equal(t, "schedule:weekly", req.WorkflowID)
	assert.False(t, req.RequiresApproval)

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	require.NotNil(t, jobs[0].LastRun)
	assert.Equal(t, "batch-1", jobs[0].LastRun.BatchID)
	assert.False(t, jobs[0].Next.IsZero())
}

func TestScheduler_RecordsFailures(t *testing.T) {
	sub := &recordingSubmitter{err: errors.New("orchestrator stopped")}
	s := New(sub, nil)
	require.NoError(t, s.Add(Job{Name: "a", Cron: "@daily", File: writeBatch(t)}))
	require.NoError(t, s.Add(Job{Name: "b", Cron: "@daily", File: filepath.Join(t.TempDir(), "missing.yaml")}))

	_, err := s.RunNow("a")
	assert.EqualError(t, err, "orchestrator stopped")
	_, err = s.RunNow("b")
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = s.RunNow("c")
	assert.Error(t, err)

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].Name)
	require.NotNil(t, jobs[1].LastRun)
	assert.Error(t, jobs[1].LastRun.Err)
}

func TestScheduler_AddRemove(t *testing.T) {
	s := New(&recordingSubmitter{}, nil)
	job := Job{Name: "n", Cron: "@hourly", File: "b.yaml"}

	require.NoError(t, s.Add(job))
	assert.Error(t, s.Add(job), "duplicate names are rejected")
	assert.False(t, s.NextRun("n").IsZero())

	assert.True(t, s.Remove("n"))
	assert.False(t, s.Remove("n"))
	assert.True(t, s.NextRun("n").IsZero())
	assert.Empty(t, s.Jobs())
}

func TestScheduler_FiresOnSchedule(t *testing.T) {
	sub := &recordingSubmitter{}
	s := New(sub, nil)
	require.NoError(t, s.Add(Job{Name: "fast", Cron: "@every 1s", File: writeBatch(t)}))

	s.Start()
	assert.Eventually(t, func() bool { return sub.count() >= 1 }, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
