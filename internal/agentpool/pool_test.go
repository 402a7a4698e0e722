package agentpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/agent-hq/internal/bus"
	"github.com/hochfrequenz/agent-hq/internal/domain"
)

func startedPool(t *testing.T, opts Options, regs ...Registration) *Pool {
	t.Helper()
	p := New(opts)
	for _, r := range regs {
		require.NoError(t, p.Register(r))
	}
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
	return p
}

func funcFactory(fn AgentFunc) Factory {
	return func(string, domain.Payload) (Agent, error) { return fn, nil }
}

func TestPool_ExecuteEcho(t *testing.T) {
	p := startedPool(t, Options{}, Registration{AgentID: "echo", Factory: echoFactory, SupportedTasks: []string{"A"}, MaxInstances: 1})

	out, err := p.Execute(context.Background(), "A", domain.Payload{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, domain.Payload{"n": 1}, out)

	h := p.Health()
	assert.Equal(t, PoolRunning, h.Status)
	assert.Equal(t, 1, h.SuccessfulTasks)
	assert.InDelta(t, 100.0, h.SuccessRate, 0.001)
}

func TestPool_SelectionByPriorityThenLRU(t *testing.T) {
	p := startedPool(t, Options{},
		Registration{AgentID: "low", Factory: echoFactory, SupportedTasks: []string{"x"}, MaxInstances: 1, Priority: 2},
		Registration{AgentID: "high", Factory: echoFactory, SupportedTasks: []string{"x"}, MaxInstances: 2, Priority: 1},
	)

	acquire := func() *Lease {
		t.Helper()
		l, err := p.Acquire("x")
		require.NoError(t, err)
		return l
	}

	l := acquire()
	assert.Equal(t, "high_1", l.InstanceID())
	l.Release()

	l = acquire()
	assert.Equal(t, "high_2", l.InstanceID(), "never-used instance goes first")
	l.Release()

	a := acquire()
	assert.Equal(t, "high_1", a.InstanceID(), "least recently used")
	b := acquire()
	assert.Equal(t, "high_2", b.InstanceID())
	c := acquire()
	assert.Equal(t, "low_1", c.InstanceID(), "lower priority only when preferred are busy")

	_, err := p.Acquire("x")
	var noAgent *domain.NoAvailableAgentError
	require.ErrorAs(t, err, &noAgent)
	assert.True(t, noAgent.Saturated())
	assert.Equal(t, 3, noAgent.Busy)

	a.Release()
	b.Release()
	c.Release()
}

func TestPool_UnknownTaskType(t *testing.T) {
	p := startedPool(t, Options{}, Registration{AgentID: "echo", Factory: echoFactory, SupportedTasks: []string{"A"}, MaxInstances: 1})

	_, err := p.Execute(context.Background(), "B", nil)
	var noAgent *domain.NoAvailableAgentError
	require.ErrorAs(t, err, &noAgent)
	assert.False(t, noAgent.Saturated())
	assert.Equal(t, "B", noAgent.TaskType)
}

func TestPool_NoInstanceRunsTwoTasksAtOnce(t *testing.T) {
	var mu sync.Mutex
	active := map[string]int{}
	violations := 0

	factory := func(instanceID string, _ domain.Payload) (Agent, error) {
		return AgentFunc(func(context.Context, string, domain.Payload) (domain.Payload, error) {
			mu.Lock()
			active[instanceID]++
			if active[instanceID] > 1 {
				violations++
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			active[instanceID]--
			mu.Unlock()
			return domain.Payload{"instance": instanceID}, nil
		}), nil
	}
	p := startedPool(t, Options{}, Registration{AgentID: "w", Factory: factory, SupportedTasks: []string{"A"}, MaxInstances: 3})

	var wg sync.WaitGroup
	var done atomic.Int32
	for range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, err := p.Execute(context.Background(), "A", nil)
				var noAgent *domain.NoAvailableAgentError
				if errors.As(err, &noAgent) {
					time.Sleep(time.Millisecond)
					continue
				}
				if err == nil {
					done.Add(1)
				}
				return
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(12), done.Load())
	assert.Zero(t, violations)
	assert.Equal(t, 12, p.Health().SuccessfulTasks)
}

func TestPool_OrdinaryErrorKeepsInstanceHealthy(t *testing.T) {
	p := startedPool(t, Options{}, Registration{
		AgentID:        "flaky",
		Factory:        funcFactory(func(context.Context, string, domain.Payload) (domain.Payload, error) { return nil, errors.New("bad input") }),
		SupportedTasks: []string{"A"},
		MaxInstances:   1,
	})

	_, err := p.Execute(context.Background(), "A", nil)
	require.EqualError(t, err, "bad input")

	info, ok := p.AgentInfo("flaky_1")
	require.True(t, ok)
	assert.Equal(t, StatusHealthy, info.Status)
	assert.Equal(t, 1, info.FailureCount)
	assert.Equal(t, "bad input", info.LastError)
	assert.InDelta(t, 0.0, p.Health().SuccessRate, 0.001)
}

func TestPool_FatalErrorRestartsInstance(t *testing.T) {
	var built atomic.Int32
	factory := func(string, domain.Payload) (Agent, error) {
		built.Add(1)
		return AgentFunc(func(_ context.Context, _ string, in domain.Payload) (domain.Payload, error) {
			if in.String("mode") == "crash" {
				return nil, Fatal(errors.New("connection lost"))
			}
			return in, nil
		}), nil
	}
	p := startedPool(t, Options{}, Registration{AgentID: "svc", Factory: factory, SupportedTasks: []string{"A"}, MaxInstances: 1, AutoRestart: true})

	_, err := p.Execute(context.Background(), "A", domain.Payload{"mode": "crash"})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.EqualError(t, err, "connection lost")

	require.Eventually(t, func() bool {
		info, _ := p.AgentInfo("svc_1")
		return info.Status == StatusHealthy && info.Restarts == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), built.Load())

	out, err := p.Execute(context.Background(), "A", domain.Payload{"mode": "ok"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.String("mode"))
}

func TestPool_PanicIsFatalWithoutRestart(t *testing.T) {
	p := startedPool(t, Options{}, Registration{
		AgentID:        "bad",
		Factory:        funcFactory(func(context.Context, string, domain.Payload) (domain.Payload, error) { panic("nil map") }),
		SupportedTasks: []string{"A"},
		MaxInstances:   1,
	})

	_, err := p.Execute(context.Background(), "A", nil)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Contains(t, err.Error(), "panicked")

	info, _ := p.AgentInfo("bad_1")
	assert.Equal(t, StatusUnhealthy, info.Status)

	h := p.Health()
	assert.Equal(t, PoolDegraded, h.Status)
	assert.Equal(t, 1, h.UnhealthyAgents)

	_, err = p.Acquire("A")
	var noAgent *domain.NoAvailableAgentError
	require.ErrorAs(t, err, &noAgent)
	assert.False(t, noAgent.Saturated())
}

func TestPool_StartFailsOpen(t *testing.T) {
	broken := func(string, domain.Payload) (Agent, error) { return nil, errors.New("missing api key") }
	p := startedPool(t, Options{},
		Registration{AgentID: "broken", Factory: broken, SupportedTasks: []string{"B"}, MaxInstances: 1},
		Registration{AgentID: "echo", Factory: echoFactory, SupportedTasks: []string{"A"}, MaxInstances: 1},
	)

	_, err := p.Execute(context.Background(), "A", domain.Payload{})
	require.NoError(t, err)

	info, _ := p.AgentInfo("broken_1")
	assert.Equal(t, StatusUnhealthy, info.Status)
	assert.Equal(t, "missing api key", info.LastError)
	assert.Equal(t, PoolDegraded, p.Health().Status)
}

type checkedAgent struct {
	healthy atomic.Bool
	stopped atomic.Bool
}

func (a *checkedAgent) Execute(_ context.Context, _ string, in domain.Payload) (domain.Payload, error) {
	return in, nil
}

func (a *checkedAgent) HealthCheck(context.Context) error {
	if a.healthy.Load() {
		return nil
	}
	return errors.New("probe failed")
}

func (a *checkedAgent) Stop(context.Context) error {
	a.stopped.Store(true)
	return nil
}

func TestPool_CheckHealthRestartsFailedProbe(t *testing.T) {
	var mu sync.Mutex
	var agents []*checkedAgent
	factory := func(string, domain.Payload) (Agent, error) {
		a := &checkedAgent{}
		mu.Lock()
		healthy := len(agents) > 0
		agents = append(agents, a)
		mu.Unlock()
		a.healthy.Store(healthy)
		return a, nil
	}
	p := startedPool(t, Options{}, Registration{AgentID: "c", Factory: factory, SupportedTasks: []string{"A"}, MaxInstances: 1, AutoRestart: true})

	p.CheckHealth(context.Background())

	info, _ := p.AgentInfo("c_1")
	assert.Equal(t, StatusHealthy, info.Status)
	assert.Equal(t, 1, info.Restarts)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, agents, 2)
	assert.True(t, agents[0].stopped.Load(), "old handle is stopped on restart")
}

func TestPool_HealthLoopRuns(t *testing.T) {
	var probes atomic.Int32
	a := &probeCounter{n: &probes}
	p := startedPool(t, Options{HealthInterval: 5 * time.Millisecond},
		Registration{AgentID: "c", Factory: func(string, domain.Payload) (Agent, error) { return a, nil }, SupportedTasks: []string{"A"}, MaxInstances: 1})

	require.Eventually(t, func() bool { return probes.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	info, _ := p.AgentInfo("c_1")
	assert.False(t, info.LastHealthCheck.IsZero())
}

type probeCounter struct {
	n *atomic.Int32
}

func (p *probeCounter) Execute(context.Context, string, domain.Payload) (domain.Payload, error) {
	return nil, nil
}

func (p *probeCounter) HealthCheck(context.Context) error {
	p.n.Add(1)
	return nil
}

func TestPool_RegisterAfterStart(t *testing.T) {
	p := startedPool(t, Options{}, Registration{AgentID: "echo", Factory: echoFactory, SupportedTasks: []string{"A"}, MaxInstances: 1})
	err := p.Register(Registration{AgentID: "late", Factory: echoFactory, SupportedTasks: []string{"B"}, MaxInstances: 1})
	assert.ErrorIs(t, err, ErrAlreadyStarted)
	assert.ErrorIs(t, p.Start(context.Background()), ErrAlreadyStarted)
}

func TestPool_AcquireBeforeStart(t *testing.T) {
	p := New(Options{})
	require.NoError(t, p.Register(Registration{AgentID: "echo", Factory: echoFactory, SupportedTasks: []string{"A"}, MaxInstances: 1}))
	_, err := p.Acquire("A")
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Equal(t, PoolInitializing, p.Health().Status)
}

func TestPool_StopWaitsForRunningTask(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	p := startedPool(t, Options{}, Registration{
		AgentID: "slow",
		Factory: funcFactory(func(context.Context, string, domain.Payload) (domain.Payload, error) {
			close(started)
			<-release
			return domain.Payload{"ok": true}, nil
		}),
		SupportedTasks: []string{"A"},
		MaxInstances:   1,
	})

	result := make(chan error, 1)
	go func() {
		_, err := p.Execute(context.Background(), "A", nil)
		result <- err
	}()
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- p.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("stop returned while a task was running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-result)
	require.NoError(t, <-stopped)
	assert.Equal(t, PoolStopped, p.Health().Status)

	info, _ := p.AgentInfo("slow_1")
	assert.Equal(t, StatusStopped, info.Status)
}

func TestPool_StopCancelsStragglers(t *testing.T) {
	started := make(chan struct{})
	p := startedPool(t, Options{}, Registration{
		AgentID: "stuck",
		Factory: funcFactory(func(ctx context.Context, _ string, _ domain.Payload) (domain.Payload, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		SupportedTasks: []string{"A"},
		MaxInstances:   1,
	})

	result := make(chan error, 1)
	go func() {
		_, err := p.Execute(context.Background(), "A", nil)
		result <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("straggler was not cancelled")
	}
}

func TestPool_CancelledRunIsNotAFailure(t *testing.T) {
	started := make(chan struct{})
	p := startedPool(t, Options{}, Registration{
		AgentID: "slow",
		Factory: funcFactory(func(ctx context.Context, _ string, _ domain.Payload) (domain.Payload, error) {
			close(started)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return domain.Payload{}, nil
			}
		}),
		SupportedTasks: []string{"A"},
		MaxInstances:   1,
	})

	lease, err := p.Acquire("A")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := lease.Run(ctx, nil)
		result <- err
	}()
	<-started
	cancel()

	select {
	case err := <-result:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("run did not return after cancel")
	}

	h := p.Health()
	assert.Equal(t, 0, h.FailedTasks)
	assert.Equal(t, 0, h.SuccessfulTasks)
	assert.Equal(t, 0, h.TotalTasks)
	assert.Equal(t, PoolRunning, h.Status)

	info, ok := p.AgentInfo(lease.InstanceID())
	require.True(t, ok)
	assert.Equal(t, StatusHealthy, info.Status)
	assert.Equal(t, 0, info.FailureCount)
	assert.Empty(t, info.LastError)
}

func TestPool_DeadlineIsAFailure(t *testing.T) {
	p := startedPool(t, Options{}, Registration{
		AgentID: "slow",
		Factory: funcFactory(func(ctx context.Context, _ string, _ domain.Payload) (domain.Payload, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		SupportedTasks: []string{"A"},
		MaxInstances:   1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Execute(ctx, "A", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	h := p.Health()
	assert.Equal(t, 1, h.FailedTasks)
	assert.Equal(t, PoolRunning, h.Status)
}

func TestPool_OnChangeAndBusEvents(t *testing.T) {
	b := bus.NewMemory(nil, nil)
	require.NoError(t, b.Connect(context.Background()))
	defer b.Disconnect(context.Background())

	events := make(chan bus.Message, 16)
	_, err := b.SubscribePattern(context.Background(), "agent:*:status", func(_ context.Context, msg bus.Message) error {
		events <- msg
		return nil
	})
	require.NoError(t, err)

	var changes atomic.Int32
	p := New(Options{Bus: b})
	p.OnChange(func() { changes.Add(1) })
	require.NoError(t, p.Register(Registration{AgentID: "echo", Factory: echoFactory, SupportedTasks: []string{"A"}, MaxInstances: 1}))
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background())

	select {
	case msg := <-events:
		assert.Equal(t, "agent:echo_1:status", msg.Topic)
		assert.Equal(t, "healthy", msg.Payload.String("status"))
	case <-time.After(time.Second):
		t.Fatal("no status event")
	}

	before := changes.Load()
	_, err = p.Execute(context.Background(), "A", nil)
	require.NoError(t, err)
	assert.Greater(t, changes.Load(), before)
}

func TestPool_Instances(t *testing.T) {
	p := startedPool(t, Options{}, Registration{AgentID: "w", Factory: echoFactory, SupportedTasks: []string{"A"}, MaxInstances: 3, Priority: 4})

	infos := p.Instances()
	require.Len(t, infos, 3)
	for i, info := range infos {
		assert.Equal(t, fmt.Sprintf("w_%d", i+1), info.InstanceID)
		assert.Equal(t, 4, info.Priority)
		assert.Equal(t, StatusHealthy, info.Status)
	}
	_, ok := p.AgentInfo("w_9")
	assert.False(t, ok)

	h := p.Health()
	assert.Equal(t, 3, h.TotalAgents)
	assert.InDelta(t, 100.0, h.HealthPercentage(), 0.001)
}
