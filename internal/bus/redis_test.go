package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/agent-hq/internal/domain"
)

func connectedRedis(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	b := NewRedis("redis://"+mr.Addr()+"/0", nil, nil)
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Disconnect(ctx)
	})
	return b
}

func TestRedis_ExactSubscription(t *testing.T) {
	b := connectedRedis(t)
	ctx := context.Background()
	got := make(chan Message, 4)

	_, err := b.Subscribe(ctx, "orchestrator:batch:b1", collect(got))
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, NewMessage("orchestrator:batch:b2", WorkflowUpdate, "test", nil)))
	sent := NewMessage("orchestrator:batch:b1", WorkflowUpdate, "test", domain.Payload{"status": "running", "total_tasks": 3})
	sent.CorrelationID = "b1"
	require.NoError(t, b.Publish(ctx, sent))

	msg := receive(t, got)
	assert.Equal(t, sent.ID, msg.ID)
	assert.Equal(t, "orchestrator:batch:b1", msg.Topic)
	assert.Equal(t, WorkflowUpdate, msg.Type)
	assert.Equal(t, "test", msg.Source)
	assert.Equal(t, "b1", msg.CorrelationID)
	assert.Equal(t, "running", msg.Payload.String("status"))
	// JSON numbers decode as float64
	assert.Equal(t, float64(3), msg.Payload["total_tasks"])
	assert.WithinDuration(t, sent.Timestamp, msg.Timestamp, time.Millisecond)

	select {
	case extra := <-got:
		t.Fatalf("unexpected message on %s", extra.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRedis_PatternSubscription(t *testing.T) {
	b := connectedRedis(t)
	ctx := context.Background()
	got := make(chan Message, 4)

	_, err := b.SubscribePattern(ctx, "agent:*:status", collect(got))
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, NewMessage("orchestrator:task:t1", TaskStarted, "test", nil)))
	require.NoError(t, b.Publish(ctx, NewMessage("agent:echo_1:status", AgentStatus, "agent_pool", domain.Payload{"status": "healthy"})))

	msg := receive(t, got)
	assert.Equal(t, "agent:echo_1:status", msg.Topic)
	assert.Equal(t, "healthy", msg.Payload.String("status"))
}

func TestRedis_MessageWithoutIDGetsOne(t *testing.T) {
	b := connectedRedis(t)
	ctx := context.Background()
	got := make(chan Message, 1)

	_, err := b.Subscribe(ctx, "t", collect(got))
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, Message{Topic: "t", Type: UserEvent}))

	msg := receive(t, got)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestRedis_PanickingSubscriberDoesNotAffectOthers(t *testing.T) {
	b := connectedRedis(t)
	ctx := context.Background()
	got := make(chan Message, 4)

	_, err := b.Subscribe(ctx, "t", func(context.Context, Message) error { panic("boom") })
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "t", collect(got))
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, NewMessage("t", UserEvent, "test", domain.Payload{"n": "1"})))
	require.NoError(t, b.Publish(ctx, NewMessage("t", UserEvent, "test", domain.Payload{"n": "2"})))

	assert.Equal(t, "1", receive(t, got).Payload.String("n"))
	assert.Equal(t, "2", receive(t, got).Payload.String("n"))
	assert.Equal(t, 2, b.Stats().ActiveSubscriptions, "panicking subscriber stays subscribed")
}

func TestRedis_StatsAndUnsubscribe(t *testing.T) {
	b := connectedRedis(t)
	ctx := context.Background()
	got := make(chan Message, 4)

	exact, err := b.Subscribe(ctx, "agent:echo_1:status", collect(got))
	require.NoError(t, err)
	_, err = b.SubscribePattern(ctx, "agent:*:status", collect(got))
	require.NoError(t, err)
	assert.Equal(t, 2, b.Stats().ActiveSubscriptions)

	require.NoError(t, b.Publish(ctx, NewMessage("agent:echo_1:status", AgentStatus, "test", nil)))
	receive(t, got)
	receive(t, got)

	assert.Eventually(t, func() bool {
		s := b.Stats()
		return s.MessagesPublished == 1 && s.MessagesReceived == 2
	}, 2*time.Second, 10*time.Millisecond)

	s := b.Stats()
	assert.True(t, s.Connected)
	assert.Equal(t, int64(0), s.MessagesDropped)

	exact.Unsubscribe()
	exact.Unsubscribe()
	assert.Equal(t, 1, b.Stats().ActiveSubscriptions)
}

func TestRedis_Disconnect(t *testing.T) {
	mr := miniredis.RunT(t)
	b := NewRedis("redis://"+mr.Addr()+"/0", nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, b.Connect(ctx))
	_, err := b.Subscribe(ctx, "t", func(context.Context, Message) error { return nil })
	require.NoError(t, err)

	require.NoError(t, b.Disconnect(ctx))
	s := b.Stats()
	assert.False(t, s.Connected)
	assert.Equal(t, 0, s.ActiveSubscriptions)

	assert.ErrorIs(t, b.Publish(ctx, NewMessage("t", UserEvent, "test", nil)), ErrNotConnected)
	_, err = b.Subscribe(ctx, "t", func(context.Context, Message) error { return nil })
	assert.ErrorIs(t, err, ErrNotConnected)
	require.NoError(t, b.Disconnect(ctx), "second disconnect is a no-op")
}

func TestRedis_ConnectFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	b := NewRedis("redis://127.0.0.1:1/0", nil, nil)
	err := b.Connect(ctx)
	require.Error(t, err)
	assert.False(t, b.Stats().Connected)
	assert.ErrorIs(t, b.Publish(ctx, NewMessage("t", UserEvent, "test", nil)), ErrNotConnected)
	require.NoError(t, b.Disconnect(ctx))
}

func TestRedis_BadURL(t *testing.T) {
	b := NewRedis("not-a-url", nil, nil)
	assert.Error(t, b.Connect(context.Background()))
}
