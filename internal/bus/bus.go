// Package bus is the advisory pub/sub fabric used for agent and orchestrator
// events. Nothing depends on delivery: publishers never block on
// subscribers and a broken subscriber never affects the bus.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/agent-hq/internal/domain"
)

// ErrNotConnected is returned when using a bus before Connect or after Disconnect
var ErrNotConnected = errors.New("message bus not connected")

// MessageType classifies a message
type MessageType string

const (
	TaskStarted    MessageType = "task_started"
	TaskCompleted  MessageType = "task_completed"
	TaskFailed     MessageType = "task_failed"
	AgentStatus    MessageType = "agent_status"
	WorkflowUpdate MessageType = "workflow_update"
	DataShared     MessageType = "data_shared"
	SystemEvent    MessageType = "system_event"
	UserEvent      MessageType = "user_event"
)

// Message is one event on the bus
type Message struct {
	ID            string         `json:"id"`
	Type          MessageType    `json:"type"`
	Topic         string         `json:"topic"`
	Source        string         `json:"source"`
	Destination   string         `json:"destination,omitempty"`
	Payload       domain.Payload `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// NewMessage builds a message with a fresh ID and timestamp
func NewMessage(topic string, typ MessageType, source string, payload domain.Payload) Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      typ,
		Topic:     topic,
		Source:    source,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Handler receives messages. Returned errors and panics are logged.
type Handler func(ctx context.Context, msg Message) error

// Subscription is an active subscription
type Subscription interface {
	Unsubscribe()
}

// Stats reports bus counters
type Stats struct {
	Connected           bool  `json:"connected"`
	MessagesPublished   int64 `json:"messages_published"`
	MessagesReceived    int64 `json:"messages_received"`
	MessagesDropped     int64 `json:"messages_dropped"`
	ActiveSubscriptions int   `json:"active_subscriptions"`
}

// Bus is the pub/sub contract shared by every transport
type Bus interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	// Publish queues msg for delivery and returns without waiting for subscribers
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)
	// SubscribePattern matches topics with glob syntax, e.g. "agent:*:status"
	SubscribePattern(ctx context.Context, pattern string, h Handler) (Subscription, error)
	Stats() Stats
}

// Nop is a bus that accepts everything and delivers nothing. The
// orchestrator runs on it when no transport is configured or the real one
// failed to connect.
type Nop struct{}

func (Nop) Connect(context.Context) error          { return nil }
func (Nop) Disconnect(context.Context) error       { return nil }
func (Nop) Publish(context.Context, Message) error { return nil }
func (Nop) Stats() Stats                           { return Stats{} }
func (Nop) Subscribe(context.Context, string, Handler) (Subscription, error) {
	return nopSub{}, nil
}
func (Nop) SubscribePattern(context.Context, string, Handler) (Subscription, error) {
	return nopSub{}, nil
}

type nopSub struct{}

func (nopSub) Unsubscribe() {}

// OrNop returns b, or Nop when b is nil
func OrNop(b Bus) Bus {
	if b == nil {
		return Nop{}
	}
	return b
}
