package bus

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"sync/atomic"

	"github.com/hochfrequenz/agent-hq/internal/logging"
	"github.com/hochfrequenz/agent-hq/internal/metrics"
)

const defaultBuffer = 256

// Memory is an in-process bus. Every subscription owns a buffered channel
// drained by its own goroutine; a full channel drops the message.
type Memory struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	buffer  int

	mu        sync.RWMutex
	connected bool
	subs      map[*memorySub]struct{}
	wg        sync.WaitGroup

	published atomic.Int64
	received  atomic.Int64
	dropped   atomic.Int64
}

// MemoryOption configures a Memory bus
type MemoryOption func(*Memory)

// WithBuffer sets the per-subscription queue length
func WithBuffer(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.buffer = n
		}
	}
}

// NewMemory creates an in-process bus
func NewMemory(log *slog.Logger, m *metrics.Metrics, opts ...MemoryOption) *Memory {
	b := &Memory{
		log:     logging.OrDiscard(log).With("component", "bus"),
		metrics: m,
		buffer:  defaultBuffer,
		subs:    make(map[*memorySub]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type memorySub struct {
	bus     *Memory
	topic   string
	pattern bool
	handler Handler
	ch      chan Message
	once    sync.Once
}

func (s *memorySub) matches(topic string) bool {
	if !s.pattern {
		return s.topic == topic
	}
	ok, err := path.Match(s.topic, topic)
	return err == nil && ok
}

// Unsubscribe stops delivery and lets the worker goroutine exit
func (s *memorySub) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		close(s.ch)
		s.bus.mu.Unlock()
	})
}

// Connect marks the bus usable
func (b *Memory) Connect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

// Disconnect closes every subscription and waits for in-flight handlers
func (b *Memory) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	b.connected = false
	subs := make([]*memorySub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for subscribers: %w", ctx.Err())
	}
}

// Publish fans msg out to matching subscriptions without blocking
func (b *Memory) Publish(_ context.Context, msg Message) error {
	if msg.ID == "" {
		msg = NewMessage(msg.Topic, msg.Type, msg.Source, msg.Payload)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return ErrNotConnected
	}

	b.published.Add(1)
	for s := range b.subs {
		if !s.matches(msg.Topic) {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			b.dropped.Add(1)
			b.metrics.MessageDropped()
			b.log.Warn("subscriber queue full, dropping message", "topic", msg.Topic, "subscription", s.topic)
		}
	}
	return nil
}

// Subscribe registers h for one exact topic
func (b *Memory) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	return b.subscribe(ctx, topic, false, h)
}

// SubscribePattern registers h for every topic matching the glob pattern
func (b *Memory) SubscribePattern(ctx context.Context, pattern string, h Handler) (Subscription, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return b.subscribe(ctx, pattern, true, h)
}

func (b *Memory) subscribe(ctx context.Context, topic string, pattern bool, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, ErrNotConnected
	}

	s := &memorySub{
		bus:     b,
		topic:   topic,
		pattern: pattern,
		handler: h,
		ch:      make(chan Message, b.buffer),
	}
	b.subs[s] = struct{}{}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range s.ch {
			b.received.Add(1)
			deliver(context.WithoutCancel(ctx), b.log, s.topic, h, msg)
		}
	}()
	return s, nil
}

// Stats returns a snapshot of the counters
func (b *Memory) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		Connected:           b.connected,
		MessagesPublished:   b.published.Load(),
		MessagesReceived:    b.received.Load(),
		MessagesDropped:     b.dropped.Load(),
		ActiveSubscriptions: len(b.subs),
	}
}

// deliver runs one handler call, converting panics and errors into log lines
func deliver(ctx context.Context, log *slog.Logger, sub string, h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("subscriber panicked", "subscription", sub, "topic", msg.Topic, "panic", r)
		}
	}()
	if err := h(ctx, msg); err != nil {
		log.Warn("subscriber failed", "subscription", sub, "topic", msg.Topic, "error", err)
	}
}
