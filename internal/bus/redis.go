package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hochfrequenz/agent-hq/internal/logging"
	"github.com/hochfrequenz/agent-hq/internal/metrics"
)

const (
	redisOutbox       = 1024
	redisPublishLimit = 5 * time.Second
)

// Redis carries messages over Redis PUBLISH/SUBSCRIBE. Publishing goes
// through an outbox drained by one goroutine so callers never wait on the
// network.
type Redis struct {
	url     string
	log     *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	client    *redis.Client
	outbox    chan Message
	subs      map[*redisSub]struct{}
	wg        sync.WaitGroup
	connected bool

	published atomic.Int64
	received  atomic.Int64
	dropped   atomic.Int64
}

// NewRedis creates a Redis-backed bus for url, e.g. redis://localhost:6379/0
func NewRedis(url string, log *slog.Logger, m *metrics.Metrics) *Redis {
	return &Redis{
		url:     url,
		log:     logging.OrDiscard(log).With("component", "bus", "transport", "redis"),
		metrics: m,
		subs:    make(map[*redisSub]struct{}),
	}
}

// Connect dials Redis and verifies the connection with PING
func (b *Redis) Connect(ctx context.Context) error {
	opts, err := redis.ParseURL(b.url)
	if err != nil {
		return fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("connecting to redis: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.client = client
	b.outbox = make(chan Message, redisOutbox)
	b.connected = true

	b.wg.Add(1)
	go b.publishLoop(client, b.outbox)

	b.log.Info("connected", "url", opts.Addr)
	return nil
}

func (b *Redis) publishLoop(client *redis.Client, outbox <-chan Message) {
	defer b.wg.Done()
	for msg := range outbox {
		data, err := json.Marshal(msg)
		if err != nil {
			b.log.Warn("encoding message", "topic", msg.Topic, "error", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), redisPublishLimit)
		err = client.Publish(ctx, msg.Topic, data).Err()
		cancel()
		if err != nil {
			b.log.Warn("publishing message", "topic", msg.Topic, "error", err)
			continue
		}
		b.published.Add(1)
	}
}

// Disconnect closes subscriptions, flushes the outbox and closes the client
func (b *Redis) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	subs := make([]*redisSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	close(b.outbox)
	client := b.client
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
	case <-ctx.Done():
		b.log.Warn("disconnect timed out waiting for workers")
	}
	return client.Close()
}

// Publish queues msg for the publisher goroutine
func (b *Redis) Publish(_ context.Context, msg Message) error {
	if msg.ID == "" {
		msg = NewMessage(msg.Topic, msg.Type, msg.Source, msg.Payload)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return ErrNotConnected
	}
	select {
	case b.outbox <- msg:
	default:
		b.dropped.Add(1)
		b.metrics.MessageDropped()
		b.log.Warn("outbox full, dropping message", "topic", msg.Topic)
	}
	return nil
}

// Subscribe listens on one channel
func (b *Redis) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	return b.subscribe(ctx, topic, false, h)
}

// SubscribePattern listens on every channel matching the Redis glob pattern
func (b *Redis) SubscribePattern(ctx context.Context, pattern string, h Handler) (Subscription, error) {
	return b.subscribe(ctx, pattern, true, h)
}

type redisSub struct {
	bus   *Redis
	topic string
	ps    *redis.PubSub
	once  sync.Once
}

func (s *redisSub) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		if err := s.ps.Close(); err != nil {
			s.bus.log.Debug("closing subscription", "subscription", s.topic, "error", err)
		}
	})
}

func (b *Redis) subscribe(ctx context.Context, topic string, pattern bool, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, ErrNotConnected
	}

	var ps *redis.PubSub
	if pattern {
		ps = b.client.PSubscribe(ctx, topic)
	} else {
		ps = b.client.Subscribe(ctx, topic)
	}
	// Receive blocks until Redis confirms the subscription
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}

	s := &redisSub{bus: b, topic: topic, ps: ps}
	b.subs[s] = struct{}{}

	handlerCtx := context.WithoutCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for raw := range ps.Channel() {
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				b.log.Warn("decoding message", "channel", raw.Channel, "error", err)
				continue
			}
			b.received.Add(1)
			deliver(handlerCtx, b.log, topic, h, msg)
		}
	}()
	return s, nil
}

// Stats returns a snapshot of the counters
func (b *Redis) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Connected:           b.connected,
		MessagesPublished:   b.published.Load(),
		MessagesReceived:    b.received.Load(),
		MessagesDropped:     b.dropped.Load(),
		ActiveSubscriptions: len(b.subs),
	}
}
