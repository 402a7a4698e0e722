package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hochfrequenz/agent-hq/internal/domain"
)

// fakePool hands out leases from a scripted acquire function
type fakePool struct {
	mu        sync.Mutex
	acquire   func(taskType string, attempt int) (Lease, error)
	attempts  map[string]int
	listeners []func()
}

func (p *fakePool) Acquire(taskType string) (Lease, error) {
	p.mu.Lock()
	if p.attempts == nil {
		p.attempts = make(map[string]int)
	}
	p.attempts[taskType]++
	n := p.attempts[taskType]
	acquire := p.acquire
	p.mu.Unlock()

	if acquire == nil {
		return &fakeLease{id: "fake_1"}, nil
	}
	return acquire(taskType, n)
}

func (p *fakePool) Supports(string) bool { return true }

func (p *fakePool) OnChange(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

func (p *fakePool) changed() {
	p.mu.Lock()
	listeners := append([]func(){}, p.listeners...)
	p.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

func (p *fakePool) attemptsFor(taskType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[taskType]
}

type fakeLease struct {
	id       string
	run      func(ctx context.Context, input domain.Payload) (domain.Payload, error)
	released atomic.Bool
}

func (l *fakeLease) InstanceID() string { return l.id }

func (l *fakeLease) Run(ctx context.Context, input domain.Payload) (domain.Payload, error) {
	if l.run == nil {
		return input, nil
	}
	return l.run(ctx, input)
}

func (l *fakeLease) Release() { l.released.Store(true) }
