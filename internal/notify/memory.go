package notify

import (
	"context"
	"log/slog"
	"sync"
)

// MemoryBus fans events out to in-process subscribers synchronously.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[uint64]func(Event)
	nextID uint64
	closed bool
	logger *slog.Logger
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		subs:   make(map[uint64]func(Event)),
		logger: logger.With("component", "notify"),
	}
}

func (b *MemoryBus) Publish(_ context.Context, e Event) {
	e = e.stamped()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		b.deliver(fn, e)
	}
}

func (b *MemoryBus) deliver(fn func(Event), e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("notification subscriber panicked", "type", e.Type, "id", e.ID, "panic", r)
		}
	}()
	fn(e)
}

func (b *MemoryBus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Subscribers returns the number of registered subscribers.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[uint64]func(Event))
	return nil
}
