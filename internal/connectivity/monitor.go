// Package connectivity keeps a single best-effort view of network
// reachability and tells listeners when it changes.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// ProbeInterval is the delay between reachability probes while started.
	ProbeInterval = 5 * time.Second
	// ProbeTimeout bounds a single probe. A timed-out probe means offline.
	ProbeTimeout = 3 * time.Second
)

// Prober performs one reachability probe. A nil error means reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Monitor combines the OS interface flag with active probing. Listeners are
// edge-triggered: they run only when the computed state changes.
type Monitor struct {
	prober   Prober
	flag     func() bool
	interval time.Duration
	logger   *slog.Logger

	// notifyMu orders transitions and their deliveries so listeners see
	// states in the order they were recorded.
	notifyMu sync.Mutex

	mu        sync.Mutex
	online    bool
	known     bool
	listeners map[uint64]func(bool)
	nextID    uint64

	runMu  sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithFlag replaces the OS-level network flag (InterfaceFlag by default).
func WithFlag(flag func() bool) Option {
	return func(m *Monitor) { m.flag = flag }
}

// WithInterval overrides ProbeInterval. Intended for tests.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// NewMonitor creates a stopped monitor. The state is offline until the first
// probe completes.
func NewMonitor(prober Prober, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		prober:    prober,
		flag:      InterfaceFlag,
		interval:  ProbeInterval,
		logger:    logger.With("component", "connectivity"),
		listeners: make(map[uint64]func(bool)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start probes immediately and then every interval until Stop or ctx is
// cancelled. Calling Start on a running monitor does nothing; a monitor whose
// loop ended with its context can be started again.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.activeLocked() {
		return
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	m.logger.Info("connectivity monitor started", "interval", m.interval)
	go m.run(ctx, m.stopCh, m.doneCh)
}

func (m *Monitor) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Stop halts probing and waits for the loop to exit. Safe when not running.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if !m.activeLocked() {
		return
	}
	close(m.stopCh)
	<-m.doneCh
	m.stopCh, m.doneCh = nil, nil
	m.logger.Info("connectivity monitor stopped")
}

// Running reports whether the probe loop is active.
func (m *Monitor) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.activeLocked()
}

// activeLocked reports whether a loop is still running and forgets one that
// exited on its own after ctx was cancelled. runMu must be held.
func (m *Monitor) activeLocked() bool {
	if m.doneCh == nil {
		return false
	}
	select {
	case <-m.doneCh:
		m.stopCh, m.doneCh = nil, nil
		return false
	default:
		return true
	}
}

// IsOnline returns the last computed state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Check computes the state now (OS flag AND live probe), records it and
// notifies listeners on a transition.
func (m *Monitor) Check(ctx context.Context) bool {
	online := m.probe(ctx)
	m.set(online)
	return online
}

func (m *Monitor) probe(ctx context.Context) bool {
	if m.flag != nil && !m.flag() {
		return false
	}
	if m.prober == nil {
		return true
	}
	probeCtx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	if err := m.prober.Probe(probeCtx); err != nil {
		m.logger.Debug("reachability probe failed", "error", err)
		return false
	}
	return true
}

func (m *Monitor) set(online bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.known && m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.known = true
	listeners := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	if online {
		m.logger.Info("network is online")
	} else {
		m.logger.Warn("network is offline")
	}
	for _, fn := range listeners {
		m.notify(fn, online)
	}
}

func (m *Monitor) notify(fn func(bool), online bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("connectivity listener panicked", "panic", r)
		}
	}()
	fn(online)
}

// AddListener registers fn for state transitions and returns a function that
// removes it. Deliveries are serialized; fn must not call Check.
func (m *Monitor) AddListener(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}
