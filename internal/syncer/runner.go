package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrRunnerStopped is returned by RequestSync when no worker loop is active.
var ErrRunnerStopped = errors.New("syncer: runner not running")

// Runner is the in-process background worker. It runs the engine once at
// start and again every time it is woken; wake-ups that arrive during a run
// coalesce into one follow-up run.
type Runner struct {
	engine *Engine
	logger *slog.Logger
	wake   chan struct{}
	online func() bool

	mu      sync.Mutex
	running bool
	last    Result
}

// NewRunner creates a runner for engine.
func NewRunner(engine *Engine, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		engine: engine,
		logger: logger.With("component", "sync-runner"),
		wake:   make(chan struct{}, 1),
	}
}

// GateOn makes the runner skip wake-ups while isOnline reports false. The
// reconnect listener wakes it again once the network is back.
func (r *Runner) GateOn(isOnline func() bool) {
	r.online = isOnline
}

// Wake asks for a sync run without blocking.
func (r *Runner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// RequestSync wakes the runner, or fails when its loop is not active so the
// caller can fall back to another trigger.
func (r *Runner) RequestSync(_ context.Context) error {
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()
	if !running {
		return ErrRunnerStopped
	}
	r.Wake()
	return nil
}

// OnConnectivity is a connectivity listener: coming online triggers a run.
func (r *Runner) OnConnectivity(online bool) {
	if online {
		r.logger.Info("connectivity restored, scheduling sync")
		r.Wake()
	}
}

// LastResult returns the outcome of the most recent run.
func (r *Runner) LastResult() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Run processes wake-ups until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("syncer: runner already running")
	}
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	r.logger.Info("sync runner started")
	r.Wake()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("sync runner stopped")
			return ctx.Err()
		case <-r.wake:
			if r.online != nil && !r.online() {
				r.logger.Debug("offline, sync deferred")
				continue
			}
			res := r.engine.ProcessQueue(ctx)
			if res == (Result{}) {
				continue
			}
			r.mu.Lock()
			r.last = res
			r.mu.Unlock()
		}
	}
}
