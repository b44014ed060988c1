// Package syncer drains the outbox against the network: bounded batches,
// bounded retries, one run at a time.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/fieldsync/internal/notify"
	"github.com/clawinfra/fieldsync/internal/outbox"
)

// Fixed delivery policy.
const (
	MaxRetries = 5
	BatchSize  = 5
	BatchPause = 500 * time.Millisecond
)

// Result counts the outcomes of one sync run.
type Result struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

type outcome int

const (
	delivered outcome = iota
	failed
	skipped
)

// Engine runs sync passes over a Store.
type Engine struct {
	store     outbox.Store
	transport Transport
	bus       notify.Bus
	logger    *slog.Logger

	running atomic.Bool
	pause   time.Duration
	runs    atomic.Int64
}

// NewEngine creates an engine. bus may be nil when nobody listens.
func NewEngine(store outbox.Store, transport Transport, bus notify.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		transport: transport,
		bus:       bus,
		logger:    logger.With("component", "syncer"),
		pause:     BatchPause,
	}
}

// Running reports whether a sync run is in progress.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Runs returns how many runs have processed at least one candidate.
func (e *Engine) Runs() int64 {
	return e.runs.Load()
}

// ProcessQueue performs one sync run. A call made while another run is in
// progress returns a zero Result immediately. Delivery failures are recorded
// on the entries and never returned.
//
// Cancelling ctx stops the run between batches; a batch that has started
// always runs to completion.
func (e *Engine) ProcessQueue(ctx context.Context) Result {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Debug("sync already in progress, skipping")
		return Result{}
	}
	defer e.running.Store(false)

	entries, err := e.store.List(ctx)
	if err != nil {
		e.logger.Error("failed to list outbox", "error", err)
		return Result{}
	}

	candidates := selectCandidates(entries)
	if len(candidates) == 0 {
		return Result{}
	}
	e.runs.Add(1)

	start := time.Now()
	e.logger.Info("sync run started", "candidates", len(candidates))

	batchCtx := context.WithoutCancel(ctx)
	var res Result
	for i := 0; i < len(candidates); i += BatchSize {
		if i > 0 {
			select {
			case <-ctx.Done():
				e.logger.Warn("sync run interrupted between batches",
					"remaining", len(candidates)-i, "error", ctx.Err())
				e.complete(batchCtx, res, start)
				return res
			case <-time.After(e.pause):
			}
		}

		end := min(i+BatchSize, len(candidates))
		s, f := e.runBatch(batchCtx, candidates[i:end])
		res.Success += s
		res.Failed += f
	}

	e.complete(batchCtx, res, start)
	return res
}

func (e *Engine) complete(ctx context.Context, res Result, start time.Time) {
	e.logger.Info("sync run complete",
		"success", res.Success,
		"failed", res.Failed,
		"duration", time.Since(start))
	e.publish(ctx, notify.SyncComplete(res.Success, res.Failed))
}

// selectCandidates keeps pending entries and failed entries under the retry
// ceiling, in list order.
func selectCandidates(entries []outbox.Entry) []outbox.Entry {
	var out []outbox.Entry
	for _, entry := range entries {
		switch {
		case entry.Status == outbox.StatusPending:
			out = append(out, entry)
		case entry.Status == outbox.StatusFailed && entry.RetryCount < MaxRetries:
			out = append(out, entry)
		}
	}
	return out
}

// runBatch attempts every entry concurrently and waits for all of them.
func (e *Engine) runBatch(ctx context.Context, batch []outbox.Entry) (success, failures int) {
	var ok, bad atomic.Int32
	var g errgroup.Group
	for _, entry := range batch {
		g.Go(func() error {
			switch e.deliverSafe(ctx, entry) {
			case delivered:
				ok.Add(1)
			case failed:
				bad.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(ok.Load()), int(bad.Load())
}

func (e *Engine) deliverSafe(ctx context.Context, entry outbox.Entry) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("delivery panicked", "id", entry.ID, "panic", r)
			e.fail(ctx, entry, fmt.Errorf("delivery panicked: %v", r))
			out = failed
		}
	}()
	return e.deliver(ctx, entry)
}

// deliver runs the single-entry procedure: mark syncing, send, then remove
// on success or record the failed attempt.
func (e *Engine) deliver(ctx context.Context, entry outbox.Entry) outcome {
	if err := e.store.Update(ctx, entry.ID, outbox.StatusPatch(outbox.StatusSyncing)); err != nil {
		if errors.Is(err, outbox.ErrNotFound) {
			e.logger.Debug("entry removed before delivery", "id", entry.ID)
			return skipped
		}
		e.logger.Error("failed to mark entry syncing", "id", entry.ID, "error", err)
		return failed
	}

	if err := e.transport.Send(ctx, entry.Method, entry.Endpoint, entry.Payload); err != nil {
		e.fail(ctx, entry, err)
		return failed
	}

	if err := e.store.Remove(ctx, entry.ID); err != nil {
		// Delivered but still stored: it will be re-sent after recovery and
		// deduplicated by localId on the receiving side.
		e.logger.Error("failed to remove delivered entry", "id", entry.ID, "error", err)
	}
	e.logger.Debug("entry delivered", "id", entry.ID, "endpoint", entry.Endpoint)
	e.publish(ctx, notify.SyncSuccess(entry.ID))
	return delivered
}

// fail records a failed attempt. The entry returns to pending, or becomes
// terminally failed once the attempt reaches MaxRetries.
func (e *Engine) fail(ctx context.Context, entry outbox.Entry, cause error) {
	msg := cause.Error()
	attempt := entry.RetryCount + 1
	if attempt >= MaxRetries {
		msg = fmt.Sprintf("max retries (%d) exceeded: %s", MaxRetries, cause)
	}

	if err := e.store.Update(ctx, entry.ID, outbox.FailurePatch(msg, MaxRetries)); err != nil {
		if !errors.Is(err, outbox.ErrNotFound) {
			e.logger.Error("failed to record delivery failure", "id", entry.ID, "error", err)
		}
	}

	if attempt >= MaxRetries {
		e.logger.Warn("entry failed permanently", "id", entry.ID, "retries", attempt, "error", cause)
	} else {
		e.logger.Warn("delivery failed, will retry", "id", entry.ID, "attempt", attempt, "error", cause)
	}
	e.publish(ctx, notify.SyncError(entry.ID, msg))
}

func (e *Engine) publish(ctx context.Context, ev notify.Event) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, ev)
}
