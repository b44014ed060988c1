// Package submit is the entry point for form and document producers. It
// sends an operation right away when the network is reachable and queues it
// in the outbox otherwise, so a submission is never lost.
package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/fieldsync/internal/outbox"
	"github.com/clawinfra/fieldsync/internal/syncer"
)

var (
	// ErrInvalidMethod is returned for verbs other than POST, PUT and DELETE.
	ErrInvalidMethod = fmt.Errorf("%w: unsupported method", outbox.ErrInvalidEntry)
	// ErrNotRetryable is returned by RetryEntry for entries that are not failed.
	ErrNotRetryable = errors.New("submit: entry is not failed")
	// ErrEntryBusy is returned by Discard while the entry is being delivered.
	ErrEntryBusy = errors.New("submit: entry is syncing")
)

// Result tells the caller what happened to a submission. Success with
// Queued=false means it was delivered; Queued=true means it is in the outbox.
type Result struct {
	Success bool   `json:"success"`
	LocalID string `json:"localId"`
	Queued  bool   `json:"queued"`
}

// Checker reports live connectivity. connectivity.Monitor implements it.
type Checker interface {
	Check(ctx context.Context) bool
}

// Waker asks the host to schedule a background sync pass. It may fail.
type Waker interface {
	RequestSync(ctx context.Context) error
}

// Options holds the optional collaborators of a Service.
type Options struct {
	// Waker is tried first after enqueueing.
	Waker Waker
	// Fallback runs when Waker is nil or fails.
	Fallback func()
	// DirectTimeout bounds the immediate send. Defaults to the delivery timeout.
	DirectTimeout time.Duration
}

// Service implements submit and the caller-facing outbox queries.
type Service struct {
	store     outbox.Store
	transport syncer.Transport
	checker   Checker
	engine    *syncer.Engine
	opts      Options
	logger    *slog.Logger
	newID     func() string
	now       func() time.Time
}

// NewService creates the façade. A nil checker means the network is always
// tried first.
func NewService(store outbox.Store, transport syncer.Transport, checker Checker, engine *syncer.Engine, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DirectTimeout <= 0 {
		opts.DirectTimeout = syncer.DefaultDeliveryTimeout
	}
	return &Service{
		store:     store,
		transport: transport,
		checker:   checker,
		engine:    engine,
		opts:      opts,
		logger:    logger.With("component", "submit"),
		newID:     uuid.NewString,
		now:       time.Now,
	}
}

// Submit delivers or queues one operation. The only errors returned are
// invalid input and failure to persist the entry; delivery failures turn
// into a queued result.
func (s *Service) Submit(ctx context.Context, endpoint string, payload any, method outbox.Method) (Result, error) {
	if method == "" {
		method = outbox.MethodPost
	}
	if !method.Valid() {
		return Result{}, fmt.Errorf("%w %q", ErrInvalidMethod, method)
	}
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return Result{}, fmt.Errorf("%w: endpoint required", outbox.ErrInvalidEntry)
	}

	localID := s.newID()
	body, err := withLocalID(payload, localID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", outbox.ErrInvalidEntry, err)
	}

	directFailed := false
	if s.checker == nil || s.checker.Check(ctx) {
		sendCtx, cancel := context.WithTimeout(ctx, s.opts.DirectTimeout)
		err := s.transport.Send(sendCtx, method, endpoint, body)
		cancel()
		if err == nil {
			s.logger.Info("submission sent", "id", localID, "endpoint", endpoint)
			return Result{Success: true, LocalID: localID}, nil
		}
		directFailed = true
		s.logger.Warn("direct send failed, queueing", "id", localID, "endpoint", endpoint, "error", err)
	}

	entry := outbox.Entry{
		ID:        localID,
		Endpoint:  endpoint,
		Method:    method,
		Payload:   body,
		CreatedAt: s.now().UnixMilli(),
	}
	if err := s.store.Add(ctx, entry); err != nil {
		return Result{LocalID: localID}, fmt.Errorf("queue submission: %w", err)
	}
	s.logger.Info("submission queued", "id", localID, "endpoint", endpoint, "after_failure", directFailed)

	s.requestSync(ctx)
	return Result{Success: !directFailed, LocalID: localID, Queued: true}, nil
}

// requestSync is best-effort; the reconnect and periodic triggers remain.
func (s *Service) requestSync(ctx context.Context) {
	if s.opts.Waker != nil {
		err := s.opts.Waker.RequestSync(ctx)
		if err == nil {
			return
		}
		s.logger.Warn("background sync request failed, signalling worker directly", "error", err)
	}
	if s.opts.Fallback != nil {
		s.opts.Fallback()
	}
}

// withLocalID serializes payload and stamps it with localId. Objects get the
// field added; any other JSON value is wrapped as {"localId", "data"}.
func withLocalID(payload any, localID string) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	id, _ := json.Marshal(localID)

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		fields["localId"] = id
		return json.Marshal(fields)
	}
	return json.Marshal(map[string]json.RawMessage{
		"localId": id,
		"data":    trimmed,
	})
}

// ListPending returns every entry still in the outbox, oldest first,
// including terminal failures awaiting manual action.
func (s *Service) ListPending(ctx context.Context) ([]outbox.Entry, error) {
	return s.store.List(ctx)
}

// PendingCount counts entries waiting for delivery.
func (s *Service) PendingCount(ctx context.Context) (int, error) {
	return s.store.PendingCount(ctx)
}

// RetrySync forces a sync run now.
func (s *Service) RetrySync(ctx context.Context) syncer.Result {
	return s.engine.ProcessQueue(ctx)
}

// RetryEntry puts a failed entry back in the queue. Its retry count is kept,
// so one more failure makes it terminal again.
func (s *Service) RetryEntry(ctx context.Context, id string) error {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.Status != outbox.StatusFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, e.Status)
	}
	if err := s.store.Update(ctx, id, outbox.StatusPatch(outbox.StatusPending)); err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	s.logger.Info("entry requeued manually", "id", id, "retries", e.RetryCount)
	s.requestSync(ctx)
	return nil
}

// Discard removes an entry that is not currently being delivered.
func (s *Service) Discard(ctx context.Context, id string) error {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.Status == outbox.StatusSyncing {
		return fmt.Errorf("%w: %s", ErrEntryBusy, id)
	}
	if err := s.store.Remove(ctx, id); err != nil {
		return fmt.Errorf("discard %s: %w", id, err)
	}
	s.logger.Info("entry discarded", "id", id, "status", e.Status, "retries", e.RetryCount)
	return nil
}

// PurgeTerminal removes terminally failed entries created more than
// retention ago and returns how many were removed.
func (s *Service) PurgeTerminal(ctx context.Context, retention time.Duration) (int, error) {
	entries, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list outbox: %w", err)
	}
	cutoff := s.now().Add(-retention).UnixMilli()

	purged := 0
	for _, e := range entries {
		if !e.Terminal(syncer.MaxRetries) || e.CreatedAt > cutoff {
			continue
		}
		if err := s.store.Remove(ctx, e.ID); err != nil {
			return purged, fmt.Errorf("purge %s: %w", e.ID, err)
		}
		purged++
	}
	if purged > 0 {
		s.logger.Info("purged terminal entries", "count", purged, "retention", retention)
	}
	return purged, nil
}
