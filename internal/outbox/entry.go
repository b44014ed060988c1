// Package outbox is the durable queue of operations that have not yet been
// confirmed by the remote endpoint.
//
// Entries are keyed by a client-generated identifier and survive process
// restarts. Three backends share the Store contract: an in-memory map for
// tests, a JSON snapshot file, and SQLite.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no entry exists for an id.
	ErrNotFound = errors.New("outbox: entry not found")
	// ErrDuplicateID is returned by Add when the id is already stored.
	ErrDuplicateID = errors.New("outbox: duplicate entry id")
	// ErrInvalidEntry is returned when an entry or patch fails validation.
	ErrInvalidEntry = errors.New("outbox: invalid entry")
	// ErrRetryRegression is returned when a patch would lower RetryCount.
	ErrRetryRegression = errors.New("outbox: retry count cannot decrease")
)

// Method is the HTTP verb of a queued operation.
type Method string

const (
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodDelete Method = "DELETE"
)

// ParseMethod normalizes a verb. An empty string means POST.
func ParseMethod(s string) (Method, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return MethodPost, nil
	}
	m := Method(s)
	if !m.Valid() {
		return "", fmt.Errorf("%w: unsupported method %q", ErrInvalidEntry, s)
	}
	return m, nil
}

func (m Method) Valid() bool {
	switch m {
	case MethodPost, MethodPut, MethodDelete:
		return true
	}
	return false
}

// Status is the lifecycle state of an entry.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusFailed  Status = "failed"
	// StatusSuccess is transient: an entry is removed as soon as it succeeds.
	StatusSuccess Status = "success"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusFailed, StatusSuccess:
		return true
	}
	return false
}

// Entry is one queued operation.
type Entry struct {
	ID         string          `json:"id"`
	Endpoint   string          `json:"endpoint"`
	Method     Method          `json:"method"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  int64           `json:"createdAt"`
	RetryCount int             `json:"retryCount"`
	Status     Status          `json:"status"`
	LastError  string          `json:"lastError,omitempty"`
	// Seq is assigned by the store on Add and grows with insertion order. It
	// breaks ties between entries created in the same millisecond.
	Seq int64 `json:"seq,omitempty"`
}

// Clone returns a deep copy so callers never share the payload buffer with the store.
func (e Entry) Clone() Entry {
	if e.Payload != nil {
		e.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return e
}

// Terminal reports whether automatic processing has given up on the entry.
func (e Entry) Terminal(maxRetries int) bool {
	return e.Status == StatusFailed && e.RetryCount >= maxRetries
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Status     *Status
	RetryCount *int
	LastError  *string
	// IncrementRetry bumps RetryCount by one inside the store's critical section.
	IncrementRetry bool
	// FailAt, when positive, sets Status after the increment: failed once
	// RetryCount reaches FailAt, pending otherwise.
	FailAt int
}

// StatusPatch is shorthand for a patch that only changes the status.
func StatusPatch(s Status) Patch {
	return Patch{Status: &s}
}

// FailurePatch records one failed delivery attempt. The entry goes back to
// pending, or to failed when the attempt reaches maxRetries.
func FailurePatch(msg string, maxRetries int) Patch {
	return Patch{LastError: &msg, IncrementRetry: true, FailAt: maxRetries}
}

func (p Patch) apply(e *Entry) error {
	if p.IncrementRetry {
		e.RetryCount++
	}
	if p.RetryCount != nil {
		if *p.RetryCount < e.RetryCount {
			return ErrRetryRegression
		}
		e.RetryCount = *p.RetryCount
	}
	if p.Status != nil {
		if !p.Status.Valid() {
			return fmt.Errorf("%w: status %q", ErrInvalidEntry, *p.Status)
		}
		e.Status = *p.Status
	}
	if p.FailAt > 0 {
		if e.RetryCount >= p.FailAt {
			e.Status = StatusFailed
		} else {
			e.Status = StatusPending
		}
	}
	if p.LastError != nil {
		e.LastError = *p.LastError
	}
	return nil
}

// Store is the durable queue contract. Every mutation is persisted before it returns.
type Store interface {
	// Add inserts a new entry with RetryCount=0 and Status=pending.
	Add(ctx context.Context, e Entry) error
	Get(ctx context.Context, id string) (Entry, error)
	// Update merges the patch atomically. Returns ErrNotFound when absent.
	Update(ctx context.Context, id string, p Patch) error
	// Remove deletes an entry. Removing a missing id is not an error.
	Remove(ctx context.Context, id string) error
	// List returns every entry ordered by CreatedAt, then insertion order.
	List(ctx context.Context) ([]Entry, error)
	// PendingCount counts entries that are pending or syncing.
	PendingCount(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	Close() error
}

// prepare validates an entry for insertion and resets its lifecycle fields.
func prepare(e Entry) (Entry, error) {
	e.ID = strings.TrimSpace(e.ID)
	if e.ID == "" {
		return Entry{}, fmt.Errorf("%w: id required", ErrInvalidEntry)
	}
	if strings.TrimSpace(e.Endpoint) == "" {
		return Entry{}, fmt.Errorf("%w: endpoint required", ErrInvalidEntry)
	}
	if e.Method == "" {
		e.Method = MethodPost
	}
	if !e.Method.Valid() {
		return Entry{}, fmt.Errorf("%w: method %q", ErrInvalidEntry, e.Method)
	}
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage("null")
	}
	if !json.Valid(e.Payload) {
		return Entry{}, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidEntry)
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}
	e.RetryCount = 0
	e.Status = StatusPending
	e.LastError = ""
	return e.Clone(), nil
}

// reconcile turns entries orphaned in syncing by a crash back into pending.
// The delivery outcome is unknown and the receiver deduplicates by localId.
func reconcile(e *Entry) bool {
	if e.Status == StatusSyncing {
		e.Status = StatusPending
		return true
	}
	return false
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ID < b.ID
	})
}

func countPending(entries map[string]Entry) int {
	n := 0
	for _, e := range entries {
		if e.Status == StatusPending || e.Status == StatusSyncing {
			n++
		}
	}
	return n
}
