// Package notify propagates outbox sync outcomes to observers (UI badges,
// other processes) without polling.
//
// Delivery is fire-and-forget: no acknowledgement, no ordering guarantee
// across processes.
package notify

import (
	"context"
	"time"
)

// EventType identifies the kind of notification.
type EventType string

const (
	// EventSyncSuccess is emitted once per entry delivered and removed.
	EventSyncSuccess EventType = "sync_success"
	// EventSyncError is emitted after every failed delivery attempt.
	EventSyncError EventType = "sync_error"
	// EventSyncComplete summarizes one sync run.
	EventSyncComplete EventType = "SYNC_COMPLETE"
)

// DefaultTopic is the broadcast topic shared by every fieldsync process.
const DefaultTopic = "fieldsync/outbox/events"

// Event is one notification on the bus.
type Event struct {
	Type    EventType `json:"type"`
	ID      string    `json:"id,omitempty"`
	Error   string    `json:"error,omitempty"`
	Success int       `json:"success,omitempty"`
	Failed  int       `json:"failed,omitempty"`
	At      int64     `json:"at"`
	// Source names the publishing process so a bus can skip its own echoes.
	Source string `json:"source,omitempty"`
}

// SyncSuccess builds a per-entry success event.
func SyncSuccess(id string) Event {
	return Event{Type: EventSyncSuccess, ID: id}
}

// SyncError builds a per-entry failure event.
func SyncError(id, msg string) Event {
	return Event{Type: EventSyncError, ID: id, Error: msg}
}

// SyncComplete builds a run summary event.
func SyncComplete(success, failed int) Event {
	return Event{Type: EventSyncComplete, Success: success, Failed: failed}
}

func (e Event) stamped() Event {
	if e.At == 0 {
		e.At = time.Now().UnixMilli()
	}
	return e
}

// Bus is a topic-scoped publish/subscribe port.
type Bus interface {
	// Publish delivers the event to subscribers. It never blocks on a slow
	// remote and never returns an error to the publisher.
	Publish(ctx context.Context, e Event)
	// Subscribe registers fn and returns a function that removes it.
	Subscribe(fn func(Event)) (unsubscribe func())
	Close() error
}
