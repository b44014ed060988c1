package scheduler

import (
	"context"
	"time"
)

// Job IDs registered by the daemon.
const (
	SyncJobID  = "outbox-sync"
	PurgeJobID = "outbox-purge"
)

// SyncRequester asks the sync loop for a pass.
type SyncRequester interface {
	RequestSync(ctx context.Context) error
}

// Purger drops terminal entries older than a retention window.
type Purger interface {
	PurgeTerminal(ctx context.Context, retention time.Duration) (int, error)
}

// SyncJob nudges the sync loop on a fixed schedule so entries left behind by
// a missed reconnect still get delivered.
func SyncJob(spec string, s SyncRequester) *Job {
	return &Job{
		ID:      SyncJobID,
		Name:    "Periodic outbox sync",
		Spec:    spec,
		Enabled: spec != "",
		Run:     s.RequestSync,
	}
}

// PurgeJob removes failed entries past their retention. retention is read on
// every run so hot-reloaded values apply; zero or negative disables the purge.
func PurgeJob(spec string, p Purger, retention func() time.Duration) *Job {
	return &Job{
		ID:      PurgeJobID,
		Name:    "Purge failed entries",
		Spec:    spec,
		Enabled: spec != "",
		Run: func(ctx context.Context) error {
			keep := retention()
			if keep <= 0 {
				return nil
			}
			_, err := p.PurgeTerminal(ctx, keep)
			return err
		},
	}
}
