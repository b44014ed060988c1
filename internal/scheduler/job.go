package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Job represents a scheduled task
type Job struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Spec    string `json:"spec"` // cron expression or descriptor ("@every 1m", "@daily")
	Enabled bool   `json:"enabled"`
	// Run does the work. A returned error is recorded in the job state.
	Run func(ctx context.Context) error `json:"-"`
}

// JobState tracks job execution state
type JobState struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Spec         string        `json:"spec"`
	Enabled      bool          `json:"enabled"`
	LastRunAt    time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt    time.Time     `json:"nextRunAt,omitempty"`
	RunCount     int64         `json:"runCount"`
	ErrorCount   int64         `json:"errorCount"`
	LastError    string        `json:"lastError,omitempty"`
	LastDuration time.Duration `json:"lastDuration,omitempty"`
}

// Validate checks if job configuration is valid
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID required")
	}
	if j.Name == "" {
		return fmt.Errorf("job name required")
	}
	if j.Spec == "" {
		return fmt.Errorf("schedule required")
	}
	if _, err := cron.ParseStandard(j.Spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", j.Spec, err)
	}
	if j.Run == nil {
		return fmt.Errorf("job %s has nothing to run", j.ID)
	}
	return nil
}

// NextRun calculates the next run time based on schedule
func (j *Job) NextRun(from time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(j.Spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron: %w", err)
	}
	return schedule.Next(from), nil
}
