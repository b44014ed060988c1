// Package scheduler runs periodic maintenance jobs on cron schedules: the
// fallback sync pass and the purge of terminally failed entries.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrJobNotFound is returned for an unknown job ID.
var ErrJobNotFound = errors.New("job not found")

// Scheduler manages all scheduled jobs
type Scheduler struct {
	cron   *cron.Cron
	jobs   map[string]*scheduled
	logger *slog.Logger
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

type scheduled struct {
	job     *Job
	entryID cron.EntryID
	state   JobState
}

// NewScheduler creates a new scheduler
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")

	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs:   make(map[string]*scheduled),
		logger: logger,
	}
}

// Start registers all enabled jobs and starts the cron loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("scheduler already running")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.logger.Info("starting scheduler", "jobs", len(s.jobs))

	active := 0
	for id, sj := range s.jobs {
		if !sj.job.Enabled {
			s.logger.Debug("skipping disabled job", "job", id)
			continue
		}
		if err := s.register(sj); err != nil {
			return err
		}
		active++
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "active_jobs", active)
	return nil
}

// Stop stops the cron loop and waits for running jobs to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx, s.cancel = nil, nil
	s.mu.Unlock()

	s.logger.Info("stopping scheduler")
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// register adds sj to cron. Caller holds s.mu.
func (s *Scheduler) register(sj *scheduled) error {
	id, err := s.cron.AddFunc(sj.job.Spec, func() { s.execute(sj) })
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", sj.job.ID, err)
	}
	sj.entryID = id
	return nil
}

// AddJob adds a new job to the scheduler
func (s *Scheduler) AddJob(job *Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Check for duplicate ID
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job with ID %s already exists", job.ID)
	}

	sj := &scheduled{job: job}
	s.jobs[job.ID] = sj

	// Register now if the scheduler is running and the job is enabled
	if s.ctx != nil && job.Enabled {
		if err := s.register(sj); err != nil {
			delete(s.jobs, job.ID)
			return err
		}
		s.logger.Info("job added and started", "job", job.ID, "spec", job.Spec)
	} else {
		s.logger.Info("job added", "job", job.ID, "spec", job.Spec, "enabled", job.Enabled)
	}

	return nil
}

// RemoveJob removes a job from the scheduler
func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sj, exists := s.jobs[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if sj.entryID != 0 {
		s.cron.Remove(sj.entryID)
	}
	delete(s.jobs, id)
	s.logger.Info("job removed", "job", id)

	return nil
}

// ReplaceJob swaps the job with the same ID for job, or adds it when absent.
// A job with an empty spec is only removed.
func (s *Scheduler) ReplaceJob(job *Job) error {
	if job.Spec != "" {
		if err := job.Validate(); err != nil {
			return fmt.Errorf("invalid job: %w", err)
		}
	}
	if err := s.RemoveJob(job.ID); err != nil && !errors.Is(err, ErrJobNotFound) {
		return err
	}
	if job.Spec == "" {
		return nil
	}
	return s.AddJob(job)
}

// RunNow executes a job immediately, outside its schedule
func (s *Scheduler) RunNow(id string) error {
	s.mu.RLock()
	sj, exists := s.jobs[id]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	go s.execute(sj)
	return nil
}

// ListJobs returns a snapshot of every job's state
func (s *Scheduler) ListJobs() []JobState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make([]JobState, 0, len(s.jobs))
	for _, sj := range s.jobs {
		st := sj.state
		st.ID, st.Name, st.Spec, st.Enabled = sj.job.ID, sj.job.Name, sj.job.Spec, sj.job.Enabled
		if sj.entryID != 0 {
			st.NextRunAt = s.cron.Entry(sj.entryID).Next
		}
		states = append(states, st)
	}
	return states
}

// GetJob returns the state of one job
func (s *Scheduler) GetJob(id string) (JobState, error) {
	for _, st := range s.ListJobs() {
		if st.ID == id {
			return st, nil
		}
	}
	return JobState{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
}

// execute runs the job once and records the outcome
func (s *Scheduler) execute(sj *scheduled) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}

	logger := s.logger.With("job", sj.job.ID)
	start := time.Now()
	logger.Debug("executing job")

	err := sj.job.Run(ctx)
	duration := time.Since(start)

	s.mu.Lock()
	sj.state.LastRunAt = start
	sj.state.LastDuration = duration
	sj.state.RunCount++
	if err != nil {
		sj.state.ErrorCount++
		sj.state.LastError = err.Error()
	} else {
		sj.state.LastError = ""
	}
	runCount, errorCount := sj.state.RunCount, sj.state.ErrorCount
	s.mu.Unlock()

	if err != nil {
		logger.Error("job failed",
			"error", err,
			"duration", duration,
			"run_count", runCount,
			"error_count", errorCount)
		return
	}
	logger.Debug("job completed", "duration", duration, "run_count", runCount)
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
