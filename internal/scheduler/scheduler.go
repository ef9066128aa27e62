// Package scheduler wraps gocron with the one-shot timers the dialog
// lifecycle needs: lobby expiration and inactivity timeouts.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// CancelFunc cancels a scheduled timer. Calling it more than once, or after
// the timer has fired, is a no-op.
type CancelFunc func()

// Scheduler manages one-shot timers using the gocron library.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
	mu        sync.Mutex
	running   bool
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		scheduler: s,
		logger:    logger.With("component", "scheduler"),
	}, nil
}

// Start starts the scheduler's internal ticking. Timers may be scheduled
// before Start; they will not fire until it is called.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	s.scheduler.Start()
	s.running = true
	s.logger.Debug("Scheduler started")
}

// Stop gracefully stops the scheduler, waiting for running timer callbacks
// to complete.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.running = false
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down scheduler: %w", err)
	}

	s.logger.Debug("Scheduler stopped")
	return nil
}

// Schedule runs task once after delay and returns a cancel function. The task
// runs on a scheduler goroutine; it must not block for long.
func (s *Scheduler) Schedule(delay time.Duration, task func()) (CancelFunc, error) {
	job, err := s.scheduler.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Now().Add(delay))),
		gocron.NewTask(task),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule timer: %w", err)
	}

	id := job.ID()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			// The job may have already fired and been collected.
			if err := s.scheduler.RemoveJob(id); err != nil {
				s.logger.Debug("Timer already gone on cancel", "job_id", id, "error", err)
			}
		})
	}

	return cancel, nil
}
