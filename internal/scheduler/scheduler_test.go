package scheduler_test

import (
	"testing"
	"time"

	"github.com/talkpair/talkpair/internal/scheduler"
)

func newStartedScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()

	s, err := scheduler.NewScheduler(nil)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	s.Start()
	t.Cleanup(func() {
		if err := s.Stop(); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	})
	return s
}

func TestScheduleFires(t *testing.T) {
	t.Parallel()

	s := newStartedScheduler(t)

	fired := make(chan struct{})
	if _, err := s.Schedule(10*time.Millisecond, func() { close(fired) }); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	t.Parallel()

	s := newStartedScheduler(t)

	fired := make(chan struct{}, 1)
	cancel, err := s.Schedule(200*time.Millisecond, func() { fired <- struct{}{} })
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	cancel()
	// Canceling again must be harmless.
	cancel()

	select {
	case <-fired:
		t.Fatal("canceled timer fired")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestCancelAfterFiring(t *testing.T) {
	t.Parallel()

	s := newStartedScheduler(t)

	fired := make(chan struct{})
	cancel, err := s.Schedule(10*time.Millisecond, func() { close(fired) })
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("timer did not fire")
	}

	// The job is already gone; canceling must stay a silent no-op.
	cancel()
	cancel()
}
