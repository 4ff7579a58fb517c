package session

import (
	"context"
	"sync"
	"time"
)

type schedState int

const (
	schedIdle schedState = iota
	schedRunning
	schedStopped
)

// scheduler runs a job on a fixed interval with self-rescheduling timers.
// Runs never overlap: a tick that fires while the job is still running is
// skipped and the next one is scheduled from the job's completion. Stop is
// terminal.
type scheduler struct {
	interval time.Duration
	run      func(context.Context)

	mu    sync.Mutex
	state schedState
	timer *time.Timer
}

func newScheduler(interval time.Duration, run func(context.Context)) *scheduler {
	return &scheduler{interval: interval, run: run}
}

// Start arms the first timer. A non-positive interval disables the
// scheduler entirely.
func (s *scheduler) Start() {
	if s.interval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == schedStopped || s.timer != nil {
		return
	}
	s.scheduleLocked()
}

// Stop cancels any pending timer and prevents future runs. A run already
// in progress finishes but does not reschedule.
func (s *scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = schedStopped
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *scheduler) scheduleLocked() {
	s.timer = time.AfterFunc(s.interval, s.tick)
}

func (s *scheduler) tick() {
	s.mu.Lock()
	if s.state == schedStopped {
		s.mu.Unlock()
		return
	}
	if s.state == schedRunning {
		s.scheduleLocked()
		s.mu.Unlock()
		return
	}
	s.state = schedRunning
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	s.run(ctx)
	cancel()

	s.mu.Lock()
	if s.state != schedStopped {
		s.state = schedIdle
		s.scheduleLocked()
	}
	s.mu.Unlock()
}
