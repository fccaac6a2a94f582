// ABOUTME: Debounced scheduler that coalesces bursts of triggers into one call
// ABOUTME: One pending timer, at most one call in flight, one trailing call for triggers during flight

package debounce

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler runs fn once per quiet period of delay after the last Trigger.
// Each Trigger cancels and replaces the pending timer.
type Scheduler struct {
	delay  time.Duration
	fn     func(context.Context) error
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	timer    *time.Timer
	gen      uint64
	running  bool
	trailing bool
	stopped  bool
}

// New creates a scheduler. fn errors are logged; the next trigger is the retry.
func New(delay time.Duration, fn func(context.Context) error, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		delay:  delay,
		fn:     fn,
		logger: logger.With("component", "debounce"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Trigger (re)arms the timer.
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(s.delay, func() { s.fire(gen) })
}

// Pending reports whether a timer is armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Flush cancels the pending timer and runs fn now, or queues the trailing
// call when one is already in flight. It does not wait for fn.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.startLocked()
	s.mu.Unlock()
}

// Stop cancels the pending timer, cancels the in-flight call's context and
// waits for it to return. Later triggers are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.trailing = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || gen != s.gen {
		return
	}
	s.timer = nil
	s.startLocked()
}

func (s *Scheduler) startLocked() {
	if s.running {
		s.trailing = true
		return
	}
	s.running = true
	s.wg.Add(1)
	go s.run()
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	for {
		if err := s.fn(s.ctx); err != nil && s.ctx.Err() == nil {
			s.logger.Warn("debounced call failed", "error", err)
		}

		s.mu.Lock()
		if s.trailing && !s.stopped {
			s.trailing = false
			s.mu.Unlock()
			continue
		}
		s.running = false
		s.mu.Unlock()
		return
	}
}
