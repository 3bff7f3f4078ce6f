// Package retry implements the automatic retry scheduler: failed tasks get
// resubmitted after a cooldown, up to a per-task attempt cap. Counts are
// kept in memory; a manual run or retry wipes them.
package retry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"whiskd/internal/config"
)

// Scheduler arms a one-shot cooldown timer after a batch with failures and
// invokes the fire callback when it elapses. The callback decides what to
// resubmit; the scheduler only tracks per-task attempt counts and the
// enabled toggle.
type Scheduler struct {
	mu      sync.Mutex
	counts  map[string]int
	timer   *time.Timer
	enabled bool

	maxRetries int
	delay      time.Duration
	fire       func()
}

func NewScheduler(cfg config.RetryConfig, fire func()) *Scheduler {
	if fire == nil {
		fire = func() {}
	}
	return &Scheduler{
		counts:     make(map[string]int),
		enabled:    cfg.Enabled,
		maxRetries: cfg.MaxRetries,
		delay:      cfg.Delay(),
		fire:       fire,
	}
}

// RecordFailure bumps the attempt count for a task that just errored.
func (s *Scheduler) RecordFailure(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[taskID]++
}

// Retryable reports whether the task is still under the attempt cap.
func (s *Scheduler) Retryable(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[taskID] <= s.maxRetries
}

// Attempts returns the recorded failure count for a task.
func (s *Scheduler) Attempts(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[taskID]
}

// Arm starts the cooldown timer. Arming while a timer is already pending
// restarts the cooldown, so the retry fires one full delay after the most
// recent batch finished.
func (s *Scheduler) Arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return
	}
	s.stopLocked()
	log.Info().Dur("delay", s.delay).Msg("auto-retry armed")
	s.timer = time.AfterFunc(s.delay, s.onFire)
}

func (s *Scheduler) onFire() {
	s.mu.Lock()
	s.timer = nil
	enabled := s.enabled
	s.mu.Unlock()
	if !enabled {
		log.Info().Msg("auto-retry cancelled: disabled")
		return
	}
	s.fire()
}

// Reset clears all attempt counts and disarms the timer. Called on manual
// run or manual retry, which start a fresh attempt budget.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = make(map[string]int)
	s.stopLocked()
}

// Stop disarms the timer without touching counts.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// SetDelay overrides the cooldown. Intended for test setup only.
func (s *Scheduler) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// SetEnabled flips the auto-retry toggle. Disabling also disarms a pending
// timer.
func (s *Scheduler) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
	if !enabled {
		s.stopLocked()
	}
}

func (s *Scheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Armed reports whether the cooldown timer is currently pending.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}
