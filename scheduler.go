/************************************************************************************
 *
 * relay, a Discord Gateway + REST connection substrate for Go
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 ************************************************************************************/

package relay

import (
	"math"
	"sync"
	"time"
)

// SchedulerConfig configures a shard's outbound send scheduler.
//
// Mirrors ws.gatewayScheduler.{capacity, windowMs, importantBurst} from
// spec.md §6.
type SchedulerConfig struct {
	Capacity       int           // max sends per Window
	Window         time.Duration // sliding window the Capacity applies to
	ImportantBurst int           // max consecutive important dispatches before a pending normal is served
}

// DefaultSchedulerConfig matches Discord's documented Gateway send limit
// of 120 payloads per 60 seconds. Heartbeats draw from the same tokens;
// no headroom is reserved for them.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{Capacity: 120, Window: 60 * time.Second, ImportantBurst: 5}
}

// sendScheduler paces outbound Gateway frames to at most Capacity sends
// per Window using a token bucket, while preferring "important" frames
// (heartbeats, identify, resume, voice-state) without starving normal
// traffic, per spec.md §4.2.
//
// Grounded on the teacher's DefaultShardsRateLimiter token-bucket
// (shard.go), generalized from a single channel of tokens gating one
// kind of payload into a two-queue scheduler with priority semantics.
type sendScheduler struct {
	mu sync.Mutex

	capacity       float64
	rate           float64 // tokens per millisecond
	importantBurst int

	tokens          float64
	importantStreak int
	lastRefill      time.Time

	important *ringQueue[[]byte]
	normal    *ringQueue[[]byte]

	timer *time.Timer

	dispatch func([]byte) error
	logger   Logger
}

// newSendScheduler creates a scheduler that calls dispatch for every
// frame it releases. dispatch is invoked while the scheduler's lock is
// held, consistent with the cooperative single-threaded event-loop
// model of spec.md §5; it must not block on anything but the socket
// write itself.
func newSendScheduler(cfg SchedulerConfig, dispatch func([]byte) error, logger Logger) *sendScheduler {
	if logger == nil {
		logger = noopLogger{}
	}
	return &sendScheduler{
		capacity:       float64(cfg.Capacity),
		rate:           float64(cfg.Capacity) / float64(cfg.Window.Milliseconds()),
		importantBurst: cfg.ImportantBurst,
		tokens:         float64(cfg.Capacity),
		lastRefill:     time.Now(),
		important:      newRingQueue[[]byte](),
		normal:         newRingQueue[[]byte](),
		dispatch:       dispatch,
		logger:         logger,
	}
}

// enqueue queues payload for dispatch. Important frames jump to the
// front of the important queue; normal frames append to the back of
// the normal queue.
func (s *sendScheduler) enqueue(payload []byte, important bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if important {
		s.important.pushFront(payload)
	} else {
		s.normal.pushBack(payload)
	}
	s.processLocked()
}

// Len reports the total number of frames still queued.
func (s *sendScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.important.Len() + s.normal.Len()
}

// clear cancels any pending wakeup and drops all queued frames,
// resetting tokens to capacity. Idempotent.
func (s *sendScheduler) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelTimerLocked()
	s.important.clear()
	s.normal.clear()
	s.tokens = s.capacity
	s.importantStreak = 0
}

func (s *sendScheduler) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(s.lastRefill).Milliseconds()
	if elapsed <= 0 {
		return
	}
	s.tokens = math.Min(s.capacity, s.tokens+float64(elapsed)*s.rate)
	s.lastRefill = now
}

// pickLocked chooses which queue to pop from next, per spec.md §4.2's
// dispatch-choice rules. ok is false if both queues are empty.
func (s *sendScheduler) pickLocked() (fromImportant, ok bool) {
	impEmpty := s.important.Len() == 0
	normEmpty := s.normal.Len() == 0

	switch {
	case impEmpty && normEmpty:
		return false, false
	case impEmpty:
		s.importantStreak = 0
		return false, true
	case normEmpty:
		return true, true
	case s.importantStreak < s.importantBurst:
		s.importantStreak++
		return true, true
	default:
		s.importantStreak = 0
		return false, true
	}
}

func (s *sendScheduler) processLocked() {
	s.refillLocked()

	for s.tokens >= 1 {
		fromImportant, ok := s.pickLocked()
		if !ok {
			break
		}
		var (
			payload []byte
			popped  bool
		)
		if fromImportant {
			payload, popped = s.important.popFront()
		} else {
			payload, popped = s.normal.popFront()
		}
		if !popped {
			break
		}
		s.tokens--
		if err := s.dispatch(payload); err != nil {
			s.logger.WithField("error", err).Warn("scheduler: dispatch failed")
		}
	}

	if s.important.Len() > 0 || s.normal.Len() > 0 {
		s.armWakeupLocked()
	}
}

// armWakeupLocked schedules a single wakeup for when enough tokens will
// have refilled to dispatch one more frame. Idempotent: a second timer
// is never scheduled while one is outstanding.
func (s *sendScheduler) armWakeupLocked() {
	if s.timer != nil {
		return
	}
	deficit := 1 - s.tokens
	if deficit <= 0 {
		deficit = 0
	}
	waitMs := math.Ceil(deficit / s.rate)
	s.timer = time.AfterFunc(time.Duration(waitMs)*time.Millisecond, s.onWakeup)
}

func (s *sendScheduler) onWakeup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer = nil
	s.processLocked()
}

func (s *sendScheduler) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
