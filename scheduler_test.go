/************************************************************************************
 *
 * relay, a Discord Gateway + REST connection substrate for Go
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 ************************************************************************************/

package relay

import (
	"sync"
	"testing"
	"time"
)

func TestSendScheduler_PacingBound(t *testing.T) {
	var mu sync.Mutex
	var dispatched []string

	cfg := SchedulerConfig{Capacity: 3, Window: time.Second, ImportantBurst: 2}
	s := newSendScheduler(cfg, func(p []byte) error {
		mu.Lock()
		dispatched = append(dispatched, string(p))
		mu.Unlock()
		return nil
	}, nil)

	s.enqueue([]byte("N"), true)
	s.enqueue([]byte("I"), true)
	s.enqueue([]byte("n1"), false)
	s.enqueue([]byte("n2"), false)
	s.enqueue([]byte("n3"), false)
	s.enqueue([]byte("n4"), false)

	mu.Lock()
	firstBatch := append([]string(nil), dispatched...)
	mu.Unlock()

	if len(firstBatch) != 3 {
		t.Fatalf("dispatched %d frames immediately; want 3 (capacity bound)", len(firstBatch))
	}
	want := []string{"N", "I", "n1"}
	for i, w := range want {
		if firstBatch[i] != w {
			t.Fatalf("firstBatch[%d] = %q; want %q", i, firstBatch[i], w)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(dispatched)
		mu.Unlock()
		if n == 6 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(dispatched) != 6 {
		t.Fatalf("dispatched %d frames after window refill; want 6, got %v", len(dispatched), dispatched)
	}
}

func TestSendScheduler_ImportantBurstBound(t *testing.T) {
	var mu sync.Mutex
	var order []bool // true = important

	cfg := SchedulerConfig{Capacity: 1000, Window: time.Second, ImportantBurst: 3}
	s := newSendScheduler(cfg, func(p []byte) error {
		mu.Lock()
		order = append(order, string(p) == "imp")
		mu.Unlock()
		return nil
	}, nil)

	// Hold every frame in the queues (no tokens, no refill) so the
	// burst rule, not arrival order, decides what is dispatched next.
	s.mu.Lock()
	s.tokens = 0
	s.lastRefill = time.Now().Add(time.Hour)
	s.mu.Unlock()

	for i := 0; i < 10; i++ {
		s.enqueue([]byte("imp"), true)
	}
	for i := 0; i < 10; i++ {
		s.enqueue([]byte("norm"), false)
	}

	s.mu.Lock()
	s.cancelTimerLocked()
	s.tokens = s.capacity
	s.lastRefill = time.Now()
	s.processLocked()
	s.mu.Unlock()

	mu.Lock()
	defer mu.Unlock()

	streak := 0
	maxStreak := 0
	for _, imp := range order {
		if imp {
			streak++
			if streak > maxStreak {
				maxStreak = streak
			}
		} else {
			streak = 0
		}
	}
	if maxStreak > cfg.ImportantBurst {
		t.Fatalf("max consecutive important dispatches = %d; want <= %d", maxStreak, cfg.ImportantBurst)
	}

	sawNormal := false
	for _, imp := range order {
		if !imp {
			sawNormal = true
		}
	}
	if !sawNormal {
		t.Fatal("normal frame was never dispatched despite pending important backlog")
	}
}

func TestSendScheduler_ClearIsIdempotent(t *testing.T) {
	s := newSendScheduler(SchedulerConfig{Capacity: 1, Window: time.Hour, ImportantBurst: 1}, func([]byte) error { return nil }, nil)
	s.enqueue([]byte("a"), false)
	s.enqueue([]byte("b"), false)
	s.enqueue([]byte("c"), false)

	s.clear()
	if got := s.Len(); got != 0 {
		t.Fatalf("Len() = %d after clear; want 0", got)
	}
	s.mu.Lock()
	if s.timer != nil {
		s.mu.Unlock()
		t.Fatal("timer still armed after clear")
	}
	s.mu.Unlock()

	s.clear()
	if got := s.Len(); got != 0 {
		t.Fatalf("Len() = %d after second clear; want 0", got)
	}
}

func TestSendScheduler_OnlyImportantReverseOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	s := newSendScheduler(SchedulerConfig{Capacity: 100, Window: time.Second, ImportantBurst: 10}, func(p []byte) error {
		mu.Lock()
		order = append(order, string(p))
		mu.Unlock()
		return nil
	}, nil)

	s.enqueue([]byte("1"), true)
	s.enqueue([]byte("2"), true)
	s.enqueue([]byte("3"), true)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"3", "2", "1"}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("order[%d] = %q; want %q", i, order[i], w)
		}
	}
}
