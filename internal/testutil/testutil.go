// Package testutil holds helpers shared by package tests.
package testutil

import (
	"sync"
	"testing"
	"time"
)

// Limits applied to fuzz inputs.
const (
	FuzzInputLimit = 64 << 10
	FuzzDeadline   = 100 * time.Millisecond
)

// Truncate returns at most limit leading bytes of data. A non-positive
// limit keeps everything.
func Truncate(data []byte, limit int) []byte {
	if limit > 0 && len(data) > limit {
		data = data[:limit]
	}
	return data
}

// Within fails t when fn has not returned after d.
func Within(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = FuzzDeadline
	}
	finished := make(chan struct{})
	go func() {
		fn()
		close(finished)
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-finished:
	case <-timer.C:
		t.Fatalf("still running after %s", d)
	}
}

// Eventually polls cond until it holds or d elapses.
func Eventually(t testing.TB, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met after %s", d)
	}
}

// Clock is a settable time source for expiry tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
