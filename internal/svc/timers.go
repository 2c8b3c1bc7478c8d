package svc

import (
	"sync"
	"time"
)

// Timers holds at most one pending timer per key.
//
// Scheduling a key replaces its pending timer. A timer whose key was
// rescheduled or cancelled never runs its function, but a timer that had
// already fired when Cancel was called still runs: callers must tolerate it.
type Timers[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*timerEntry
	gen     uint64
}

type timerEntry struct {
	timer *time.Timer
	gen   uint64
}

// NewTimers creates an empty timer set.
func NewTimers[K comparable]() *Timers[K] {
	return &Timers[K]{entries: make(map[K]*timerEntry)}
}

// Schedule runs fn after d unless key is rescheduled or cancelled first.
// It returns the generation of the new timer.
func (ts *Timers[K]) Schedule(key K, d time.Duration, fn func()) uint64 {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if old, ok := ts.entries[key]; ok {
		old.timer.Stop()
	}
	ts.gen++
	gen := ts.gen
	e := &timerEntry{gen: gen}
	e.timer = time.AfterFunc(d, func() { ts.fire(key, gen, fn) })
	ts.entries[key] = e
	return gen
}

func (ts *Timers[K]) fire(key K, gen uint64, fn func()) {
	ts.mu.Lock()
	e, ok := ts.entries[key]
	if !ok || e.gen != gen {
		ts.mu.Unlock()
		return
	}
	delete(ts.entries, key)
	ts.mu.Unlock()
	fn()
}

// Cancel stops the pending timer of key. It reports whether one was pending.
func (ts *Timers[K]) Cancel(key K) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	e, ok := ts.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(ts.entries, key)
	return true
}

// Pending reports whether key has a timer that has not fired yet.
func (ts *Timers[K]) Pending(key K) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	_, ok := ts.entries[key]
	return ok
}

// Len returns the number of pending timers.
func (ts *Timers[K]) Len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.entries)
}

// StopAll cancels every pending timer.
func (ts *Timers[K]) StopAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for key, e := range ts.entries {
		e.timer.Stop()
		delete(ts.entries, key)
	}
}
