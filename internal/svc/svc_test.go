package svc

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestSvcSyncSerializes verifies that submitted functions never overlap
func TestSvcSyncSerializes(t *testing.T) {
	s := New()
	defer s.Stop()

	var running, maxRunning int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			SvcSync(s, func() (struct{}, error) {
				n := atomic.AddInt32(&running, 1)
				if n > atomic.LoadInt32(&maxRunning) {
					atomic.StoreInt32(&maxRunning, n)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&running, -1)
				return struct{}{}, nil
			})
		}()
	}
	wg.Wait()

	if maxRunning != 1 {
		t.Errorf("Expected at most 1 concurrent function, saw %d", maxRunning)
	}
}

// TestSvcSyncReturnsValue verifies result and error propagation
func TestSvcSyncReturnsValue(t *testing.T) {
	s := New()
	defer s.Stop()

	v, err := SvcSync(s, func() (int, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Fatalf("Expected 42, nil; got %d, %v", v, err)
	}

	boom := errors.New("boom")
	_, err = SvcSync(s, func() (int, error) { return 0, boom })
	if !errors.Is(err, boom) {
		t.Errorf("Expected boom, got %v", err)
	}
}

// TestSvcSyncAfterStop verifies stopped services refuse work
func TestSvcSyncAfterStop(t *testing.T) {
	s := New()
	s.Stop()

	ran := false
	_, err := SvcSync(s, func() (bool, error) { ran = true; return true, nil })
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("Expected ErrStopped, got %v", err)
	}
	if ran {
		t.Error("Function should not run on a stopped service")
	}
	if !s.Stopped() {
		t.Error("Stopped should report true")
	}
}

// TestTimersFire verifies a scheduled timer runs once
func TestTimersFire(t *testing.T) {
	ts := NewTimers[string]()
	fired := make(chan struct{}, 2)

	ts.Schedule("a", 10*time.Millisecond, func() { fired <- struct{}{} })
	if !ts.Pending("a") {
		t.Fatal("Timer should be pending")
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("Timer did not fire")
	}
	if ts.Pending("a") || ts.Len() != 0 {
		t.Error("Fired timer should be removed")
	}
}

// TestTimersReschedule verifies that rescheduling supersedes the old timer
func TestTimersReschedule(t *testing.T) {
	ts := NewTimers[string]()
	var calls []string
	var mu sync.Mutex
	done := make(chan struct{})

	ts.Schedule("a", 20*time.Millisecond, func() {
		mu.Lock()
		calls = append(calls, "old")
		mu.Unlock()
	})
	ts.Schedule("a", 40*time.Millisecond, func() {
		mu.Lock()
		calls = append(calls, "new")
		mu.Unlock()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("New timer did not fire")
	}
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 || calls[0] != "new" {
		t.Errorf("Expected only the new timer to run, got %v", calls)
	}
}

// TestTimersCancel verifies cancelled timers never run
func TestTimersCancel(t *testing.T) {
	ts := NewTimers[int]()
	var fired int32

	ts.Schedule(1, 20*time.Millisecond, func() { atomic.StoreInt32(&fired, 1) })
	if !ts.Cancel(1) {
		t.Fatal("Cancel should report a pending timer")
	}
	if ts.Cancel(1) {
		t.Error("Second cancel should report nothing pending")
	}

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Error("Cancelled timer ran")
	}
}
