package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zot/chatproxy/internal/protocol"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []protocol.Frame
	closed bool
	code   int
}

func (s *recordingSink) Send(f protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *recordingSink) Close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.code = code
}

func TestAddRespectsPoolLimit(t *testing.T) {
	r := New()
	for _, id := range []string{"a", "b"} {
		if err := r.Add(NewConnection(id, "chat", nil), 2); err != nil {
			t.Fatalf("Add(%s) failed: %v", id, err)
		}
	}

	err := r.Add(NewConnection("c", "chat", nil), 2)
	if !errors.Is(err, protocol.ErrPoolFull) {
		t.Fatalf("Expected ErrPoolFull, got %v", err)
	}

	// other pools have their own limit
	if err := r.Add(NewConnection("d", "other", nil), 2); err != nil {
		t.Errorf("Add to other pool failed: %v", err)
	}

	r.Remove("a")
	if err := r.Add(NewConnection("c", "chat", nil), 2); err != nil {
		t.Errorf("Add after Remove failed: %v", err)
	}
	if n := r.Count("chat"); n != 2 {
		t.Errorf("Expected 2 chat connections, got %d", n)
	}
}

func TestAddRejectsDuplicateID(t *testing.T) {
	r := New()
	r.Add(NewConnection("a", "chat", nil), 0)
	err := r.Add(NewConnection("a", "chat", nil), 0)
	if !errors.Is(err, protocol.ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestGetUnknown(t *testing.T) {
	r := New()
	if _, err := r.Get("nope"); !errors.Is(err, protocol.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCloseLifecycle(t *testing.T) {
	sink := &recordingSink{}
	c := NewConnection("a", "chat", sink)
	if err := c.Activate("u1", []byte(`{"user_id":"u1"}`), protocol.Frame(`["hello",{},{}]`)); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	c.AddTopic("b/x")
	c.AddTopic("a/x")
	c.AddLattice("ns")
	c.SetWatching(true)

	subs, ok := c.BeginClose()
	if !ok {
		t.Fatal("BeginClose should succeed on an active connection")
	}
	if len(subs.Topics) != 2 || subs.Topics[0] != "a/x" || subs.Topics[1] != "b/x" {
		t.Errorf("Unexpected topics %v", subs.Topics)
	}
	if len(subs.Lattices) != 1 || !subs.Watching {
		t.Errorf("Unexpected snapshot %+v", subs)
	}
	if _, err := c.AddTopic("late"); !errors.Is(err, protocol.ErrNotFound) {
		t.Errorf("AddTopic on closing connection should fail, got %v", err)
	}
	if _, ok := c.BeginClose(); ok {
		t.Error("Second BeginClose should report false")
	}

	c.FinishClose(1000, "done")
	if c.State() != Closed || !sink.closed || sink.code != 1000 {
		t.Errorf("Expected closed sink, state=%s closed=%v", c.State(), sink.closed)
	}
	c.Send(protocol.Frame(`[]`))
	if len(sink.frames) != 1 {
		t.Error("Closed connection should not deliver frames")
	}
}

func TestAcquireRelease(t *testing.T) {
	c := NewConnection("a", "chat", nil)
	if !c.Acquire(2) || !c.Acquire(2) {
		t.Fatal("First two acquires should succeed")
	}
	if c.Acquire(2) {
		t.Error("Third acquire should fail at depth 2")
	}
	c.Release()
	if !c.Acquire(2) {
		t.Error("Acquire after release should succeed")
	}
	if c.InFlight() != 2 {
		t.Errorf("Expected 2 in flight, got %d", c.InFlight())
	}
}

func TestSendToIgnoresUnknown(t *testing.T) {
	r := New()
	sink := &recordingSink{}
	c := NewConnection("a", "chat", sink)
	r.Add(c, 0)
	c.Activate("u1", nil, protocol.Frame(`["hello",{},null]`))

	r.SendTo("a", protocol.Frame(`["message",{},1]`))
	r.SendTo("missing", protocol.Frame(`["message",{},2]`))

	if len(sink.frames) != 2 {
		t.Errorf("Expected hello and 1 message, got %d frames", len(sink.frames))
	}
}

// TestFramesBufferedUntilActivation verifies pushes to an unauthorized
// connection arrive after its hello
func TestFramesBufferedUntilActivation(t *testing.T) {
	sink := &recordingSink{}
	c := NewConnection("a", "chat", sink)
	c.Send(protocol.Frame(`["message",{"topic":"t"},1]`))
	if len(sink.frames) != 0 {
		t.Fatal("Frames should be held before activation")
	}

	c.SendDirect(protocol.Frame(`["error",{},null]`))
	if len(sink.frames) != 1 {
		t.Fatal("SendDirect should bypass the buffer")
	}

	if err := c.Activate("u1", nil, protocol.Frame(`["hello",{},null]`)); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if len(sink.frames) != 3 || sink.frames[1].Kind() != protocol.KindHello || sink.frames[2].Kind() != protocol.KindMessage {
		t.Errorf("Expected hello then the buffered message, got %q", sink.frames)
	}
	if err := c.Activate("u1", nil, nil); err == nil {
		t.Error("Second Activate should fail")
	}
}

func TestPreAuthorizationBufferBounded(t *testing.T) {
	c := NewConnection("a", "chat", &recordingSink{})
	slow := make(chan struct{}, 2)
	c.OnSlow(func() { slow <- struct{}{} })

	for i := 0; i < MaxBuffered; i++ {
		if err := c.Send(protocol.Frame(`["message",{"topic":"t"},1]`)); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}
	if err := c.Send(protocol.Frame(`["message",{"topic":"t"},1]`)); !errors.Is(err, protocol.ErrSlowClient) {
		t.Fatalf("Expected ErrSlowClient past %d held frames, got %v", MaxBuffered, err)
	}
	c.Send(protocol.Frame(`["message",{"topic":"t"},1]`))

	select {
	case <-slow:
	case <-time.After(2 * time.Second):
		t.Fatal("Slow handler was not called")
	}
	select {
	case <-slow:
		t.Error("Slow handler should run once")
	case <-time.After(50 * time.Millisecond):
	}
}
