package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zot/chatproxy/internal/config"
	"github.com/zot/chatproxy/internal/protocol"
)

func testDispatcher(t *testing.T, dests map[string]config.HTTPDestination) *Dispatcher {
	t.Helper()
	cfg := config.DefaultConfig()
	for name, d := range dests {
		def := config.DefaultHTTPDestination()
		if d.MaxConnections == 0 {
			d.MaxConnections = def.MaxConnections
		}
		if d.QueueLimit == 0 {
			d.QueueLimit = def.QueueLimit
		}
		if d.KeepAlive == 0 {
			d.KeepAlive = def.KeepAlive
		}
		if d.Backoff == 0 {
			d.Backoff = config.Duration(50 * time.Millisecond)
		}
		cfg.HTTPDestinations[name] = d
	}
	d := New(cfg)
	t.Cleanup(d.Close)
	return d
}

func hostOf(s *httptest.Server) string {
	return s.Listener.Addr().String()
}

// deadAddress returns an address that refuses connections
func deadAddress(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestDoReturnsResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.Method != http.MethodPost || r.URL.Path != "/chat/send" {
			t.Errorf("Unexpected %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"echo":%s}`, body)
	}))
	defer server.Close()

	d := testDispatcher(t, map[string]config.HTTPDestination{
		"backend": {Addresses: []string{hostOf(server)}},
	})
	resp, err := d.Do(context.Background(), "backend", &Request{Path: "/chat/send", Body: []byte(`1`)})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if !resp.OK() || string(resp.Body) != `{"echo":1}` {
		t.Errorf("Unexpected response %d %s", resp.StatusCode, resp.Body)
	}
}

func TestUnknownDestination(t *testing.T) {
	d := testDispatcher(t, nil)
	_, err := d.Do(context.Background(), "nope", &Request{Path: "/"})
	if !errors.Is(err, protocol.ErrBackendUnavailable) {
		t.Errorf("Expected ErrBackendUnavailable, got %v", err)
	}
}

// TestConnectionCapNeverExceeded verifies a burst never opens more than the
// per-address cap of concurrent requests
func TestConnectionCapNeverExceeded(t *testing.T) {
	var current, peak int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&current, -1)
	}))
	defer server.Close()

	d := testDispatcher(t, map[string]config.HTTPDestination{
		"backend": {Addresses: []string{hostOf(server)}, MaxConnections: 3},
	})

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Do(context.Background(), "backend", &Request{Path: "/"}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Request failed: %v", err)
	}
	if peak > 3 {
		t.Errorf("Expected at most 3 concurrent requests, saw %d", peak)
	}
	stats, _ := d.Stats("backend")
	if stats.Open[hostOf(server)] > 3 {
		t.Errorf("Expected at most 3 open slots, got %d", stats.Open[hostOf(server)])
	}
}

// TestQueuedRequestsAreFIFO verifies a saturated backend serves queued
// requests in arrival order
func TestQueuedRequestsAreFIFO(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) == "block" {
			<-release
			return
		}
		mu.Lock()
		order = append(order, string(body))
		mu.Unlock()
	}))
	defer server.Close()

	d := testDispatcher(t, map[string]config.HTTPDestination{
		"backend": {Addresses: []string{hostOf(server)}, MaxConnections: 1},
	})

	ctx := context.Background()
	first, err := d.Submit(ctx, "backend", &Request{Path: "/", Body: []byte("block")})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	var pending []*Pending
	for i := 0; i < 5; i++ {
		p, err := d.Submit(ctx, "backend", &Request{Path: "/", Body: []byte(fmt.Sprint(i))})
		if err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
		pending = append(pending, p)
	}
	stats, _ := d.Stats("backend")
	if stats.Queued != 5 {
		t.Errorf("Expected 5 queued requests, got %d", stats.Queued)
	}

	close(release)
	if _, err := first.Wait(ctx); err != nil {
		t.Fatalf("Blocking request failed: %v", err)
	}
	for _, p := range pending {
		if _, err := p.Wait(ctx); err != nil {
			t.Fatalf("Queued request failed: %v", err)
		}
	}
	if got := strings.Join(order, ","); got != "0,1,2,3,4" {
		t.Errorf("Expected FIFO order 0,1,2,3,4, got %s", got)
	}
}

func TestQueueOverflow(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	d := testDispatcher(t, map[string]config.HTTPDestination{
		"backend": {Addresses: []string{hostOf(server)}, MaxConnections: 1, QueueLimit: 1},
	})
	ctx := context.Background()
	if _, err := d.Submit(ctx, "backend", &Request{Path: "/"}); err != nil {
		t.Fatalf("First submit failed: %v", err)
	}
	if _, err := d.Submit(ctx, "backend", &Request{Path: "/"}); err != nil {
		t.Fatalf("Second submit should queue: %v", err)
	}
	_, err := d.Submit(ctx, "backend", &Request{Path: "/"})
	if !errors.Is(err, protocol.ErrQueueOverflow) {
		t.Errorf("Expected ErrQueueOverflow, got %v", err)
	}
}

func TestFailoverToNextAddress(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(`"ok"`))
	}))
	defer server.Close()

	d := testDispatcher(t, map[string]config.HTTPDestination{
		"backend": {Addresses: []string{deadAddress(t), hostOf(server)}, Backoff: config.Duration(time.Minute)},
	})
	resp, err := d.Do(context.Background(), "backend", &Request{Path: "/"})
	if err != nil {
		t.Fatalf("Expected failover to succeed, got %v", err)
	}
	if string(resp.Body) != `"ok"` || atomic.LoadInt32(&hits) != 1 {
		t.Errorf("Unexpected response %s after %d hits", resp.Body, hits)
	}

	// the dead address is backing off, so later requests go straight to the live one
	if _, err := d.Do(context.Background(), "backend", &Request{Path: "/"}); err != nil {
		t.Errorf("Second request failed: %v", err)
	}
}

func TestBackendUnavailable(t *testing.T) {
	d := testDispatcher(t, map[string]config.HTTPDestination{
		"backend": {Addresses: []string{deadAddress(t), deadAddress(t)}},
	})
	_, err := d.Do(context.Background(), "backend", &Request{Path: "/"})
	if !errors.Is(err, protocol.ErrBackendUnavailable) {
		t.Errorf("Expected ErrBackendUnavailable, got %v", err)
	}
}

// TestBackendRecoversWithinBackoff verifies a request arriving while the only
// address is backing off waits for the retry instead of failing
func TestBackendRecoversWithinBackoff(t *testing.T) {
	addr := deadAddress(t)
	d := testDispatcher(t, map[string]config.HTTPDestination{
		"backend": {Addresses: []string{addr}, Backoff: config.Duration(300 * time.Millisecond)},
	})
	if _, err := d.Do(context.Background(), "backend", &Request{Path: "/"}); !errors.Is(err, protocol.ErrBackendUnavailable) {
		t.Fatalf("Expected ErrBackendUnavailable while down, got %v", err)
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		t.Skipf("could not rebind %s: %v", addr, err)
	}
	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "back")
	}))
	server.Listener.Close()
	server.Listener = l
	server.Start()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	resp, err := d.Do(ctx, "backend", &Request{Path: "/"})
	if err != nil {
		t.Fatalf("Expected request to wait out the backoff, got %v", err)
	}
	if string(resp.Body) != "back" {
		t.Errorf("Unexpected body %q", resp.Body)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("Request waited %v", elapsed)
	}
}

func TestCancelledRequestLeavesQueue(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	d := testDispatcher(t, map[string]config.HTTPDestination{
		"backend": {Addresses: []string{hostOf(server)}, MaxConnections: 1},
	})
	d.Submit(context.Background(), "backend", &Request{Path: "/"})

	ctx, cancel := context.WithCancel(context.Background())
	p, err := d.Submit(ctx, "backend", &Request{Path: "/"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	cancel()

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("Cancelled request was not resolved")
	}
	if _, err := p.Wait(context.Background()); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	stats, _ := d.Stats("backend")
	if stats.Queued != 0 {
		t.Errorf("Expected empty queue, got %d", stats.Queued)
	}
}

func waitForStats(t *testing.T, d *Dispatcher, name string, ok func(Stats) bool) Stats {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		st, err := d.Stats(name)
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if ok(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for stats, last %+v", st)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestPipelinedSlotAcceptsDepth verifies a pipelined slot takes up to
// pipeline_depth requests before the rest wait in the queue
func TestPipelinedSlotAcceptsDepth(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()

	d := testDispatcher(t, map[string]config.HTTPDestination{
		"backend": {Addresses: []string{hostOf(server)}, MaxConnections: 1, Pipeline: true, PipelineDepth: 2},
	})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Do(context.Background(), "backend", &Request{Path: "/"}); err != nil {
				t.Errorf("Request failed: %v", err)
			}
		}()
	}

	st := waitForStats(t, d, "backend", func(st Stats) bool { return st.Busy == 2 && st.Queued == 1 })
	if st.Open[hostOf(server)] != 1 {
		t.Errorf("Expected one slot, got %d", st.Open[hostOf(server)])
	}
	close(release)
	wg.Wait()
}

func TestIdleSlotClosedAfterKeepAlive(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	d := testDispatcher(t, map[string]config.HTTPDestination{
		"backend": {Addresses: []string{hostOf(server)}, KeepAlive: config.Duration(200 * time.Millisecond)},
	})
	if _, err := d.Do(context.Background(), "backend", &Request{Path: "/"}); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if st, _ := d.Stats("backend"); st.Open[hostOf(server)] != 1 {
		t.Fatalf("Expected the slot to stay open after the request, got %+v", st)
	}
	waitForStats(t, d, "backend", func(st Stats) bool { return len(st.Open) == 0 })
}
