// Package dispatch sends requests to HTTP backends through bounded per-address
// connection pools.
//
// Each destination keeps one FIFO queue. A queued request goes to the first
// connection slot that becomes idle, whatever its address; new slots are
// opened on the least-loaded address while it is below its cap and not
// backing off after a failure.
package dispatch

import (
	"bytes"
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zot/chatproxy/internal/config"
	"github.com/zot/chatproxy/internal/protocol"
	"github.com/zot/chatproxy/internal/svc"
)

// Request is an outbound call.
type Request struct {
	Method string // POST when empty
	Path   string
	Header http.Header
	Body   []byte
}

// Response is a backend reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Pending is the future result of a submitted request.
type Pending struct {
	once sync.Once
	done chan struct{}
	resp *Response
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func (p *Pending) resolve(resp *Response, err error) {
	p.once.Do(func() {
		p.resp, p.err = resp, err
		close(p.done)
	})
}

// Done is closed once the result is available.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the response arrives or ctx ends.
func (p *Pending) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats describes the state of one destination.
type Stats struct {
	Queued int
	Open   map[string]int // slots per address
	Busy   int            // requests in flight
}

// Dispatcher owns one pool per configured destination.
type Dispatcher struct {
	config       *config.Config
	log          *zap.Logger
	mu           sync.RWMutex
	destinations map[string]*destination
}

// New creates pools for every destination of the config.
func New(cfg *config.Config) *Dispatcher {
	d := &Dispatcher{
		config:       cfg,
		log:          cfg.Logger().Named("dispatch"),
		destinations: make(map[string]*destination),
	}
	d.Reconfigure(cfg.HTTPDestinations)
	return d
}

// Reconfigure adds new destinations and updates the settings of existing ones.
// Destinations missing from dests keep running so in-flight work completes.
func (d *Dispatcher) Reconfigure(dests map[string]config.HTTPDestination) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, settings := range dests {
		if dest, ok := d.destinations[name]; ok {
			settings := settings
			svc.SvcSync(dest.svc, func() (struct{}, error) {
				dest.configure(settings)
				dest.pump()
				return struct{}{}, nil
			})
			continue
		}
		d.destinations[name] = newDestination(name, settings, d.config, d.log)
	}
}

func (d *Dispatcher) destination(name string) (*destination, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dest, ok := d.destinations[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown destination %q", protocol.ErrBackendUnavailable, name)
	}
	return dest, nil
}

// Submit queues req for the destination. It fails at once with
// ErrQueueOverflow when the destination queue is full.
func (d *Dispatcher) Submit(ctx context.Context, name string, req *Request) (*Pending, error) {
	dest, err := d.destination(name)
	if err != nil {
		return nil, err
	}
	j := &job{ctx: ctx, req: req, pending: newPending(), tried: make(map[*address]bool)}
	_, err = svc.SvcSync(dest.svc, func() (struct{}, error) {
		return struct{}{}, dest.enqueue(j)
	})
	if errors.Is(err, svc.ErrStopped) {
		return nil, fmt.Errorf("%w: dispatcher closed", protocol.ErrBackendUnavailable)
	}
	if err != nil {
		return nil, err
	}
	// drop the request from the queue if the caller goes away first
	stop := context.AfterFunc(ctx, func() {
		svc.Svc(dest.svc, func() { dest.abandon(j) })
	})
	go func() {
		<-j.pending.done
		stop()
	}()
	return j.pending, nil
}

// Do submits req and waits for its response.
func (d *Dispatcher) Do(ctx context.Context, name string, req *Request) (*Response, error) {
	p, err := d.Submit(ctx, name, req)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Stats reports the state of a destination.
func (d *Dispatcher) Stats(name string) (Stats, error) {
	dest, err := d.destination(name)
	if err != nil {
		return Stats{}, err
	}
	return svc.SvcSync(dest.svc, func() (Stats, error) {
		return dest.stats(), nil
	})
}

// Close fails every queued request and stops the pools.
// Requests already sent still deliver their result.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	dests := d.destinations
	d.destinations = make(map[string]*destination)
	d.mu.Unlock()
	for _, dest := range dests {
		svc.SvcSync(dest.svc, func() (struct{}, error) {
			dest.shutdown()
			return struct{}{}, nil
		})
		dest.svc.Stop()
	}
}

type address struct {
	host         string
	open         int
	backoffUntil time.Time
	retired      bool
	client       *http.Client
	transport    *http.Transport
}

// slot is one outbound connection of an address.
type slot struct {
	addr    *address
	active  int
	idle    bool // listed in destination.idle
	closed  bool
	idleGen uint64
}

type job struct {
	ctx     context.Context
	req     *Request
	pending *Pending
	tried   map[*address]bool
	elem    *list.Element // set while queued
}

// destination is the pool of one backend. Every field is owned by svc.
type destination struct {
	name     string
	config   *config.Config
	log      *zap.Logger
	svc      *svc.ChanSvc
	settings config.HTTPDestination
	addrs    []*address
	queue    *list.List
	idle     []*slot // slots with spare capacity, longest idle first
	slots    map[*slot]struct{}
	busy     int
	closed   bool
}

func newDestination(name string, settings config.HTTPDestination, cfg *config.Config, log *zap.Logger) *destination {
	dest := &destination{
		name:   name,
		config: cfg,
		log:    log.With(zap.String("destination", name)),
		svc:    svc.New(),
		queue:  list.New(),
		slots:  make(map[*slot]struct{}),
	}
	dest.configure(settings)
	return dest
}

func (dest *destination) configure(settings config.HTTPDestination) {
	dest.settings = settings
	wanted := make(map[string]bool, len(settings.Addresses))
	for _, host := range settings.Addresses {
		wanted[host] = true
	}
	known := make(map[string]bool, len(dest.addrs))
	for _, a := range dest.addrs {
		known[a.host] = true
		a.retired = !wanted[a.host]
		if a.transport.MaxConnsPerHost != settings.MaxConnections ||
			a.transport.IdleConnTimeout != settings.KeepAlive.Duration() {
			// in-flight requests keep the client they started with
			a.transport.CloseIdleConnections()
			a.setTransport(settings)
		}
	}
	for _, host := range settings.Addresses {
		if known[host] {
			continue
		}
		a := &address{host: host}
		a.setTransport(settings)
		dest.addrs = append(dest.addrs, a)
	}
}

func (a *address) setTransport(settings config.HTTPDestination) {
	a.transport = &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxConnsPerHost:     settings.MaxConnections,
		MaxIdleConnsPerHost: settings.MaxConnections,
		IdleConnTimeout:     settings.KeepAlive.Duration(),
	}
	a.client = &http.Client{Transport: a.transport}
}

func (dest *destination) depth() int {
	if dest.settings.Pipeline && dest.settings.PipelineDepth > 1 {
		return dest.settings.PipelineDepth
	}
	return 1
}

func (dest *destination) enqueue(j *job) error {
	if dest.closed {
		return fmt.Errorf("%w: dispatcher closed", protocol.ErrBackendUnavailable)
	}
	if limit := dest.settings.QueueLimit; limit > 0 && dest.queue.Len() >= limit {
		return fmt.Errorf("%w: %s has %d queued requests", protocol.ErrQueueOverflow, dest.name, dest.queue.Len())
	}
	j.elem = dest.queue.PushBack(j)
	dest.pump()
	return nil
}

func (dest *destination) abandon(j *job) {
	if j.elem == nil {
		return
	}
	dest.queue.Remove(j.elem)
	j.elem = nil
	j.pending.resolve(nil, j.ctx.Err())
}

// pump hands queued requests to slots until the head request has to wait.
func (dest *destination) pump() {
	now := time.Now()
	for dest.queue.Len() > 0 {
		front := dest.queue.Front()
		j := front.Value.(*job)
		if err := j.ctx.Err(); err != nil {
			dest.queue.Remove(front)
			j.elem = nil
			j.pending.resolve(nil, err)
			continue
		}
		s := dest.idleSlot(j, now)
		if s == nil {
			s = dest.openSlot(j, now)
		}
		if s == nil {
			if dest.reachable(j) {
				return
			}
			dest.queue.Remove(front)
			j.elem = nil
			j.pending.resolve(nil, fmt.Errorf("%w: no reachable address for %s", protocol.ErrBackendUnavailable, dest.name))
			continue
		}
		dest.queue.Remove(front)
		j.elem = nil
		dest.start(j, s)
	}
}

func (dest *destination) usable(a *address, j *job, now time.Time) bool {
	return !a.retired && !j.tried[a] && !now.Before(a.backoffUntil)
}

func (dest *destination) idleSlot(j *job, now time.Time) *slot {
	for _, s := range dest.idle {
		if dest.usable(s.addr, j, now) {
			return s
		}
	}
	return nil
}

func (dest *destination) openSlot(j *job, now time.Time) *slot {
	var best *address
	for _, a := range dest.addrs {
		if !dest.usable(a, j, now) || a.open >= dest.settings.MaxConnections {
			continue
		}
		if best == nil || a.open < best.open {
			best = a
		}
	}
	if best == nil {
		return nil
	}
	best.open++
	s := &slot{addr: best}
	dest.slots[s] = struct{}{}
	dest.config.Log(3, "dispatch %s: opened slot %d on %s", dest.name, best.open, best.host)
	return s
}

// reachable reports whether some address may still serve j once a slot
// frees up or its backoff ends. Only retired addresses and those j already
// failed on are out.
func (dest *destination) reachable(j *job) bool {
	for _, a := range dest.addrs {
		if !a.retired && !j.tried[a] {
			return true
		}
	}
	return false
}

func (dest *destination) markIdle(s *slot) {
	if !s.idle && !s.closed && s.active < dest.depth() {
		s.idle = true
		dest.idle = append(dest.idle, s)
	}
}

func (dest *destination) unmarkIdle(s *slot) {
	if !s.idle {
		return
	}
	s.idle = false
	for i, other := range dest.idle {
		if other == s {
			dest.idle = append(dest.idle[:i], dest.idle[i+1:]...)
			return
		}
	}
}

func (dest *destination) start(j *job, s *slot) {
	s.active++
	s.idleGen++
	dest.busy++
	if s.active >= dest.depth() {
		dest.unmarkIdle(s)
	} else {
		dest.markIdle(s)
	}
	go dest.execute(j, s, s.addr.client, dest.settings.Timeout.Duration(), dest.settings.Host)
}

// execute runs outside the owner goroutine.
func (dest *destination) execute(j *job, s *slot, client *http.Client, timeout time.Duration, host string) {
	resp, err := send(j.ctx, client, s.addr.host, host, timeout, j.req)
	_, serr := svc.SvcSync(dest.svc, func() (struct{}, error) {
		dest.finish(j, s, resp, err)
		return struct{}{}, nil
	})
	if serr != nil {
		j.pending.resolve(resp, err)
	}
}

func send(ctx context.Context, client *http.Client, addr, host string, timeout time.Duration, req *Request) (*Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	hreq, err := http.NewRequestWithContext(ctx, method, "http://"+addr+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	if host != "" {
		hreq.Host = host
	}
	hresp, err := client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer hresp.Body.Close()
	body, err := io.ReadAll(hresp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: hresp.StatusCode, Header: hresp.Header, Body: body}, nil
}

// connectFailed reports an error raised before the request reached the backend.
func connectFailed(err error) bool {
	var op *net.OpError
	return errors.As(err, &op) && op.Op == "dial"
}

func (dest *destination) finish(j *job, s *slot, resp *Response, err error) {
	s.active--
	dest.busy--
	switch {
	case err == nil:
		j.pending.resolve(resp, nil)
	case j.ctx.Err() != nil:
		j.pending.resolve(nil, j.ctx.Err())
	case connectFailed(err) && !dest.closed:
		dest.fail(s, err)
		j.tried[s.addr] = true
		j.elem = dest.queue.PushFront(j)
	default:
		dest.fail(s, err)
		j.pending.resolve(nil, fmt.Errorf("%w: %s: %v", protocol.ErrBackendUnavailable, s.addr.host, err))
	}
	if !s.closed {
		dest.markIdle(s)
		if s.active == 0 {
			dest.armIdleTimer(s)
		}
	}
	dest.pump()
}

// fail closes a slot after a transport error and backs its address off.
func (dest *destination) fail(s *slot, err error) {
	backoff := dest.settings.Backoff.Duration()
	s.addr.backoffUntil = time.Now().Add(backoff)
	dest.log.Warn("backend failure",
		zap.String("address", s.addr.host),
		zap.Duration("backoff", backoff),
		zap.Error(err))
	dest.closeSlot(s)
	if backoff > 0 {
		// requests waiting on this address resume when the backoff ends
		time.AfterFunc(backoff, func() { svc.Svc(dest.svc, dest.pump) })
	}
}

func (dest *destination) closeSlot(s *slot) {
	if s.closed {
		return
	}
	s.closed = true
	dest.unmarkIdle(s)
	delete(dest.slots, s)
	s.addr.open--
	if s.addr.open == 0 {
		s.addr.transport.CloseIdleConnections()
	}
}

func (dest *destination) armIdleTimer(s *slot) {
	gen := s.idleGen
	keepAlive := dest.settings.KeepAlive.Duration()
	if keepAlive <= 0 {
		return
	}
	time.AfterFunc(keepAlive, func() {
		svc.Svc(dest.svc, func() {
			if s.active == 0 && s.idleGen == gen {
				dest.config.Log(3, "dispatch %s: closing idle slot on %s", dest.name, s.addr.host)
				dest.closeSlot(s)
			}
		})
	})
}

func (dest *destination) stats() Stats {
	st := Stats{Queued: dest.queue.Len(), Open: make(map[string]int), Busy: dest.busy}
	for _, a := range dest.addrs {
		if a.open > 0 {
			st.Open[a.host] = a.open
		}
	}
	return st
}

func (dest *destination) shutdown() {
	dest.closed = true
	for e := dest.queue.Front(); e != nil; e = e.Next() {
		j := e.Value.(*job)
		j.elem = nil
		j.pending.resolve(nil, fmt.Errorf("%w: dispatcher closed", protocol.ErrBackendUnavailable))
	}
	dest.queue.Init()
	for s := range dest.slots {
		if s.active == 0 {
			dest.closeSlot(s)
		}
	}
}
