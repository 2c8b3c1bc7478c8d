// Package svc runs closures one at a time on an owning goroutine, and keeps
// cancellable timers keyed by the id of the entity that owns them.
package svc

import (
	"errors"
	"sync"
)

// ErrStopped is returned when work is submitted to a stopped service.
var ErrStopped = errors.New("svc: stopped")

// ChanSvc serializes the functions submitted to it.
type ChanSvc struct {
	cmds chan func()
	done chan struct{}
	stop sync.Once
}

// New starts a service.
func New() *ChanSvc {
	s := &ChanSvc{
		cmds: make(chan func()),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *ChanSvc) run() {
	for {
		select {
		case <-s.done:
			return
		case cmd := <-s.cmds:
			cmd()
		}
	}
}

// Stop ends the service. Work already accepted finishes; later submissions get ErrStopped.
func (s *ChanSvc) Stop() {
	s.stop.Do(func() { close(s.done) })
}

// Stopped reports whether Stop was called.
func (s *ChanSvc) Stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// SvcSync runs code on the service and waits for its result.
func SvcSync[T any](s *ChanSvc, code func() (T, error)) (T, error) {
	result := make(chan struct{})
	var value T
	var err error
	cmd := func() {
		defer close(result)
		value, err = code()
	}
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return value, ErrStopped
	}
	<-result
	return value, err
}

// Svc queues code without waiting for it.
func Svc(s *ChanSvc, code func()) {
	go func() { // using a goroutine so the caller won't block
		select {
		case s.cmds <- code:
		case <-s.done:
		}
	}()
}
