// Package topic fans published messages out to subscribed connections.
package topic

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/zot/chatproxy/internal/protocol"
)

// Sender delivers a frame to a connection by id.
type Sender interface {
	SendTo(connID string, frame protocol.Frame)
}

// entry is the subscriber set of one topic. Its mutex is held for the whole
// fan-out of a publish, so subscribers see one topic's messages in publish order.
type entry struct {
	mu          sync.Mutex
	subscribers map[string]struct{}
	dead        bool
}

// Router maps topics to their subscribers.
type Router struct {
	sender Sender
	mu     sync.RWMutex
	topics map[protocol.Topic]*entry
}

// NewRouter creates a router delivering through sender.
func NewRouter(sender Sender) *Router {
	return &Router{
		sender: sender,
		topics: make(map[protocol.Topic]*entry),
	}
}

// Subscribe adds connID to the subscribers of t. Subscribing twice is a no-op.
func (r *Router) Subscribe(connID string, t protocol.Topic) {
	var stale *entry
	for {
		e := r.getOrCreate(t, stale)
		e.mu.Lock()
		if e.dead {
			// removed between lookup and lock
			e.mu.Unlock()
			stale = e
			continue
		}
		e.subscribers[connID] = struct{}{}
		e.mu.Unlock()
		return
	}
}

func (r *Router) getOrCreate(t protocol.Topic, stale *entry) *entry {
	r.mu.RLock()
	e, ok := r.topics[t]
	r.mu.RUnlock()
	if ok && e != stale {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.topics[t]; ok {
		e.mu.Lock()
		dead := e.dead
		e.mu.Unlock()
		if !dead {
			return e
		}
	}
	e = &entry{subscribers: make(map[string]struct{})}
	r.topics[t] = e
	return e
}

func (r *Router) lookup(t protocol.Topic) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.topics[t]
}

// Unsubscribe removes connID from the subscribers of t. The topic is dropped
// from the index when its last subscriber leaves.
func (r *Router) Unsubscribe(connID string, t protocol.Topic) {
	e := r.lookup(t)
	if e == nil {
		return
	}
	e.mu.Lock()
	delete(e.subscribers, connID)
	empty := len(e.subscribers) == 0 && !e.dead
	if empty {
		e.dead = true
	}
	e.mu.Unlock()
	if !empty {
		return
	}

	r.mu.Lock()
	if r.topics[t] == e {
		delete(r.topics, t)
	}
	r.mu.Unlock()
}

// UnsubscribeAll removes connID from every topic listed.
func (r *Router) UnsubscribeAll(connID string, topics []protocol.Topic) {
	for _, t := range topics {
		r.Unsubscribe(connID, t)
	}
}

// Publish delivers data to every subscriber of t and returns how many were reached.
// A topic without subscribers is not an error.
func (r *Router) Publish(t protocol.Topic, data json.RawMessage) int {
	e := r.lookup(t)
	if e == nil {
		return 0
	}
	frame := protocol.Message(t, data)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return 0
	}
	for connID := range e.subscribers {
		r.sender.SendTo(connID, frame)
	}
	return len(e.subscribers)
}

// Subscribers returns the sorted subscribers of t.
func (r *Router) Subscribers(t protocol.Topic) []string {
	e := r.lookup(t)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]string, 0, len(e.subscribers))
	for connID := range e.subscribers {
		result = append(result, connID)
	}
	sort.Strings(result)
	return result
}

// Len returns the number of indexed topics.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}
