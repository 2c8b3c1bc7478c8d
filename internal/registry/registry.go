// Package registry keeps the per-connection records of a session pool.
//
// A Connection owns its subscription sets; the topic router and the lattice
// store index connections only by id, so nothing here points back at them.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zot/chatproxy/internal/protocol"
)

// State is the lifecycle state of a connection.
type State int

const (
	Admitted State = iota // accepted, not yet authorized
	Active                // authorized, serving requests
	Closing               // subscriptions being torn down
	Closed
)

func (s State) String() string {
	switch s {
	case Admitted:
		return "admitted"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MaxBuffered bounds the frames held for a connection awaiting authorization.
const MaxBuffered = 256

// Sink delivers frames to the client transport of a connection. Send fails
// with protocol.ErrSlowClient when the client stops keeping up.
type Sink interface {
	Send(frame protocol.Frame) error
	Close(code int, reason string)
}

// Connection is the record of one client connection.
type Connection struct {
	ID   string
	Pool string

	mu           sync.Mutex
	sink         Sink
	state        State
	userID       string
	userInfo     []byte
	topics       map[protocol.Topic]struct{}
	lattices     map[protocol.Namespace]struct{}
	watching     bool
	lastActivity time.Time
	inFlight     int
	buffer       []protocol.Frame // pushes received before activation

	onSlow   func()
	slowOnce sync.Once
}

// NewConnection creates an Admitted connection.
func NewConnection(id, pool string, sink Sink) *Connection {
	return &Connection{
		ID:           id,
		Pool:         pool,
		sink:         sink,
		state:        Admitted,
		topics:       make(map[protocol.Topic]struct{}),
		lattices:     make(map[protocol.Namespace]struct{}),
		lastActivity: time.Now(),
	}
}

// OnSlow sets the handler run once, on its own goroutine, when the client
// falls behind. Call it before the connection is shared.
func (c *Connection) OnSlow(fn func()) {
	c.onSlow = fn
}

// checkSlow hands ErrSlowClient to the slow handler.
func (c *Connection) checkSlow(err error) error {
	if errors.Is(err, protocol.ErrSlowClient) && c.onSlow != nil {
		c.slowOnce.Do(func() { go c.onSlow() })
	}
	return err
}

// State returns the lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Activate records the authorized user and sends hello followed by the
// frames buffered while the connection was being authorized.
// It fails unless the connection is Admitted.
func (c *Connection) Activate(userID string, userInfo []byte, hello protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Admitted {
		return fmt.Errorf("%w: connection %s cannot activate from %s", protocol.ErrNotFound, c.ID, c.state)
	}
	c.userID = userID
	c.userInfo = userInfo
	c.state = Active
	buffered := c.buffer
	c.buffer = nil
	if c.sink == nil {
		return nil
	}
	if err := c.sink.Send(hello); err != nil {
		return c.checkSlow(err)
	}
	for _, f := range buffered {
		if err := c.sink.Send(f); err != nil {
			return c.checkSlow(err)
		}
	}
	return nil
}

// UserInfo returns the userinfo returned by authorization.
func (c *Connection) UserInfo() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userInfo
}

// UserID returns the authorized user, or "" before authorization.
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Touch records client activity.
func (c *Connection) Touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

// LastActivity returns the time of the last client activity.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Connection) open() bool {
	return c.state == Admitted || c.state == Active
}

// AddTopic records a topic subscription. It reports whether the topic was new
// and fails with ErrNotFound once the connection is closing.
func (c *Connection) AddTopic(t protocol.Topic) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open() {
		return false, fmt.Errorf("%w: connection %s is %s", protocol.ErrNotFound, c.ID, c.state)
	}
	_, had := c.topics[t]
	c.topics[t] = struct{}{}
	return !had, nil
}

// RemoveTopic forgets a topic subscription and reports whether it existed.
func (c *Connection) RemoveTopic(t protocol.Topic) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, had := c.topics[t]
	delete(c.topics, t)
	return had
}

// HasTopic reports whether the connection is subscribed to t.
func (c *Connection) HasTopic(t protocol.Topic) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[t]
	return ok
}

// AddLattice records a lattice subscription.
func (c *Connection) AddLattice(ns protocol.Namespace) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open() {
		return false, fmt.Errorf("%w: connection %s is %s", protocol.ErrNotFound, c.ID, c.state)
	}
	_, had := c.lattices[ns]
	c.lattices[ns] = struct{}{}
	return !had, nil
}

// RemoveLattice forgets a lattice subscription.
func (c *Connection) RemoveLattice(ns protocol.Namespace) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, had := c.lattices[ns]
	delete(c.lattices, ns)
	return had
}

// Lattices returns the subscribed namespaces.
func (c *Connection) Lattices() []protocol.Namespace {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]protocol.Namespace, 0, len(c.lattices))
	for ns := range c.lattices {
		result = append(result, ns)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// HasLattice reports whether the connection is subscribed to ns.
func (c *Connection) HasLattice(ns protocol.Namespace) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lattices[ns]
	return ok
}

// Watching reports whether the connection holds a users-lattice watch list.
func (c *Connection) Watching() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watching
}

// SetWatching marks whether the connection holds a users-lattice watch list.
func (c *Connection) SetWatching(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on && !c.open() {
		return fmt.Errorf("%w: connection %s is %s", protocol.ErrNotFound, c.ID, c.state)
	}
	c.watching = on
	return nil
}

// Subscriptions is a snapshot of the subscription sets of a connection.
type Subscriptions struct {
	Topics   []protocol.Topic
	Lattices []protocol.Namespace
	Watching bool
}

// BeginClose moves the connection to Closing and returns what it was subscribed to.
// It reports false if the connection was already closing or closed.
func (c *Connection) BeginClose() (Subscriptions, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open() {
		return Subscriptions{}, false
	}
	c.state = Closing
	subs := Subscriptions{Watching: c.watching}
	for t := range c.topics {
		subs.Topics = append(subs.Topics, t)
	}
	for ns := range c.lattices {
		subs.Lattices = append(subs.Lattices, ns)
	}
	sort.Slice(subs.Topics, func(i, j int) bool { return subs.Topics[i] < subs.Topics[j] })
	sort.Slice(subs.Lattices, func(i, j int) bool { return subs.Lattices[i] < subs.Lattices[j] })
	c.topics = make(map[protocol.Topic]struct{})
	c.lattices = make(map[protocol.Namespace]struct{})
	c.watching = false
	c.buffer = nil
	return subs, true
}

// FinishClose moves the connection to Closed and closes its sink.
func (c *Connection) FinishClose(code int, reason string) {
	c.mu.Lock()
	c.state = Closed
	sink := c.sink
	c.mu.Unlock()
	if sink != nil {
		sink.Close(code, reason)
	}
}

// Send delivers a frame. Frames sent before activation are held until
// Activate, at most MaxBuffered of them; frames sent after close are dropped.
func (c *Connection) Send(frame protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == Admitted:
		if len(c.buffer) >= MaxBuffered {
			return c.checkSlow(fmt.Errorf("%w: %d frames held before authorization", protocol.ErrSlowClient, len(c.buffer)))
		}
		c.buffer = append(c.buffer, frame)
		return nil
	case c.state == Closed || c.sink == nil:
		return nil
	}
	return c.checkSlow(c.sink.Send(frame))
}

// SendDirect delivers a frame whatever the state, for replies to the
// connection's own requests and fatal errors before close.
func (c *Connection) SendDirect(frame protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed || c.sink == nil {
		return nil
	}
	return c.checkSlow(c.sink.Send(frame))
}

// Acquire reserves a pipeline slot. It reports false when limit requests are in flight.
func (c *Connection) Acquire(limit int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit > 0 && c.inFlight >= limit {
		return false
	}
	c.inFlight++
	return true
}

// Release frees a pipeline slot.
func (c *Connection) Release() {
	c.mu.Lock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	c.mu.Unlock()
}

// InFlight returns the number of outstanding client requests.
func (c *Connection) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Registry indexes the connections of the process by id.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	byPool map[string]int
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		byPool: make(map[string]int),
	}
}

// Add registers c, failing with ErrPoolFull when its pool already holds limit connections.
func (r *Registry) Add(c *Connection, limit int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID]; ok {
		return protocol.Invalid("connection id %q already in use", c.ID)
	}
	if limit > 0 && r.byPool[c.Pool] >= limit {
		return fmt.Errorf("%w: %s has %d connections", protocol.ErrPoolFull, c.Pool, limit)
	}
	r.conns[c.ID] = c
	r.byPool[c.Pool]++
	return nil
}

// Get finds a connection, failing with ErrNotFound.
func (r *Registry) Get(id string) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: connection %q", protocol.ErrNotFound, id)
	}
	return c, nil
}

// Remove unregisters a connection. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[id]; ok {
		delete(r.conns, id)
		r.byPool[c.Pool]--
		if r.byPool[c.Pool] == 0 {
			delete(r.byPool, c.Pool)
		}
	}
}

// Count returns the number of connections of a pool.
func (r *Registry) Count(pool string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byPool[pool]
}

// All returns the connections of a pool, or of every pool when pool is "".
func (r *Registry) All(pool string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		if pool == "" || c.Pool == pool {
			result = append(result, c)
		}
	}
	return result
}

// SendTo delivers a frame to a connection by id. Unknown ids are ignored:
// a connection may close between being indexed and being delivered to.
func (r *Registry) SendTo(id string, frame protocol.Frame) {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if ok {
		c.Send(frame)
	}
}
