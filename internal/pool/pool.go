// Package pool manages the client connections of one session pool: admission
// limits, subscriptions, inactivity timeouts and backend calls.
package pool

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zot/chatproxy/internal/config"
	"github.com/zot/chatproxy/internal/dispatch"
	"github.com/zot/chatproxy/internal/lattice"
	"github.com/zot/chatproxy/internal/protocol"
	"github.com/zot/chatproxy/internal/registry"
	"github.com/zot/chatproxy/internal/svc"
	"github.com/zot/chatproxy/internal/topic"
)

// Websocket close codes used by the pool.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseTooBig    = 1009
	CloseInternal  = 1011
	CloseTryLater  = 1013
)

// Components are the indexes a pool delivers through.
type Components struct {
	Registry *registry.Registry
	Router   *topic.Router
	Store    *lattice.Store
	Users    *lattice.Users
}

// NewComponents creates empty indexes delivering through a new registry.
func NewComponents(cfg *config.Config) Components {
	reg := registry.New()
	return Components{
		Registry: reg,
		Router:   topic.NewRouter(reg),
		Store:    lattice.NewStore(cfg, reg),
		Users:    lattice.NewUsers(reg),
	}
}

// Pool owns a set of client connections.
type Pool struct {
	Name string

	config     *config.Config
	settings   atomic.Pointer[config.SessionPool]
	components Components
	dispatcher *dispatch.Dispatcher
	timers     *svc.Timers[string]
	ctx        context.Context
	cancel     context.CancelFunc
}

// New creates a pool.
func New(name string, settings config.SessionPool, cfg *config.Config, components Components, dispatcher *dispatch.Dispatcher) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		Name:       name,
		config:     cfg,
		components: components,
		dispatcher: dispatcher,
		timers:     svc.NewTimers[string](),
		ctx:        ctx,
		cancel:     cancel,
	}
	p.settings.Store(&settings)
	return p
}

// Settings returns the current limits of the pool.
func (p *Pool) Settings() config.SessionPool {
	return *p.settings.Load()
}

// Reconfigure replaces the limits. Existing connections keep their timers
// until their next activity.
func (p *Pool) Reconfigure(settings config.SessionPool) {
	p.settings.Store(&settings)
	p.config.Log(1, "pool %s: reconfigured, max_connections=%d", p.Name, settings.MaxConnections)
}

// Context is cancelled when the pool shuts down.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Dispatcher returns the dispatcher used for backend calls.
func (p *Pool) Dispatcher() *dispatch.Dispatcher {
	return p.dispatcher
}

// Count returns the number of connections.
func (p *Pool) Count() int {
	return p.components.Registry.Count(p.Name)
}

// Full reports whether the pool is at max_connections.
func (p *Pool) Full() bool {
	limit := p.Settings().MaxConnections
	return limit > 0 && p.Count() >= limit
}

// Admit registers a connection under a generated id.
func (p *Pool) Admit(sink registry.Sink) (*registry.Connection, error) {
	return p.AdmitID(uuid.NewString(), sink)
}

// AdmitID registers a connection and starts its new-connection timeout.
func (p *Pool) AdmitID(id string, sink registry.Sink) (*registry.Connection, error) {
	if err := protocol.ValidateConnectionID(id); err != nil {
		return nil, err
	}
	settings := p.Settings()
	c := registry.NewConnection(id, p.Name, sink)
	c.OnSlow(func() {
		p.config.Log(0, "pool %s: %s is not reading, closing", p.Name, id)
		p.Close(id, CloseTryLater, "slow_client")
	})
	if err := p.components.Registry.Add(c, settings.MaxConnections); err != nil {
		return nil, err
	}
	p.arm(id, settings.NewConnectionIdleTimeout.Duration())
	p.config.Log(1, "pool %s: admitted %s", p.Name, id)
	return c, nil
}

// Get finds a connection of the pool.
func (p *Pool) Get(connID string) (*registry.Connection, error) {
	if err := protocol.ValidateConnectionID(connID); err != nil {
		return nil, err
	}
	return p.components.Registry.Get(connID)
}

// Activate marks a connection as authorized, sends its hello and refreshes
// the lattices it was subscribed to while unauthorized.
func (p *Pool) Activate(connID, userID string, userInfo json.RawMessage) error {
	c, err := p.Get(connID)
	if err != nil {
		return err
	}
	if err := c.Activate(userID, userInfo, protocol.Hello(userInfo)); err != nil {
		return err
	}
	for _, ns := range c.Lattices() {
		if err := p.components.Store.Subscribe(connID, userID, ns, &lattice.Delta{}); err != nil {
			return err
		}
	}
	p.config.Log(1, "pool %s: %s authorized as %s", p.Name, connID, userID)
	return nil
}

// RecordActivity restarts the inactivity timeout of a connection. hint is a
// client keep-alive request in seconds; 0 means the pool default.
func (p *Pool) RecordActivity(connID string, hint float64) error {
	c, err := p.Get(connID)
	if err != nil {
		return err
	}
	c.Touch(time.Now())
	p.arm(connID, p.idleTimeout(hint))
	return nil
}

func (p *Pool) idleTimeout(hint float64) time.Duration {
	settings := p.Settings()
	if hint <= 0 {
		return settings.ClientDefaultIdleTimeout.Duration()
	}
	d := time.Duration(hint * float64(time.Second))
	if min := settings.ClientMinIdleTimeout.Duration(); d < min {
		d = min
	}
	if max := settings.ClientMaxIdleTimeout.Duration(); d > max {
		d = max
	}
	return d
}

func (p *Pool) arm(connID string, d time.Duration) {
	p.timers.Schedule(connID, d, func() { go p.inactive(connID) })
}

// inactive asks the inactivity handlers whether to keep an idle connection.
func (p *Pool) inactive(connID string) {
	c, err := p.components.Registry.Get(connID)
	if err != nil {
		return
	}
	settings := p.Settings()
	keep := false
	body := protocol.CallBody(protocol.Meta{"connection_id": connID, "user_id": c.UserID()}, nil)
	for _, dest := range settings.InactivityHandlers {
		resp, err := p.dispatcher.Do(p.ctx, dest, &dispatch.Request{
			Path:   "/tangle/session_inactive",
			Header: jsonHeader(),
			Body:   body,
		})
		if err != nil {
			p.config.Log(0, "pool %s: inactivity handler %s for %s: %v", p.Name, dest, connID, err)
			continue
		}
		if !resp.OK() {
			p.config.Log(1, "pool %s: inactivity handler %s answered %d for %s", p.Name, dest, resp.StatusCode, connID)
			continue
		}
		var answer struct {
			Continue bool `json:"continue"`
		}
		if json.Unmarshal(resp.Body, &answer) == nil && answer.Continue {
			keep = true
		}
	}
	if p.timers.Pending(connID) {
		// the client was active while the handlers ran
		return
	}
	if keep {
		p.arm(connID, settings.ClientDefaultIdleTimeout.Duration())
		return
	}
	p.config.Log(1, "pool %s: closing inactive %s", p.Name, connID)
	p.Close(connID, CloseNormal, "inactive")
}

// SubscribeTopic subscribes a connection to a topic.
func (p *Pool) SubscribeTopic(connID string, t protocol.Topic) error {
	c, err := p.Get(connID)
	if err != nil {
		return err
	}
	if _, err := c.AddTopic(t); err != nil {
		return err
	}
	p.components.Router.Subscribe(connID, t)
	if !c.HasTopic(t) {
		// closed or unsubscribed meanwhile
		p.components.Router.Unsubscribe(connID, t)
	}
	return nil
}

// UnsubscribeTopic removes a topic subscription. Unknown subscriptions are a no-op.
func (p *Pool) UnsubscribeTopic(connID string, t protocol.Topic) error {
	c, err := p.Get(connID)
	if err != nil {
		return err
	}
	c.RemoveTopic(t)
	p.components.Router.Unsubscribe(connID, t)
	return nil
}

// Publish delivers data to the subscribers of a topic.
func (p *Pool) Publish(t protocol.Topic, data json.RawMessage) int {
	n := p.components.Router.Publish(t, data)
	p.config.Log(2, "pool %s: published to %s, %d receivers", p.Name, t, n)
	return n
}

// SubscribeLattice merges delta into a namespace and subscribes the connection to it.
func (p *Pool) SubscribeLattice(connID string, ns protocol.Namespace, delta *lattice.Delta) error {
	c, err := p.Get(connID)
	if err != nil {
		return err
	}
	if ns.Reserved() {
		return protocol.Invalid("namespace %q uses the reserved prefix", ns)
	}
	if _, err := c.AddLattice(ns); err != nil {
		return err
	}
	if err := p.components.Store.Subscribe(connID, c.UserID(), ns, delta); err != nil {
		c.RemoveLattice(ns)
		return err
	}
	if !c.HasLattice(ns) {
		p.components.Store.Unsubscribe(connID, ns)
	}
	return nil
}

// UnsubscribeLattice removes a lattice subscription. The namespace data stays.
func (p *Pool) UnsubscribeLattice(connID string, ns protocol.Namespace) error {
	c, err := p.Get(connID)
	if err != nil {
		return err
	}
	c.RemoveLattice(ns)
	return p.components.Store.Unsubscribe(connID, ns)
}

// UpdateLattice merges delta into a namespace and pushes the changes.
func (p *Pool) UpdateLattice(ns protocol.Namespace, delta *lattice.Delta) error {
	return p.components.Store.Update(ns, delta)
}

// SubscribeUsers replaces the users-lattice watch list of a connection.
func (p *Pool) SubscribeUsers(connID string, userIDs []string) error {
	c, err := p.Get(connID)
	if err != nil {
		return err
	}
	if err := protocol.ValidateUserIDs(userIDs); err != nil {
		return err
	}
	if err := c.SetWatching(true); err != nil {
		return err
	}
	if err := p.components.Users.Subscribe(connID, userIDs); err != nil {
		return err
	}
	if !c.Watching() {
		p.components.Users.Unsubscribe(connID)
	}
	return nil
}

// UnsubscribeUsers clears the watch list of a connection.
func (p *Pool) UnsubscribeUsers(connID string) error {
	c, err := p.Get(connID)
	if err != nil {
		return err
	}
	c.SetWatching(false)
	p.components.Users.Unsubscribe(connID)
	return nil
}

// UpdateUsers pushes the users visible to userID to its watchers.
func (p *Pool) UpdateUsers(userID string, visible []string) error {
	n, err := p.components.Users.Update(userID, visible)
	if err == nil {
		p.config.Log(2, "pool %s: users of %s pushed to %d connections", p.Name, userID, n)
	}
	return err
}

// Close removes every subscription of a connection, cancels its timers and
// closes its transport. Closing a closed connection is a no-op.
func (p *Pool) Close(connID string, code int, reason string) error {
	c, err := p.components.Registry.Get(connID)
	if err != nil {
		return err
	}
	subs, ok := c.BeginClose()
	if !ok {
		return nil
	}
	p.timers.Cancel(connID)
	p.components.Router.UnsubscribeAll(connID, subs.Topics)
	for _, ns := range subs.Lattices {
		if err := p.components.Store.Unsubscribe(connID, ns); err != nil {
			p.config.Log(0, "pool %s: detaching %s from %s: %v", p.Name, connID, ns, err)
		}
	}
	if subs.Watching {
		p.components.Users.Unsubscribe(connID)
	}
	p.components.Registry.Remove(connID)
	c.FinishClose(code, reason)
	p.config.Log(1, "pool %s: closed %s (%s)", p.Name, connID, reason)
	return nil
}

// Shutdown closes every connection and stops the pool.
func (p *Pool) Shutdown() {
	p.cancel()
	for _, c := range p.components.Registry.All(p.Name) {
		p.Close(c.ID, CloseGoingAway, "shutdown")
	}
	p.timers.StopAll()
	p.components.Store.Close()
}

func jsonHeader() http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return h
}
