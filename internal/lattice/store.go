package lattice

import (
	"errors"
	"sort"
	"sync"

	"github.com/zot/chatproxy/internal/config"
	"github.com/zot/chatproxy/internal/protocol"
	"github.com/zot/chatproxy/internal/svc"
)

// Sender delivers a frame to a connection by id.
type Sender interface {
	SendTo(connID string, frame protocol.Frame)
}

var errRetry = errors.New("lattice: namespace collected")

type privateKey struct {
	user, key string
}

// namespace is the state of one lattice. Every field is owned by its svc goroutine.
type namespace struct {
	name        protocol.Namespace
	svc         *svc.ChanSvc
	dead        bool
	shared      map[string]Fields
	private     map[string]map[string]Fields
	subscribers map[string]string // connID -> userID
	expiry      *svc.Timers[privateKey]
	deadlines   map[privateKey]uint64
}

func newNamespace(name protocol.Namespace) *namespace {
	return &namespace{
		name:        name,
		svc:         svc.New(),
		shared:      make(map[string]Fields),
		private:     make(map[string]map[string]Fields),
		subscribers: make(map[string]string),
		expiry:      svc.NewTimers[privateKey](),
		deadlines:   make(map[privateKey]uint64),
	}
}

func (n *namespace) empty() bool {
	return len(n.subscribers) == 0 && len(n.shared) == 0 && len(n.private) == 0
}

// Store holds every lattice namespace of the process.
type Store struct {
	config     *config.Config
	sender     Sender
	mu         sync.Mutex
	namespaces map[protocol.Namespace]*namespace
}

// NewStore creates an empty store delivering through sender.
func NewStore(cfg *config.Config, sender Sender) *Store {
	return &Store{
		config:     cfg,
		sender:     sender,
		namespaces: make(map[protocol.Namespace]*namespace),
	}
}

func (s *Store) lookup(name protocol.Namespace, create bool) *namespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.namespaces[name]
	if !ok && create {
		n = newNamespace(name)
		s.namespaces[name] = n
	}
	return n
}

// run executes fn on the owner of the namespace, retrying if the namespace
// was collected between lookup and execution.
func (s *Store) run(name protocol.Namespace, create bool, fn func(n *namespace) error) error {
	for {
		n := s.lookup(name, create)
		if n == nil {
			return nil
		}
		_, err := svc.SvcSync(n.svc, func() (struct{}, error) {
			if n.dead {
				return struct{}{}, errRetry
			}
			err := fn(n)
			s.collect(n)
			return struct{}{}, err
		})
		if errors.Is(err, errRetry) || errors.Is(err, svc.ErrStopped) {
			continue
		}
		return err
	}
}

// collect drops a namespace without subscribers or data. Runs on n.svc.
func (s *Store) collect(n *namespace) {
	if !n.empty() {
		return
	}
	n.dead = true
	n.expiry.StopAll()
	s.mu.Lock()
	if s.namespaces[n.name] == n {
		delete(s.namespaces, n.name)
	}
	s.mu.Unlock()
	n.svc.Stop()
	s.config.Log(3, "lattice %s collected", n.name)
}

// Subscribe merges delta into the namespace like Update, then attaches the
// connection and sends it the full view of its user.
func (s *Store) Subscribe(connID, userID string, name protocol.Namespace, delta *Delta) error {
	if name.Reserved() {
		return protocol.Invalid("namespace %q uses the reserved prefix", name)
	}
	return s.run(name, true, func(n *namespace) error {
		s.apply(n, delta)
		n.subscribers[connID] = userID
		if view := n.view(userID); len(view) > 0 {
			s.sender.SendTo(connID, protocol.Lattice(n.name, view))
		}
		return nil
	})
}

// Unsubscribe detaches a connection. The namespace data is kept.
func (s *Store) Unsubscribe(connID string, name protocol.Namespace) error {
	return s.run(name, false, func(n *namespace) error {
		delete(n.subscribers, connID)
		return nil
	})
}

// Update merges delta into the namespace and pushes the changed keys.
func (s *Store) Update(name protocol.Namespace, delta *Delta) error {
	if name.Reserved() {
		return protocol.Invalid("namespace %q uses the reserved prefix", name)
	}
	return s.run(name, true, func(n *namespace) error {
		s.apply(n, delta)
		return nil
	})
}

// apply merges delta and sends each subscriber one frame with what changed
// in its view. Runs on n.svc.
func (s *Store) apply(n *namespace, delta *Delta) {
	if delta.Empty() {
		return
	}
	sharedChanged := make(map[string]Fields)
	for key, fields := range delta.Shared {
		cur, ok := n.shared[key]
		if !ok {
			if len(fields) == 0 {
				continue
			}
			cur = make(Fields)
			n.shared[key] = cur
		}
		if changed := cur.Merge(fields); len(changed) > 0 {
			sharedChanged[key] = changed
		}
	}

	privateChanged := make(map[string]map[string]Fields)
	for user, entries := range delta.Private {
		for key, entry := range entries {
			pk := privateKey{user, key}
			keys := n.private[user]
			cur, ok := keys[key]
			if !ok && len(entry.Fields) == 0 {
				continue
			}
			if _, pending := n.deadlines[pk]; pending {
				n.expiry.Cancel(pk)
				delete(n.deadlines, pk)
			}
			if !ok {
				if keys == nil {
					keys = make(map[string]Fields)
					n.private[user] = keys
				}
				cur = make(Fields)
				keys[key] = cur
			}
			if changed := cur.Merge(entry.Fields); len(changed) > 0 {
				if privateChanged[user] == nil {
					privateChanged[user] = make(map[string]Fields)
				}
				privateChanged[user][key] = changed
			}
			if entry.ExpiresIn > 0 {
				s.scheduleExpiry(n, pk, entry)
			}
		}
	}

	for connID, user := range n.subscribers {
		out := overlay(sharedChanged, privateChanged[user])
		if len(out) > 0 {
			s.sender.SendTo(connID, protocol.Lattice(n.name, out))
		}
	}
}

func (s *Store) scheduleExpiry(n *namespace, pk privateKey, entry PrivateEntry) {
	var gen uint64
	gen = n.expiry.Schedule(pk, entry.ExpiresIn, func() {
		svc.Svc(n.svc, func() { s.expire(n, pk, gen) })
	})
	n.deadlines[pk] = gen
}

// expire removes a private key whose deadline passed and tells the user's
// connections. Runs on n.svc.
func (s *Store) expire(n *namespace, pk privateKey, gen uint64) {
	if n.dead || n.deadlines[pk] != gen {
		return
	}
	delete(n.deadlines, pk)
	keys := n.private[pk.user]
	delete(keys, pk.key)
	if len(keys) == 0 {
		delete(n.private, pk.user)
	}
	// the user falls back to the shared value when there is one
	var remaining interface{}
	if fields, ok := n.shared[pk.key]; ok {
		remaining = fields.Clone()
	}
	frame := protocol.Lattice(n.name, map[string]interface{}{pk.key: remaining})
	for connID, user := range n.subscribers {
		if user == pk.user {
			s.sender.SendTo(connID, frame)
		}
	}
	s.config.Log(2, "lattice %s: private key %s of %s expired", n.name, pk.key, pk.user)
	s.collect(n)
}

// view returns the shared keys merged with the private keys of user.
func (n *namespace) view(user string) map[string]Fields {
	return overlay(n.shared, n.private[user])
}

func overlay(shared, private map[string]Fields) map[string]Fields {
	out := make(map[string]Fields, len(shared)+len(private))
	for key, fields := range shared {
		out[key] = fields.Clone()
	}
	for key, fields := range private {
		cur, ok := out[key]
		if !ok {
			out[key] = fields.Clone()
			continue
		}
		cur.Merge(fields)
	}
	return out
}

// Snapshot is a copy of the content of a namespace.
type Snapshot struct {
	Shared      map[string]Fields
	Private     map[string]map[string]Fields
	Subscribers []string
}

// Get returns a snapshot of a namespace, or nil if it does not exist.
func (s *Store) Get(name protocol.Namespace) *Snapshot {
	var snap *Snapshot
	s.run(name, false, func(n *namespace) error {
		snap = &Snapshot{
			Shared:  make(map[string]Fields, len(n.shared)),
			Private: make(map[string]map[string]Fields, len(n.private)),
		}
		for key, fields := range n.shared {
			snap.Shared[key] = fields.Clone()
		}
		for user, keys := range n.private {
			copied := make(map[string]Fields, len(keys))
			for key, fields := range keys {
				copied[key] = fields.Clone()
			}
			snap.Private[user] = copied
		}
		for connID := range n.subscribers {
			snap.Subscribers = append(snap.Subscribers, connID)
		}
		sort.Strings(snap.Subscribers)
		return nil
	})
	return snap
}

// Len returns the number of live namespaces.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.namespaces)
}

// Close stops every namespace. Pending expirations are dropped.
func (s *Store) Close() {
	s.mu.Lock()
	namespaces := s.namespaces
	s.namespaces = make(map[protocol.Namespace]*namespace)
	s.mu.Unlock()
	for _, n := range namespaces {
		n.expiry.StopAll()
		n.svc.Stop()
	}
}
