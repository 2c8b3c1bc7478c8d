package lattice

import (
	"sort"
	"sync"

	"github.com/zot/chatproxy/internal/protocol"
)

// Users is the reserved users lattice. Connections hold a watch list of
// user ids, and updates about a user are pushed to its watchers as they
// arrive. Nothing is merged or retained.
type Users struct {
	sender   Sender
	mu       sync.Mutex
	watchers map[string]map[string]struct{} // userID -> connIDs
	watching map[string][]string            // connID -> userIDs
}

// NewUsers creates an empty users lattice delivering through sender.
func NewUsers(sender Sender) *Users {
	return &Users{
		sender:   sender,
		watchers: make(map[string]map[string]struct{}),
		watching: make(map[string][]string),
	}
}

// Subscribe replaces the watch list of connID.
func (u *Users) Subscribe(connID string, userIDs []string) error {
	if err := protocol.ValidateUserIDs(userIDs); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.unwatch(connID)
	list := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		set := u.watchers[id]
		if set == nil {
			set = make(map[string]struct{})
			u.watchers[id] = set
		}
		if _, dup := set[connID]; dup {
			continue
		}
		set[connID] = struct{}{}
		list = append(list, id)
	}
	if len(list) > 0 {
		u.watching[connID] = list
	}
	return nil
}

// Unsubscribe clears the watch list of connID.
func (u *Users) Unsubscribe(connID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.unwatch(connID)
}

func (u *Users) unwatch(connID string) {
	for _, id := range u.watching[connID] {
		set := u.watchers[id]
		delete(set, connID)
		if len(set) == 0 {
			delete(u.watchers, id)
		}
	}
	delete(u.watching, connID)
}

// Update pushes the users visible to userID to every connection watching
// userID, and returns how many connections were reached.
func (u *Users) Update(userID string, visible []string) (int, error) {
	if err := protocol.ValidateUserID(userID); err != nil {
		return 0, err
	}
	if err := protocol.ValidateUserIDs(visible); err != nil {
		return 0, err
	}
	if visible == nil {
		visible = []string{}
	}
	frame := protocol.Lattice(protocol.UsersNamespace, map[string]interface{}{
		userID: map[string]interface{}{"visible_users": visible},
	})

	u.mu.Lock()
	defer u.mu.Unlock()
	set := u.watchers[userID]
	for connID := range set {
		u.sender.SendTo(connID, frame)
	}
	return len(set), nil
}

// Watchers returns the sorted connections watching userID.
func (u *Users) Watchers(userID string) []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	result := make([]string, 0, len(u.watchers[userID]))
	for connID := range u.watchers[userID] {
		result = append(result, connID)
	}
	sort.Strings(result)
	return result
}
