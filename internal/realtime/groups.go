package realtime

import "sync"

// Groups tracks which connections are currently attached to which
// conversation. Attachment is per-connection: a user's phone can sit in a
// conversation while their laptop does not. A user counts as viewing a
// conversation while at least one of their connections is attached.
type Groups struct {
	mu sync.RWMutex

	// conversation -> user -> connID -> client
	byConv map[uint]map[uint]map[string]*Client

	// connID -> conversations the connection is attached to, for teardown
	byConn map[string]map[uint]struct{}
}

// NewGroups creates an empty membership table.
func NewGroups() *Groups {
	return &Groups{
		byConv: make(map[uint]map[uint]map[string]*Client),
		byConn: make(map[string]map[uint]struct{}),
	}
}

// Join attaches a connection to a conversation. It reports whether the user
// had no other connection attached (the first-viewer edge). Joining twice is
// a no-op.
func (g *Groups) Join(convID uint, c *Client) (firstForUser bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	users, ok := g.byConv[convID]
	if !ok {
		users = make(map[uint]map[string]*Client)
		g.byConv[convID] = users
	}
	conns, ok := users[c.UserID]
	if !ok {
		conns = make(map[string]*Client)
		users[c.UserID] = conns
	}
	if _, exists := conns[c.ID]; exists {
		return false
	}
	conns[c.ID] = c

	convs, ok := g.byConn[c.ID]
	if !ok {
		convs = make(map[uint]struct{})
		g.byConn[c.ID] = convs
	}
	convs[convID] = struct{}{}

	return len(conns) == 1
}

// Leave detaches a connection from a conversation. It reports whether the
// user now has no connection attached (the last-viewer edge). Leaving a
// conversation the connection never joined is safe.
func (g *Groups) Leave(convID uint, c *Client) (lastForUser bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leaveLocked(convID, c.UserID, c.ID)
}

func (g *Groups) leaveLocked(convID, userID uint, connID string) bool {
	users, ok := g.byConv[convID]
	if !ok {
		return false
	}
	conns, ok := users[userID]
	if !ok {
		return false
	}
	if _, exists := conns[connID]; !exists {
		return false
	}
	delete(conns, connID)

	if convs, ok := g.byConn[connID]; ok {
		delete(convs, convID)
		if len(convs) == 0 {
			delete(g.byConn, connID)
		}
	}

	if len(conns) == 0 {
		delete(users, userID)
		if len(users) == 0 {
			delete(g.byConv, convID)
		}
		return true
	}
	return false
}

// DropClient detaches a connection from every conversation it joined and
// returns the conversations where the user has no remaining connection.
func (g *Groups) DropClient(c *Client) (vacated []uint) {
	g.mu.Lock()
	defer g.mu.Unlock()

	convs := g.byConn[c.ID]
	for convID := range convs {
		if g.leaveLocked(convID, c.UserID, c.ID) {
			vacated = append(vacated, convID)
		}
	}
	return vacated
}

// EvictUser detaches every connection of the user from the conversation and
// returns the clients that were detached, so the caller can notify them.
func (g *Groups) EvictUser(convID, userID uint) []*Client {
	g.mu.Lock()
	defer g.mu.Unlock()

	users, ok := g.byConv[convID]
	if !ok {
		return nil
	}
	conns, ok := users[userID]
	if !ok {
		return nil
	}

	evicted := make([]*Client, 0, len(conns))
	for connID, c := range conns {
		evicted = append(evicted, c)
		if convs, ok := g.byConn[connID]; ok {
			delete(convs, convID)
			if len(convs) == 0 {
				delete(g.byConn, connID)
			}
		}
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(g.byConv, convID)
	}
	return evicted
}

// SnapshotClients returns a point-in-time copy of every connection attached
// to the conversation. Fan-out iterates the copy, so a membership change
// mid-broadcast never affects an in-flight delivery set.
func (g *Groups) SnapshotClients(convID uint) []*Client {
	g.mu.RLock()
	defer g.mu.RUnlock()

	users, ok := g.byConv[convID]
	if !ok {
		return nil
	}
	out := make([]*Client, 0, len(users))
	for _, conns := range users {
		for _, c := range conns {
			out = append(out, c)
		}
	}
	return out
}

// IsViewing reports whether the user has at least one connection attached to
// the conversation.
func (g *Groups) IsViewing(convID, userID uint) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	users, ok := g.byConv[convID]
	if !ok {
		return false
	}
	return len(users[userID]) > 0
}

// ViewingUserIDs returns the users with at least one connection attached to
// the conversation.
func (g *Groups) ViewingUserIDs(convID uint) []uint {
	g.mu.RLock()
	defer g.mu.RUnlock()

	users, ok := g.byConv[convID]
	if !ok {
		return nil
	}
	ids := make([]uint, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	return ids
}
