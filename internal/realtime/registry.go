package realtime

import (
	"sync"

	"parley/internal/models"
)

// Registry tracks every live websocket connection in this process, keyed by
// user. A user may hold several connections at once; each is addressed by its
// connection ID.
type Registry struct {
	mu         sync.RWMutex
	byUser     map[uint]map[string]*Client
	maxPerUser int
	totalConns int
}

// NewRegistry creates a Registry. maxPerUser <= 0 disables the per-user cap.
func NewRegistry(maxPerUser int) *Registry {
	return &Registry{
		byUser:     make(map[uint]map[string]*Client),
		maxPerUser: maxPerUser,
	}
}

// Register adds a connection for its user. It reports whether this is the
// user's first live connection (the offline -> online edge). Registering the
// same connection twice is a no-op. When the per-user cap is reached the
// new connection is refused.
func (r *Registry) Register(c *Client) (first bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.byUser[c.UserID]
	if !ok {
		conns = make(map[string]*Client)
		r.byUser[c.UserID] = conns
	}

	if _, exists := conns[c.ID]; exists {
		return false, nil
	}

	if r.maxPerUser > 0 && len(conns) >= r.maxPerUser {
		return false, models.NewValidationError("connection limit reached for user")
	}

	conns[c.ID] = c
	r.totalConns++
	return len(conns) == 1, nil
}

// Unregister removes a connection. It returns the client that was removed
// (nil if the connection was unknown) and whether the user now has zero
// connections (the online -> offline edge). Unregistering twice is safe.
func (r *Registry) Unregister(userID uint, connID string) (removed *Client, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.byUser[userID]
	if !ok {
		return nil, false
	}

	c, exists := conns[connID]
	if !exists {
		return nil, false
	}

	delete(conns, connID)
	r.totalConns--
	if len(conns) == 0 {
		delete(r.byUser, userID)
		return c, true
	}
	return c, false
}

// ConnectionsOf returns a snapshot of the user's live connections.
func (r *Registry) ConnectionsOf(userID uint) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// IsOnline reports whether the user has at least one live connection here.
func (r *Registry) IsOnline(userID uint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// OnlineUserIDs returns every user with at least one live connection.
func (r *Registry) OnlineUserIDs() []uint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uint, 0, len(r.byUser))
	for id := range r.byUser {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the total number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalConns
}
