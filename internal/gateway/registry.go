package gateway

import "sync"

// Registry tracks live client connections grouped by user. Implementations
// must be safe for concurrent use.
type Registry interface {
	Join(c *Client)
	// Leave reports whether the client was registered, so close/metrics
	// bookkeeping runs exactly once per connection.
	Leave(c *Client) bool
	Clients(userID string) []*Client
	All() []*Client
	CountUser(userID string) int
	Count() int
	Users() []string
}

// LocalRegistry keeps connection groups in process memory. A user's group
// disappears when their last connection leaves.
type LocalRegistry struct {
	mu    sync.RWMutex
	conns map[string]map[*Client]struct{}
}

func NewLocalRegistry() *LocalRegistry {
	return &LocalRegistry{conns: make(map[string]map[*Client]struct{})}
}

func (r *LocalRegistry) Join(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[c.UserID]
	if !ok {
		set = make(map[*Client]struct{})
		r.conns[c.UserID] = set
	}
	set[c] = struct{}{}
}

func (r *LocalRegistry) Leave(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[c.UserID]
	if !ok {
		return false
	}
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(r.conns, c.UserID)
	}
	return true
}

func (r *LocalRegistry) Clients(userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.conns[userID]
	if !ok {
		return nil
	}
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func (r *LocalRegistry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Client
	for _, set := range r.conns {
		for c := range set {
			out = append(out, c)
		}
	}
	return out
}

func (r *LocalRegistry) CountUser(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID])
}

func (r *LocalRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, set := range r.conns {
		total += len(set)
	}
	return total
}

func (r *LocalRegistry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.conns))
	for userID := range r.conns {
		out = append(out, userID)
	}
	return out
}
