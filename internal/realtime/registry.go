package realtime

import (
	"sort"
	"sync"

	"github.com/pelusa-v/pelusa-desk/internal/domain"
)

// Registry tracks live connections, the identity each authenticated as and
// the distribution groups they belong to. Empty groups are dropped.
type Registry struct {
	mu sync.RWMutex

	conns       map[string]*Conn               // conn id -> conn
	identities  map[string]domain.Identity     // conn id -> identity
	groups      map[string]map[string]*Conn    // group -> conn id -> conn
	memberships map[string]map[string]struct{} // conn id -> set(group)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:       map[string]*Conn{},
		identities:  map[string]domain.Identity{},
		groups:      map[string]map[string]*Conn{},
		memberships: map[string]map[string]struct{}{},
	}
}

// Register adds an unauthenticated connection.
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
}

// Has reports whether c is registered.
func (r *Registry) Has(c *Conn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[c.ID]
	return ok
}

// Authenticate binds c to id and joins it to the identity group.
// Re-authenticating replaces the previous binding.
func (r *Registry) Authenticate(c *Conn, id domain.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c.ID]; !ok {
		return false
	}
	if prev, ok := r.identities[c.ID]; ok && prev.ID != id.ID {
		r.leave(IdentityGroup(prev.ID), c)
	}
	r.identities[c.ID] = id
	r.join(IdentityGroup(id.ID), c)
	return true
}

// Unregister removes c from every group it belonged to. It reports
// whether c was registered.
func (r *Registry) Unregister(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c.ID]; !ok {
		return false
	}
	for group := range r.memberships[c.ID] {
		r.leave(group, c)
	}
	delete(r.memberships, c.ID)
	delete(r.identities, c.ID)
	delete(r.conns, c.ID)
	return true
}

// Join adds c to group. Joining twice is a no-op.
func (r *Registry) Join(group string, c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c.ID]; !ok {
		return false
	}
	r.join(group, c)
	return true
}

// Leave removes c from group. Leaving a group c is not in is a no-op.
func (r *Registry) Leave(group string, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leave(group, c)
}

func (r *Registry) join(group string, c *Conn) {
	members, ok := r.groups[group]
	if !ok {
		members = map[string]*Conn{}
		r.groups[group] = members
	}
	members[c.ID] = c

	set, ok := r.memberships[c.ID]
	if !ok {
		set = map[string]struct{}{}
		r.memberships[c.ID] = set
	}
	set[group] = struct{}{}
}

func (r *Registry) leave(group string, c *Conn) {
	if members, ok := r.groups[group]; ok {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(r.groups, group)
		}
	}
	if set, ok := r.memberships[c.ID]; ok {
		delete(set, group)
	}
}

// MembersOf returns a snapshot of the connections in group.
func (r *Registry) MembersOf(group string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.groups[group]
	out := make([]*Conn, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

// IdentityOf returns the identity c authenticated as.
func (r *Registry) IdentityOf(c *Conn) (domain.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.identities[c.ID]
	return id, ok
}

// GroupsOf lists the groups c belongs to, sorted.
func (r *Registry) GroupsOf(c *Conn) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.memberships[c.ID]))
	for g := range r.memberships[c.ID] {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// GroupCount returns the number of non-empty groups.
func (r *Registry) GroupCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}

// drain unregisters every connection and returns them.
func (r *Registry) drain() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.conns = map[string]*Conn{}
	r.identities = map[string]domain.Identity{}
	r.groups = map[string]map[string]*Conn{}
	r.memberships = map[string]map[string]struct{}{}
	return out
}
