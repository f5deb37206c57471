// Package registry holds the shared table of live, authenticated connections.
// It is the single source of truth for cross-connection coordination: pairing,
// permission relay, and chat fan-out all go through it — connection handlers
// never reference each other directly.
package registry

import (
	"sync"

	"github.com/deskrelay/deskrelay/internal/protocol"
)

// Role is the negotiated role of a connection, fixed for its lifetime.
type Role string

const (
	RoleController Role = protocol.RoleController
	RoleTarget     Role = protocol.RoleTarget
)

// Identity is one live, authenticated connection. Username is the
// authoritative key. SessionID is zero until paired. Perms defaults to
// nothing granted and is only ever set by an explicit PERM_RESPONSE.
//
// Conn is safe to write to without holding the registry lock (it carries its
// own write mutex); SessionID and Perms must only be read through Lookup
// snapshots or changed through Mutate.
type Identity struct {
	Username  string
	Role      Role
	Addr      string
	Conn      protocol.PacketConn
	SessionID int64
	Perms     protocol.Permissions
}

// Registry is a concurrency-safe username → Identity table. One mutex guards
// every read-modify-write sequence so a lookup-then-mutate can never observe
// a half-applied pairing. The lock is never held across a network write.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*Identity
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{clients: make(map[string]*Identity)}
}

// Register adds an identity. It fails when the username is already live;
// the established connection wins and the newcomer must be rejected.
func (r *Registry) Register(id *Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.clients[id.Username]; taken {
		return false
	}
	cp := *id
	r.clients[id.Username] = &cp
	return true
}

// Lookup returns a snapshot of the named identity. Mutating the snapshot has
// no effect on the registry.
func (r *Registry) Lookup(username string) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.clients[username]
	if !ok {
		return Identity{}, false
	}
	return *id, true
}

// Deregister removes the named identity. Removing an absent name is a no-op.
func (r *Registry) Deregister(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, username)
}

// Mutate runs fn on the named identity under the registry lock. Returns false
// when the identity is not registered. fn must not block.
func (r *Registry) Mutate(username string, fn func(*Identity)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.clients[username]
	if !ok {
		return false
	}
	fn(id)
	return true
}

// Pair atomically assigns sessionID to both named identities and returns
// their snapshots. If either side disappeared or is already in a session,
// nothing is mutated and ok is false — the caller must treat the pairing as
// failed. The busy check lives here, under the lock, so two racing pairings
// can never strand a peer with a stale session id.
func (r *Registry) Pair(controller, target string, sessionID int64) (ctrl, tgt Identity, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, cok := r.clients[controller]
	t, tok := r.clients[target]
	if !cok || !tok || c.SessionID != 0 || t.SessionID != 0 {
		return Identity{}, Identity{}, false
	}
	c.SessionID = sessionID
	t.SessionID = sessionID
	return *c, *t, true
}

// SessionMembers returns snapshots of every identity whose SessionID equals
// sessionID. The order is unspecified. SessionID zero means unpaired and
// never matches.
func (r *Registry) SessionMembers(sessionID int64) []Identity {
	if sessionID == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var members []Identity
	for _, id := range r.clients {
		if id.SessionID == sessionID {
			members = append(members, *id)
		}
	}
	return members
}

// ClearSession detaches every member of sessionID, resetting their session
// and permission state, and returns snapshots of the detached members taken
// before the reset.
func (r *Registry) ClearSession(sessionID int64) []Identity {
	if sessionID == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var members []Identity
	for _, id := range r.clients {
		if id.SessionID == sessionID {
			members = append(members, *id)
			id.SessionID = 0
			id.Perms = protocol.Permissions{}
		}
	}
	return members
}

// Len returns the number of live identities.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
