package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zulandar/courier/internal/conn"
)

// ErrConflict is returned by Bind when another session already holds the
// mobile identifier.
var ErrConflict = errors.New("session: mobile already bound to another session")

// Live is a registered, connected session. Send is serialized per handle so
// the scheduler and API handlers never interleave frames on one connection.
type Live struct {
	ID     string
	Owner  string
	Mobile string

	mu     sync.Mutex
	handle conn.Handle
}

// Send delivers p to the recipient over the session's handle.
func (l *Live) Send(ctx context.Context, to string, p conn.Payload) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handle.Send(ctx, conn.NormalizeJID(to), p)
}

type entry struct {
	owner  string
	mobile string
	live   *Live
}

// Registry maps session ids to live handles (memory only) and to owning users
// (durable, through OwnerMap). A Registry is created once by the composition
// root and shared by reference.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	owners  *OwnerMap
}

// NewRegistry creates a Registry backed by owners.
func NewRegistry(owners *OwnerMap) *Registry {
	return &Registry{entries: make(map[string]*entry), owners: owners}
}

// Owners returns the durable ownership map.
func (r *Registry) Owners() *OwnerMap { return r.owners }

// Track records that a lifecycle for id is in progress. Tracking an already
// tracked id only refreshes the owner.
func (r *Registry) Track(id, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		if owner != "" {
			e.owner = owner
		}
		return
	}
	r.entries[id] = &entry{owner: owner}
}

// Tracked reports whether a lifecycle for id exists.
func (r *Registry) Tracked(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// BoundElsewhere returns the id of another session holding mobile, if any.
func (r *Registry) BoundElsewhere(id, mobile string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.boundElsewhereLocked(id, mobile)
}

func (r *Registry) boundElsewhereLocked(id, mobile string) (string, bool) {
	if mobile == "" {
		return "", false
	}
	for other, e := range r.entries {
		if other != id && e.mobile == mobile {
			return other, true
		}
	}
	return "", false
}

// Bind attaches a connected handle to id. The mobile conflict check and the
// registration happen under one lock. On success the ownership record is
// persisted; a persistence failure is returned alongside the Live value and
// does not undo the registration.
func (r *Registry) Bind(id, owner, mobile string, h conn.Handle) (*Live, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if other, ok := r.boundElsewhereLocked(id, mobile); ok {
		return nil, fmt.Errorf("%w: %s holds %s", ErrConflict, other, mobile)
	}

	e, ok := r.entries[id]
	if !ok {
		e = &entry{}
		r.entries[id] = e
	}
	if owner != "" {
		e.owner = owner
	}
	e.mobile = mobile
	e.live = &Live{ID: id, Owner: e.owner, Mobile: mobile, handle: h}

	var err error
	if r.owners != nil && e.owner != "" {
		err = r.owners.Set(id, e.owner)
	}
	return e.live, err
}

// Detach drops the live handle for id but keeps the entry (and its mobile
// reservation) while a reconnect is pending.
func (r *Registry) Detach(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.live = nil
	}
}

// Unregister removes id and its ownership record. Safe to call repeatedly.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
	if r.owners == nil {
		return nil
	}
	return r.owners.Delete(id)
}

// Lookup returns the live session for id. It never returns a session whose
// ownership record is gone.
func (r *Registry) Lookup(id string) (*Live, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok || e.live == nil {
		return nil, false
	}
	if r.owners != nil {
		if _, owned := r.owners.Get(id); !owned {
			return nil, false
		}
	}
	return e.live, true
}

// Owner returns the owning user of id from the tracked entry or the durable
// map.
func (r *Registry) Owner(id string) (string, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if ok && e.owner != "" {
		return e.owner, true
	}
	if r.owners != nil {
		return r.owners.Get(id)
	}
	return "", false
}

// IDsForUser lists live session ids owned by user, read from the id itself.
func (r *Registry) IDsForUser(user string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, e := range r.entries {
		if e.live != nil && Owns(id, user) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// LiveIDs lists every live session id.
func (r *Registry) LiveIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, e := range r.entries {
		if e.live != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of tracked ids.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
