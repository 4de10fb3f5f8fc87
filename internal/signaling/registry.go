package signaling

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/saintparish4/intercon/pkg/types"
)

// ErrRegistryFull is returned when every identity in the range is taken.
var ErrRegistryFull = errors.New("identity space exhausted")

// Registry manages all registered endpoints and provides thread-safe operations.
// Identities are allocated under the write lock so two registrations can
// never draw the same number.
type Registry struct {
	endpoints map[types.Identity]*Endpoint // identity -> Endpoint
	sessions  map[string]types.Identity    // session token -> identity
	mu        sync.RWMutex

	clock Clock
	intn  func(n int) int
}

// NewRegistry creates an empty endpoint registry.
func NewRegistry(clock Clock) *Registry {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Registry{
		endpoints: make(map[types.Identity]*Endpoint),
		sessions:  make(map[string]types.Identity),
		clock:     clock,
		intn:      rand.Intn,
	}
}

// Register binds a session token to an identity. A known token keeps its
// identity and gets the new channel and a fresh heartbeat; reused reports
// that case. The replaced channel, if any, is returned so the caller can
// close it.
func (r *Registry) Register(token, address string, ch *Channel) (ep *Endpoint, reused bool, replaced *Channel, err error) {
	if token == "" {
		return nil, false, nil, errors.New("empty session token")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()

	if id, ok := r.sessions[token]; ok {
		ep = r.endpoints[id]
		replaced = ep.attach(ch, address, now)
		if replaced == ch {
			replaced = nil
		}
		return ep, true, replaced, nil
	}

	span := int(types.MaxIdentity - types.MinIdentity + 1)
	if len(r.endpoints) >= span {
		return nil, false, nil, ErrRegistryFull
	}

	id := types.MinIdentity + types.Identity(r.intn(span))
	for {
		if _, exists := r.endpoints[id]; !exists {
			break
		}
		id = types.MinIdentity + types.Identity(r.intn(span))
	}

	ep = newEndpoint(id, token, address, ch, now)
	r.endpoints[id] = ep
	r.sessions[token] = id
	return ep, false, nil, nil
}

// Touch refreshes the heartbeat of the endpoint owning token.
// Unknown tokens are ignored.
func (r *Registry) Touch(token string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.sessions[token]
	if !ok {
		return false
	}
	r.endpoints[id].touch(r.clock.Now())
	return true
}

// Lookup retrieves an endpoint by identity. Returns nil if not found.
func (r *Registry) Lookup(id types.Identity) *Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoints[id]
}

// LookupBySession retrieves an endpoint by session token. Returns nil if not found.
func (r *Registry) LookupBySession(token string) *Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.sessions[token]
	if !ok {
		return nil
	}
	return r.endpoints[id]
}

// Exists checks if an identity is registered.
func (r *Registry) Exists(id types.Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.endpoints[id]
	return exists
}

// Remove deletes an endpoint. Removing an unknown identity is a no-op that
// returns false.
func (r *Registry) Remove(id types.Identity) (*Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

// RemoveIfStale deletes the endpoint only if its last heartbeat is still
// before cutoff. An endpoint that heartbeats between the sweep's scan and
// this call survives.
func (r *Registry) RemoveIfStale(id types.Identity, cutoff time.Time) (*Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[id]
	if !ok || !ep.LastHeartbeat().Before(cutoff) {
		return nil, false
	}
	return r.removeLocked(id)
}

func (r *Registry) removeLocked(id types.Identity) (*Endpoint, bool) {
	ep, ok := r.endpoints[id]
	if !ok {
		return nil, false
	}
	delete(r.endpoints, id)
	delete(r.sessions, ep.SessionToken)
	return ep, true
}

// Detach clears the endpoint's channel if ch is still the attached one.
// The endpoint stays registered so a reconnect keeps its identity.
func (r *Registry) Detach(id types.Identity, ch *Channel) bool {
	ep := r.Lookup(id)
	if ep == nil {
		return false
	}
	return ep.detach(ch)
}

// Stale returns endpoints whose last heartbeat is before cutoff.
func (r *Registry) Stale(cutoff time.Time) []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []*Endpoint
	for _, ep := range r.endpoints {
		if ep.LastHeartbeat().Before(cutoff) {
			stale = append(stale, ep)
		}
	}
	return stale
}

// Count returns the total number of registered endpoints.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}

// All returns a snapshot of all endpoints ordered by identity.
// The returned slice is safe to iterate without holding locks.
func (r *Registry) All() []*Endpoint {
	r.mu.RLock()
	all := make([]*Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		all = append(all, ep)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Identity < all[j].Identity })
	return all
}

// Stats returns registry statistics.
func (r *Registry) Stats() RegistryStats {
	var stats RegistryStats
	for _, ep := range r.All() {
		stats.TotalEndpoints++
		if ep.Online() {
			stats.OnlineEndpoints++
		}
	}
	return stats
}

// RegistryStats contains registry statistics.
type RegistryStats struct {
	TotalEndpoints  int
	OnlineEndpoints int
}

func (s RegistryStats) String() string {
	return fmt.Sprintf("TotalEndpoints=%d, Online=%d", s.TotalEndpoints, s.OnlineEndpoints)
}
