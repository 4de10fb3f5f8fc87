package signaling

import (
	"sort"
	"sync"

	"github.com/saintparish4/intercon/pkg/types"
)

// LinkTable records which endpoints are currently linked. Links are
// undirected: every operation keeps both adjacency sets in agreement, and
// empty sets are dropped.
type LinkTable struct {
	adj map[types.Identity]map[types.Identity]struct{}
	mu  sync.RWMutex
}

// NewLinkTable creates an empty link table.
func NewLinkTable() *LinkTable {
	return &LinkTable{
		adj: make(map[types.Identity]map[types.Identity]struct{}),
	}
}

// Link records a link between a and b. Self links are refused.
func (t *LinkTable) Link(a, b types.Identity) bool {
	if a == b {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.add(a, b)
	t.add(b, a)
	return true
}

func (t *LinkTable) add(from, to types.Identity) {
	set, ok := t.adj[from]
	if !ok {
		set = make(map[types.Identity]struct{})
		t.adj[from] = set
	}
	set[to] = struct{}{}
}

// Unlink removes the link between a and b. Returns false if there was none.
func (t *LinkTable) Unlink(a, b types.Identity) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.adj[a][b]; !ok {
		return false
	}
	t.remove(a, b)
	t.remove(b, a)
	return true
}

func (t *LinkTable) remove(from, to types.Identity) {
	set, ok := t.adj[from]
	if !ok {
		return
	}
	delete(set, to)
	if len(set) == 0 {
		delete(t.adj, from)
	}
}

// Linked reports whether a and b are linked.
func (t *LinkTable) Linked(a, b types.Identity) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.adj[a][b]
	return ok
}

// PeersOf returns the identities linked with id, in ascending order.
func (t *LinkTable) PeersOf(id types.Identity) []types.Identity {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedPeers(t.adj[id])
}

// RemoveEndpoint drops every link involving id and returns the former peers.
func (t *LinkTable) RemoveEndpoint(id types.Identity) []types.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()

	peers := sortedPeers(t.adj[id])
	for _, p := range peers {
		t.remove(p, id)
	}
	delete(t.adj, id)
	return peers
}

// Count returns the number of undirected links.
func (t *LinkTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, set := range t.adj {
		n += len(set)
	}
	return n / 2
}

func sortedPeers(set map[types.Identity]struct{}) []types.Identity {
	peers := make([]types.Identity, 0, len(set))
	for p := range set {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}
