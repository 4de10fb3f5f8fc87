package client

import (
	"sort"
	"sync"
	"time"

	"github.com/saintparish4/intercon/pkg/types"
)

// Status is the local state of a link.
type Status string

// Link statuses.
const (
	StatusConnecting          Status = "connecting"
	StatusConnected           Status = "connected"
	StatusDisconnecting       Status = "disconnecting"
	StatusConfigurationFailed Status = "configuration-failed"
	StatusError               Status = "error"
)

// ConnectionRecord mirrors one broker link from this side.
type ConnectionRecord struct {
	Peer          types.Identity `json:"peer"`
	Address       string         `json:"address"`
	Status        Status         `json:"status"`
	EstablishedAt time.Time      `json:"established_at,omitempty"`
}

// Records is the set of links this client knows about.
type Records struct {
	records map[types.Identity]*ConnectionRecord
	mu      sync.RWMutex
}

// NewRecords creates an empty record table.
func NewRecords() *Records {
	return &Records{records: make(map[types.Identity]*ConnectionRecord)}
}

// Put creates or replaces the record for peer.
func (r *Records) Put(peer types.Identity, address string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[peer] = &ConnectionRecord{Peer: peer, Address: address, Status: status}
}

// SetStatus updates the status of peer's record. Moving to connected stamps
// EstablishedAt.
func (r *Records) SetStatus(peer types.Identity, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[peer]
	if !ok {
		return false
	}
	rec.Status = status
	if status == StatusConnected {
		rec.EstablishedAt = time.Now()
	}
	return true
}

// Get returns a copy of peer's record.
func (r *Records) Get(peer types.Identity) (ConnectionRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[peer]
	if !ok {
		return ConnectionRecord{}, false
	}
	return *rec, true
}

// Remove deletes peer's record.
func (r *Records) Remove(peer types.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[peer]; !ok {
		return false
	}
	delete(r.records, peer)
	return true
}

// List returns copies of all records ordered by peer.
func (r *Records) List() []ConnectionRecord {
	r.mu.RLock()
	out := make([]ConnectionRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// Len returns the number of records.
func (r *Records) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
