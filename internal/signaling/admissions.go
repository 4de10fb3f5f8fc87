package signaling

import (
	"sync"
	"time"
)

// Admissions holds one-shot HTTP registrations until the matching control
// channel sends REGISTER. Entries older than ttl are discarded.
type Admissions struct {
	entries map[string]admission // session token -> admission
	ttl     time.Duration
	mu      sync.Mutex
}

type admission struct {
	address   string
	createdAt time.Time
}

// NewAdmissions creates an empty admission store.
func NewAdmissions(ttl time.Duration) *Admissions {
	return &Admissions{
		entries: make(map[string]admission),
		ttl:     ttl,
	}
}

// Add records (or replaces) the address announced for token.
func (a *Admissions) Add(token, address string, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[token] = admission{address: address, createdAt: now}
}

// Take consumes the entry for token. Expired entries are not returned.
func (a *Admissions) Take(token string, now time.Time) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[token]
	if !ok {
		return "", false
	}
	delete(a.entries, token)
	if now.Sub(e.createdAt) > a.ttl {
		return "", false
	}
	return e.address, true
}

// Expire drops entries older than ttl and returns how many were dropped.
func (a *Admissions) Expire(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for token, e := range a.entries {
		if now.Sub(e.createdAt) > a.ttl {
			delete(a.entries, token)
			n++
		}
	}
	return n
}

// Count returns the number of waiting admissions.
func (a *Admissions) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}
