package signaling

import (
	"errors"
	"sync"
	"time"

	"github.com/saintparish4/intercon/pkg/types"
)

// ErrEndpointOffline is returned when sending to an endpoint whose channel is
// detached.
var ErrEndpointOffline = errors.New("endpoint has no attached channel")

// Endpoint is a registered participant. Identity, SessionToken and
// RegisteredAt never change; everything else is guarded by mu.
type Endpoint struct {
	Identity     types.Identity
	SessionToken string
	RegisteredAt time.Time

	mu            sync.Mutex
	address       string
	lastHeartbeat time.Time
	channel       *Channel
}

func newEndpoint(id types.Identity, token, address string, ch *Channel, now time.Time) *Endpoint {
	return &Endpoint{
		Identity:      id,
		SessionToken:  token,
		RegisteredAt:  now,
		address:       address,
		lastHeartbeat: now,
		channel:       ch,
	}
}

// Send sends a message on the endpoint's current channel.
func (e *Endpoint) Send(msg *Message) error {
	ch := e.Channel()
	if ch == nil {
		return ErrEndpointOffline
	}
	return ch.Send(msg)
}

// Address returns the endpoint's last registered address.
func (e *Endpoint) Address() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.address
}

// LastHeartbeat returns the time of the last registration or heartbeat.
func (e *Endpoint) LastHeartbeat() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastHeartbeat
}

// Channel returns the attached channel, or nil while the endpoint is
// reconnecting.
func (e *Endpoint) Channel() *Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channel
}

// Online reports whether a live channel is attached.
func (e *Endpoint) Online() bool {
	ch := e.Channel()
	return ch != nil && !ch.IsClosed()
}

// Info returns an EndpointInfo snapshot for the stats API.
func (e *Endpoint) Info() EndpointInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EndpointInfo{
		Identity:      e.Identity,
		Address:       e.address,
		Online:        e.channel != nil && !e.channel.IsClosed(),
		RegisteredAt:  e.RegisteredAt.UnixMilli(),
		LastHeartbeat: e.lastHeartbeat.UnixMilli(),
	}
}

// attach swaps in a new channel and returns the one it replaced.
func (e *Endpoint) attach(ch *Channel, address string, now time.Time) *Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.channel
	e.channel = ch
	if address != "" {
		e.address = address
	}
	e.lastHeartbeat = now
	return prev
}

// detach clears the channel only if ch is still the attached one.
func (e *Endpoint) detach(ch *Channel) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.channel != ch {
		return false
	}
	e.channel = nil
	return true
}

func (e *Endpoint) touch(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastHeartbeat = now
}

// EndpointInfo describes an endpoint for the stats API.
type EndpointInfo struct {
	Identity      types.Identity `json:"identity"`
	Address       string         `json:"address"`
	Online        bool           `json:"online"`
	RegisteredAt  int64          `json:"registered_at"`
	LastHeartbeat int64          `json:"last_heartbeat"`
}
