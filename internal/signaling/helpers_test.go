package signaling

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/saintparish4/intercon/pkg/types"
)

// fakeClock fires timers synchronously from Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer

	onArm func() // runs after each AfterFunc, outside mu
}

type fakeTimer struct {
	clock *fakeClock
	at    time.Time
	f     func()
	done  bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	hook := c.onArm
	c.mu.Unlock()

	if hook != nil {
		hook()
	}
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Advance moves time forward and runs every timer that came due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due, keep []*fakeTimer
	for _, t := range c.timers {
		switch {
		case t.done:
		case !t.at.After(c.now):
			t.done = true
			due = append(due, t)
		default:
			keep = append(keep, t)
		}
	}
	c.timers = keep
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

// harness wires a broker over a fake clock.
type harness struct {
	clock    *fakeClock
	registry *Registry
	links    *LinkTable
	broker   *Broker
}

func newHarness() *harness {
	clock := newFakeClock()
	registry := NewRegistry(clock)
	links := NewLinkTable()
	return &harness{
		clock:    clock,
		registry: registry,
		links:    links,
		broker:   NewBroker(registry, links, clock, nil, DefaultBrokerConfig()),
	}
}

// join registers an endpoint that will receive identity id.
func (h *harness) join(t *testing.T, id types.Identity, addr string) (*Endpoint, *MockConn) {
	t.Helper()
	h.registry.intn = func(int) int { return int(id - types.MinIdentity) }

	conn := NewMockConn()
	ep, reused, _, err := h.registry.Register("token-"+id.String(), addr, NewChannel(conn, nil))
	require.NoError(t, err)
	require.False(t, reused)
	require.Equal(t, id, ep.Identity)
	return ep, conn
}

func parseFailure(t *testing.T, msg *Message) FailurePayload {
	t.Helper()
	var p FailurePayload
	require.NoError(t, msg.ParsePayload(&p))
	return p
}

func parseRejection(t *testing.T, msg *Message) RejectionPayload {
	t.Helper()
	var p RejectionPayload
	require.NoError(t, msg.ParsePayload(&p))
	return p
}
