package signaling

import (
	"sync"
	"testing"
	"time"

	"github.com/saintparish4/intercon/pkg/types"
)

func TestRegistryRegisterAssignsIdentity(t *testing.T) {
	r := NewRegistry(newFakeClock())

	ep, reused, replaced, err := r.Register("tok-a", "10.20.1.5", NewChannel(NewMockConn(), nil))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reused || replaced != nil {
		t.Error("fresh registration should not be reused")
	}
	if !ep.Identity.Valid() {
		t.Errorf("identity %d out of range", ep.Identity)
	}
	if got := r.Lookup(ep.Identity); got != ep {
		t.Error("lookup by identity failed")
	}
	if got := r.LookupBySession("tok-a"); got != ep {
		t.Error("lookup by session failed")
	}
	if ep.Address() != "10.20.1.5" {
		t.Errorf("expected address '10.20.1.5', got '%s'", ep.Address())
	}
}

func TestRegistryReRegisterKeepsIdentity(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(clock)

	first := NewChannel(NewMockConn(), nil)
	ep, _, _, _ := r.Register("tok-a", "10.20.1.5", first)

	clock.Advance(90 * time.Second)
	second := NewChannel(NewMockConn(), nil)
	again, reused, replaced, err := r.Register("tok-a", "10.20.1.6", second)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !reused {
		t.Error("expected reused registration")
	}
	if again.Identity != ep.Identity {
		t.Errorf("expected identity %d, got %d", ep.Identity, again.Identity)
	}
	if replaced != first {
		t.Error("expected the first channel to be returned as replaced")
	}
	if again.Channel() != second {
		t.Error("new channel not attached")
	}
	if !again.LastHeartbeat().Equal(clock.Now()) {
		t.Error("heartbeat not refreshed on re-registration")
	}
	if again.Address() != "10.20.1.6" {
		t.Errorf("expected updated address, got '%s'", again.Address())
	}
	if r.Count() != 1 {
		t.Errorf("expected count 1, got %d", r.Count())
	}
}

func TestRegistryResamplesOnCollision(t *testing.T) {
	r := NewRegistry(newFakeClock())

	draws := []int{5, 5, 5, 7}
	r.intn = func(int) int {
		n := draws[0]
		draws = draws[1:]
		return n
	}

	a, _, _, _ := r.Register("tok-a", "10.20.1.5", nil)
	b, _, _, _ := r.Register("tok-b", "10.20.1.6", nil)

	if a.Identity != types.MinIdentity+5 {
		t.Errorf("expected %d, got %d", types.MinIdentity+5, a.Identity)
	}
	if b.Identity != types.MinIdentity+7 {
		t.Errorf("expected %d, got %d", types.MinIdentity+7, b.Identity)
	}
}

func TestRegistryRejectsEmptyToken(t *testing.T) {
	r := NewRegistry(nil)
	if _, _, _, err := r.Register("", "10.20.1.5", nil); err == nil {
		t.Error("expected error for empty token")
	}
}

func TestRegistryTouch(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(clock)
	ep, _, _, _ := r.Register("tok-a", "10.20.1.5", nil)

	clock.Advance(time.Minute)
	if !r.Touch("tok-a") {
		t.Fatal("touch should succeed for a known token")
	}
	if !ep.LastHeartbeat().Equal(clock.Now()) {
		t.Error("heartbeat not updated")
	}

	if r.Touch("unknown") {
		t.Error("touch should be a no-op for an unknown token")
	}
}

func TestRegistryRemoveTwice(t *testing.T) {
	r := NewRegistry(newFakeClock())
	ep, _, _, _ := r.Register("tok-a", "10.20.1.5", nil)

	if _, ok := r.Remove(ep.Identity); !ok {
		t.Fatal("first remove should succeed")
	}
	if _, ok := r.Remove(ep.Identity); ok {
		t.Error("second remove should be a no-op")
	}
	if r.LookupBySession("tok-a") != nil {
		t.Error("session mapping should be gone")
	}
	if r.Exists(ep.Identity) {
		t.Error("endpoint should not exist after remove")
	}
}

func TestRegistryRemoveIfStale(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(clock)
	ep, _, _, _ := r.Register("tok-a", "10.20.1.5", nil)

	clock.Advance(3 * time.Minute)
	cutoff := clock.Now().Add(-2 * time.Minute)

	stale := r.Stale(cutoff)
	if len(stale) != 1 {
		t.Fatalf("expected 1 stale endpoint, got %d", len(stale))
	}

	// Heartbeat lands between the scan and the removal.
	r.Touch("tok-a")
	if _, ok := r.RemoveIfStale(ep.Identity, cutoff); ok {
		t.Error("fresh endpoint should survive")
	}

	clock.Advance(3 * time.Minute)
	cutoff = clock.Now().Add(-2 * time.Minute)
	if _, ok := r.RemoveIfStale(ep.Identity, cutoff); !ok {
		t.Error("stale endpoint should be removed")
	}
}

func TestRegistryDetachOnlyCurrentChannel(t *testing.T) {
	r := NewRegistry(newFakeClock())

	old := NewChannel(NewMockConn(), nil)
	ep, _, _, _ := r.Register("tok-a", "10.20.1.5", old)
	current := NewChannel(NewMockConn(), nil)
	r.Register("tok-a", "10.20.1.5", current)

	if r.Detach(ep.Identity, old) {
		t.Error("detaching a replaced channel should be a no-op")
	}
	if !ep.Online() {
		t.Error("endpoint should still be online")
	}
	if !r.Detach(ep.Identity, current) {
		t.Error("detaching the current channel should succeed")
	}
	if ep.Online() {
		t.Error("endpoint should be offline")
	}
	if !r.Exists(ep.Identity) {
		t.Error("detach must not remove the endpoint")
	}
}

func TestRegistryAllSorted(t *testing.T) {
	r := NewRegistry(newFakeClock())
	draws := []int{30, 10, 20}
	r.intn = func(int) int {
		n := draws[0]
		draws = draws[1:]
		return n
	}
	r.Register("a", "10.20.0.1", nil)
	r.Register("b", "10.20.0.2", nil)
	r.Register("c", "10.20.0.3", nil)

	all := r.All()
	if len(all) != 3 {
		t.Fatalf("expected 3 endpoints, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Identity >= all[i].Identity {
			t.Error("All() not sorted by identity")
		}
	}
}

func TestRegistryStats(t *testing.T) {
	r := NewRegistry(newFakeClock())
	r.Register("a", "10.20.0.1", NewChannel(NewMockConn(), nil))
	r.Register("b", "10.20.0.2", nil)

	stats := r.Stats()
	if stats.TotalEndpoints != 2 {
		t.Errorf("expected 2 endpoints, got %d", stats.TotalEndpoints)
	}
	if stats.OnlineEndpoints != 1 {
		t.Errorf("expected 1 online, got %d", stats.OnlineEndpoints)
	}
	if stats.String() == "" {
		t.Error("String() should not be empty")
	}
}

func TestRegistryConcurrentRegister(t *testing.T) {
	r := NewRegistry(nil)

	var wg sync.WaitGroup
	ids := make([]types.Identity, 200)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ep, _, _, err := r.Register(types.Identity(i).String()+"-tok", "10.20.0.1", nil)
			if err != nil {
				t.Errorf("register: %v", err)
				return
			}
			ids[i] = ep.Identity
		}(i)
	}
	wg.Wait()

	seen := make(map[types.Identity]bool)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("identity %d issued twice", id)
		}
		seen[id] = true
	}
	if r.Count() != len(ids) {
		t.Errorf("expected %d endpoints, got %d", len(ids), r.Count())
	}
}
