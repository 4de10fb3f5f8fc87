package client

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saintparish4/intercon/internal/signaling"
	"github.com/saintparish4/intercon/pkg/types"
)

type node struct {
	ch   *Channel
	orch *Orchestrator
	net  *fakeNetwork
}

func startNode(t *testing.T, url, address string, policy Policy) *node {
	t.Helper()
	n := &node{net: &fakeNetwork{}}

	cfg := DefaultOrchestratorConfig()
	cfg.RequestTimeout = 5 * time.Second

	// The orchestrator needs the channel and the channel needs the
	// orchestrator's handler, so route through a closure.
	var orch atomic.Pointer[Orchestrator]
	ch, _, _ := runChannel(t, url, address, func(m *signaling.Message) {
		if o := orch.Load(); o != nil {
			o.HandleMessage(m)
		}
	})
	n.ch, n.orch = ch, NewOrchestrator(ch, n.net, policy, cfg)
	orch.Store(n.orch)
	return n
}

func (n *node) applied() []applyCall {
	n.net.mu.Lock()
	defer n.net.mu.Unlock()
	return append([]applyCall(nil), n.net.applied...)
}

func TestEndToEndAcceptAndDisconnect(t *testing.T) {
	server, ts := newBroker(t)
	a := startNode(t, ts.URL, "10.20.1.5", Manual)
	b := startNode(t, ts.URL, "10.20.7.9", AutoAccept)

	ctx := context.Background()
	res, err := a.orch.Connect(ctx, b.ch.Identity().String(), nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeConnected, res.Outcome, res.Cause)
	assert.Equal(t, "10.20.7.9", res.Address)
	assert.Equal(t, []applyCall{{"10.20.7.9", "10.20.0.1"}}, a.applied())

	require.Eventually(t, func() bool {
		rec, ok := b.orch.Records().Get(a.ch.Identity())
		return ok && rec.Status == StatusConnected
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []applyCall{{"10.20.1.5", "10.20.0.1"}}, b.applied())
	assert.True(t, server.Links().Linked(a.ch.Identity(), b.ch.Identity()))

	// Asking again is answered locally.
	res, err = a.orch.Connect(ctx, b.ch.Identity().String(), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyLinked, res.Outcome)

	require.NoError(t, a.orch.Disconnect(ctx, b.ch.Identity()))
	assert.Equal(t, 0, a.orch.Records().Len())
	require.Eventually(t, func() bool { return b.orch.Records().Len() == 0 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"10.20.1.5"}, b.net.teardowns())
	assert.Equal(t, 0, server.Links().Count())
}

func TestEndToEndRejectThenCooldown(t *testing.T) {
	_, ts := newBroker(t)
	a := startNode(t, ts.URL, "10.20.1.5", Manual)
	c := startNode(t, ts.URL, "10.24.3.3", AutoReject)

	ctx := context.Background()
	res, err := a.orch.Connect(ctx, c.ch.Identity().String(), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)

	res, err = a.orch.Connect(ctx, c.ch.Identity().String(), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, signaling.FailureCoolingDown, res.Code)
	assert.Empty(t, a.applied())
}

func TestEndToEndUnknownTarget(t *testing.T) {
	_, ts := newBroker(t)
	a := startNode(t, ts.URL, "10.20.1.5", Manual)

	target := types.Identity(999999)
	if target == a.ch.Identity() {
		target--
	}
	res, err := a.orch.Connect(context.Background(), target.String(), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, signaling.FailureTargetNotFound, res.Code)
}

func TestEndToEndManualAnswer(t *testing.T) {
	server, ts := newBroker(t)
	a := startNode(t, ts.URL, "10.20.1.5", Manual)
	b := startNode(t, ts.URL, "10.20.7.9", Manual)

	done := make(chan Result, 1)
	go func() {
		res, _ := a.orch.Connect(context.Background(), b.ch.Identity().String(), nil)
		done <- res
	}()

	require.Eventually(t, func() bool { return len(b.orch.Pending()) == 1 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, b.orch.Accept(a.ch.Identity()))

	select {
	case res := <-done:
		assert.Equal(t, OutcomeConnected, res.Outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not return")
	}
	assert.Equal(t, 1, server.Links().Count())
}
