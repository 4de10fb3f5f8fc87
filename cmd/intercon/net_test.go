package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saintparish4/intercon/pkg/netcfg"
)

type fakeGateway struct {
	calls     []string
	failRoute bool
	failAllow bool
}

func (g *fakeGateway) AddAllow(_ context.Context, ip string) bool {
	g.calls = append(g.calls, "allow "+ip)
	return !g.failAllow
}

func (g *fakeGateway) RemoveAllow(_ context.Context, ip string) bool {
	g.calls = append(g.calls, "unallow "+ip)
	return !g.failAllow
}

func (g *fakeGateway) AddHostRoute(_ context.Context, dst, gw string) bool {
	g.calls = append(g.calls, "route "+dst+" "+gw)
	return !g.failRoute
}

func (g *fakeGateway) RemoveHostRoute(_ context.Context, dst string) bool {
	g.calls = append(g.calls, "unroute "+dst)
	return !g.failRoute
}

func newTestConfigurator(t *testing.T, gw netcfg.Gateway) *netcfg.Configurator {
	t.Helper()
	subnets, err := netcfg.NewSubnetMap(nil)
	require.NoError(t, err)
	return netcfg.NewConfigurator(gw, subnets)
}

func TestNetAdd(t *testing.T) {
	gw := &fakeGateway{}
	out := &bytes.Buffer{}
	require.NoError(t, netAdd(context.Background(), newTestConfigurator(t, gw), out, "10.20.7.9", "10.20.0.1"))
	assert.Equal(t, []string{"allow 10.20.7.9", "route 10.20.7.9 10.20.0.1"}, gw.calls)
	assert.Contains(t, out.String(), "route to 10.20.7.9 via 10.20.0.1 added")
}

func TestNetAddForeignGatewaySkipsRoute(t *testing.T) {
	gw := &fakeGateway{}
	out := &bytes.Buffer{}
	require.NoError(t, netAdd(context.Background(), newTestConfigurator(t, gw), out, "10.20.7.9", "10.24.0.1"))
	assert.Equal(t, []string{"allow 10.20.7.9"}, gw.calls)
	assert.Contains(t, out.String(), "skipping the route")
}

func TestNetAddRouteFailureRollsBack(t *testing.T) {
	gw := &fakeGateway{failRoute: true}
	err := netAdd(context.Background(), newTestConfigurator(t, gw), &bytes.Buffer{}, "10.20.7.9", "10.20.0.1")
	assert.ErrorIs(t, err, netcfg.ErrRoute)
	assert.Equal(t, []string{"allow 10.20.7.9", "route 10.20.7.9 10.20.0.1", "unallow 10.20.7.9"}, gw.calls)
}

func TestNetAddInvalid(t *testing.T) {
	gw := &fakeGateway{}
	err := netAdd(context.Background(), newTestConfigurator(t, gw), &bytes.Buffer{}, "10.20.7", "")
	assert.ErrorIs(t, err, netcfg.ErrInvalidAddress)
	assert.Empty(t, gw.calls)
}

func TestNetRemove(t *testing.T) {
	gw := &fakeGateway{failRoute: true}
	out := &bytes.Buffer{}
	require.NoError(t, netRemove(context.Background(), gw, out, "10.20.7.9"))
	assert.Equal(t, []string{"unallow 10.20.7.9", "unroute 10.20.7.9"}, gw.calls)
	assert.Contains(t, out.String(), "could not remove route")

	gw = &fakeGateway{failRoute: true, failAllow: true}
	assert.Error(t, netRemove(context.Background(), gw, &bytes.Buffer{}, "10.20.7.9"))
}

func TestBrokerRoute(t *testing.T) {
	subnets, err := netcfg.NewSubnetMap(nil)
	require.NoError(t, err)

	host, gw, ok := brokerRoute("http://10.1.2.3:8080", "10.20.1.5", subnets)
	require.True(t, ok)
	assert.Equal(t, "10.1.2.3", host)
	assert.Equal(t, "10.20.0.1", gw)

	_, _, ok = brokerRoute("http://broker.local:8080", "10.20.1.5", subnets)
	assert.False(t, ok)

	_, _, ok = brokerRoute("http://10.1.2.3:8080", "192.168.1.5", subnets)
	assert.False(t, ok)
}

func TestAnnounceAddressOverride(t *testing.T) {
	subnets, err := netcfg.NewSubnetMap(nil)
	require.NoError(t, err)

	addr, err := announceAddress("10.20.1.5", "http://localhost:8080", subnets)
	require.NoError(t, err)
	assert.Equal(t, "10.20.1.5", addr)

	_, err = announceAddress("10.20.1", "http://localhost:8080", subnets)
	assert.ErrorIs(t, err, netcfg.ErrInvalidAddress)
}
