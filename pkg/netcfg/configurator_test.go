package netcfg

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockGateway struct {
	m mock.Mock
}

func (g *MockGateway) AddAllow(ctx context.Context, ip string) bool {
	return g.m.Called(ip).Bool(0)
}

func (g *MockGateway) RemoveAllow(ctx context.Context, ip string) bool {
	return g.m.Called(ip).Bool(0)
}

func (g *MockGateway) AddHostRoute(ctx context.Context, dst, gw string) bool {
	return g.m.Called(dst, gw).Bool(0)
}

func (g *MockGateway) RemoveHostRoute(ctx context.Context, dst string) bool {
	return g.m.Called(dst).Bool(0)
}

func newTestConfigurator(t *testing.T, gw Gateway) *Configurator {
	t.Helper()
	subnets, err := NewSubnetMap(nil)
	require.NoError(t, err)
	return NewConfigurator(gw, subnets)
}

func TestConfigurator_RouteGateway(t *testing.T) {
	c := newTestConfigurator(t, &MockGateway{})

	require.Equal(t, "10.20.0.1", c.RouteGateway("10.20.1.5", "10.20.7.9"))
	require.Equal(t, "", c.RouteGateway("10.20.1.5", "10.24.7.9"), "different segment needs no route")
	require.Equal(t, "", c.RouteGateway("192.168.1.5", "192.168.1.9"), "unmapped segment has no gateway")
}

func TestConfigurator_ApplyFirewallOnly(t *testing.T) {
	gw := &MockGateway{}
	gw.m.On("AddAllow", "10.24.7.9").Return(true)
	c := newTestConfigurator(t, gw)

	require.NoError(t, c.Apply(context.Background(), "10.24.7.9", ""))
	gw.m.AssertExpectations(t)
	gw.m.AssertNotCalled(t, "AddHostRoute", mock.Anything, mock.Anything)
}

func TestConfigurator_ApplyWithRoute(t *testing.T) {
	gw := &MockGateway{}
	gw.m.On("AddAllow", "10.20.7.9").Return(true)
	gw.m.On("AddHostRoute", "10.20.7.9", "10.20.0.1").Return(true)
	c := newTestConfigurator(t, gw)

	require.NoError(t, c.Apply(context.Background(), "10.20.7.9", "10.20.0.1"))
	gw.m.AssertExpectations(t)
	gw.m.AssertNotCalled(t, "RemoveAllow", mock.Anything)
}

func TestConfigurator_FirewallFailureSkipsRoute(t *testing.T) {
	gw := &MockGateway{}
	gw.m.On("AddAllow", "10.20.7.9").Return(false)
	c := newTestConfigurator(t, gw)

	err := c.Apply(context.Background(), "10.20.7.9", "10.20.0.1")
	require.ErrorIs(t, err, ErrFirewall)
	gw.m.AssertNotCalled(t, "AddHostRoute", mock.Anything, mock.Anything)
	gw.m.AssertNotCalled(t, "RemoveAllow", mock.Anything)
}

func TestConfigurator_RouteFailureRollsBack(t *testing.T) {
	gw := &MockGateway{}
	gw.m.On("AddAllow", "10.20.7.9").Return(true)
	gw.m.On("AddHostRoute", "10.20.7.9", "10.20.0.1").Return(false)
	gw.m.On("RemoveAllow", "10.20.7.9").Return(true)
	c := newTestConfigurator(t, gw)

	err := c.Apply(context.Background(), "10.20.7.9", "10.20.0.1")
	require.ErrorIs(t, err, ErrRoute)
	gw.m.AssertExpectations(t)
	gw.m.AssertNumberOfCalls(t, "RemoveAllow", 1)
}

func TestConfigurator_ExpiredBudgetRollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	gw := &MockGateway{}
	gw.m.On("AddAllow", "10.20.7.9").Return(true).Run(func(mock.Arguments) { cancel() })
	gw.m.On("RemoveAllow", "10.20.7.9").Return(true)
	c := newTestConfigurator(t, gw)

	err := c.Apply(ctx, "10.20.7.9", "10.20.0.1")
	require.ErrorIs(t, err, ErrRoute)
	require.ErrorContains(t, err, context.Canceled.Error())
	gw.m.AssertNotCalled(t, "AddHostRoute", mock.Anything, mock.Anything)
	gw.m.AssertNumberOfCalls(t, "RemoveAllow", 1)
}

func TestConfigurator_ApplyRejectsBadAddresses(t *testing.T) {
	c := newTestConfigurator(t, &MockGateway{})

	require.ErrorIs(t, c.Apply(context.Background(), "not-an-ip", ""), ErrInvalidAddress)
	require.ErrorIs(t, c.Apply(context.Background(), "10.20.7.9", "10.20.0"), ErrInvalidAddress)
}

func TestConfigurator_TeardownAttemptsBoth(t *testing.T) {
	gw := &MockGateway{}
	gw.m.On("RemoveAllow", "10.20.7.9").Return(false)
	gw.m.On("RemoveHostRoute", "10.20.7.9").Return(true)
	c := newTestConfigurator(t, gw)

	err := c.Teardown(context.Background(), "10.20.7.9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "firewall")
	assert.NotContains(t, err.Error(), "route")
	gw.m.AssertExpectations(t)
}

func TestConfigurator_TeardownClean(t *testing.T) {
	gw := &MockGateway{}
	gw.m.On("RemoveAllow", "10.20.7.9").Return(true)
	gw.m.On("RemoveHostRoute", "10.20.7.9").Return(true)
	c := newTestConfigurator(t, gw)

	require.NoError(t, c.Teardown(context.Background(), "10.20.7.9"))
}
