package netcfg

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Configurator turns a peer address into local network state, all or
// nothing: if the route step fails the firewall exception is removed again.
type Configurator struct {
	gw      Gateway
	subnets *SubnetMap

	Logger *log.Entry
}

// NewConfigurator creates a configurator over gw.
func NewConfigurator(gw Gateway, subnets *SubnetMap) *Configurator {
	return &Configurator{
		gw:      gw,
		subnets: subnets,
		Logger:  packageLogger.WithField("subpack", "configurator"),
	}
}

// RouteGateway decides which gateway, if any, the host route to peer should
// use given the local address. Peers on the local segment are routed through
// the segment gateway; anything else needs no route.
func (c *Configurator) RouteGateway(local, peer string) string {
	if !SameSubnet(local, peer) {
		return ""
	}
	gw, _ := c.subnets.GatewayFor(local)
	return gw
}

// Apply adds the firewall exception for peer and, when gateway is set, the
// host route via gateway. On any failure nothing is left behind.
func (c *Configurator) Apply(ctx context.Context, peer, gateway string) error {
	if !ValidIPv4(peer) {
		return fmt.Errorf("peer %q: %w", peer, ErrInvalidAddress)
	}
	if gateway != "" && !ValidIPv4(gateway) {
		return fmt.Errorf("gateway %q: %w", gateway, ErrInvalidAddress)
	}

	logger := c.Logger.WithFields(log.Fields{"peer": peer, "gateway": gateway})

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrFirewall, err)
	}
	if !c.gw.AddAllow(ctx, peer) {
		logger.Warn("firewall exception failed")
		return fmt.Errorf("%w for %s", ErrFirewall, peer)
	}

	if gateway == "" {
		logger.Info("peer configured")
		return nil
	}

	var routeErr error
	if err := ctx.Err(); err != nil {
		routeErr = fmt.Errorf("%w: %v", ErrRoute, err)
	} else if !c.gw.AddHostRoute(ctx, peer, gateway) {
		routeErr = fmt.Errorf("%w for %s via %s", ErrRoute, peer, gateway)
	}
	if routeErr != nil {
		// Rollback runs on a fresh context so an expired deadline cannot
		// leave the exception behind.
		if !c.gw.RemoveAllow(context.WithoutCancel(ctx), peer) {
			logger.Error("rollback of firewall exception failed")
		}
		logger.WithError(routeErr).Warn("route failed, firewall exception rolled back")
		return routeErr
	}

	logger.Info("peer configured")
	return nil
}

// Teardown removes both the firewall exception and the host route for peer.
// Both removals are always attempted; the returned error reports whichever
// failed and is meant for logging only.
func (c *Configurator) Teardown(ctx context.Context, peer string) error {
	var errs []error
	if !c.gw.RemoveAllow(ctx, peer) {
		errs = append(errs, fmt.Errorf("remove firewall exception for %s", peer))
	}
	if !c.gw.RemoveHostRoute(ctx, peer) {
		errs = append(errs, fmt.Errorf("remove host route for %s", peer))
	}

	err := errors.Join(errs...)
	if err != nil {
		c.Logger.WithField("peer", peer).WithError(err).Warn("teardown incomplete")
	}
	return err
}
