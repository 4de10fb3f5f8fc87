// Package netcfg applies and removes the local firewall exceptions and host
// routes that let two endpoints on an isolated network reach each other.
package netcfg

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
)

var packageLogger = log.WithField("package", "netcfg")

// Gateway is the set of OS network primitives. Every call is idempotent and
// reports failure as false rather than an error; the caller decides what a
// failure means.
type Gateway interface {
	// AddAllow permits inbound and outbound traffic with ip.
	AddAllow(ctx context.Context, ip string) bool
	// RemoveAllow drops the exception for ip.
	RemoveAllow(ctx context.Context, ip string) bool
	// AddHostRoute routes dst (as a /32) via gw.
	AddHostRoute(ctx context.Context, dst, gw string) bool
	// RemoveHostRoute drops the host route for dst.
	RemoveHostRoute(ctx context.Context, dst string) bool
}

var (
	// ErrFirewall means the firewall exception could not be added.
	ErrFirewall = errors.New("firewall exception failed")
	// ErrRoute means the host route could not be added. The firewall
	// exception has been rolled back.
	ErrRoute = errors.New("host route failed")
	// ErrInvalidAddress is returned for anything that is not dotted-quad IPv4.
	ErrInvalidAddress = errors.New("invalid IPv4 address")
)
