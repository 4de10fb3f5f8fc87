package client

import (
	"context"
	"fmt"

	"github.com/saintparish4/intercon/pkg/types"
)

// Decision is a policy's answer to an inbound connection request.
type Decision int

const (
	// DecisionDefer leaves the request waiting for Accept or Reject.
	DecisionDefer Decision = iota
	DecisionAccept
	DecisionReject
)

// Request describes an inbound connection request.
type Request struct {
	Peer    types.Identity
	Address string
}

// Policy decides inbound requests. Decide runs on its own goroutine; ctx is
// cancelled when the requester withdraws or the broker expires the request.
type Policy interface {
	Decide(ctx context.Context, req Request) Decision
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, req Request) Decision

// Decide calls f.
func (f PolicyFunc) Decide(ctx context.Context, req Request) Decision {
	return f(ctx, req)
}

// Built-in policies.
var (
	AutoAccept Policy = PolicyFunc(func(context.Context, Request) Decision { return DecisionAccept })
	AutoReject Policy = PolicyFunc(func(context.Context, Request) Decision { return DecisionReject })
	Manual     Policy = PolicyFunc(func(context.Context, Request) Decision { return DecisionDefer })
)

// Policy mode names accepted by ParsePolicy.
const (
	ModeManual     = "manual"
	ModeAutoAccept = "auto-accept"
	ModeAutoReject = "auto-reject"
)

// ParsePolicy returns the built-in policy named by mode.
func ParsePolicy(mode string) (Policy, error) {
	switch mode {
	case ModeManual, "":
		return Manual, nil
	case ModeAutoAccept:
		return AutoAccept, nil
	case ModeAutoReject:
		return AutoReject, nil
	}
	return nil, fmt.Errorf("unknown policy %q (want %s, %s or %s)", mode, ModeManual, ModeAutoAccept, ModeAutoReject)
}
