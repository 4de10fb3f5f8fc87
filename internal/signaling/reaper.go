package signaling

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Reaper evicts endpoints that stopped sending heartbeats.
type Reaper struct {
	broker     *Broker
	registry   *Registry
	admissions *Admissions
	clock      Clock

	Interval time.Duration // time between sweeps
	Timeout  time.Duration // heartbeat age that counts as dead

	Logger *log.Entry
}

// NewReaper creates a reaper. admissions may be nil.
func NewReaper(broker *Broker, registry *Registry, admissions *Admissions, clock Clock) *Reaper {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Reaper{
		broker:     broker,
		registry:   registry,
		admissions: admissions,
		clock:      clock,
		Interval:   1 * time.Minute,
		Timeout:    2 * time.Minute,
		Logger:     packageLogger.WithField("subpack", "reaper"),
	}
}

// Run sweeps every Interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep removes every endpoint whose last heartbeat is older than Timeout
// and returns how many were removed. Each removal is independent; one
// endpoint's cascade never stops the sweep.
func (r *Reaper) Sweep(ctx context.Context) int {
	now := r.clock.Now()
	cutoff := now.Add(-r.Timeout)

	removed := 0
	for _, ep := range r.registry.Stale(cutoff) {
		if r.broker.RemoveStale(ctx, ep.Identity, cutoff) {
			r.Logger.WithFields(log.Fields{
				"identity":       ep.Identity,
				"last_heartbeat": ep.LastHeartbeat().Format(time.RFC3339),
			}).Info("reaped silent endpoint")
			removed++
		}
	}

	expired := 0
	if r.admissions != nil {
		expired = r.admissions.Expire(now)
	}

	if removed > 0 || expired > 0 {
		r.Logger.WithFields(log.Fields{"endpoints": removed, "admissions": expired}).Info("sweep complete")
	}
	return removed
}
