package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/saintparish4/intercon/pkg/types"
)

var (
	packageLogger = log.WithField("package", "signaling")
	brokerLogger  = packageLogger.WithField("subpack", "broker")
)

// BrokerConfig holds the request policy.
type BrokerConfig struct {
	// RequestTimeout is how long a target has to answer.
	RequestTimeout time.Duration
	// RejectCooldown is the wait after an explicit reject before the same
	// requester may ask the same target again.
	RejectCooldown time.Duration
	// MaxRejects is the reject count at which the pair is blocked for good.
	MaxRejects int
}

// DefaultBrokerConfig returns the standard request policy.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		RequestTimeout: 30 * time.Second,
		RejectCooldown: 1 * time.Minute,
		MaxRejects:     3,
	}
}

// pendingRequest is an unanswered request. At most one exists per requester.
type pendingRequest struct {
	requester types.Identity
	target    types.Identity
	createdAt time.Time
	timer     Timer
}

type pairKey struct {
	requester types.Identity
	target    types.Identity
}

// RejectRecord counts explicit rejections for a (requester, target) pair.
// Records are never deleted.
type RejectRecord struct {
	Count      int
	LastReject time.Time
}

// Broker is the connection signaling state machine. It decides whether a
// request may proceed, relays it to the target, and turns the answer (or its
// absence) into exactly one terminal notification per side.
type Broker struct {
	registry *Registry
	links    *LinkTable
	clock    Clock
	metrics  *Metrics
	tracer   trace.Tracer
	cfg      BrokerConfig

	// mu guards pending and rejects together so the duplicate check and
	// the insert are one step.
	mu      sync.Mutex
	pending map[types.Identity]*pendingRequest // requester -> request
	rejects map[pairKey]*RejectRecord

	Logger *log.Entry
}

// NewBroker creates a broker over registry and links. metrics may be nil.
func NewBroker(registry *Registry, links *LinkTable, clock Clock, metrics *Metrics, cfg BrokerConfig) *Broker {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Broker{
		registry: registry,
		links:    links,
		clock:    clock,
		metrics:  metrics,
		tracer:   otel.Tracer("github.com/saintparish4/intercon/internal/signaling"),
		cfg:      cfg,
		pending:  make(map[types.Identity]*pendingRequest),
		rejects:  make(map[pairKey]*RejectRecord),
		Logger:   brokerLogger,
	}
}

// Request starts a connection attempt from requester to target. On a policy
// failure the requester is sent CONNECTION_FAILED and the code is returned;
// otherwise the target is sent CONNECTION_REQUEST and FailureNone is returned.
func (b *Broker) Request(ctx context.Context, requester, target types.Identity) FailureCode {
	_, span := b.startSpan(ctx, "broker.Request", requester, target)
	defer span.End()

	code, msg := b.admit(requester, target)
	span.SetAttributes(attribute.String("outcome", outcomeLabel(code)))

	from := b.registry.Lookup(requester)
	if code != FailureNone {
		b.metrics.request(string(code))
		b.Logger.WithFields(log.Fields{"requester": requester, "target": target, "code": code}).Debug("request refused")
		if from != nil {
			b.notify(from, NewFailureMessage(target, code, msg))
		}
		return code
	}

	to := b.registry.Lookup(target)
	if to == nil || from == nil {
		// Removed between admit and here. The removal cascade may have run
		// before the pending request was recorded, so drop it ourselves.
		b.take(requester, target)
		return FailureTargetNotFound
	}

	b.Logger.WithFields(log.Fields{"requester": requester, "target": target}).Info("relaying connection request")
	b.notify(to, NewMessage(MessageTypeConnectionRequest).
		WithPeerID(requester).
		WithAddress(from.Address()))
	return FailureNone
}

// admit runs the policy checks and, on success, records the pending request
// and arms its timeout.
func (b *Broker) admit(requester, target types.Identity) (FailureCode, string) {
	if !target.Valid() || target == requester {
		return FailureInvalidTarget, ""
	}
	if !b.registry.Exists(requester) {
		return FailureNotRegistered, ""
	}

	to := b.registry.Lookup(target)
	if to == nil {
		return FailureTargetNotFound, ""
	}
	if !to.Online() {
		return FailureTargetOffline, ""
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, busy := b.pending[requester]; busy {
		return FailureDuplicateRequest, ""
	}

	now := b.clock.Now()
	if rec, ok := b.rejects[pairKey{requester, target}]; ok {
		if rec.Count >= b.cfg.MaxRejects {
			return FailurePermanentlyRejected, ""
		}
		if wait := b.cfg.RejectCooldown - now.Sub(rec.LastReject); wait > 0 {
			return FailureCoolingDown, fmt.Sprintf("%s, retry in %s", FailureCoolingDown.Text(), wait.Round(time.Second))
		}
	}

	p := &pendingRequest{requester: requester, target: target, createdAt: now}
	p.timer = b.clock.AfterFunc(b.cfg.RequestTimeout, func() { b.expire(p) })
	b.pending[requester] = p
	return FailureNone, ""
}

// expire handles the timeout of p. It does nothing if p was already
// answered, cancelled, or dropped.
func (b *Broker) expire(p *pendingRequest) {
	b.mu.Lock()
	if b.pending[p.requester] != p {
		b.mu.Unlock()
		return
	}
	delete(b.pending, p.requester)
	b.mu.Unlock()

	b.metrics.request(string(FailureTimeout))
	b.Logger.WithFields(log.Fields{"requester": p.requester, "target": p.target}).Info("connection request timed out")

	if from := b.registry.Lookup(p.requester); from != nil {
		b.notify(from, NewMessage(MessageTypeConnectionRejected).
			WithPeerID(p.target).
			WithPayload(RejectionPayload{TimedOut: true}))
	}
	if to := b.registry.Lookup(p.target); to != nil {
		b.notify(to, NewMessage(MessageTypeConnectionTimeout).WithPeerID(p.requester))
	}
}

// take removes the pending request requester -> target and stops its timer.
// Returns nil when there is no such request.
func (b *Broker) take(requester, target types.Identity) *pendingRequest {
	b.mu.Lock()
	p, ok := b.pending[requester]
	if !ok || p.target != target {
		b.mu.Unlock()
		return nil
	}
	delete(b.pending, requester)
	b.mu.Unlock()

	p.timer.Stop()
	return p
}

// Accept is the target's positive answer. Returns false when there was no
// matching pending request.
func (b *Broker) Accept(ctx context.Context, target, requester types.Identity) bool {
	_, span := b.startSpan(ctx, "broker.Accept", requester, target)
	defer span.End()

	if b.take(requester, target) == nil {
		return false
	}

	from := b.registry.Lookup(requester)
	to := b.registry.Lookup(target)
	if from == nil || to == nil {
		if to != nil {
			b.notify(to, NewMessage(MessageTypeConnectionCancelled).WithPeerID(requester))
		}
		return false
	}

	b.links.Link(requester, target)
	b.metrics.request("accepted")
	b.Logger.WithFields(log.Fields{"requester": requester, "target": target}).Info("link established")

	b.notify(from, NewMessage(MessageTypeConnectionEstablished).
		WithPeerID(target).
		WithAddress(to.Address()))
	b.notify(to, NewMessage(MessageTypeConnectionEstablished).
		WithPeerID(requester).
		WithAddress(from.Address()))
	return true
}

// Reject is the target's negative answer. It counts towards the pair's
// reject history.
func (b *Broker) Reject(ctx context.Context, target, requester types.Identity) bool {
	_, span := b.startSpan(ctx, "broker.Reject", requester, target)
	defer span.End()

	if b.take(requester, target) == nil {
		return false
	}

	b.mu.Lock()
	key := pairKey{requester, target}
	rec, ok := b.rejects[key]
	if !ok {
		rec = &RejectRecord{}
		b.rejects[key] = rec
	}
	rec.Count++
	rec.LastReject = b.clock.Now()
	count := rec.Count
	b.mu.Unlock()

	b.metrics.request("rejected")
	b.Logger.WithFields(log.Fields{"requester": requester, "target": target, "rejects": count}).Info("connection rejected")

	if from := b.registry.Lookup(requester); from != nil {
		b.notify(from, NewMessage(MessageTypeConnectionRejected).
			WithPeerID(target).
			WithPayload(RejectionPayload{TimedOut: false}))
	}
	return true
}

// Cancel withdraws the requester's pending request to target.
func (b *Broker) Cancel(ctx context.Context, requester, target types.Identity) bool {
	_, span := b.startSpan(ctx, "broker.Cancel", requester, target)
	defer span.End()

	if b.take(requester, target) == nil {
		return false
	}

	b.metrics.request("cancelled")
	if from := b.registry.Lookup(requester); from != nil {
		b.notify(from, NewMessage(MessageTypeConnectionCancelled).WithPeerID(target))
	}
	if to := b.registry.Lookup(target); to != nil {
		b.notify(to, NewMessage(MessageTypeConnectionCancelled).WithPeerID(requester))
	}
	return true
}

// Disconnect removes the link between requester and peer and tells the peer.
func (b *Broker) Disconnect(ctx context.Context, requester, peer types.Identity) bool {
	_, span := b.startSpan(ctx, "broker.Disconnect", requester, peer)
	defer span.End()

	if !b.links.Unlink(requester, peer) {
		return false
	}

	var addr string
	if from := b.registry.Lookup(requester); from != nil {
		addr = from.Address()
	}
	b.Logger.WithFields(log.Fields{"from": requester, "peer": peer}).Info("link removed")

	if to := b.registry.Lookup(peer); to != nil {
		b.notify(to, NewMessage(MessageTypePeerDisconnected).
			WithPeerID(requester).
			WithAddress(addr))
	}
	return true
}

// RemoveEndpoint removes id from the broker and cascades. A second removal
// of the same identity is a no-op.
func (b *Broker) RemoveEndpoint(ctx context.Context, id types.Identity) bool {
	ctx, span := b.startSpan(ctx, "broker.RemoveEndpoint", id, 0)
	defer span.End()

	ep, ok := b.registry.Remove(id)
	if !ok {
		return false
	}
	b.cascade(ctx, ep)
	return true
}

// RemoveStale removes id only if it has not heartbeated since cutoff.
func (b *Broker) RemoveStale(ctx context.Context, id types.Identity, cutoff time.Time) bool {
	ctx, span := b.startSpan(ctx, "broker.RemoveStale", id, 0)
	defer span.End()

	ep, ok := b.registry.RemoveIfStale(id, cutoff)
	if !ok {
		return false
	}
	b.metrics.reaped()
	b.cascade(ctx, ep)
	return true
}

// cascade releases everything that referenced a removed endpoint: its
// links, and pending requests on either side.
func (b *Broker) cascade(_ context.Context, ep *Endpoint) {
	id := ep.Identity
	addr := ep.Address()
	logger := b.Logger.WithFields(log.Fields{"identity": id, "address": addr})

	if ch := ep.Channel(); ch != nil {
		ch.Close()
	}

	for _, peer := range b.links.RemoveEndpoint(id) {
		if to := b.registry.Lookup(peer); to != nil {
			b.notify(to, NewMessage(MessageTypePeerDisconnected).
				WithPeerID(id).
				WithAddress(addr))
		}
	}

	var dropped []*pendingRequest
	b.mu.Lock()
	for requester, p := range b.pending {
		if p.requester == id || p.target == id {
			delete(b.pending, requester)
			dropped = append(dropped, p)
		}
	}
	b.mu.Unlock()

	for _, p := range dropped {
		p.timer.Stop()
		if p.requester == id {
			b.metrics.request("cancelled")
			if to := b.registry.Lookup(p.target); to != nil {
				b.notify(to, NewMessage(MessageTypeConnectionCancelled).WithPeerID(id))
			}
			continue
		}
		b.metrics.request(string(FailureTargetOffline))
		if from := b.registry.Lookup(p.requester); from != nil {
			b.notify(from, NewFailureMessage(id, FailureTargetOffline, ""))
		}
	}

	logger.WithField("dropped_requests", len(dropped)).Info("endpoint removed")
}

// HasPending reports whether requester has an outstanding request.
func (b *Broker) HasPending(requester types.Identity) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[requester]
	return ok
}

// PendingCount returns the number of outstanding requests.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// RejectHistory returns a copy of the pair's reject record.
func (b *Broker) RejectHistory(requester, target types.Identity) RejectRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.rejects[pairKey{requester, target}]; ok {
		return *rec
	}
	return RejectRecord{}
}

// notify sends msg to ep. Delivery failures are logged; the liveness reaper
// deals with endpoints that stay unreachable.
func (b *Broker) notify(ep *Endpoint, msg *Message) {
	if err := ep.Send(msg); err != nil {
		b.Logger.WithFields(log.Fields{
			"identity": ep.Identity,
			"type":     msg.Type,
		}).WithError(err).Debug("notification not delivered")
	}
}

func (b *Broker) startSpan(ctx context.Context, name string, a, c types.Identity) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.Int("intercon.identity", int(a))}
	if c != 0 {
		attrs = append(attrs, attribute.Int("intercon.peer", int(c)))
	}
	return b.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func outcomeLabel(code FailureCode) string {
	if code == FailureNone {
		return "pending"
	}
	return string(code)
}
