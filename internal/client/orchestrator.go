package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/saintparish4/intercon/internal/signaling"
	"github.com/saintparish4/intercon/pkg/netcfg"
	"github.com/saintparish4/intercon/pkg/types"
)

// Local failures of Connect. Remote outcomes are reported in Result.
var (
	ErrInvalidTarget     = errors.New("invalid target identity")
	ErrSelfTarget        = errors.New("cannot connect to yourself")
	ErrAttemptInProgress = errors.New("another connection attempt is in progress")
	ErrNoRequest         = errors.New("no pending request from that peer")
	ErrNotLinked         = errors.New("not linked with that peer")
)

// Signaler is the broker side of the orchestrator.
type Signaler interface {
	Send(msg *signaling.Message) error
	Identity() types.Identity
	Address() string
}

// Network applies local network state for a peer. netcfg.Configurator
// satisfies it.
type Network interface {
	RouteGateway(local, peer string) string
	Apply(ctx context.Context, peer, gateway string) error
	Teardown(ctx context.Context, peer string) error
}

// Outcome is how a connection attempt ended.
type Outcome int

const (
	OutcomeConnected Outcome = iota
	OutcomeAlreadyLinked
	OutcomeRejected
	OutcomeTimeout
	OutcomeFailed
	OutcomeCancelled
	OutcomeConfigurationFailed
)

var outcomeNames = map[Outcome]string{
	OutcomeConnected:           "connected",
	OutcomeAlreadyLinked:       "already-linked",
	OutcomeRejected:            "rejected",
	OutcomeTimeout:             "timeout",
	OutcomeFailed:              "failed",
	OutcomeCancelled:           "cancelled",
	OutcomeConfigurationFailed: "configuration-failed",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result describes a finished attempt.
type Result struct {
	Outcome Outcome
	Peer    types.Identity
	Address string
	Code    signaling.FailureCode // set for OutcomeFailed
	Cause   string                // human readable
	Err     error                 // set for OutcomeConfigurationFailed
}

// Step names a stage of an outbound attempt.
type Step string

// Attempt stages, in order.
const (
	StepValidating  Step = "validating"
	StepRequesting  Step = "requesting"
	StepAwaiting    Step = "awaiting-response"
	StepConfiguring Step = "configuring"
	StepDone        Step = "done"
	StepFailed      Step = "failed"
)

// Progress is one observable stage of an attempt.
type Progress struct {
	Step    Step
	Percent int
	Message string
}

// ProgressFunc receives progress updates. It may be nil.
type ProgressFunc func(Progress)

// EventKind classifies orchestrator events.
type EventKind string

// Event kinds.
const (
	EventRegistered       EventKind = "registered"
	EventIncomingRequest  EventKind = "incoming-request"
	EventRequestWithdrawn EventKind = "request-withdrawn"
	EventLinked           EventKind = "linked"
	EventUnlinked         EventKind = "unlinked"
	EventBrokerError      EventKind = "broker-error"
)

// Event reports something that happened without the user asking for it.
type Event struct {
	Kind    EventKind
	Peer    types.Identity
	Address string
	Message string
	Result  *Result
}

// OrchestratorConfig holds orchestrator settings.
type OrchestratorConfig struct {
	RequestTimeout   time.Duration // bound on waiting for the target's answer
	ConfigureTimeout time.Duration // bound on local firewall and route setup
	TeardownTimeout  time.Duration
	EventBuffer      int
}

// DefaultOrchestratorConfig returns the standard bounds.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		RequestTimeout:   30 * time.Second,
		ConfigureTimeout: 3 * time.Second,
		TeardownTimeout:  5 * time.Second,
		EventBuffer:      64,
	}
}

type attempt struct {
	target types.Identity
	answer chan *signaling.Message
	cancel chan struct{}
	once   sync.Once
}

type inbound struct {
	address string
	cancel  context.CancelFunc
}

// Orchestrator drives outbound attempts, answers inbound requests through a
// Policy and keeps local network state in step with broker links.
type Orchestrator struct {
	cfg     OrchestratorConfig
	signal  Signaler
	network Network
	policy  Policy
	records *Records
	events  chan Event

	mu       sync.Mutex
	current  *attempt
	incoming map[types.Identity]*inbound

	Logger *log.Entry
}

// NewOrchestrator creates an orchestrator. HandleMessage must be wired as
// the channel's message handler.
func NewOrchestrator(signal Signaler, network Network, policy Policy, cfg OrchestratorConfig) *Orchestrator {
	if policy == nil {
		policy = Manual
	}
	return &Orchestrator{
		cfg:      cfg,
		signal:   signal,
		network:  network,
		policy:   policy,
		records:  NewRecords(),
		events:   make(chan Event, cfg.EventBuffer),
		incoming: make(map[types.Identity]*inbound),
		Logger:   packageLogger.WithField("subpack", "orchestrator"),
	}
}

// Events delivers unsolicited events. Events are dropped if nobody reads.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// Records returns the local link table.
func (o *Orchestrator) Records() *Records {
	return o.records
}

// Pending returns the peers whose inbound requests await an answer.
func (o *Orchestrator) Pending() []Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Request, 0, len(o.incoming))
	for peer, in := range o.incoming {
		out = append(out, Request{Peer: peer, Address: in.address})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

func (o *Orchestrator) emit(ev Event) {
	select {
	case o.events <- ev:
	default:
		o.Logger.WithField("kind", ev.Kind).Debug("event dropped")
	}
}

// Connect runs one outbound attempt to the identity typed in input.
// Errors are local faults; remote outcomes come back in Result.
func (o *Orchestrator) Connect(ctx context.Context, input string, progress ProgressFunc) (Result, error) {
	report := func(step Step, pct int, format string, args ...any) {
		if progress != nil {
			progress(Progress{Step: step, Percent: pct, Message: fmt.Sprintf(format, args...)})
		}
	}

	report(StepValidating, 0, "checking identity %q", input)
	target, err := types.ParseIdentity(input)
	if err != nil {
		report(StepFailed, 100, "%v", err)
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	self := o.signal.Identity()
	if self == 0 {
		report(StepFailed, 100, "not registered with broker")
		return Result{}, ErrNotConnected
	}
	if target == self {
		report(StepFailed, 100, "cannot connect to own identity")
		return Result{}, ErrSelfTarget
	}
	if rec, ok := o.records.Get(target); ok && rec.Status != StatusDisconnecting {
		report(StepDone, 100, "already linked with %s", target)
		return Result{Outcome: OutcomeAlreadyLinked, Peer: target, Address: rec.Address, Cause: "already linked"}, nil
	}

	a := &attempt{
		target: target,
		answer: make(chan *signaling.Message, 1),
		cancel: make(chan struct{}),
	}
	o.mu.Lock()
	if o.current != nil {
		o.mu.Unlock()
		return Result{}, ErrAttemptInProgress
	}
	o.current = a
	o.mu.Unlock()
	defer o.release(a)

	logger := o.Logger.WithField("target", target)

	report(StepRequesting, 20, "asking broker for %s", target)
	if err := o.signal.Send(signaling.NewMessage(signaling.MessageTypeRequestConnection).WithPeerID(target)); err != nil {
		report(StepFailed, 100, "%v", err)
		return Result{}, fmt.Errorf("send request: %w", err)
	}

	report(StepAwaiting, 40, "waiting for %s to answer", target)
	timer := time.NewTimer(o.cfg.RequestTimeout)
	defer timer.Stop()

	var res Result
	select {
	case msg := <-a.answer:
		if msg.Type != signaling.MessageTypeConnectionEstablished {
			res = o.resolve(msg)
			break
		}
		report(StepConfiguring, 70, "opening firewall and route for %s", msg.Address)
		res = o.configure(msg.PeerID, msg.Address)
	case <-timer.C:
		o.abandon(a)
		res = Result{Outcome: OutcomeTimeout, Peer: target, Cause: fmt.Sprintf("no answer within %s", o.cfg.RequestTimeout)}
	case <-a.cancel:
		o.abandon(a)
		res = Result{Outcome: OutcomeCancelled, Peer: target, Cause: "cancelled"}
	case <-ctx.Done():
		o.abandon(a)
		res = Result{Outcome: OutcomeCancelled, Peer: target, Cause: ctx.Err().Error()}
	}

	logger.WithFields(log.Fields{"outcome": res.Outcome, "cause": res.Cause}).Info("connection attempt finished")
	if res.Outcome == OutcomeConnected {
		report(StepDone, 100, "connected to %s at %s", target, res.Address)
	} else {
		report(StepFailed, 100, "%s: %s", res.Outcome, res.Cause)
	}
	return res, nil
}

// Cancel aborts the outbound attempt in progress, if any.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	a := o.current
	o.mu.Unlock()
	if a == nil {
		return false
	}
	a.once.Do(func() { close(a.cancel) })
	return true
}

// release frees the attempt slot if a still holds it.
func (o *Orchestrator) release(a *attempt) {
	o.mu.Lock()
	if o.current == a {
		o.current = nil
	}
	o.mu.Unlock()
}

// abandon gives up on a and asks the broker to drop the request. Answers
// arriving from here on take the inbound path; an ESTABLISHED that was
// already queued is configured the same way.
func (o *Orchestrator) abandon(a *attempt) {
	o.release(a)
	select {
	case msg := <-a.answer:
		if msg.Type == signaling.MessageTypeConnectionEstablished {
			o.linked(msg)
		}
	default:
	}
	o.withdraw(a.target)
}

func (o *Orchestrator) withdraw(target types.Identity) {
	if err := o.signal.Send(signaling.NewMessage(signaling.MessageTypeCancelConnection).WithPeerID(target)); err != nil {
		o.Logger.WithError(err).WithField("target", target).Warn("cancel not delivered, broker will expire the request")
	}
}

var causes = map[signaling.FailureCode]string{
	signaling.FailureTargetNotFound:      "no endpoint with that identity is registered",
	signaling.FailureTargetOffline:       "the endpoint is registered but currently unreachable",
	signaling.FailureDuplicateRequest:    "a previous request is still pending",
	signaling.FailurePermanentlyRejected: "the endpoint has rejected you too many times",
	signaling.FailureCoolingDown:         "the endpoint rejected you recently, try again in a minute",
	signaling.FailureInvalidTarget:       "the identity is not valid",
	signaling.FailureNotRegistered:       "this client is not registered with the broker",
}

// resolve maps a rejection or failure from the broker to a Result.
func (o *Orchestrator) resolve(msg *signaling.Message) Result {
	res := Result{Peer: msg.PeerID, Address: msg.Address}
	switch msg.Type {
	case signaling.MessageTypeConnectionRejected:
		var p signaling.RejectionPayload
		if err := msg.ParsePayload(&p); err != nil {
			o.Logger.WithError(err).WithField("peer", msg.PeerID).Debug("malformed rejection payload")
		}
		if p.TimedOut {
			res.Outcome = OutcomeTimeout
			res.Cause = "the endpoint did not answer"
		} else {
			res.Outcome = OutcomeRejected
			res.Cause = "the endpoint rejected the request"
		}
	case signaling.MessageTypeConnectionFailed:
		var p signaling.FailurePayload
		if err := msg.ParsePayload(&p); err != nil {
			o.Logger.WithError(err).WithField("peer", msg.PeerID).Debug("malformed failure payload")
		}
		res.Outcome = OutcomeFailed
		res.Code = p.Code
		res.Cause = causes[p.Code]
		if res.Cause == "" {
			res.Cause = p.Message
		}
	}
	return res
}

// configure applies local network state for a freshly established link.
// A failure leaves the broker link in place and the record marked.
func (o *Orchestrator) configure(peer types.Identity, address string) Result {
	o.records.Put(peer, address, StatusConnecting)
	logger := o.Logger.WithFields(log.Fields{"peer": peer, "address": address})

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ConfigureTimeout)
	defer cancel()

	gw := o.network.RouteGateway(o.signal.Address(), address)
	if err := o.network.Apply(ctx, address, gw); err != nil {
		status := StatusConfigurationFailed
		if errors.Is(err, netcfg.ErrInvalidAddress) {
			status = StatusError
		}
		o.records.SetStatus(peer, status)
		logger.WithError(err).Warn("local configuration failed")
		return Result{
			Outcome: OutcomeConfigurationFailed,
			Peer:    peer,
			Address: address,
			Cause:   "link established but local network setup failed: " + err.Error(),
			Err:     err,
		}
	}

	o.records.SetStatus(peer, StatusConnected)
	logger.WithField("gateway", gw).Info("link configured")
	return Result{Outcome: OutcomeConnected, Peer: peer, Address: address}
}

// Accept answers a deferred inbound request from peer.
func (o *Orchestrator) Accept(peer types.Identity) error {
	return o.answer(peer, signaling.MessageTypeAcceptConnection)
}

// Reject answers a deferred inbound request from peer.
func (o *Orchestrator) Reject(peer types.Identity) error {
	return o.answer(peer, signaling.MessageTypeRejectConnection)
}

func (o *Orchestrator) answer(peer types.Identity, t signaling.MessageType) error {
	o.mu.Lock()
	in, ok := o.incoming[peer]
	if ok {
		delete(o.incoming, peer)
	}
	o.mu.Unlock()
	if !ok {
		return ErrNoRequest
	}
	in.cancel()
	return o.signal.Send(signaling.NewMessage(t).WithPeerID(peer))
}

// Disconnect tears down the link with peer and tells the broker.
func (o *Orchestrator) Disconnect(ctx context.Context, peer types.Identity) error {
	if _, ok := o.records.Get(peer); !ok {
		return ErrNotLinked
	}
	o.teardown(ctx, peer)
	return o.signal.Send(signaling.NewMessage(signaling.MessageTypeDisconnectPeer).WithPeerID(peer))
}

// Shutdown tears down every link locally. The broker learns about it from
// the channel's deregistration.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	for _, rec := range o.records.List() {
		o.teardown(ctx, rec.Peer)
	}
}

// teardown removes local state for peer. Removal failures are logged and
// the record goes regardless.
func (o *Orchestrator) teardown(ctx context.Context, peer types.Identity) {
	rec, ok := o.records.Get(peer)
	if !ok {
		return
	}
	o.records.SetStatus(peer, StatusDisconnecting)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.TeardownTimeout)
	defer cancel()
	if err := o.network.Teardown(ctx, rec.Address); err != nil {
		o.Logger.WithField("peer", peer).WithError(err).Warn("teardown left state behind")
	}

	o.records.Remove(peer)
	o.Logger.WithFields(log.Fields{"peer": peer, "address": rec.Address}).Info("link torn down")
}

// HandleMessage dispatches one broker message. It never blocks: work that
// touches the network or a policy runs on its own goroutine.
func (o *Orchestrator) HandleMessage(msg *signaling.Message) {
	switch msg.Type {
	case signaling.MessageTypeRegistrationSuccess:
		var p signaling.RegistrationPayload
		_ = msg.ParsePayload(&p)
		o.emit(Event{Kind: EventRegistered, Peer: p.Identity, Address: p.Address})

	case signaling.MessageTypeConnectionRequest:
		o.onRequest(msg.PeerID, msg.Address)

	case signaling.MessageTypeConnectionCancelled, signaling.MessageTypeConnectionTimeout:
		if o.dropIncoming(msg.PeerID) {
			o.emit(Event{Kind: EventRequestWithdrawn, Peer: msg.PeerID, Message: string(msg.Type)})
		}

	case signaling.MessageTypeConnectionEstablished:
		o.dropIncoming(msg.PeerID)
		if o.deliver(msg) {
			return
		}
		o.linked(msg)

	case signaling.MessageTypeConnectionRejected, signaling.MessageTypeConnectionFailed:
		if !o.deliver(msg) {
			o.Logger.WithFields(log.Fields{"type": msg.Type, "peer": msg.PeerID}).Debug("answer for no attempt")
		}

	case signaling.MessageTypePeerDisconnected:
		go func() {
			if _, ok := o.records.Get(msg.PeerID); !ok {
				return
			}
			o.teardown(context.Background(), msg.PeerID)
			o.emit(Event{Kind: EventUnlinked, Peer: msg.PeerID, Address: msg.Address})
		}()

	case signaling.MessageTypeError:
		var p signaling.ErrorPayload
		_ = msg.ParsePayload(&p)
		o.Logger.WithFields(log.Fields{"code": p.Code, "message": p.Message}).Warn("broker error")
		o.emit(Event{Kind: EventBrokerError, Message: p.Code + ": " + p.Message})
	}
}

// linked configures our side of a link nobody is waiting on.
func (o *Orchestrator) linked(msg *signaling.Message) {
	go func() {
		res := o.configure(msg.PeerID, msg.Address)
		o.emit(Event{Kind: EventLinked, Peer: msg.PeerID, Address: msg.Address, Result: &res})
	}()
}

// deliver hands msg to the attempt waiting on its peer.
func (o *Orchestrator) deliver(msg *signaling.Message) bool {
	o.mu.Lock()
	a := o.current
	o.mu.Unlock()
	if a == nil || a.target != msg.PeerID {
		return false
	}
	select {
	case a.answer <- msg:
	default:
	}
	return true
}

func (o *Orchestrator) onRequest(peer types.Identity, address string) {
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	if old, ok := o.incoming[peer]; ok {
		old.cancel()
	}
	o.incoming[peer] = &inbound{address: address, cancel: cancel}
	o.mu.Unlock()

	o.Logger.WithFields(log.Fields{"peer": peer, "address": address}).Info("incoming connection request")
	o.emit(Event{Kind: EventIncomingRequest, Peer: peer, Address: address})

	go func() {
		switch o.policy.Decide(ctx, Request{Peer: peer, Address: address}) {
		case DecisionAccept:
			if err := o.Accept(peer); err != nil && !errors.Is(err, ErrNoRequest) {
				o.Logger.WithError(err).Warn("accept not sent")
			}
		case DecisionReject:
			if err := o.Reject(peer); err != nil && !errors.Is(err, ErrNoRequest) {
				o.Logger.WithError(err).Warn("reject not sent")
			}
		}
	}()
}

func (o *Orchestrator) dropIncoming(peer types.Identity) bool {
	o.mu.Lock()
	in, ok := o.incoming[peer]
	if ok {
		delete(o.incoming, peer)
	}
	o.mu.Unlock()
	if ok {
		in.cancel()
	}
	return ok
}
