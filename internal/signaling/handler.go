package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/saintparish4/intercon/pkg/types"
)

// Upgrader abstracts WebSocket upgrade functionality.
type Upgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (Conn, error)
}

// errCloseSession ends the read loop after the current message.
var errCloseSession = errors.New("close session")

// inbound lists the message types a client may send.
var inbound = map[MessageType]bool{
	MessageTypeRegister:          true,
	MessageTypeHeartbeat:         true,
	MessageTypeRequestConnection: true,
	MessageTypeAcceptConnection:  true,
	MessageTypeRejectConnection:  true,
	MessageTypeCancelConnection:  true,
	MessageTypeDisconnectPeer:    true,
	MessageTypeDeregister:        true,
}

// session is the per-connection state. It is only touched by the
// connection's read goroutine.
type session struct {
	channel  *Channel
	identity types.Identity // zero until REGISTER succeeds
	token    string
	remote   string
}

// Handler processes WebSocket control channels and dispatches their messages
// to the broker.
type Handler struct {
	registry   *Registry
	broker     *Broker
	admissions *Admissions
	metrics    *Metrics
	clock      Clock
	upgrader   Upgrader

	// Configuration
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
	RateLimit    rate.Limit // inbound messages per second per channel, 0 = unlimited
	RateBurst    int

	Logger *log.Entry
}

// NewHandler creates a new control channel handler.
// Call SetUpgrader before serving.
func NewHandler(registry *Registry, broker *Broker, admissions *Admissions, metrics *Metrics, clock Clock) *Handler {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Handler{
		registry:     registry,
		broker:       broker,
		admissions:   admissions,
		metrics:      metrics,
		clock:        clock,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		PongWait:     90 * time.Second,
		RateLimit:    20,
		RateBurst:    40,
		Logger:       packageLogger.WithField("subpack", "handler"),
	}
}

// SetUpgrader sets the WebSocket upgrader.
func (h *Handler) SetUpgrader(u Upgrader) {
	h.upgrader = u
}

// ServeHTTP upgrades HTTP connections to WebSocket and handles the channel.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.upgrader == nil {
		http.Error(w, "WebSocket upgrader not configured", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.WithError(err).Warn("upgrade failed")
		return
	}

	ch := NewChannel(conn, h.newLimiter())
	ch.WriteTimeout = h.WriteTimeout
	sess := &session{
		channel: ch,
		token:   r.Header.Get(HeaderSession),
		remote:  r.RemoteAddr,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer h.handleDisconnect(sess)

	go h.pingLoop(ctx, ch)

	conn.SetReadLimit(32 * 1024) // 32KB max message size
	conn.SetReadDeadline(time.Now().Add(h.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.PongWait))
		return nil
	})

	h.readLoop(ctx, sess)
}

func (h *Handler) newLimiter() *rate.Limiter {
	if h.RateLimit <= 0 {
		return nil
	}
	return rate.NewLimiter(h.RateLimit, h.RateBurst)
}

// readLoop reads and processes messages from one channel.
func (h *Handler) readLoop(ctx context.Context, sess *session) {
	conn := sess.channel.Connection()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !sess.channel.IsClosed() {
				h.Logger.WithFields(log.Fields{"identity": sess.identity, "remote": sess.remote}).
					WithError(err).Debug("read error")
			}
			return
		}

		// Any traffic extends the read deadline, not just pongs.
		conn.SetReadDeadline(time.Now().Add(h.PongWait))

		if !sess.channel.Allow() {
			sess.channel.SendError(ErrorCodeRateLimited, "too many messages")
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			sess.channel.SendError(ErrorCodeInvalidMessage, "invalid JSON")
			continue
		}

		err = h.handleMessage(ctx, sess, &msg)
		if errors.Is(err, errCloseSession) {
			return
		}
		if err != nil {
			h.Logger.WithField("identity", sess.identity).WithError(err).Debug("message error")
		}
	}
}

// pingLoop sends periodic pings to keep the connection alive.
func (h *Handler) pingLoop(ctx context.Context, ch *Channel) {
	ticker := time.NewTicker(h.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ch.Ping(); err != nil {
				return
			}
		}
	}
}

// handleDisconnect detaches the channel from its endpoint. The endpoint stays
// registered until it deregisters or the reaper evicts it.
func (h *Handler) handleDisconnect(sess *session) {
	sess.channel.Close()
	if sess.identity == 0 {
		return
	}
	if h.registry.Detach(sess.identity, sess.channel) {
		h.Logger.WithField("identity", sess.identity).Info("channel detached")
	}
}

// handleMessage routes messages to appropriate handlers.
func (h *Handler) handleMessage(ctx context.Context, sess *session, msg *Message) error {
	if !inbound[msg.Type] {
		return sess.channel.SendError(ErrorCodeInvalidMessage, fmt.Sprintf("unknown message type: %s", msg.Type))
	}
	h.metrics.message(msg.Type)

	if msg.Type == MessageTypeRegister {
		return h.handleRegister(sess, msg)
	}
	if sess.identity == 0 {
		return sess.channel.SendError(ErrorCodeNotRegistered, "REGISTER first")
	}

	switch msg.Type {
	case MessageTypeHeartbeat:
		return h.handleHeartbeat(sess, msg)
	case MessageTypeRequestConnection:
		h.broker.Request(ctx, sess.identity, msg.PeerID)
	case MessageTypeAcceptConnection:
		if !h.broker.Accept(ctx, sess.identity, msg.PeerID) {
			h.Logger.WithFields(log.Fields{"identity": sess.identity, "peer": msg.PeerID}).Debug("accept without pending request")
		}
	case MessageTypeRejectConnection:
		if !h.broker.Reject(ctx, sess.identity, msg.PeerID) {
			h.Logger.WithFields(log.Fields{"identity": sess.identity, "peer": msg.PeerID}).Debug("reject without pending request")
		}
	case MessageTypeCancelConnection:
		h.broker.Cancel(ctx, sess.identity, msg.PeerID)
	case MessageTypeDisconnectPeer:
		h.broker.Disconnect(ctx, sess.identity, msg.PeerID)
	case MessageTypeDeregister:
		h.broker.RemoveEndpoint(ctx, sess.identity)
		sess.identity = 0
		return errCloseSession
	}
	return nil
}

// handleRegister binds the channel to an identity. A token with a waiting
// admission takes its address from it; a known token reconnecting keeps its
// previous address. Anything else is refused and the channel closed.
func (h *Handler) handleRegister(sess *session, msg *Message) error {
	var payload RegisterPayload
	if msg.Payload != nil {
		if err := msg.ParsePayload(&payload); err != nil {
			return sess.channel.SendError(ErrorCodeInvalidMessage, "invalid register payload")
		}
	}

	token := payload.SessionToken
	if token == "" {
		token = sess.token
	}
	if token == "" {
		return sess.channel.SendError(ErrorCodeInvalidMessage, "session_token is required")
	}
	if sess.identity != 0 && token != sess.token {
		return sess.channel.SendError(ErrorCodeRegistrationFailed, "channel already registered")
	}

	address, ok := h.admissions.Take(token, h.clock.Now())
	if !ok {
		known := h.registry.LookupBySession(token)
		if known == nil {
			sess.channel.SendError(ErrorCodeRegistrationFailed, "no pending registration for session")
			return errCloseSession
		}
		address = known.Address()
	}

	ep, reused, replaced, err := h.registry.Register(token, address, sess.channel)
	if err != nil {
		sess.channel.SendError(ErrorCodeRegistrationFailed, err.Error())
		return errCloseSession
	}
	if replaced != nil {
		replaced.Close()
	}

	sess.identity = ep.Identity
	sess.token = token
	h.metrics.registered()
	h.Logger.WithFields(log.Fields{
		"identity": ep.Identity,
		"address":  address,
		"reused":   reused,
	}).Info("endpoint registered")

	return sess.channel.Send(NewMessage(MessageTypeRegistrationSuccess).
		WithRequestID(msg.RequestID).
		WithPayload(RegistrationPayload{Identity: ep.Identity, Address: address}))
}

// handleHeartbeat refreshes liveness and acknowledges.
func (h *Handler) handleHeartbeat(sess *session, msg *Message) error {
	if !h.registry.Touch(sess.token) {
		return sess.channel.SendError(ErrorCodeNotRegistered, "endpoint no longer registered")
	}
	return sess.channel.Send(NewMessage(MessageTypeHeartbeatAck).WithRequestID(msg.RequestID))
}
