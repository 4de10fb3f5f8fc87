// Package client implements the endpoint side of intercon: the control
// channel to the broker and the orchestrator that turns broker decisions
// into local firewall and route state.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/saintparish4/intercon/internal/signaling"
	"github.com/saintparish4/intercon/pkg/netcfg"
	"github.com/saintparish4/intercon/pkg/types"
)

var packageLogger = log.WithField("package", "client")

// ErrNotConnected is returned when the control channel is down.
var ErrNotConnected = errors.New("not connected to broker")

// MessageHandler receives every broker message. It must not block.
type MessageHandler func(*signaling.Message)

// ChannelConfig holds control channel settings.
type ChannelConfig struct {
	BrokerURL         string // http(s)://host:port of the broker
	SessionToken      string
	Address           string // this endpoint's IPv4 address
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	MaxBackoff        time.Duration
}

// DefaultChannelConfig returns sensible defaults. BrokerURL, SessionToken
// and Address still need to be set.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		BrokerURL:         "http://localhost:8080",
		HeartbeatInterval: 30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxBackoff:        30 * time.Second,
	}
}

// Channel is the client end of the control channel. Run keeps it connected,
// re-registering with the same session token after every drop.
type Channel struct {
	cfg        ChannelConfig
	base       *url.URL
	dialer     *websocket.Dialer
	httpClient *http.Client

	mu       sync.RWMutex
	conn     *websocket.Conn
	identity types.Identity
	address  string

	writeMu sync.Mutex
	beating atomic.Bool

	Logger *log.Entry
}

// NewChannel validates cfg and creates a channel. Nothing is dialed until Run.
func NewChannel(cfg ChannelConfig) (*Channel, error) {
	if cfg.SessionToken == "" {
		return nil, errors.New("client: session token is required")
	}
	if !netcfg.ValidIPv4(cfg.Address) {
		return nil, fmt.Errorf("client: address %q: %w", cfg.Address, netcfg.ErrInvalidAddress)
	}
	base, err := url.Parse(cfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("client: broker url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("client: broker url %q: want http or https", cfg.BrokerURL)
	}

	return &Channel{
		cfg:  cfg,
		base: base,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		httpClient: &http.Client{Timeout: cfg.HandshakeTimeout},
		Logger:     packageLogger.WithField("subpack", "channel"),
	}, nil
}

// Identity returns the identity assigned by the broker, or 0 before the
// first registration.
func (c *Channel) Identity() types.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// Address returns this endpoint's address as the broker recorded it.
func (c *Channel) Address() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.address != "" {
		return c.address
	}
	return c.cfg.Address
}

// Connected reports whether the channel is currently up.
func (c *Channel) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Send writes msg to the broker.
func (c *Channel) Send(msg *signaling.Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, msg)
}

func (c *Channel) write(conn *websocket.Conn, msg *signaling.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

// Run connects, registers and serves the channel until ctx is cancelled,
// reconnecting with exponential backoff whenever the connection drops.
// Every broker message, including REGISTRATION_SUCCESS, goes to handler.
// On cancellation the endpoint deregisters and Run returns nil.
func (c *Channel) Run(ctx context.Context, handler MessageHandler) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = c.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	for {
		var (
			conn    *websocket.Conn
			welcome *signaling.Message
		)
		err := backoff.RetryNotify(func() error {
			var err error
			conn, welcome, err = c.connect(ctx)
			if err != nil && ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
			c.Logger.WithError(err).WithField("retry_in", next).Warn("broker unreachable")
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		bo.Reset()

		c.attach(conn, welcome)
		handler(welcome)

		err = c.serve(ctx, conn, handler)
		c.detach(conn)
		if ctx.Err() != nil {
			return nil
		}
		c.Logger.WithError(err).Warn("control channel lost, reconnecting")
	}
}

// connect admits the session over HTTP, dials the control channel and
// registers on it.
func (c *Channel) connect(ctx context.Context) (*websocket.Conn, *signaling.Message, error) {
	if err := c.admit(ctx); err != nil {
		return nil, nil, err
	}

	header := http.Header{}
	header.Set(signaling.HeaderSession, c.cfg.SessionToken)
	conn, resp, err := c.dialer.DialContext(ctx, c.endpoint("/ws", true), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial broker: %w", err)
	}

	welcome, err := c.handshake(conn)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, welcome, nil
}

// admit announces the session token and address to the broker.
func (c *Channel) admit(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/registration", false), nil)
	if err != nil {
		return err
	}
	req.Header.Set(signaling.HeaderSession, c.cfg.SessionToken)
	req.Header.Set(signaling.HeaderAddress, c.cfg.Address)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("registration request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("registration refused: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

func (c *Channel) handshake(conn *websocket.Conn) (*signaling.Message, error) {
	register := signaling.NewMessage(signaling.MessageTypeRegister).
		WithPayload(signaling.RegisterPayload{SessionToken: c.cfg.SessionToken})
	if err := c.write(conn, register); err != nil {
		return nil, fmt.Errorf("send register: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout)); err != nil {
		return nil, err
	}
	for {
		var msg signaling.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return nil, fmt.Errorf("await registration: %w", err)
		}
		switch msg.Type {
		case signaling.MessageTypeRegistrationSuccess:
			return &msg, nil
		case signaling.MessageTypeError:
			var p signaling.ErrorPayload
			_ = msg.ParsePayload(&p)
			return nil, fmt.Errorf("registration failed: %s: %s", p.Code, p.Message)
		}
	}
}

func (c *Channel) attach(conn *websocket.Conn, welcome *signaling.Message) {
	var p signaling.RegistrationPayload
	if err := welcome.ParsePayload(&p); err != nil {
		c.Logger.WithError(err).Warn("malformed registration payload")
	}

	c.mu.Lock()
	c.conn = conn
	if p.Identity.Valid() {
		c.identity = p.Identity
	}
	if p.Address != "" {
		c.address = p.Address
	}
	c.mu.Unlock()

	c.Logger.WithFields(log.Fields{
		"identity": p.Identity,
		"address":  p.Address,
	}).Info("registered with broker")
}

func (c *Channel) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

// serve runs the read and heartbeat loops until the connection fails or ctx
// is cancelled. Cancellation deregisters before the connection is closed.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn, handler MessageHandler) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.readLoop(conn, handler)
	})
	g.Go(func() error {
		c.heartbeatLoop(gctx, conn)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			if err := c.write(conn, signaling.NewMessage(signaling.MessageTypeDeregister)); err != nil {
				c.Logger.WithError(err).Debug("deregister not sent")
			}
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
		}
		return conn.Close()
	})

	return g.Wait()
}

func (c *Channel) readLoop(conn *websocket.Conn, handler MessageHandler) error {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(3 * c.cfg.HeartbeatInterval)); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg signaling.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.Logger.WithError(err).Warn("undecodable message from broker")
			continue
		}
		if msg.Type == signaling.MessageTypeHeartbeatAck {
			continue
		}
		handler(&msg)
	}
}

// heartbeatLoop sends HEARTBEAT on a fixed interval. A beat still in flight
// when the next one is due causes that one to be skipped.
func (c *Channel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.beating.CompareAndSwap(false, true) {
				c.Logger.Debug("previous heartbeat outstanding, skipping")
				continue
			}
			go func() {
				defer c.beating.Store(false)
				if err := c.write(conn, signaling.NewMessage(signaling.MessageTypeHeartbeat)); err != nil {
					c.Logger.WithError(err).Debug("heartbeat failed")
				}
			}()
		}
	}
}

func (c *Channel) endpoint(path string, ws bool) string {
	u := *c.base
	if ws {
		if u.Scheme == "https" {
			u.Scheme = "wss"
		} else {
			u.Scheme = "ws"
		}
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String()
}
