package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Server is the broker process: control channel, registration API, metrics
// and the liveness reaper.
type Server struct {
	registry   *Registry
	links      *LinkTable
	broker     *Broker
	admissions *Admissions
	handler    *Handler
	reaper     *Reaper
	metrics    *Metrics
	clock      Clock

	httpServer *http.Server
	mux        *http.ServeMux

	// Configuration
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RegistrationTTL time.Duration

	// Lifecycle
	shutdownOnce sync.Once

	Logger *log.Entry
}

// Config holds server configuration options.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	ReapInterval     time.Duration // time between liveness sweeps
	HeartbeatTimeout time.Duration // heartbeat age that gets an endpoint evicted
	RegistrationTTL  time.Duration // how long an HTTP registration waits for REGISTER

	Broker BrokerConfig

	RateLimit float64 // control messages per second per channel, 0 = unlimited
	RateBurst int

	Clock  Clock
	Logger *log.Entry
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:             ":8080",
		ReadTimeout:      15 * time.Second,
		WriteTimeout:     15 * time.Second,
		ReapInterval:     1 * time.Minute,
		HeartbeatTimeout: 2 * time.Minute,
		RegistrationTTL:  2 * time.Minute,
		Broker:           DefaultBrokerConfig(),
		RateLimit:        20,
		RateBurst:        40,
	}
}

// NewServer creates a new broker server with the given configuration.
func NewServer(cfg Config) *Server {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = packageLogger
	}

	metrics := NewMetrics()
	registry := NewRegistry(clock)
	links := NewLinkTable()
	broker := NewBroker(registry, links, clock, metrics, cfg.Broker)
	broker.Logger = logger.WithField("subpack", "broker")
	admissions := NewAdmissions(cfg.RegistrationTTL)

	handler := NewHandler(registry, broker, admissions, metrics, clock)
	handler.SetUpgrader(NewGorillaUpgrader())
	handler.RateLimit = rate.Limit(cfg.RateLimit)
	handler.RateBurst = cfg.RateBurst
	handler.Logger = logger.WithField("subpack", "handler")

	reaper := NewReaper(broker, registry, admissions, clock)
	reaper.Interval = cfg.ReapInterval
	reaper.Timeout = cfg.HeartbeatTimeout
	reaper.Logger = logger.WithField("subpack", "reaper")

	metrics.Track(registry, links, broker)

	s := &Server{
		registry:        registry,
		links:           links,
		broker:          broker,
		admissions:      admissions,
		handler:         handler,
		reaper:          reaper,
		metrics:         metrics,
		clock:           clock,
		mux:             http.NewServeMux(),
		Addr:            cfg.Addr,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		RegistrationTTL: cfg.RegistrationTTL,
		Logger:          logger.WithField("subpack", "server"),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures HTTP routes.
func (s *Server) setupRoutes() {
	// Control channel
	s.mux.Handle("/ws", s.handler)

	// REST API endpoints
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/stats", s.handleStats)
	s.mux.HandleFunc("/api/registration", s.handleRegistration)
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.HandleFunc("/", s.handleNotFound)
}

// Run serves requests and runs the reaper until ctx is cancelled or the
// listener fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.Addr,
		Handler:      s.corsMiddleware(s.mux),
		ReadTimeout:  s.ReadTimeout,
		WriteTimeout: s.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.Logger.WithField("addr", s.Addr).Info("starting broker")
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return s.reaper.Run(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.Logger.Info("shutting down")

		if s.httpServer != nil {
			err = s.httpServer.Shutdown(ctx)
		}

		// Hijacked WebSocket connections are not closed by http.Server.
		for _, ep := range s.registry.All() {
			if ch := ep.Channel(); ch != nil {
				ch.Close()
			}
		}
	})
	return err
}

// --- HTTP Handlers ---

// corsMiddleware adds CORS headers for cross-origin requests.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+HeaderSession+", "+HeaderAddress)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": s.clock.Now().UnixMilli(),
	})
}

// handleStats returns broker statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	all := s.registry.All()
	infos := make([]EndpointInfo, 0, len(all))
	online := 0
	for _, ep := range all {
		info := ep.Info()
		if info.Online {
			online++
		}
		infos = append(infos, info)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"endpoints": map[string]interface{}{
			"total":  len(all),
			"online": online,
			"list":   infos,
		},
		"pending_requests": s.broker.PendingCount(),
		"links":            s.links.Count(),
		"admissions":       s.admissions.Count(),
		"timestamp":        s.clock.Now().UnixMilli(),
	})
}

// handleRegistration records a one-shot registration. The client follows up
// with REGISTER on the control channel using the same session token.
func (s *Server) handleRegistration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := r.Header.Get(HeaderSession)
	address := r.Header.Get(HeaderAddress)
	if token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": HeaderSession + " header is required",
		})
		return
	}
	if ip := net.ParseIP(address); ip == nil || ip.To4() == nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": fmt.Sprintf("%s must be an IPv4 address, got %q", HeaderAddress, address),
		})
		return
	}

	s.admissions.Add(token, address, s.clock.Now())
	s.Logger.WithField("address", address).Debug("registration admitted")

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":     "pending",
		"expires_in": int(s.RegistrationTTL.Seconds()),
	})
}

// handleNotFound handles unknown routes.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]interface{}{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Handler returns the control channel handler for configuration.
func (s *Server) Handler() *Handler {
	return s.handler
}

// Registry returns the endpoint registry for external access.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Broker returns the signaling state machine.
func (s *Server) Broker() *Broker {
	return s.broker
}

// Links returns the link table.
func (s *Server) Links() *LinkTable {
	return s.links
}

// Reaper returns the liveness reaper.
func (s *Server) Reaper() *Reaper {
	return s.reaper
}

// HandlerFunc returns the HTTP surface as a single handler.
// Useful for embedding in custom routers and for httptest.
func (s *Server) HandlerFunc() http.Handler {
	return s.corsMiddleware(s.mux)
}

// ListenAddr returns the address format string.
func (s *Server) ListenAddr() string {
	return fmt.Sprintf("http://localhost%s", s.Addr)
}
