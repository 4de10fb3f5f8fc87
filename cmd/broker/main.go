// Command broker runs the intercon connection broker.
//
// The broker hands out six digit identities, relays connection requests
// between endpoints, enforces the reject cooldown and ban policy, and reaps
// endpoints that stop sending heartbeats.
//
// Usage:
//
//	intercon-broker [flags]
//
// Endpoints:
//
//	WebSocket:    ws://host:port/ws
//	Registration: POST /api/registration
//	Health:       GET /health
//	Stats:        GET /api/stats
//	Metrics:      GET /metrics
//
// Every flag can also be set through an INTERCON_* environment variable,
// e.g. INTERCON_ADDR=:9000. Tracing is exported when
// OTEL_EXPORTER_OTLP_ENDPOINT is set.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/saintparish4/intercon/internal/cli"
	"github.com/saintparish4/intercon/internal/signaling"
	"github.com/saintparish4/intercon/pkg/logging"
	"github.com/saintparish4/intercon/pkg/telemetry"
)

var (
	version = "dev" // Set via ldflags
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := signaling.DefaultConfig()
	var logLevel, logFormat string

	cmd := &cobra.Command{
		Use:          "intercon-broker",
		Short:        "Run the intercon connection broker",
		Version:      version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.BindEnv(cmd); err != nil {
				return err
			}
			return logging.Configure(logLevel, logFormat, nil)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address (e.g. :8080 or 0.0.0.0:8080)")
	f.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	f.StringVar(&logFormat, "log-format", logging.FormatText, "log format (text or json)")
	f.DurationVar(&cfg.Broker.RequestTimeout, "request-timeout", cfg.Broker.RequestTimeout, "how long a target has to answer a request")
	f.DurationVar(&cfg.Broker.RejectCooldown, "reject-cooldown", cfg.Broker.RejectCooldown, "wait after a reject before the same pair may retry")
	f.IntVar(&cfg.Broker.MaxRejects, "max-rejects", cfg.Broker.MaxRejects, "rejects after which a pair is blocked for good")
	f.DurationVar(&cfg.ReapInterval, "reap-interval", cfg.ReapInterval, "time between liveness sweeps")
	f.DurationVar(&cfg.HeartbeatTimeout, "heartbeat-timeout", cfg.HeartbeatTimeout, "heartbeat age after which an endpoint is evicted")
	f.DurationVar(&cfg.RegistrationTTL, "registration-ttl", cfg.RegistrationTTL, "how long an HTTP registration waits for the control channel")
	f.Float64Var(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "control messages per second per channel (0 = unlimited)")
	f.IntVar(&cfg.RateBurst, "rate-burst", cfg.RateBurst, "control message burst per channel")

	return cmd
}

func run(ctx context.Context, cfg signaling.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Init(ctx, "intercon-broker", version)
	if err != nil {
		log.WithError(err).Warn("tracing disabled")
	}
	defer shutdown(context.Background())

	server := signaling.NewServer(cfg)
	printBanner(cfg)

	if err := server.Run(ctx); err != nil {
		log.WithError(err).Error("broker stopped")
		return err
	}
	log.Info("broker stopped")
	return nil
}

func printBanner(cfg signaling.Config) {
	fmt.Println()
	fmt.Println("  intercon broker " + version)
	fmt.Println()
	fmt.Printf(" WebSocket:     ws://localhost%s/ws\n", cfg.Addr)
	fmt.Printf(" Registration:  http://localhost%s/api/registration\n", cfg.Addr)
	fmt.Printf(" Health:        http://localhost%s/health\n", cfg.Addr)
	fmt.Printf(" Stats:         http://localhost%s/api/stats\n", cfg.Addr)
	fmt.Printf(" Metrics:       http://localhost%s/metrics\n", cfg.Addr)
	fmt.Println()
	fmt.Printf(" Request timeout %s, reject cooldown %s, ban after %d rejects\n",
		cfg.Broker.RequestTimeout, cfg.Broker.RejectCooldown, cfg.Broker.MaxRejects)
	fmt.Println(" Press Ctrl+C to stop")
	fmt.Println()
}
