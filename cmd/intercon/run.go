package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/saintparish4/intercon/internal/client"
	"github.com/saintparish4/intercon/pkg/netcfg"
	"github.com/saintparish4/intercon/pkg/netutil"
	"github.com/saintparish4/intercon/pkg/telemetry"
)

type runOptions struct {
	broker         string
	address        string
	policy         string
	routeBroker    bool
	heartbeat      time.Duration
	requestTimeout time.Duration
}

func newRunCommand() *cobra.Command {
	opts := runOptions{}
	chDefaults := client.DefaultChannelConfig()
	orchDefaults := client.DefaultOrchestratorConfig()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Register with the broker and accept commands on standard input",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.broker, "broker", chDefaults.BrokerURL, "broker base URL")
	f.StringVar(&opts.address, "address", "", "address to announce (discovered from local interfaces when empty)")
	f.StringVar(&opts.policy, "policy", client.ModeManual, "how to answer incoming requests: manual, auto-accept or auto-reject")
	f.BoolVar(&opts.routeBroker, "route-broker", false, "add a host route to the broker via the segment gateway")
	f.DurationVar(&opts.heartbeat, "heartbeat", chDefaults.HeartbeatInterval, "heartbeat interval")
	f.DurationVar(&opts.requestTimeout, "request-timeout", orchDefaults.RequestTimeout, "how long to wait for a peer to answer")
	return cmd
}

func runNode(ctx context.Context, opts runOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Init(ctx, "intercon", version)
	if err != nil {
		packageLogger.WithError(err).Warn("tracing disabled")
	}
	defer shutdown(context.Background())

	subnets, err := netcfg.NewSubnetMap(nil)
	if err != nil {
		return err
	}
	address, err := announceAddress(opts.address, opts.broker, subnets)
	if err != nil {
		return err
	}

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	manual := opts.policy == client.ModeManual || opts.policy == ""
	if manual && !interactive {
		packageLogger.Warn("standard input is not a terminal, rejecting incoming requests")
		opts.policy, manual = client.ModeAutoReject, false
	}
	policy, err := client.ParsePolicy(opts.policy)
	if err != nil {
		return err
	}

	gw, err := systemGateway()
	if err != nil {
		return err
	}

	if opts.routeBroker {
		if host, via, ok := brokerRoute(opts.broker, address, subnets); ok {
			if gw.AddHostRoute(ctx, host, via) {
				defer gw.RemoveHostRoute(context.Background(), host)
			} else {
				packageLogger.WithFields(log.Fields{"broker": host, "gateway": via}).Warn("route to broker not added")
			}
		}
	}

	chCfg := client.DefaultChannelConfig()
	chCfg.BrokerURL = opts.broker
	chCfg.SessionToken = uuid.NewString()
	chCfg.Address = address
	chCfg.HeartbeatInterval = opts.heartbeat
	ch, err := client.NewChannel(chCfg)
	if err != nil {
		return err
	}

	orchCfg := client.DefaultOrchestratorConfig()
	orchCfg.RequestTimeout = opts.requestTimeout
	orch := client.NewOrchestrator(ch, netcfg.NewConfigurator(gw, subnets), policy, orchCfg)

	fmt.Printf("intercon %s\n", version)
	fmt.Printf("  Broker:  %s\n", opts.broker)
	fmt.Printf("  Address: %s\n", address)
	fmt.Printf("  Policy:  %s\n", opts.policy)
	fmt.Println("  Type 'help' for commands.")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chDone := make(chan error, 1)
	go func() { chDone <- ch.Run(runCtx, orch.HandleMessage) }()

	con := newConsole(runCtx, orch, os.Stdout, interactive)
	con.manual = manual
	go con.events(orch.Events())
	go func() {
		// Without a terminal, end of input is not a request to leave.
		if con.run(os.Stdin) || interactive {
			cancel()
		}
	}()

	<-runCtx.Done()
	con.wait()

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	orch.Shutdown(shutdownCtx)

	if err := <-chDone; err != nil {
		return err
	}
	fmt.Println("bye")
	return nil
}

// announceAddress picks the address to register with. An address on a mapped
// segment wins; otherwise the private address used to reach the broker is
// accepted.
func announceAddress(override, brokerURL string, subnets *netcfg.SubnetMap) (string, error) {
	if override != "" {
		if !netcfg.ValidIPv4(override) {
			return "", fmt.Errorf("--address %q: %w", override, netcfg.ErrInvalidAddress)
		}
		return override, nil
	}

	address, err := netutil.DiscoverAddress(subnets.Prefixes())
	if err == nil {
		return address, nil
	}
	if !errors.Is(err, netutil.ErrNoAddress) {
		return "", fmt.Errorf("discover address: %w", err)
	}

	u, perr := url.Parse(brokerURL)
	if perr != nil {
		return "", fmt.Errorf("discover address (set --address): %w", err)
	}
	fallback, ferr := netutil.PreferredAddress(u.Hostname())
	if ferr != nil || !netutil.IsPrivateIP(net.ParseIP(fallback)) {
		return "", fmt.Errorf("discover address (set --address): %w", err)
	}
	packageLogger.WithField("address", fallback).Warn("no address on a mapped segment, using the route to the broker")
	return fallback, nil
}

// brokerRoute returns the broker host and the gateway a host route to it
// should use. Only literal IPv4 broker hosts on a mapped local segment get
// a route.
func brokerRoute(brokerURL, local string, subnets *netcfg.SubnetMap) (host, gateway string, ok bool) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return "", "", false
	}
	host = u.Hostname()
	if !netcfg.ValidIPv4(host) {
		return "", "", false
	}
	gateway, ok = subnets.GatewayFor(local)
	if !ok {
		return "", "", false
	}
	return host, gateway, true
}
