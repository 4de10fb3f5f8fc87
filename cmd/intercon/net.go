package main

import (
	"context"
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/saintparish4/intercon/pkg/netcfg"
)

func newNetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "net",
		Short: "Open or close firewall and route entries for a peer by hand",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <ip> [gateway]",
		Short: "Allow traffic with <ip> and route it via gateway when on the same segment",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, err := systemGateway()
			if err != nil {
				return err
			}
			subnets, err := netcfg.NewSubnetMap(nil)
			if err != nil {
				return err
			}
			var gateway string
			if len(args) == 2 {
				gateway = args[1]
			}
			return netAdd(cmd.Context(), netcfg.NewConfigurator(gw, subnets), cmd.OutOrStdout(), args[0], gateway)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <ip>",
		Short: "Remove the firewall exception and host route for <ip>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, err := systemGateway()
			if err != nil {
				return err
			}
			return netRemove(cmd.Context(), gw, cmd.OutOrStdout(), args[0])
		},
	})

	return cmd
}

// systemGateway returns the gateway for this host, warning when the
// platform tools are missing.
func systemGateway() (*netcfg.ExecGateway, error) {
	gw, err := netcfg.NewExecGateway(netcfg.RealCommandExecutor{}, runtime.GOOS)
	if err != nil {
		return nil, err
	}
	if err := gw.Check(); err != nil {
		packageLogger.WithError(err).Warn("network tools unavailable")
	}
	return gw, nil
}

func netAdd(ctx context.Context, cfg *netcfg.Configurator, out io.Writer, ip, gateway string) error {
	if !netcfg.ValidIPv4(ip) {
		return fmt.Errorf("%q: %w", ip, netcfg.ErrInvalidAddress)
	}
	if gateway != "" && !netcfg.SameSubnet(ip, gateway) {
		fmt.Fprintf(out, "gateway %s is not on the segment of %s, skipping the route\n", gateway, ip)
		gateway = ""
	}

	if err := cfg.Apply(ctx, ip, gateway); err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ firewall exception added for %s\n", ip)
	if gateway != "" {
		fmt.Fprintf(out, "✓ route to %s via %s added\n", ip, gateway)
	}
	return nil
}

func netRemove(ctx context.Context, gw netcfg.Gateway, out io.Writer, ip string) error {
	if !netcfg.ValidIPv4(ip) {
		return fmt.Errorf("%q: %w", ip, netcfg.ErrInvalidAddress)
	}

	fw := gw.RemoveAllow(ctx, ip)
	if fw {
		fmt.Fprintf(out, "✓ firewall exception removed for %s\n", ip)
	} else {
		fmt.Fprintf(out, "✗ could not remove firewall exception for %s\n", ip)
	}
	route := gw.RemoveHostRoute(ctx, ip)
	if route {
		fmt.Fprintf(out, "✓ route to %s removed\n", ip)
	} else {
		fmt.Fprintf(out, "✗ could not remove route to %s\n", ip)
	}

	if !fw && !route {
		return fmt.Errorf("nothing removed for %s", ip)
	}
	return nil
}
