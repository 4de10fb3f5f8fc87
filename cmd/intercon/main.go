// Command intercon is the endpoint side of the intercon connection broker.
//
// Usage:
//
//	intercon run [--broker URL] [--address IP] [--policy manual|auto-accept|auto-reject]
//	intercon net add <ip> [gateway]
//	intercon net remove <ip>
//	intercon version
//
// "run" registers with the broker, prints the identity it was given and reads
// commands (connect, accept, reject, disconnect, list, ...) from standard
// input. Firewall and route changes need administrator rights.
package main

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/saintparish4/intercon/internal/cli"
	"github.com/saintparish4/intercon/pkg/logging"
)

var (
	version = "dev" // Set via ldflags
)

var packageLogger = log.WithField("package", "main")

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var logLevel, logFormat string

	root := &cobra.Command{
		Use:          "intercon",
		Short:        "Link this host with peers through an intercon broker",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.BindEnv(cmd); err != nil {
				return err
			}
			return logging.Configure(logLevel, logFormat, nil)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", logging.FormatText, "log format (text or json)")

	root.AddCommand(newRunCommand(), newNetCommand(), &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "intercon %s\n", version)
		},
	})
	return root
}
