// Package cli holds helpers shared by the command line binaries.
package cli

import (
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "INTERCON"

var packageLogger = log.WithField("package", "cli")

// BindEnv fills every flag of cmd that was not given on the command line from
// its INTERCON_* environment variable. Dashes in flag names become
// underscores, so --request-timeout reads INTERCON_REQUEST_TIMEOUT.
func BindEnv(cmd *cobra.Command) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	flags := cmd.Flags()
	if err := v.BindPFlags(flags); err != nil {
		return err
	}

	var errs []error
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed || !v.IsSet(f.Name) {
			return
		}
		val := v.GetString(f.Name)
		if val == "" || val == f.DefValue {
			return
		}
		if err := flags.Set(f.Name, val); err != nil {
			errs = append(errs, fmt.Errorf("%s_%s: %w", EnvPrefix, EnvKey(f.Name), err))
			return
		}
		packageLogger.WithFields(log.Fields{"flag": f.Name, "value": val}).Debug("flag set from environment")
	})
	return errors.Join(errs...)
}

// EnvKey returns the environment suffix for a flag name.
func EnvKey(flag string) string {
	return strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}
