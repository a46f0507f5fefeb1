// Package cli wires Nomad's cobra command tree: global flags, the run
// subcommand, and the faucet subcommand (§6).
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configPath string
	senderKeys []string
	verbosity  int
)

// Execute builds and runs the root command.
func Execute() error {
	root := newRootCmd()
	return root.Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "nomad",
		Short: "Nomad is a node for the Mirage privacy-preserving transfer network",
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file")
	root.PersistentFlags().StringArrayVar(&senderKeys, "pk", nil, "hex-encoded sender private key (repeatable, >=2 for write mode)")
	root.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity (-v, -vv)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newFaucetCmd())
	return root
}

func loggerForVerbosity() zerolog.Logger {
	level := zerolog.InfoLevel
	switch verbosity {
	case 1:
		level = zerolog.DebugLevel
	case 2:
		level = zerolog.TraceLevel
	}
	return zerolog.New(zerolog.NewConsoleWriter()).Level(level).With().Timestamp().Logger()
}
