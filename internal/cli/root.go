// Package cli implements the syncd command-line interface.
package cli

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags shared by all subcommands.
type RootOptions struct {
	EnvFile string
}

// NewRootCommand creates the root command for the syncd CLI.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "syncd",
		Short: "Offline-first mutation sync engine",
		Long: `syncd runs the stockroom sync engine: a durable offline-first queue
that records local mutations and replays them against the backend write
API when connectivity returns. It exposes a local HTTP status server for
queue inspection, cancellation, health, and metrics.

Configuration comes from environment variables, optionally loaded from a
.env file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// A missing env file is not an error; the environment wins anyway.
			_ = godotenv.Load(opts.EnvFile)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "path to an optional .env file")

	cmd.AddCommand(NewRunCommand(opts, version))
	cmd.AddCommand(NewVersionCommand(version))

	return cmd
}
