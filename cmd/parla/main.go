// Command parla runs the Parla translating chat server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"parla/cmd/internal/app"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "parla",
		Short: "Realtime chat server with automatic translation",
		Long: `parla serves a 1:1 chat API and WebSocket gateway. Every message is
translated into the receiver's preferred language before it is stored and
delivered. Configuration is read from PARLA_* environment variables and
optional .env.local / .env files.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Run(cmd.Context())
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:          "serve",
			Short:        "Run the HTTP and WebSocket server (default)",
			Args:         cobra.NoArgs,
			SilenceUsage: true,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return app.Run(cmd.Context())
			},
		},
		&cobra.Command{
			Use:          "migrate",
			Short:        "Apply the embedded Postgres schema to PARLA_DATABASE_URL",
			Args:         cobra.NoArgs,
			SilenceUsage: true,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return app.RunMigrate(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the build version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "parla %s (%s)\n", version, commit)
			},
		},
	)
	return root
}
