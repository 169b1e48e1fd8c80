package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newServeCmd creates the 'serve' subcommand, which runs the HTTP API until
// SIGINT or SIGTERM.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the scan coordinator and its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			app, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}

// newValidateCmd creates the 'validate' subcommand, which loads the
// configuration and prints the providers it selects.
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Checks the configuration and exits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "port: %d\n", cfg.Server.Port)
			fmt.Fprintf(out, "storage: %s\n", cfg.Storage.Provider)
			fmt.Fprintf(out, "handoff: %s\n", cfg.Handoff.Provider)
			fmt.Fprintf(out, "archive: %s\n", cfg.Archive.Provider)
			fmt.Fprintf(out, "watchdog: %t\n", cfg.Watchdog.Enabled)
			return nil
		},
	}
}
