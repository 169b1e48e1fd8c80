// Package cmd defines the CLI commands for the channelscan executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/channelscan/internal/config"
	"github.com/JakeFAU/channelscan/internal/server"
)

// configKeyType is the key for storing the loaded Config in the context.
type configKeyType string

const configKey configKeyType = "config"

// Runner is the part of the application the serve command drives.
type Runner interface {
	Run(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can inject a
// fake runner.
var newApp = func(ctx context.Context, cfg config.Config) (Runner, error) {
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return app, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "channelscan",
		Short: "Coordinates category scans and keeps the channel registry.",
		Long: `channelscan admits category scans, hands them to the crawler fleet,
merges the channels crawlers report into a deduplicated registry and serves
jobs, channels, aggregates and the security posture over HTTP.`,
		SilenceUsage: true,

		// Load configuration once so every subcommand sees the same values.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env CHANNELSCAN_* overrides)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newValidateCmd())

	return cmd
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	if ctx == nil {
		return config.Config{}, errors.New("command context is not set")
	}
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration was not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
