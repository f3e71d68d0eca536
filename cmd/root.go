// Package cmd defines and implements the CLI commands for the items-api executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/items-api/internal/config"
	"github.com/JakeFAU/items-api/internal/server"
)

// runner groups the steps each command performs so tests can replace them
// without a database.
type runner struct {
	loadConfig func(path string) (config.Config, error)
	serve      func(ctx context.Context, cfg *config.Config) error
	migrate    func(ctx context.Context, cfg *config.Config) error
}

func defaultRunner() runner {
	return runner{
		loadConfig: config.Load,
		serve: func(ctx context.Context, cfg *config.Config) error {
			app, err := server.Build(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			return app.Run(ctx)
		},
		migrate: server.Migrate,
	}
}

// newRootCmd creates and configures the root command. Without a subcommand
// it serves, matching the container entrypoint.
func newRootCmd(run runner) *cobra.Command {
	var cfgFile string

	serve := func(cmd *cobra.Command, _ []string) error {
		cfg, err := run.loadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return run.serve(cmd.Context(), &cfg)
	}

	cmd := &cobra.Command{
		Use:   "items-api",
		Short: "CRUD service for items backed by Postgres.",
		Long: `items-api serves a small JSON API for creating and listing items,
plus health, readiness and Prometheus metrics endpoints.`,
		SilenceUsage: true,
		RunE:         serve,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment variables take precedence")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default)",
		RunE:  serve,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create the items table if missing, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := run.loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return run.migrate(cmd.Context(), &cfg)
		},
	})
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd(defaultRunner()).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "items-api: %v\n", err)
		os.Exit(1)
	}
}
