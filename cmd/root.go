// Package cmd defines the CLI commands for the canoncrawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var cfgFile string

type appKeyType struct{}

var appKey appKeyType

// newApp is the application factory, a variable so tests can swap in a
// stub.
var newApp = func(ctx context.Context, cfgPath string) (*App, error) {
	return NewApp(ctx, cfgPath)
}

// newRootCmd creates and configures the root command. Application services
// are built in PersistentPreRunE and carried to subcommands through the
// command context.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "canoncrawler",
		Short: "Wiki canon crawler and categorization service",
		Long: `canoncrawler walks a wiki's canon category tree, classifies every
article into a fixed set of buckets by keyword overlap, and serves the
result through layered caches and an HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, app))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if app, ok := cmd.Context().Value(appKey).(*App); ok && app != nil {
				app.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newPrefetchCmd())
	cmd.AddCommand(newCleanupCmd())

	return cmd
}

func resolveApp(ctx context.Context) (*App, error) {
	app, ok := ctx.Value(appKey).(*App)
	if !ok || app == nil {
		return nil, errors.New("application services not initialized")
	}
	return app, nil
}

// Execute runs the root command with signal-aware context cancellation.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if logger := zap.L(); logger != nil {
			logger.Error("command failed", zap.Error(err))
		}
		fmt.Fprintf(os.Stderr, "canoncrawler: %v\n", err)
		os.Exit(1)
	}
}
