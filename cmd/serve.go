package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sagastream/canon-crawler/internal/api"
)

const shutdownTimeout = 15 * time.Second

// newServeCmd creates the 'serve' subcommand: the HTTP API with background
// prefetch runs triggered through it.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		Long: `Serves categorized canon data, image proxying and prefetch control
over HTTP. Prefetch runs started through the API execute in the
background; at most one runs at a time.`,
		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	app, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	server := api.NewServer(app.Service, app.Logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.Cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		app.Logger.Info("http server listening", zap.Int("port", app.Cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-cmd.Context().Done():
		app.Logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	app.Logger.Info("http server stopped")
	return nil
}
