package cmd

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newCleanupCmd creates the 'cleanup' subcommand: reap expired store rows
// and evict old cached images.
func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired articles and stale cached images",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			var rows int64
			if app.Store != nil {
				rows, err = app.Store.CleanupExpired(cmd.Context())
				if err != nil {
					return err
				}
			}

			maxAge := time.Duration(app.Cfg.Images.MaxAgeDays) * 24 * time.Hour
			evicted, err := app.Images.Evict(maxAge)
			if err != nil {
				return err
			}

			app.Logger.Info("cleanup finished",
				zap.Int64("rows_deleted", rows),
				zap.Int("images_evicted", evicted))
			return nil
		},
	}
}
