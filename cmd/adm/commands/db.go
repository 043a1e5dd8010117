// Package commands provides CLI commands for the admin tool
package commands

import (
	"packplanner/internal/config"
	"packplanner/internal/database"
	"packplanner/internal/models"
	"packplanner/internal/observability"
	contextutils "packplanner/internal/utils"

	"github.com/spf13/cobra"
)

// pendingScanLimit bounds how many pending summaries stats will count
const pendingScanLimit = 1000

// DatabaseCommands returns the database management commands
func DatabaseCommands(cfg *config.Config, logger *observability.Logger, open ContainerOpener) *cobra.Command {
	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
		Long: `Database management commands for the pack planner.

Available commands:
  migrate   - Apply the schema and pending migrations
  stats     - Show catalog and summary backlog statistics`,
	}

	dbCmd.AddCommand(migrateCmd(cfg, logger))
	dbCmd.AddCommand(statsCmd(logger, open))

	return dbCmd
}

func migrateCmd(cfg *config.Config, logger *observability.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the schema and pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger.Info(ctx, "Running migrations", map[string]interface{}{"database": contextutils.RedactURL(cfg.Database.URL)})

			db, err := database.NewManager(logger).InitDBWithConfig(ctx, cfg.Database)
			if err != nil {
				return contextutils.WrapError(err, "migration failed")
			}
			defer func() {
				if err := db.Close(); err != nil {
					logger.Warn(ctx, "Warning: failed to close database connection", map[string]interface{}{"error": err.Error()})
				}
			}()

			cmd.Printf("Migrations applied (%s)\n", getDatabaseInfo(ctx, db))
			return nil
		},
	}
}

func statsCmd(logger *observability.Logger, open ContainerOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show catalog and summary backlog statistics",
		Long:  `Show active catalog questions per difficulty band and the number of completed sessions still waiting for a summary.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			container, err := open(ctx)
			if err != nil {
				return err
			}
			catalog, err := container.GetCatalogService()
			if err != nil {
				return err
			}
			summaries, err := container.GetSummaryStore()
			if err != nil {
				return err
			}

			counts, err := catalog.CountActiveByBand(ctx)
			if err != nil {
				logger.Error(ctx, "Failed to count catalog", err, nil)
				return contextutils.WrapError(err, "failed to count catalog")
			}
			pending, err := summaries.ListPendingSummaries(ctx, pendingScanLimit, nil)
			if err != nil {
				return contextutils.WrapError(err, "failed to list pending summaries")
			}

			catalogByBand := make(map[string]int, len(models.Bands))
			for _, band := range models.Bands {
				catalogByBand[string(band)] = counts[band]
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"database":          getDatabaseInfo(ctx, container.GetDatabase()),
				"active_by_band":    catalogByBand,
				"pending_summaries": len(pending),
				"pending_capped":    len(pending) == pendingScanLimit,
			})
		},
	}
}
