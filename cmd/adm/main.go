// Package main provides the main entry point for the pack planner admin CLI tool.
package main

import (
	"context"
	"fmt"
	"os"

	"packplanner/cmd/adm/commands"
	"packplanner/internal/config"
	"packplanner/internal/di"
	"packplanner/internal/observability"

	"github.com/spf13/cobra"
)

func main() {
	ctx := context.Background()

	// Set default config file if not already set
	if os.Getenv("PLANNER_CONFIG_FILE") == "" {
		for _, path := range []string{"../config.yaml", "../../config.yaml", "config.yaml"} {
			if _, err := os.Stat(path); err == nil {
				if err := os.Setenv("PLANNER_CONFIG_FILE", path); err != nil {
					fmt.Fprintf(os.Stderr, "Failed to set PLANNER_CONFIG_FILE environment variable: %v\n", err)
					os.Exit(1)
				}
				break
			}
		}
	}

	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Disable all OpenTelemetry features for admin CLI to avoid connection errors
	cfg.OpenTelemetry.EnableTracing = false
	cfg.OpenTelemetry.EnableMetrics = false
	cfg.OpenTelemetry.EnableLogging = false

	_, _, logger, err := observability.SetupObservabilityWithLevel(&cfg.OpenTelemetry, "pack-planner-admin", "error")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize observability: %v\n", err)
		os.Exit(1)
	}

	// The container is only built for commands that need the planning services
	var container *di.ServiceContainer
	openContainer := func(ctx context.Context) (di.ServiceContainerInterface, error) {
		if container == nil {
			c := di.NewServiceContainer(cfg, logger, nil)
			if err := c.Initialize(ctx); err != nil {
				return nil, err
			}
			container = c
		}
		return container, nil
	}
	defer func() {
		if container != nil {
			if err := container.Shutdown(ctx); err != nil {
				logger.Warn(ctx, "Warning: failed to shutdown services", map[string]interface{}{"error": err.Error()})
			}
		}
	}()

	rootCmd := &cobra.Command{
		Use:   "adm",
		Short: "Pack Planner Administration Tool",
		Long: `Pack Planner Administration Tool

A CLI tool for operating the pack planner.
Provides commands for database operations, plan inspection and summary backfill.`,
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, _ []string) {
			// Show help if no subcommand provided
			if err := cmd.Help(); err != nil {
				fmt.Printf("Error showing help: %v\n", err)
			}
		},
	}

	rootCmd.AddCommand(commands.DatabaseCommands(cfg, logger, openContainer))
	rootCmd.AddCommand(commands.PlanCommands(logger, openContainer))
	rootCmd.AddCommand(commands.SummaryCommands(logger, openContainer))
	rootCmd.AddCommand(commands.AttemptCommands(logger, openContainer))

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		// os.Exit skips deferred calls
		if container != nil {
			_ = container.Shutdown(ctx)
		}
		os.Exit(1)
	}
}
