package commands

import (
	"packplanner/internal/observability"
	"packplanner/internal/services"
	contextutils "packplanner/internal/utils"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// PlanCommands returns the plan inspection commands
func PlanCommands(logger *observability.Logger, open ContainerOpener) *cobra.Command {
	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Plan inspection commands",
		Long: `Plan inspection commands for the pack planner.

Available commands:
  dry-run   - Plan a user's next session without storing it
  next      - Plan and store a user's next session
  show      - Print a stored plan`,
	}

	planCmd.AddCommand(dryRunCmd(logger, open))
	planCmd.AddCommand(planNextCmd(logger, open))
	planCmd.AddCommand(showPlanCmd(open))

	return planCmd
}

func dryRunCmd(logger *observability.Logger, open ContainerOpener) *cobra.Command {
	var userID int
	cmd := &cobra.Command{
		Use:   "dry-run",
		Short: "Plan a user's next session without storing it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireUserID(userID); err != nil {
				return err
			}
			ctx := cmd.Context()
			container, err := open(ctx)
			if err != nil {
				return err
			}
			orchestrator, err := container.GetOrchestrator()
			if err != nil {
				return err
			}

			plan, err := orchestrator.DryRun(ctx, userID)
			if err != nil {
				logger.Error(ctx, "Dry run failed", err, map[string]interface{}{"user_id": userID})
				return contextutils.WrapError(err, "dry run failed")
			}
			return printJSON(cmd.OutOrStdout(), plan)
		},
	}
	cmd.Flags().IntVar(&userID, "user", 0, "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func planNextCmd(logger *observability.Logger, open ContainerOpener) *cobra.Command {
	var (
		userID         int
		sessionID      string
		lastSessionID  string
		idempotencyKey string
	)
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Plan and store a user's next session",
		Long: `Plan and store a user's next session, exactly as the HTTP endpoint does.
Re-running with the same --key replays the stored plan.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireUserID(userID); err != nil {
				return err
			}
			if idempotencyKey == "" {
				idempotencyKey = uuid.NewString()
			}
			ctx := cmd.Context()
			container, err := open(ctx)
			if err != nil {
				return err
			}
			orchestrator, err := container.GetOrchestrator()
			if err != nil {
				return err
			}

			result, err := orchestrator.PlanNext(ctx, services.PlanNextRequest{
				UserID:         userID,
				LastSessionID:  lastSessionID,
				NextSessionID:  sessionID,
				IdempotencyKey: idempotencyKey,
			})
			if err != nil {
				logger.Error(ctx, "Planning failed", err, map[string]interface{}{"user_id": userID, "session_id": sessionID})
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"idempotency_key": idempotencyKey,
				"replayed":        result.Replayed,
				"plan":            result.Plan,
			})
		},
	}
	cmd.Flags().IntVar(&userID, "user", 0, "user id")
	cmd.Flags().StringVar(&sessionID, "session", "", "id of the session to plan")
	cmd.Flags().StringVar(&lastSessionID, "last", "", "id of the session the user just finished")
	cmd.Flags().StringVar(&idempotencyKey, "key", "", "idempotency key (a new UUID when empty)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func showPlanCmd(open ContainerOpener) *cobra.Command {
	var (
		userID    int
		sessionID string
	)
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print a stored plan",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireUserID(userID); err != nil {
				return err
			}
			ctx := cmd.Context()
			container, err := open(ctx)
			if err != nil {
				return err
			}
			plans, err := container.GetPlanStore()
			if err != nil {
				return err
			}

			plan, err := plans.GetPlan(ctx, userID, sessionID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), plan)
		},
	}
	cmd.Flags().IntVar(&userID, "user", 0, "user id")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}
