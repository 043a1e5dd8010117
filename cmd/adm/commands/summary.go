package commands

import (
	"packplanner/internal/observability"
	contextutils "packplanner/internal/utils"

	"github.com/spf13/cobra"
)

// SummaryCommands returns the session summary commands
func SummaryCommands(logger *observability.Logger, open ContainerOpener) *cobra.Command {
	summaryCmd := &cobra.Command{
		Use:   "summary",
		Short: "Session summary commands",
		Long: `Session summary commands for the pack planner.

Available commands:
  run       - Summarize one completed session now
  show      - Print a stored session summary
  aliases   - Print a user's concept alias map`,
	}

	summaryCmd.AddCommand(runSummaryCmd(logger, open))
	summaryCmd.AddCommand(showSummaryCmd(open))
	summaryCmd.AddCommand(aliasesCmd(open))

	return summaryCmd
}

func runSummaryCmd(logger *observability.Logger, open ContainerOpener) *cobra.Command {
	var (
		userID    int
		sessionID string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Summarize one completed session now",
		Long:  `Summarize one completed session without waiting for the worker. Re-running replaces that session's summary.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireUserID(userID); err != nil {
				return err
			}
			ctx := cmd.Context()
			container, err := open(ctx)
			if err != nil {
				return err
			}
			summarizer, err := container.GetSummarizer()
			if err != nil {
				return err
			}

			summary, err := summarizer.Summarize(ctx, userID, sessionID)
			if err != nil {
				logger.Error(ctx, "Summary failed", err, map[string]interface{}{"user_id": userID, "session_id": sessionID})
				return contextutils.WrapError(err, "summary failed")
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().IntVar(&userID, "user", 0, "user id")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func showSummaryCmd(open ContainerOpener) *cobra.Command {
	var (
		userID    int
		sessionID string
	)
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print a stored session summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireUserID(userID); err != nil {
				return err
			}
			ctx := cmd.Context()
			container, err := open(ctx)
			if err != nil {
				return err
			}
			summaries, err := container.GetSummaryStore()
			if err != nil {
				return err
			}

			summary, err := summaries.GetSummary(ctx, userID, sessionID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().IntVar(&userID, "user", 0, "user id")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func aliasesCmd(open ContainerOpener) *cobra.Command {
	var userID int
	cmd := &cobra.Command{
		Use:   "aliases",
		Short: "Print a user's concept alias map",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireUserID(userID); err != nil {
				return err
			}
			ctx := cmd.Context()
			container, err := open(ctx)
			if err != nil {
				return err
			}
			summaries, err := container.GetSummaryStore()
			if err != nil {
				return err
			}

			aliasMap, err := summaries.GetAliasMap(ctx, userID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), aliasMap)
		},
	}
	cmd.Flags().IntVar(&userID, "user", 0, "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
