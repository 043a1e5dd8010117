package commands

import (
	"encoding/json"
	"io"
	"os"

	"packplanner/internal/models"
	"packplanner/internal/observability"
	contextutils "packplanner/internal/utils"

	"github.com/spf13/cobra"
)

// AttemptCommands returns the attempt history commands
func AttemptCommands(logger *observability.Logger, open ContainerOpener) *cobra.Command {
	attemptCmd := &cobra.Command{
		Use:   "attempt",
		Short: "Attempt history commands",
		Long: `Attempt history commands for the pack planner.

Available commands:
  import    - Load attempt events from a JSON file`,
	}

	attemptCmd.AddCommand(importAttemptsCmd(logger, open))

	return attemptCmd
}

// decodeAttempts reads a JSON array of attempt events and checks the fields the planner keys on
func decodeAttempts(r io.Reader) ([]models.AttemptEvent, error) {
	var events []models.AttemptEvent
	if err := json.NewDecoder(r).Decode(&events); err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrInvalidInput, "invalid attempt file: %v", err)
	}
	for i, e := range events {
		if e.UserID <= 0 || e.SessionID == "" || e.SessSeq <= 0 || e.QuestionID <= 0 {
			return nil, contextutils.WrapErrorf(contextutils.ErrInvalidInput,
				"attempt %d needs user_id, session_id, sess_seq and question_id", i)
		}
	}
	return events, nil
}

func importAttemptsCmd(logger *observability.Logger, open ContainerOpener) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load attempt events from a JSON file",
		Long:  `Load a JSON array of attempt events into attempt history. Use --file - to read stdin.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			var in io.Reader = cmd.InOrStdin()
			if path != "-" {
				f, err := os.Open(path)
				if err != nil {
					return contextutils.WrapError(err, "failed to open attempt file")
				}
				defer func() { _ = f.Close() }()
				in = f
			}
			events, err := decodeAttempts(in)
			if err != nil {
				return err
			}

			container, err := open(ctx)
			if err != nil {
				return err
			}
			history, err := container.GetHistoryService()
			if err != nil {
				return err
			}
			for i := range events {
				if err := history.RecordAttempt(ctx, &events[i]); err != nil {
					logger.Error(ctx, "Failed to record attempt", err, map[string]interface{}{"index": i})
					return contextutils.WrapErrorf(err, "attempt %d", i)
				}
			}
			cmd.Printf("Imported %d attempts\n", len(events))
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "file", "-", "path to a JSON array of attempt events")
	return cmd
}
