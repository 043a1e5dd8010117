package commands

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"

	"packplanner/internal/di"
	contextutils "packplanner/internal/utils"
)

// ContainerOpener initializes the service container on first use
type ContainerOpener func(ctx context.Context) (di.ServiceContainerInterface, error)

// getDatabaseInfo returns database connection information
func getDatabaseInfo(ctx context.Context, db *sql.DB) string {
	if db == nil {
		return "Not connected"
	}

	var dbName string
	if err := db.QueryRowContext(ctx, "SELECT current_database()").Scan(&dbName); err != nil {
		return "Connected (unknown database)"
	}

	var host sql.NullString
	if err := db.QueryRowContext(ctx, "SELECT inet_server_addr()::text").Scan(&host); err != nil || !host.Valid {
		return fmt.Sprintf("Connected to %s", dbName)
	}

	return fmt.Sprintf("Connected to %s on %s", dbName, host.String)
}

// printJSON writes v as indented JSON
func printJSON(w io.Writer, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return contextutils.WrapError(err, "failed to encode output")
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

// requireUserID validates a --user flag value
func requireUserID(id int) error {
	if id <= 0 {
		return contextutils.WrapError(contextutils.ErrInvalidInput, "--user must be a positive user id")
	}
	return nil
}
