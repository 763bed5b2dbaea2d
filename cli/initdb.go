package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewInitDBCmd creates the "initdb" subcommand. Both store backends apply
// their schema on open, so initializing is opening once and closing.
func NewInitDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "initdb",
		Short: "Create the database schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn, _ := cmd.Flags().GetString("dsn")

			store, err := openStore(cmd.Context(), dsn)
			if err != nil {
				return exitError(exitStore, "initializing database: %v", err)
			}
			if err := store.Close(); err != nil {
				return exitError(exitStore, "closing database: %v", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "database initialized")
			return nil
		},
	}

	cmd.Flags().String("dsn", "", "Database DSN: postgres:// URL or SQLite path (default: ~/.hushnote/hushnote.db)")
	return cmd
}
