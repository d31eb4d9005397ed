package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/queuemesh/hybridqueue/store/postgres"
	"github.com/queuemesh/hybridqueue/store/sqlite"
)

func newMigrateCmd() *cobra.Command {
	var dsn, sqlitePath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn = env("DB_DSN", dsn)
			if dsn != "" {
				if err := postgres.RunMigrations(dsn); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
				cmd.Println("migrations applied")
				return nil
			}

			// sqlite applies its schema on Open; opening and closing is
			// enough to bring a fresh file up to date.
			db, err := sqlite.Open(sqlitePath)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			defer db.Close()
			cmd.Println("sqlite schema up to date at " + sqlitePath)
			return nil
		},
	}

	cmd.Flags().StringVar(&dsn, "db-dsn", "", "PostgreSQL DSN (env DB_DSN); empty uses sqlite")
	cmd.Flags().StringVar(&sqlitePath, "sqlite-path", "queuectl.db", "sqlite database path when --db-dsn is empty")

	return cmd
}
