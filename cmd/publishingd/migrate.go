package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newsroomhq/publishing/es/migrations"
)

func newMigrateCmd() *cobra.Command {
	var print bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the event log, checkpoint and read-model tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			migrationConfig := migrations.DefaultConfig()
			var ddl string
			if cfg.DatabaseDriver == "postgres" {
				ddl = migrations.PostgresSQL(&migrationConfig)
			} else {
				ddl = migrations.SQLiteSQL(&migrationConfig)
			}

			if print {
				fmt.Fprint(cmd.OutOrStdout(), ddl)
				return nil
			}

			db, err := sql.Open(driverName(cfg.DatabaseDriver), cfg.DatabaseDSN)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			if _, err := db.ExecContext(cmd.Context(), ddl); err != nil {
				return fmt.Errorf("failed to apply migration: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migration applied")
			return nil
		},
	}
	cmd.Flags().BoolVar(&print, "print", false, "print the DDL instead of applying it")
	return cmd
}
