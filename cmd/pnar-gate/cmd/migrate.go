package cmd

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pnar.online/internal/config"
	"pnar.online/internal/migrate"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the users table schema in PostgreSQL",
	Long: `Apply or roll back the SQL migrations embedded in the binary.

PNAR_DATABASE_URL must point at the PostgreSQL database.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withMigrator(func(mgr *migrate.Manager) error {
			applied, err := mgr.Up(cmd.Context())
			for _, name := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
			}
			if err == nil && len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to apply")
			}
			return err
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the latest migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withMigrator(func(mgr *migrate.Manager) error {
			name, err := mgr.Down(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "rolled back", name)
			return nil
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List applied and pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withMigrator(func(mgr *migrate.Manager) error {
			applied, err := mgr.Status(cmd.Context())
			if err != nil {
				return err
			}
			pending, err := mgr.Pending(cmd.Context())
			if err != nil {
				return err
			}
			for _, r := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied  %s  %s\n", r.Name, r.AppliedAt.Format(time.RFC3339))
			}
			for _, name := range pending {
				fmt.Fprintf(cmd.OutOrStdout(), "pending  %s\n", name)
			}
			return nil
		})
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}

func withMigrator(fn func(*migrate.Manager) error) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("PNAR_DATABASE_URL is not set")
	}
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()
	return fn(migrate.NewManager(db))
}
