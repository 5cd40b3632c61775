package cli

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/migrations"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the schema migration.",
	}
	cmd.AddCommand(newMigrateApplyCmd(), newMigrateRollbackCmd())
	return cmd
}

func newMigrateApplyCmd() *cobra.Command {
	var dryRun bool
	var target int

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply pending migrations.",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadConfig()
			if err != nil {
				return err
			}

			db, err := sql.Open("pgx", settings.DB.ConnInfo)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			if dryRun {
				version, dirty, err := migrations.CurrentVersion(db)
				if err != nil {
					return err
				}
				fmt.Printf("dry_run=true current_version=%d dirty=%t\n", version, dirty)
				return nil
			}

			if target > 0 {
				if err := migrations.ApplyTo(db, uint(target)); err != nil {
					return err
				}
				fmt.Printf("applied target_version=%d\n", target)
				return nil
			}

			if err := migrations.Apply(db); err != nil {
				return err
			}
			version, dirty, err := migrations.CurrentVersion(db)
			if err != nil {
				return err
			}
			fmt.Printf("applied current_version=%d dirty=%t\n", version, dirty)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report the current schema version without applying anything")
	cmd.Flags().IntVar(&target, "target", 0, "migrate to this exact schema version instead of the latest")
	return cmd
}

func newMigrateRollbackCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Revert the most recently applied migration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadConfig()
			if err != nil {
				return err
			}

			db, err := sql.Open("pgx", settings.DB.ConnInfo)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			if dryRun {
				version, dirty, err := migrations.CurrentVersion(db)
				if err != nil {
					return err
				}
				fmt.Printf("dry_run=true current_version=%d dirty=%t\n", version, dirty)
				return nil
			}

			if err := migrations.Rollback(db); err != nil {
				return err
			}
			version, dirty, err := migrations.CurrentVersion(db)
			if err != nil {
				return err
			}
			fmt.Printf("rolled_back current_version=%d dirty=%t\n", version, dirty)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report the current schema version without rolling back anything")
	return cmd
}
