package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"session-key-service/config"
	"session-key-service/internal/domain"
	"session-key-service/internal/infra"
	"session-key-service/internal/repository"
	"session-key-service/internal/usecase"
	"session-key-service/migrations"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long:  "Manage database migrations for the session key store",
	}
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateStatusCmd())
	return cmd
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Long:  "Apply all pending migrations to the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrationService, err := newMigrationService()
			if err != nil {
				return err
			}

			appliedCount, err := migrationService.ApplyMigrations(context.Background())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			if appliedCount == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending migrations.")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", appliedCount)
			}
			return nil
		},
	}
}

func migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		Long:  "Show the status of all migrations (applied/pending)",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrationService, err := newMigrationService()
			if err != nil {
				return err
			}

			migrations, err := migrationService.GetMigrationStatus(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			return printMigrationStatus(cmd.OutOrStdout(), migrations)
		},
	}
}

// newMigrationService はDATABASE_URLへ接続してMigrationServiceを生成する。
// MIGRATIONS_DIR が設定されていればバイナリ埋め込みではなくそのディレクトリを読む。
func newMigrationService() (*usecase.MigrationService, error) {
	cfg := config.Load()

	db, err := infra.NewDB(cfg.DatabaseURL, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	var source fs.FS = migrations.FS
	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		source = os.DirFS(dir)
	}

	return usecase.NewMigrationService(repository.NewMigrationRepository(db), db, source), nil
}

// printMigrationStatus はテーブル形式で出力する。
func printMigrationStatus(out io.Writer, migrations []*domain.Migration) error {
	if output == "json" {
		return printJSON(out, migrations)
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	fmt.Fprintln(w, "-------\t----\t------\t----------")

	for _, migration := range migrations {
		appliedAt := "-"
		if migration.AppliedAt != nil {
			appliedAt = migration.AppliedAt.Format("2006-01-02 15:04:05")
		}

		status := "pending"
		if migration.Status == domain.MigrationStatusApplied {
			status = "applied"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", migration.Version, migration.Name, status, appliedAt)
	}

	return w.Flush()
}
