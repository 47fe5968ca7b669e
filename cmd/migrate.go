package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-crawler/internal/app"
	postgresstore "github.com/JakeFAU/source-crawler/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/source-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/source-crawler/migrations"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [up|up-one|down|status|version|reset]",
		Short: "Applies schema changes for the configured storage provider",
		Long: `Runs goose migrations for postgres and sqlite. For dynamodb, "up" creates
any missing tables, including the lock table when lock.backend is dynamodb.
The memory and mongo providers need no migrations.`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "up-one", "down", "status", "version", "reset"},
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			command := "up"
			if len(args) == 1 {
				command = args[0]
			}
			storage := rt.cfg.Storage
			logger := rt.logger.With(zap.String("provider", storage.Provider), zap.String("command", command))

			switch storage.Provider {
			case "postgres":
				if err := postgresstore.Migrate(storage.Postgres.DSN, command); err != nil {
					return fmt.Errorf("migrate postgres: %w", err)
				}
			case "sqlite":
				db, err := sqlitestore.OpenDB(storage.SQLite.Path)
				if err != nil {
					return err
				}
				defer func() { _ = db.Close() }()
				if err := migrations.Command(db, migrations.SQLite, command); err != nil {
					return fmt.Errorf("migrate sqlite: %w", err)
				}
			case "dynamodb":
				if command != "up" {
					return fmt.Errorf("dynamodb only supports migrate up")
				}
				if err := withApp(cmd, func(a *app.App) error {
					return a.EnsureTables(cmd.Context())
				}); err != nil {
					return fmt.Errorf("ensure dynamodb tables: %w", err)
				}
			default:
				logger.Info("nothing to migrate")
				return nil
			}
			logger.Info("migration complete")
			return nil
		},
	}
}
