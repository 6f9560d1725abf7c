package cmd

import (
	"context"
	"fmt"
	"log"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
)

var (
	migrateCmd = &cobra.Command{
		RunE:      runMigration,
		Use:       "migrate [up|down|status|redo]",
		Short:     "Apply the goose migrations under db/migrations",
		Long:      `Create or roll back the transactions, status history, outbox, rating eligibility and gateway catalog tables. Defaults to up.`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down", "status", "redo"},
	}
	migrateRollback bool
	migrateDir      string
)

func init() {
	migrateCmd.Flags().BoolVarP(&migrateRollback, "rollback", "r", false, "roll back the latest migration (same as `migrate down`)")
	migrateCmd.PersistentFlags().StringVarP(&migrateDir, "dir", "d", "db/migrations", "sql migrations directory")
}

func runMigration(_ *cobra.Command, args []string) error {
	command := "up"
	if len(args) == 1 {
		command = args[0]
	}
	if migrateRollback {
		command = "down"
	}
	switch command {
	case "up", "down", "status", "redo":
	default:
		return fmt.Errorf("unknown migrate command %q", command)
	}

	ctx := context.Background()
	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}

	db, err := goose.OpenDBWithDriver("pgx", cfg.Database.Source)
	if err != nil {
		log.Fatalf("goose: failed to open DB: %v\n", err)
	}
	defer db.Close()
	goose.SetTableName("schema_migrations")

	if err := goose.RunContext(ctx, command, db, migrateDir); err != nil {
		log.Fatalf("goose %s: %v", command, err)
	}

	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return err
	}
	fmt.Printf("schema version %d\n", version)
	return nil
}
