package main

import (
	"errors"

	"github.com/amirphl/simple-backtester/internal/db"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database if needed and apply the schema",
	RunE:  runMigrateCmd,
}

func init() {
	migrateCmd.Flags().Bool("create-db", true, "create the database named in the DSN when it does not exist")
}

func runMigrateCmd(cmd *cobra.Command, args []string) error {
	if cfg.Database.DSN == "" {
		return errors.New("database DSN is required (database.dsn or DB_CONN_STR)")
	}

	ctx, cancel := signalContext()
	defer cancel()

	if create, _ := cmd.Flags().GetBool("create-db"); create {
		if err := db.EnsureDatabase(ctx, cfg.Database.DSN); err != nil {
			return err
		}
	}

	pg, err := db.Open(ctx, cfg.Database.DSN, cfg.Database.Pool)
	if err != nil {
		return err
	}
	defer pg.Close()

	if err := pg.Migrate(ctx); err != nil {
		return err
	}
	log.Info().Msg("runMigrateCmd | database migrations completed successfully")
	return nil
}
