package cmd

import (
	"fmt"
	"github.com/senseibot/sensei/sensei"
	"github.com/spf13/cobra"
	"log"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the term log database",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable SENSEI_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable SENSEI_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}

		out := cmd.OutOrStdout()
		if cfg.DatabaseType == "postgres" {
			if err := sensei.PingPostgres(ctx, cfg.Database); err != nil {
				log.Fatalf("Error connecting to postgres: %v", err)
			}
			fmt.Fprintln(out, "Connected to postgres.")
		}

		// Run database migrations
		db, err := sensei.CreateDB(
			ctx,
			cfg.DatabaseType,
			cfg.Database,
			cfg.DatabaseLogLevel,
			cfg.DatabaseSlowThreshold,
		)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		if sqlDB, e := db.DB(); e == nil {
			defer func() {
				_ = sqlDB.Close()
			}()
		}

		var count int64
		if err = db.WithContext(ctx).Model(&sensei.TermRecord{}).Count(&count).Error; err != nil {
			log.Fatalf("Error reading term log: %v", err)
		}
		fmt.Fprintf(out, "Term log ready (%d terms issued so far).\n", count)
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand, "+
				"or the engine with the 'engine' subcommand.",
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
