package cmd

import (
	"fmt"
	"github.com/senseibot/sensei/sensei"
	"github.com/spf13/cobra"
	"log"
	"log/slog"
)

var termCmd = &cobra.Command{
	Use:   "term <category>",
	Short: "Acquire a term from the configured source and print it",
	Long: "Acquires a term the same way the bot's term command does, " +
		"either generating it locally or requesting it from the connector.",
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		category, err := sensei.ParseCategory(args)
		if err != nil {
			log.Fatalf("%v (supported: %v)", err, sensei.Categories)
		}

		logger := slog.Default()
		source, closer, err := sensei.OpenTermSource(ctx, cfg, logger)
		if err != nil {
			log.Fatalf("error opening term source: %v", err)
		}
		defer func() {
			_ = closer()
		}()

		result, err := source.AcquireTerm(
			ctx,
			sensei.TermRequest{
				Category:    category,
				Platform:    "cli",
				RequesterID: "cli",
			},
		)
		if err != nil {
			log.Fatalf("error acquiring term: %v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", result.TermName, result.TermDefinition)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(termCmd)
}
