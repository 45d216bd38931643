package cmd

import (
	"github.com/senseibot/sensei/sensei"
	"github.com/spf13/cobra"
	"log"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the discord bot",
		Long: "Starts the discord bot. Terms are generated in-process when " +
			"SENSEI_TERMS_SOURCE=local, or requested from the connector when " +
			"SENSEI_TERMS_SOURCE=remote.",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := sensei.New(cfg)
			if err != nil {
				log.Fatalf("error creating bot: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running bot: %s", err.Error())
			}
		},
	}
)

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
