package cmd

import (
	"github.com/senseibot/sensei/sensei"
	"github.com/spf13/cobra"
	"log"
)

var connectorCmd = &cobra.Command{
	Use:   "connector [flags]",
	Short: "Starts the connector, relaying term requests to the engine",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := sensei.RunConnector(cmd.Context(), cfg, nil); err != nil {
			log.Fatalf("error running connector: %s", err.Error())
		}
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(connectorCmd)
}
