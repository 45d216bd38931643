package cmd

import (
	"github.com/senseibot/sensei/sensei"
	"github.com/spf13/cobra"
	"log"
)

var engineCmd = &cobra.Command{
	Use:   "engine [flags]",
	Short: "Starts the term engine HTTP service",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := sensei.RunEngine(cmd.Context(), cfg, nil); err != nil {
			log.Fatalf("error running engine: %s", err.Error())
		}
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(engineCmd)
}
