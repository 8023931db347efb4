package cmd

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "viable",
	Short: "Viable - a VSM capability orchestration runtime",
	Long:  `Viable routes work between the five VSM systems: capability discovery, tool dispatch, cached LLM completion, execution handoffs, and collaborative planning.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a yaml config file")
}

func Execute() error {
	return rootCmd.Execute()
}
