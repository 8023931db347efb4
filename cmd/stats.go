package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/adalundhe/viable/core/config"
	"github.com/adalundhe/viable/core/orchestrator"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print a stats snapshot for every component",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg := config.LoadOrDefault(configPath)

	runtime, err := orchestrator.NewRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer runtime.Close()

	snapshot := map[string]any{
		"registry": runtime.Registry.Stats(),
		"router":   runtime.Router.Stats(),
		"cdn":      runtime.CDN.Stats(),
		"handoffs": runtime.Handoffs.Stats(),
		"planner":  runtime.Planner.Stats(),
	}

	out, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
