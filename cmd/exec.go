package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adalundhe/viable/core/config"
	"github.com/adalundhe/viable/core/orchestrator"
)

var execCmd = &cobra.Command{
	Use:   "exec [goal]",
	Short: "Plan and execute a goal end to end",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runExec,
}

func init() {
	rootCmd.AddCommand(execCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg := config.LoadOrDefault(configPath)

	runtime, err := orchestrator.NewRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer runtime.Close()

	goal := strings.Join(args, " ")
	result, err := runtime.ExecuteGoal(cmd.Context(), goal, nil)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
