// Package cmd provides the CLI surface for the viable runtime.
package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/adalundhe/viable/core/config"
	"github.com/adalundhe/viable/core/orchestrator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the runtime until interrupted",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg := config.LoadOrDefault(configPath)

	runtime, err := orchestrator.NewRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer runtime.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("runtime started, waiting for shutdown signal")
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
