// Package main implements trialctl, an operator CLI that runs document
// extraction and candidate selection without the HTTP server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pharmatrace/backend/pkg/config"
	appLogger "github.com/pharmatrace/backend/pkg/logger"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "trialctl",
	Short: "PharmaTrace operator CLI",
	Long:  "trialctl extracts patient records from local documents and selects or ranks trial candidates using the same pipeline as the API server.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		if err := appLogger.Init(loaded.Logging.Level, loaded.Logging.Format, "stderr"); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		cfg = loaded
		return nil
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		appLogger.Sync()
	},
	SilenceUsage: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
