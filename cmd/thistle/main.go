package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Gobusters/ectologger"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/thistle/config"
	"github.com/Ramsey-B/thistle/internal/server"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "thistle",
	Short: "Threat actor deduplication for the intelligence platform",
	Long: `thistle finds Intrusion-Set entities that describe the same threat actor,
queues them for review and merges approved pairs on the platform.

Configuration is read from the environment, optionally seeded from an env file.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "env file loaded before the environment")
}

// bootstrap loads config and builds the logger every command shares.
func bootstrap() (*config.Config, ectologger.Logger, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := server.NewLogger(cfg.LogLevel, cfg.PrettyLogs)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
