package main

import (
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/thistle/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := bootstrap()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		return server.New(cfg, logger).Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
