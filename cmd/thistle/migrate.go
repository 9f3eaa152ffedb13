package main

import (
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/thistle/internal/server"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	Long: `Apply the migrations in DB_MIGRATION_FOLDER_PATH.

DB_MIGRATION_VERSION pins a target version, DB_MIGRATION_FORCE forces a dirty
version before migrating.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := bootstrap()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		srv := server.New(cfg, logger)
		st := srv.Database()
		if err := st.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = st.Stop(ctx) }()

		return srv.Migrate()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
