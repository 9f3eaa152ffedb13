// Package repotest connects repository integration tests to a real Postgres.
// Tests are skipped unless TEST_DB_HOST is set.
package repotest

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/thistle/pkg/database"
)

func GetTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// migrationFolder resolves db/pg relative to this file so tests work from any package directory.
func migrationFolder() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "..", "db", "pg")
}

// GetTestDB migrates the test database, empties the dedup tables and returns a DB.
func GetTestDB(t *testing.T) database.DB {
	t.Helper()

	host := os.Getenv("TEST_DB_HOST")
	if host == "" || testing.Short() {
		t.Skip("Skipping integration test: TEST_DB_HOST is not set")
	}

	logger := GetTestLogger()
	cfg := database.ConnectionConfig{
		Host:     host,
		Port:     envOr("TEST_DB_PORT", "5432"),
		User:     envOr("TEST_DB_USER_NAME", "user"),
		Password: envOr("TEST_DB_PASSWORD", "password"),
		Name:     envOr("TEST_DB_NAME", "thistle_test"),
		SSLMode:  "disable",
	}

	ctx := context.Background()
	db, err := database.Connect(ctx, cfg, logger)
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(func() { _ = db.Close() })

	migrations := database.NewMigrationService(logger, &database.MigrationConfig{MigrationFolderPath: migrationFolder()})
	require.NoError(t, migrations.MigratePostgres(cfg.Name, db))

	_, err = db.ExecContext(ctx, "TRUNCATE dedup_merge_history, dedup_candidates, dedup_scan_runs")
	require.NoError(t, err)

	return database.NewDatabaseInstance(db, logger)
}
