package database

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// MigrationsTable keeps the dedup schema version apart from other services
// sharing the database.
const MigrationsTable = "thistle_schema_migrations"

var upMigration = regexp.MustCompile(`^(\d+)_.*\.up\.sql$`)

type MigrationConfig struct {
	MigrationFolderPath string
	// Version pins a target version. Zero migrates up to the latest file.
	Version uint
	// Force marks the schema as Version before migrating, clearing a dirty flag.
	Force int
	// AutoRollback forces a dirty schema back to the version it had before the failed run.
	AutoRollback bool
}

type MigrationService struct {
	config *MigrationConfig
	logger ectologger.Logger
}

func NewMigrationService(logger ectologger.Logger, config *MigrationConfig) *MigrationService {
	return &MigrationService{config: config, logger: logger}
}

// migrateLogger routes golang-migrate output through the service logger.
type migrateLogger struct {
	ectologger.Logger
}

func (l migrateLogger) Verbose() bool { return false }

func (l migrateLogger) Printf(format string, v ...any) {
	l.Debugf(strings.TrimSuffix(format, "\n"), v...)
}

func (ms *MigrationService) folder() (string, error) {
	folder := ms.config.MigrationFolderPath
	if !filepath.IsAbs(folder) {
		if _, err := os.Stat(folder); err != nil {
			wd, _ := os.Getwd()
			folder = filepath.Join(wd, folder)
		}
	}
	if _, err := os.Stat(folder); err != nil {
		return "", errors.Wrapf(err, "migration folder %s does not exist", folder)
	}
	return folder, nil
}

// MigratePostgres applies the migration folder to the given database.
func (ms *MigrationService) MigratePostgres(databaseName string, db *sqlx.DB) error {
	folder, err := ms.folder()
	if err != nil {
		return err
	}

	driver, err := postgres.WithInstance(db.DB, &postgres.Config{
		DatabaseName:    databaseName,
		MigrationsTable: MigrationsTable,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create postgres migration driver")
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+folder, databaseName, driver)
	if err != nil {
		return errors.Wrap(err, "failed to create migrator")
	}
	m.Log = migrateLogger{Logger: ms.logger}

	if ms.config.Force != 0 {
		ms.logger.Warnf("Forcing schema version %d", ms.config.Force)
		if err := m.Force(ms.config.Force); err != nil {
			return errors.Wrapf(err, "failed to force schema version %d", ms.config.Force)
		}
	}

	before, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return errors.Wrap(err, "failed to read schema version")
	}

	start := time.Now()
	if ms.config.Version != 0 {
		err = m.Migrate(ms.config.Version)
	} else {
		err = m.Up()
	}

	switch {
	case err == nil:
		after, _, _ := m.Version()
		ms.logger.WithFields(map[string]any{"from": before, "to": after, "took": time.Since(start)}).Info("Applied migrations")
		return nil
	case errors.Is(err, migrate.ErrNoChange):
		ms.logger.WithField("version", before).Info("Schema is up to date")
		return nil
	}
	return ms.recover(m, folder, before, err)
}

// recover handles a failed run. A database ahead of the shipped files (an older
// binary) is pinned to the newest file. A dirty schema is forced back when
// AutoRollback is set, but the error is still returned so startup stops.
func (ms *MigrationService) recover(m *migrate.Migrate, folder string, before uint, cause error) error {
	if strings.Contains(cause.Error(), "no migration found for version") {
		latest, err := getLatestVersion(folder)
		if err != nil {
			return errors.Wrap(err, "failed to read migration folder")
		}
		ms.logger.Warnf("Schema version %d is newer than the shipped migrations, pinning to %d", before, latest)
		return errors.Wrapf(m.Force(latest), "failed to force schema version %d", latest)
	}

	ms.logger.WithError(cause).Error("Migration failed")

	current, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return cause
	}
	if !ms.config.AutoRollback || !dirty {
		return cause
	}

	target := before
	if target == 0 && current > 0 {
		target = current - 1
	}
	ms.logger.Warnf("Schema is dirty at version %d, forcing back to %d", current, target)
	if err := m.Force(int(target)); err != nil {
		return errors.Wrapf(err, "failed to force schema version %d", target)
	}
	return cause
}

// getLatestVersion returns the highest N among N_*.up.sql files in folder.
func getLatestVersion(folder string) (int, error) {
	files, err := os.ReadDir(folder)
	if err != nil {
		return 0, err
	}

	latest := -1
	for _, file := range files {
		matches := upMigration.FindStringSubmatch(file.Name())
		if file.IsDir() || matches == nil {
			continue
		}
		version, err := strconv.Atoi(matches[1])
		if err != nil {
			return 0, err
		}
		latest = max(latest, version)
	}
	if latest < 0 {
		return 0, fmt.Errorf("no migration files found in %s", folder)
	}
	return latest, nil
}
