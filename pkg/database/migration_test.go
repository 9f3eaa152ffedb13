package database

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLatestVersion(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"000001_create_scan_runs.up.sql",
		"000001_create_scan_runs.down.sql",
		"000003_add_merge_lease.up.sql",
		"000002_create_candidates.up.sql",
		"README.md",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("--"), 0o600))
	}

	latest, err := getLatestVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, latest)
}

func TestGetLatestVersion_Empty(t *testing.T) {
	_, err := getLatestVersion(t.TempDir())
	assert.Error(t, err)
}

func TestConnectionConfigDSN(t *testing.T) {
	cfg := ConnectionConfig{Host: "db", Port: "5432", User: "u", Password: "p", Name: "thistle", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=thistle sslmode=disable", cfg.DSN())
}

func TestMigrationFolder(t *testing.T) {
	dir := t.TempDir()
	ms := NewMigrationService(nil, &MigrationConfig{MigrationFolderPath: dir})
	folder, err := ms.folder()
	require.NoError(t, err)
	assert.Equal(t, dir, folder)

	ms = NewMigrationService(nil, &MigrationConfig{MigrationFolderPath: filepath.Join(dir, "missing")})
	_, err = ms.folder()
	assert.ErrorContains(t, err, "does not exist")
}
