package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {

	cfg, err := Load("testdata/does-not-exist.env")
	require.NoError(t, err)

	assert.Equal(t, "thistle", cfg.AppName)
	assert.Equal(t, 0.8, cfg.ScanSimilarityThreshold)
	assert.Equal(t, 500, cfg.ScanMaxCandidates)
	assert.Equal(t, 500, cfg.IntelPageSize)
	assert.Equal(t, 5000, cfg.IntelMaxEntities)
	assert.Equal(t, 0.9, cfg.EmbeddingThreshold)
	assert.False(t, cfg.EmbeddingEnabled)
	assert.Equal(t, 2*time.Minute, cfg.MergeLeaseDuration)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SCAN_SIMILARITY_THRESHOLD", "0.85")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("INTEL_TIMEOUT", "5s")
	t.Setenv("INTEL_ALIASES_PATH", "x_mitre_aliases")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 0.85, cfg.ScanSimilarityThreshold)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5*time.Second, cfg.IntelTimeout)
	assert.Equal(t, "x_mitre_aliases", cfg.IntelAliasesPath)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "threshold above one", env: map[string]string{"SCAN_SIMILARITY_THRESHOLD": "1.5"}},
		{name: "zero embedding threshold", env: map[string]string{"EMBEDDING_THRESHOLD": "0"}},
		{name: "no candidate cap", env: map[string]string{"SCAN_MAX_CANDIDATES": "0"}},
		{name: "zero page size", env: map[string]string{"INTEL_PAGE_SIZE": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_AuthNotRequired(t *testing.T) {
	t.Setenv("AUTH_ENABLED", "true")
	t.Setenv("AUTH_ISSUER_URL", "")

	_, err := Load()
	assert.NoError(t, err)
}

func TestValidateAuth(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "oidc", cfg: Config{AuthEnabled: true, AuthIssuerURL: "https://issuer"}},
		{name: "oidc without issuer", cfg: Config{AuthEnabled: true}, wantErr: true},
		{name: "dev token", cfg: Config{AuthDevToken: "dev"}},
		{name: "dev mode without token", cfg: Config{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.ValidateAuth()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
