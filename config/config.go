package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	AppName                       string        `mapstructure:"APP_NAME"`
	Port                          int           `mapstructure:"PORT"`
	LogLevel                      string        `mapstructure:"LOG_LEVEL"`
	PrettyLogs                    bool          `mapstructure:"PRETTY_LOGS"`
	HttpServerWriteTimeoutSeconds int           `mapstructure:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS"`
	HttpServerReadTimeoutSeconds  int           `mapstructure:"HTTP_SERVER_READ_TIMEOUT_SECONDS"`
	HttpServerIdleTimeoutSeconds  int           `mapstructure:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS"`
	ReadHeaderTimeoutSeconds      int           `mapstructure:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS"`
	AllowOrigins                  []string      `mapstructure:"HTTP_SERVER_ALLOW_ORIGINS"`
	StartupMaxAttempts            int           `mapstructure:"STARTUP_MAX_ATTEMPTS"`
	ShutdownTimeout               time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`

	// PostgreSQL
	DatabaseHost                  string        `mapstructure:"DB_HOST"`
	DatabasePort                  string        `mapstructure:"DB_PORT"`
	DatabaseUserName              string        `mapstructure:"DB_USER_NAME"`
	DatabasePassword              string        `mapstructure:"DB_PASSWORD"`
	DatabaseName                  string        `mapstructure:"DB_NAME"`
	DatabaseSSLMode               string        `mapstructure:"DB_SSL_MODE"`
	DatabaseMaxOpenConns          int           `mapstructure:"DB_MAX_OPEN_CONNS"`
	DatabaseMaxIdleConns          int           `mapstructure:"DB_MAX_IDLE_CONNS"`
	DatabaseConnMaxLifetime       time.Duration `mapstructure:"DB_CONN_MAX_LIFETIME"`
	DatabaseMigrationFolderPath   string        `mapstructure:"DB_MIGRATION_FOLDER_PATH"`
	DatabaseMigrationVersion      uint          `mapstructure:"DB_MIGRATION_VERSION"`
	DatabaseMigrationForce        int           `mapstructure:"DB_MIGRATION_FORCE"`
	DatabaseMigrationAutoRollback bool          `mapstructure:"DB_MIGRATION_AUTO_ROLLBACK"`
	DatabaseMigrateOnStart        bool          `mapstructure:"DB_MIGRATE_ON_START"`

	// Auth
	AuthEnabled   bool   `mapstructure:"AUTH_ENABLED"`
	AuthIssuerURL string `mapstructure:"AUTH_ISSUER_URL"`
	AuthClientID  string `mapstructure:"AUTH_CLIENT_ID"`
	AuthAdminRole string `mapstructure:"AUTH_ADMIN_ROLE"`
	// AuthDevToken is accepted as an admin token when AUTH_ENABLED is false
	AuthDevToken  string `mapstructure:"AUTH_DEV_TOKEN"`
	AuthDevUser   string `mapstructure:"AUTH_DEV_USER"`

	// Intelligence platform
	IntelAPIURL                string        `mapstructure:"INTEL_API_URL"`
	IntelAPIToken              string        `mapstructure:"INTEL_API_TOKEN"`
	IntelPageSize              int           `mapstructure:"INTEL_PAGE_SIZE"`
	IntelMaxEntities           int           `mapstructure:"INTEL_MAX_ENTITIES"`
	IntelTimeout               time.Duration `mapstructure:"INTEL_TIMEOUT"`
	IntelNamePath              string        `mapstructure:"INTEL_NAME_PATH"`
	IntelDescriptionPath       string        `mapstructure:"INTEL_DESCRIPTION_PATH"`
	IntelAliasesPath           string        `mapstructure:"INTEL_ALIASES_PATH"`
	IntelRelationshipCountPath string        `mapstructure:"INTEL_RELATIONSHIP_COUNT_PATH"`
	IntelCreatedPath           string        `mapstructure:"INTEL_CREATED_PATH"`
	IntelModifiedPath          string        `mapstructure:"INTEL_MODIFIED_PATH"`
	IntelEmbeddingPath         string        `mapstructure:"INTEL_EMBEDDING_PATH"`

	// Scanning and merging
	ScanSimilarityThreshold float64       `mapstructure:"SCAN_SIMILARITY_THRESHOLD"`
	ScanMaxCandidates       int           `mapstructure:"SCAN_MAX_CANDIDATES"`
	ScanLockEnabled         bool          `mapstructure:"SCAN_LOCK_ENABLED"`
	ScanLockTTL             time.Duration `mapstructure:"SCAN_LOCK_TTL"`
	EmbeddingEnabled        bool          `mapstructure:"EMBEDDING_ENABLED"`
	EmbeddingThreshold      float64       `mapstructure:"EMBEDDING_THRESHOLD"`
	MergeLeaseDuration      time.Duration `mapstructure:"MERGE_LEASE_DURATION"`

	// Redis
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// Kafka producer
	KafkaEnabled      bool     `mapstructure:"KAFKA_ENABLED"`
	KafkaBrokers      []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic        string   `mapstructure:"KAFKA_TOPIC"`
	KafkaBatchSize    int      `mapstructure:"KAFKA_BATCH_SIZE"`
	KafkaBatchTimeout int      `mapstructure:"KAFKA_BATCH_TIMEOUT_MS"`
	KafkaRequiredAcks int      `mapstructure:"KAFKA_REQUIRED_ACKS"`
	KafkaCompression  string   `mapstructure:"KAFKA_COMPRESSION"`

	// Observability
	MetricsEnabled bool   `mapstructure:"METRICS_ENABLED"`
	TraceExporter  string `mapstructure:"TRACE_EXPORTER"`
	OTLPEndpoint   string `mapstructure:"OTLP_ENDPOINT"`
	OTLPProtocol   string `mapstructure:"OTLP_PROTOCOL"`
	OTLPInsecure   bool   `mapstructure:"OTLP_INSECURE"`
	OTLPHeaders    string `mapstructure:"OTLP_HEADERS"`
}

var defaults = map[string]any{
	"APP_NAME":                                "thistle",
	"PORT":                                    3005,
	"LOG_LEVEL":                               "info",
	"PRETTY_LOGS":                             false,
	"HTTP_SERVER_WRITE_TIMEOUT_SECONDS":       120,
	"HTTP_SERVER_READ_TIMEOUT_SECONDS":        10,
	"HTTP_SERVER_IDLE_TIMEOUT_SECONDS":        60,
	"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS": 10,
	"HTTP_SERVER_ALLOW_ORIGINS":               "*",
	"STARTUP_MAX_ATTEMPTS":                    5,
	"SHUTDOWN_TIMEOUT":                        "15s",

	"DB_HOST":                    "localhost",
	"DB_PORT":                    "5432",
	"DB_USER_NAME":               "",
	"DB_PASSWORD":                "",
	"DB_NAME":                    "thistle",
	"DB_SSL_MODE":                "disable",
	"DB_MAX_OPEN_CONNS":          25,
	"DB_MAX_IDLE_CONNS":          10,
	"DB_CONN_MAX_LIFETIME":       "10m",
	"DB_MIGRATION_FOLDER_PATH":   "db/pg",
	"DB_MIGRATION_VERSION":       0,
	"DB_MIGRATION_FORCE":         0,
	"DB_MIGRATION_AUTO_ROLLBACK": true,
	"DB_MIGRATE_ON_START":        true,

	"AUTH_ENABLED":    true,
	"AUTH_ISSUER_URL": "",
	"AUTH_CLIENT_ID":  "",
	"AUTH_ADMIN_ROLE": "admin",
	"AUTH_DEV_TOKEN":  "",
	"AUTH_DEV_USER":   "local-admin",

	"INTEL_API_URL":                 "http://localhost:8080/graphql",
	"INTEL_API_TOKEN":               "",
	"INTEL_PAGE_SIZE":               500,
	"INTEL_MAX_ENTITIES":            5000,
	"INTEL_TIMEOUT":                 "30s",
	"INTEL_NAME_PATH":               "name",
	"INTEL_DESCRIPTION_PATH":        "description",
	"INTEL_ALIASES_PATH":            "aliases",
	"INTEL_RELATIONSHIP_COUNT_PATH": "stixCoreRelationships.pageInfo.globalCount",
	"INTEL_CREATED_PATH":            "created",
	"INTEL_MODIFIED_PATH":           "modified",
	"INTEL_EMBEDDING_PATH":          "",

	"SCAN_SIMILARITY_THRESHOLD": 0.8,
	"SCAN_MAX_CANDIDATES":       500,
	"SCAN_LOCK_ENABLED":         false,
	"SCAN_LOCK_TTL":             "10m",
	"EMBEDDING_ENABLED":         false,
	"EMBEDDING_THRESHOLD":       0.9,
	"MERGE_LEASE_DURATION":      "2m",

	"REDIS_ADDR":     "localhost:6379",
	"REDIS_PASSWORD": "",
	"REDIS_DB":       0,

	"KAFKA_ENABLED":          false,
	"KAFKA_BROKERS":          "localhost:9092",
	"KAFKA_TOPIC":            "dedup-events",
	"KAFKA_BATCH_SIZE":       100,
	"KAFKA_BATCH_TIMEOUT_MS": 100,
	"KAFKA_REQUIRED_ACKS":    1,
	"KAFKA_COMPRESSION":      "snappy",

	"METRICS_ENABLED": true,
	"TRACE_EXPORTER":  "none",
	"OTLP_ENDPOINT":   "localhost:4317",
	"OTLP_PROTOCOL":   "grpc",
	"OTLP_INSECURE":   true,
	"OTLP_HEADERS":    "",
}

// Load reads an optional .env file, then environment variables over the defaults above.
func Load(envFiles ...string) (*Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load(envFiles...)

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.AllowOrigins = splitList(cfg.AllowOrigins)
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.ScanSimilarityThreshold <= 0 || c.ScanSimilarityThreshold > 1 {
		return fmt.Errorf("SCAN_SIMILARITY_THRESHOLD must be in (0, 1], got %v", c.ScanSimilarityThreshold)
	}
	if c.EmbeddingThreshold <= 0 || c.EmbeddingThreshold > 1 {
		return fmt.Errorf("EMBEDDING_THRESHOLD must be in (0, 1], got %v", c.EmbeddingThreshold)
	}
	if c.ScanMaxCandidates <= 0 {
		return fmt.Errorf("SCAN_MAX_CANDIDATES must be positive, got %d", c.ScanMaxCandidates)
	}
	if c.IntelPageSize <= 0 || c.IntelMaxEntities <= 0 {
		return fmt.Errorf("INTEL_PAGE_SIZE and INTEL_MAX_ENTITIES must be positive")
	}
	return nil
}

// ValidateAuth checks the HTTP auth settings. Only the API server needs them.
func (c *Config) ValidateAuth() error {
	if c.AuthEnabled && c.AuthIssuerURL == "" {
		return fmt.Errorf("AUTH_ISSUER_URL is required when AUTH_ENABLED is true")
	}
	if !c.AuthEnabled && c.AuthDevToken == "" {
		return fmt.Errorf("AUTH_DEV_TOKEN is required when AUTH_ENABLED is false")
	}
	return nil
}

// splitList handles both "a,b" env values and already-split slices.
func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
