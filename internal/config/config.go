// Package config provides centralized configuration management for the application.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Ingest    IngestConfig
	Archive   ArchiveConfig
	Schedule  ScheduleConfig
	Transform TransformConfig
	Mapping   MappingConfig
	Semantic  SemanticConfig
	Catalog   CatalogConfig
	Security  SecurityConfig
	Logging   LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing a response. Transform
	// runs with all_pending can take minutes, so the default is 0 (no limit).
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 10m)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"10m"`
}

// DatabaseConfig holds metadata store settings.
type DatabaseConfig struct {
	// Driver selects the store: postgres or memory (default: postgres).
	// The memory store loses everything on exit.
	Driver string `env:"STORE_DRIVER" default:"postgres"`

	// URL is the PostgreSQL connection string, required for the postgres driver.
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 4)
	MinConns int `env:"DB_MIN_CONNS" default:"4"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// Migrate creates the metadata tables on startup (default: true)
	Migrate bool `env:"DB_MIGRATE" default:"true"`
}

// RedisConfig holds the batch lock backend. Without a URL batches are
// serialized within this process only.
type RedisConfig struct {
	URL string `env:"REDIS_URL"`

	// KeyPrefix namespaces lock keys (default: ingestflow:)
	KeyPrefix string `env:"REDIS_KEY_PREFIX" default:"ingestflow:"`
}

// StorageConfig holds the file areas.
type StorageConfig struct {
	// Root is the directory that holds the four areas (default: ./data)
	Root string `env:"STORAGE_ROOT" default:"./data"`

	Landing   string `env:"STORAGE_LANDING_DIR" default:"SRC"`
	Completed string `env:"STORAGE_COMPLETED_DIR" default:"COMPLETED"`
	Error     string `env:"STORAGE_ERROR_DIR" default:"ERROR"`
	Archive   string `env:"STORAGE_ARCHIVE_DIR" default:"ARCHIVE"`
}

// IngestConfig holds discovery and parsing settings.
type IngestConfig struct {
	// Extensions are the accepted file extensions (default: csv,xlsx,xls)
	Extensions []string `env:"INGEST_EXTENSIONS" default:"csv,xlsx,xls"`

	// MaxFileSize is the maximum allowed file size in bytes (default: 100MB)
	MaxFileSize int64 `env:"INGEST_MAX_FILE_SIZE" default:"104857600"`

	// ClaimBatch is the number of PENDING files claimed per run (default: 10)
	ClaimBatch int `env:"INGEST_CLAIM_BATCH" default:"10"`

	// Workers is the number of files parsed in parallel (default: 4)
	Workers int `env:"INGEST_WORKERS" default:"4"`

	// ChunkSize is the number of rows per raw insert (default: 1000)
	ChunkSize int `env:"INGEST_CHUNK_SIZE" default:"1000"`

	// WatchLanding triggers discovery and processing when files land (default: false)
	WatchLanding bool `env:"INGEST_WATCH_LANDING" default:"false"`

	// WatchSettle is how long the landing area must be quiet before a watch
	// trigger fires (default: 2s)
	WatchSettle time.Duration `env:"INGEST_WATCH_SETTLE" default:"2s"`

	// StuckAfter is how long a file may stay PROCESSING before a manual reset
	// treats it as abandoned (default: 1h)
	StuckAfter time.Duration `env:"INGEST_STUCK_AFTER" default:"1h"`
}

// ArchiveConfig holds retention settings for processed files.
type ArchiveConfig struct {
	// RetentionDays is how long files stay in the completed and error areas (default: 30)
	RetentionDays int `env:"ARCHIVE_RETENTION_DAYS" default:"30"`
}

// Retention returns the retention period as a duration.
func (c ArchiveConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// ScheduleConfig holds the cron spec of each job. An empty spec leaves the job
// manual-only.
type ScheduleConfig struct {
	// Enabled starts the scheduler (default: true)
	Enabled bool `env:"SCHEDULE_ENABLED" default:"true"`

	Discover  string `env:"SCHEDULE_DISCOVER" default:"@every 1m"`
	Process   string `env:"SCHEDULE_PROCESS" default:"@every 1m"`
	Move      string `env:"SCHEDULE_MOVE" default:"@every 5m"`
	Archive   string `env:"SCHEDULE_ARCHIVE" default:"0 3 * * *"`
	Transform string `env:"SCHEDULE_TRANSFORM" default:"*/15 * * * *"`

	// TransformTargets are the entities drained by the transform job. Empty
	// means every declared target entity.
	TransformTargets []string `env:"SCHEDULE_TRANSFORM_TARGETS"`

	// MaxConcurrentJobs bounds jobs running at once (default: 4)
	MaxConcurrentJobs int `env:"SCHEDULE_MAX_CONCURRENT" default:"4"`

	// MaxJobWait is how long a manual run waits for a slot (default: 10s)
	MaxJobWait time.Duration `env:"SCHEDULE_MAX_JOB_WAIT" default:"10s"`
}

// TransformConfig holds batch settings.
type TransformConfig struct {
	// BatchSize is the number of raw records per batch (default: 10000)
	BatchSize int `env:"TRANSFORM_BATCH_SIZE" default:"10000"`

	// MaxIterations bounds batches per all-pending run (default: 100)
	MaxIterations int `env:"TRANSFORM_MAX_ITERATIONS" default:"100"`

	// LockTTL is the lifetime of a batch lock if its holder dies (default: 30m)
	LockTTL time.Duration `env:"TRANSFORM_LOCK_TTL" default:"30m"`
}

// MappingConfig holds suggestion settings.
type MappingConfig struct {
	// TopN is the number of candidates kept per source field (default: 3)
	TopN int `env:"MAPPING_TOP_N" default:"3"`

	// MinConfidence drops weaker candidates (default: 0.6)
	MinConfidence float64 `env:"MAPPING_MIN_CONFIDENCE" default:"0.6"`

	// SampleSize bounds profiles and previews (default: 1000)
	SampleSize int `env:"MAPPING_SAMPLE_SIZE" default:"1000"`
}

// SemanticConfig holds the language model used for semantic suggestions.
// Without an API key the semantic strategy returns no candidates.
type SemanticConfig struct {
	// Provider is the client flavour; only openai (and compatible endpoints) is supported
	Provider string `env:"SEMANTIC_PROVIDER" default:"openai"`

	APIKey  string `env:"SEMANTIC_API_KEY" envAlt:"OPENAI_API_KEY"`
	Model   string `env:"SEMANTIC_MODEL" default:"gpt-4o-mini"`
	BaseURL string `env:"SEMANTIC_BASE_URL"`

	// Timeout bounds one suggestion call (default: 60s)
	Timeout time.Duration `env:"SEMANTIC_TIMEOUT" default:"60s"`

	// Retries is the number of extra attempts after a failed call (default: 1)
	Retries int `env:"SEMANTIC_RETRIES" default:"1"`
}

// Enabled reports whether a semantic client should be built.
func (c SemanticConfig) Enabled() bool {
	return c.APIKey != ""
}

// CatalogConfig points at a YAML catalog applied on startup.
type CatalogConfig struct {
	Path string `env:"CATALOG_PATH"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// RequireAPIKey rejects requests without a valid X-API-Key (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted keys
	APIKeys []string `env:"API_KEYS"`

	// RateLimitPerMinute is the request limit per client IP; 0 disables it (default: 300)
	RateLimitPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"300"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`

	// File additionally writes logs to a rotated file when set
	File string `env:"LOG_FILE"`

	MaxSizeMB  int `env:"LOG_MAX_SIZE_MB" default:"100"`
	MaxBackups int `env:"LOG_MAX_BACKUPS" default:"5"`
	MaxAgeDays int `env:"LOG_MAX_AGE_DAYS" default:"28"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
