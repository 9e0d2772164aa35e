package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Load reads configuration from environment variables.
// It applies defaults for unset values and validates the result.
// Returns an error if required values are missing or validation fails.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadStruct recursively populates struct fields from environment variables.
func loadStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		// Skip unexported fields
		if !fieldVal.CanSet() {
			continue
		}

		// Recurse into nested structs
		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		// Get tags
		envName := field.Tag.Get("env")
		envAlt := field.Tag.Get("envAlt")
		defaultVal := field.Tag.Get("default")
		required := field.Tag.Get("required") == "true"

		if envName == "" {
			continue
		}

		// Try primary env var, then alternate
		value := os.Getenv(envName)
		if value == "" && envAlt != "" {
			value = os.Getenv(envAlt)
		}

		// Apply default if not set
		if value == "" {
			if required {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = defaultVal
		}

		if value == "" {
			continue
		}

		// Set the field value
		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// parseDuration accepts Go durations plus whole days ("30d"), which is how
// retention and stuck thresholds are usually written.
func parseDuration(value string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(value, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", value)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration: %w", err)
	}
	return d, nil
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		// Handle time.Duration specially
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := parseDuration(value)
			if err != nil {
				return err
			}
			field.Set(reflect.ValueOf(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			// Split comma-separated values, trim whitespace
			parts := strings.Split(value, ",")
			result := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					result = append(result, p)
				}
			}
			field.Set(reflect.ValueOf(result))
		} else {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Database validation
	switch strings.ToLower(c.Database.Driver) {
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, "DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("STORE_DRIVER (%q) must be one of: postgres, memory", c.Database.Driver))
	}
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}

	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	// Storage validation
	if strings.TrimSpace(c.Storage.Root) == "" {
		errs = append(errs, "STORAGE_ROOT is required")
	}
	dirs := map[string]bool{}
	for _, d := range []string{c.Storage.Landing, c.Storage.Completed, c.Storage.Error, c.Storage.Archive} {
		if d == "" {
			errs = append(errs, "storage area directories must not be empty")
			break
		}
		if dirs[d] {
			errs = append(errs, fmt.Sprintf("storage area directory %q is used twice", d))
		}
		dirs[d] = true
	}

	// Ingest validation
	if len(c.Ingest.Extensions) == 0 {
		errs = append(errs, "INGEST_EXTENSIONS must list at least one extension")
	}
	if c.Ingest.MaxFileSize <= 0 {
		errs = append(errs, "INGEST_MAX_FILE_SIZE must be positive")
	}
	if c.Ingest.ClaimBatch <= 0 {
		errs = append(errs, "INGEST_CLAIM_BATCH must be positive")
	}
	if c.Ingest.Workers <= 0 {
		errs = append(errs, "INGEST_WORKERS must be positive")
	}
	if c.Ingest.ChunkSize <= 0 {
		errs = append(errs, "INGEST_CHUNK_SIZE must be positive")
	}
	if c.Ingest.StuckAfter <= 0 {
		errs = append(errs, "INGEST_STUCK_AFTER must be positive")
	}

	// Archive validation
	if c.Archive.RetentionDays <= 0 {
		errs = append(errs, "ARCHIVE_RETENTION_DAYS must be positive")
	}

	// Schedule validation
	if c.Schedule.MaxConcurrentJobs <= 0 {
		errs = append(errs, "SCHEDULE_MAX_CONCURRENT must be positive")
	}
	if c.Schedule.MaxJobWait <= 0 {
		errs = append(errs, "SCHEDULE_MAX_JOB_WAIT must be positive")
	}

	// Transform validation
	if c.Transform.BatchSize <= 0 {
		errs = append(errs, "TRANSFORM_BATCH_SIZE must be positive")
	}
	if c.Transform.MaxIterations <= 0 {
		errs = append(errs, "TRANSFORM_MAX_ITERATIONS must be positive")
	}
	if c.Transform.LockTTL <= 0 {
		errs = append(errs, "TRANSFORM_LOCK_TTL must be positive")
	}

	// Mapping validation
	if c.Mapping.TopN <= 0 {
		errs = append(errs, "MAPPING_TOP_N must be positive")
	}
	if c.Mapping.MinConfidence < 0 || c.Mapping.MinConfidence > 1 {
		errs = append(errs, fmt.Sprintf("MAPPING_MIN_CONFIDENCE (%.2f) must be between 0 and 1", c.Mapping.MinConfidence))
	}

	// Semantic validation
	if !strings.EqualFold(c.Semantic.Provider, "openai") {
		errs = append(errs, fmt.Sprintf("SEMANTIC_PROVIDER (%q) must be openai", c.Semantic.Provider))
	}
	if c.Semantic.Retries < 0 {
		errs = append(errs, "SEMANTIC_RETRIES must be non-negative")
	}

	// Security validation
	if c.Security.RequireAPIKey && len(c.Security.APIKeys) == 0 {
		errs = append(errs, "REQUIRE_API_KEY is true but API_KEYS is empty; configure at least one API key or disable auth")
	}

	if c.Security.RateLimitPerMinute < 0 {
		errs = append(errs, "RATE_LIMIT_REQUESTS_PER_MINUTE must be non-negative")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a safe string representation of the config for logging.
// Sensitive values like database URLs and API keys are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port))
	b.WriteString(fmt.Sprintf("Database: {Driver: %q, URL: [MASKED], MaxConns: %d, MinConns: %d}, ",
		c.Database.Driver, c.Database.MaxConns, c.Database.MinConns))
	b.WriteString(fmt.Sprintf("Redis: {Enabled: %v}, ", c.Redis.URL != ""))
	b.WriteString(fmt.Sprintf("Storage: {Root: %q}, ", c.Storage.Root))
	b.WriteString(fmt.Sprintf("Ingest: {Extensions: %v, MaxFileSize: %d, Workers: %d}, ",
		c.Ingest.Extensions, c.Ingest.MaxFileSize, c.Ingest.Workers))
	b.WriteString(fmt.Sprintf("Transform: {BatchSize: %d, MaxIterations: %d}, ",
		c.Transform.BatchSize, c.Transform.MaxIterations))
	b.WriteString(fmt.Sprintf("Semantic: {Enabled: %v, Model: %q, APIKey: [MASKED]}, ",
		c.Semantic.Enabled(), c.Semantic.Model))
	b.WriteString(fmt.Sprintf("Security: {RequireAPIKey: %v, APIKeys: %d}, ",
		c.Security.RequireAPIKey, len(c.Security.APIKeys)))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q, File: %q}",
		c.Logging.Level, c.Logging.Format, c.Logging.File))
	b.WriteString("}")
	return b.String()
}
