// Package config loads and validates archive configuration from environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Index driver names accepted by GIJIROKU_INDEX_DRIVER.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all archive configuration.
type Config struct {
	// DataDir is the root of the document store partitions.
	DataDir string

	// IndexDriver selects the structured index backend: sqlite or postgres.
	IndexDriver string

	// IndexDSN is the index connection string. For sqlite it defaults to
	// index.db inside DataDir; for postgres it falls back to DATABASE_URL.
	IndexDSN string

	// Write retry settings for the document store boundary.
	WriteRetries   int
	WriteRetryBase time.Duration

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		DataDir:        envStr("GIJIROKU_DATA_DIR", "./data/deliberations"),
		IndexDriver:    envStr("GIJIROKU_INDEX_DRIVER", DriverSQLite),
		IndexDSN:       envStr("GIJIROKU_INDEX_DSN", ""),
		WriteRetries:   envInt("GIJIROKU_WRITE_RETRIES", 3),
		WriteRetryBase: envDuration("GIJIROKU_WRITE_RETRY_BASE", 25*time.Millisecond),
		OTELEndpoint:   envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:    envStr("OTEL_SERVICE_NAME", "gijiroku"),
		LogLevel:       envStr("GIJIROKU_LOG_LEVEL", "info"),
	}

	if cfg.IndexDSN == "" {
		switch cfg.IndexDriver {
		case DriverSQLite:
			cfg.IndexDSN = filepath.Join(cfg.DataDir, "index.db")
		case DriverPostgres:
			cfg.IndexDSN = envStr("DATABASE_URL", "")
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: GIJIROKU_DATA_DIR is required")
	}
	switch c.IndexDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("config: unknown index driver %q (must be %s or %s)", c.IndexDriver, DriverSQLite, DriverPostgres)
	}
	if c.IndexDSN == "" {
		return fmt.Errorf("config: GIJIROKU_INDEX_DSN (or DATABASE_URL for postgres) is required")
	}
	if c.WriteRetries < 0 {
		return fmt.Errorf("config: GIJIROKU_WRITE_RETRIES must be non-negative")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
