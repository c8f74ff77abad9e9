package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "./data/deliberations", cfg.DataDir)
	assert.Equal(t, DriverSQLite, cfg.IndexDriver)
	assert.Equal(t, filepath.Join(cfg.DataDir, "index.db"), cfg.IndexDSN)
	assert.Equal(t, 3, cfg.WriteRetries)
	assert.Equal(t, 25*time.Millisecond, cfg.WriteRetryBase)
	assert.Equal(t, "gijiroku", cfg.ServiceName)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("GIJIROKU_DATA_DIR", "/var/lib/gijiroku")
	t.Setenv("GIJIROKU_INDEX_DRIVER", "postgres")
	t.Setenv("GIJIROKU_INDEX_DSN", "postgres://localhost/gijiroku")
	t.Setenv("GIJIROKU_WRITE_RETRIES", "5")
	t.Setenv("GIJIROKU_WRITE_RETRY_BASE", "100ms")
	t.Setenv("GIJIROKU_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/gijiroku", cfg.DataDir)
	assert.Equal(t, DriverPostgres, cfg.IndexDriver)
	assert.Equal(t, "postgres://localhost/gijiroku", cfg.IndexDSN)
	assert.Equal(t, 5, cfg.WriteRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.WriteRetryBase)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadPostgresFallsBackToDatabaseURL(t *testing.T) {
	t.Setenv("GIJIROKU_INDEX_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://db.internal/gijiroku")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://db.internal/gijiroku", cfg.IndexDSN)
}

func TestLoadPostgresWithoutDSNFails(t *testing.T) {
	t.Setenv("GIJIROKU_INDEX_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadUnknownDriverFails(t *testing.T) {
	t.Setenv("GIJIROKU_INDEX_DRIVER", "mysql")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("GIJIROKU_WRITE_RETRIES", "not-a-number")
	t.Setenv("GIJIROKU_WRITE_RETRY_BASE", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.WriteRetries)
	assert.Equal(t, 25*time.Millisecond, cfg.WriteRetryBase)
}

func TestValidateNegativeRetries(t *testing.T) {
	cfg := Config{
		DataDir:      "/tmp/x",
		IndexDriver:  DriverSQLite,
		IndexDSN:     "/tmp/x/index.db",
		WriteRetries: -1,
	}
	require.Error(t, cfg.Validate())
}
