package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LEDGER_DRIVER", "postgres")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.LedgerDriver)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "crowd-admission", cfg.OTelServiceName)
	assert.Equal(t, int32(20), cfg.Postgres.MaxConns)
	assert.Equal(t, 5, cfg.Postgres.ConnectAttempts)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("LEDGER_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/ledger.db")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_MAX_CONNS", "50")
	t.Setenv("REQUEST_TIMEOUT", "3s")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.LedgerDriver)
	assert.Equal(t, "/tmp/ledger.db", cfg.SQLitePath)
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	assert.Equal(t, int32(50), cfg.Postgres.MaxConns)
	assert.Equal(t, 3*time.Second, cfg.RequestTimeout)
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("LEDGER_DRIVER", "mysql")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LEDGER_DRIVER")
}

func TestLoad_RejectsUnknownLogLevel(t *testing.T) {
	t.Setenv("LEDGER_DRIVER", "postgres")
	t.Setenv("LOG_LEVEL", "verbose")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOG_LEVEL")
}

func TestConfig_LoggerHonoursLevel(t *testing.T) {
	cfg := &Config{LogLevel: "warn", LogFormat: "json"}
	var buf bytes.Buffer
	log := cfg.Logger(&buf)

	log.Info("dropped")
	assert.Zero(t, buf.Len())

	log.Warn("kept", "quadrant", 1)
	assert.Contains(t, buf.String(), `"msg":"kept"`)
	assert.Contains(t, buf.String(), `"quadrant":1`)
}
