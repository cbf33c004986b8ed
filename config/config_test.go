package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitConfigDefaults(t *testing.T) {
	require.NoError(t, InitConfig(""))

	assert.Equal(t, "./data", Config.DataDir)
	assert.Equal(t, int64(128*1024*1024), Config.TargetFileSize)
	assert.Equal(t, 168*time.Hour, Config.Retention)
	assert.Equal(t, 10, Config.MaxCommitRetries)
	assert.Equal(t, "info", Config.LogLevel)
}

func TestInitConfigEnvOverride(t *testing.T) {
	t.Setenv("FSDB_DATA_DIR", "/srv/tables")
	t.Setenv("FSDB_RETENTION", "24h")
	t.Setenv("FSDB_LOG_LEVEL", "debug")

	require.NoError(t, InitConfig(""))

	assert.Equal(t, "/srv/tables", Config.DataDir)
	assert.Equal(t, 24*time.Hour, Config.Retention)
	assert.Equal(t, "debug", Config.LogLevel)
}

func TestInitConfigMissingFile(t *testing.T) {
	assert.Error(t, InitConfig("/nonexistent/fsdb.yaml"))
}
