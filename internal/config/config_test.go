package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.ConfigDir)
	assert.Equal(t, "bmad-assist", cfg.Server.Binary)
	assert.Equal(t, DefaultMaxConcurrentLoops, cfg.Server.MaxConcurrentLoops)
	assert.Equal(t, DefaultQueueMaxSize, cfg.Server.QueueMaxSize)
	assert.Equal(t, 30*time.Second, cfg.Server.SubprocessTimeout())
	assert.Equal(t, 5*time.Second, cfg.Server.SigtermWait())
	assert.Equal(t, 5*time.Second, cfg.Server.WatchdogInterval())
	assert.Equal(t, DefaultLogBufferSize, cfg.Server.LogBufferSize)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, filepath.Join(dir, "history.db"), cfg.Store.DSN)
	assert.Empty(t, cfg.History.ClickHouseAddr)
	assert.Empty(t, cfg.Metrics.Listen)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	content := `
server:
  max_concurrent_loops: 4
  queue_max_size: 3
  subprocess_timeout_seconds: 10
store:
  dsn: postgres://u:p@localhost/loopd
history:
  clickhouse_addr: 127.0.0.1:9000
  clickhouse_table: runs
metrics:
  listen: :9102
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ServerConfigFileName), []byte(content), 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Server.MaxConcurrentLoops)
	assert.Equal(t, 3, cfg.Server.QueueMaxSize)
	assert.Equal(t, 10*time.Second, cfg.Server.SubprocessTimeout())
	// unset keys keep defaults
	assert.Equal(t, 5*time.Second, cfg.Server.SigtermWait())
	assert.Equal(t, "postgres://u:p@localhost/loopd", cfg.Store.DSN)
	assert.Equal(t, "127.0.0.1:9000", cfg.History.ClickHouseAddr)
	assert.Equal(t, "runs", cfg.History.ClickHouseTable)
	assert.Equal(t, ":9102", cfg.Metrics.Listen)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ServerConfigFileName), []byte("server: [broken"), 0o600))
	_, err := Load(dir)
	require.Error(t, err)
}
