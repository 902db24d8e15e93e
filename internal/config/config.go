package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/bmad-assist/loopd/internal/logger"
)

// ServerConfigFileName is the read-only scheduling-parameters file inside
// the config directory.
const ServerConfigFileName = "server.yaml"

// Defaults for scheduling parameters.
const (
	DefaultMaxConcurrentLoops       = 2
	DefaultQueueMaxSize             = 10
	DefaultSubprocessTimeoutSeconds = 30
	DefaultSigtermWaitSeconds       = 5
	DefaultWatchdogIntervalSeconds  = 5
	DefaultLogBufferSize            = 500
)

// ServerConfig carries the scheduling parameters consumed by the registry
// and the supervisor.
type ServerConfig struct {
	// Binary is the executable driving one project loop.
	Binary                   string `mapstructure:"binary"`
	MaxConcurrentLoops       int    `mapstructure:"max_concurrent_loops"`
	QueueMaxSize             int    `mapstructure:"queue_max_size"`
	SubprocessTimeoutSeconds int    `mapstructure:"subprocess_timeout_seconds"`
	SigtermWaitSeconds       int    `mapstructure:"sigterm_wait_seconds"`
	WatchdogIntervalSeconds  int    `mapstructure:"watchdog_interval_seconds"`
	LogBufferSize            int    `mapstructure:"log_buffer_size"`
}

// StoreConfig selects the run-history store backend by DSN.
// Empty DSN defaults to a sqlite file inside the config directory.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// HistoryConfig configures the optional analytics sink.
type HistoryConfig struct {
	ClickHouseAddr  string `mapstructure:"clickhouse_addr"`
	ClickHouseTable string `mapstructure:"clickhouse_table"`
}

// MetricsConfig configures the Prometheus listener. Empty disables it.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// LogConfig configures control-plane logging.
type LogConfig struct {
	Level string            `mapstructure:"level"`
	File  string            `mapstructure:"file"`
	Ring  logger.FileConfig `mapstructure:",squash"`
}

// Config is the full loopd configuration.
type Config struct {
	ConfigDir string        `mapstructure:"-"`
	Server    ServerConfig  `mapstructure:"server"`
	Store     StoreConfig   `mapstructure:"store"`
	History   HistoryConfig `mapstructure:"history"`
	Metrics   MetricsConfig `mapstructure:"metrics"`
	Log       LogConfig     `mapstructure:"log"`
}

// SubprocessTimeout returns the graceful-stop wait as a duration.
func (c ServerConfig) SubprocessTimeout() time.Duration {
	return time.Duration(c.SubprocessTimeoutSeconds) * time.Second
}

// SigtermWait returns the post-SIGTERM wait as a duration.
func (c ServerConfig) SigtermWait() time.Duration {
	return time.Duration(c.SigtermWaitSeconds) * time.Second
}

// WatchdogInterval returns the liveness poll cadence as a duration.
func (c ServerConfig) WatchdogInterval() time.Duration {
	return time.Duration(c.WatchdogIntervalSeconds) * time.Second
}

// Load reads server.yaml from configDir, applying defaults for anything
// missing. A missing file yields the pure-default configuration; a malformed
// file is an error.
func Load(configDir string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filepath.Join(configDir, ServerConfigFileName))
	v.SetConfigType("yaml")

	v.SetDefault("server.binary", "bmad-assist")
	v.SetDefault("server.max_concurrent_loops", DefaultMaxConcurrentLoops)
	v.SetDefault("server.queue_max_size", DefaultQueueMaxSize)
	v.SetDefault("server.subprocess_timeout_seconds", DefaultSubprocessTimeoutSeconds)
	v.SetDefault("server.sigterm_wait_seconds", DefaultSigtermWaitSeconds)
	v.SetDefault("server.watchdog_interval_seconds", DefaultWatchdogIntervalSeconds)
	v.SetDefault("server.log_buffer_size", DefaultLogBufferSize)
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", ServerConfigFileName, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ServerConfigFileName, err)
	}
	cfg.ConfigDir = configDir
	if cfg.Store.DSN == "" {
		cfg.Store.DSN = filepath.Join(configDir, "history.db")
	}
	return &cfg, nil
}
