// Package config loads the server configuration from YAML, then applies
// defaults and environment overrides.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"seqkv/internal/logging"
)

const (
	DefaultHTTPAddr             = "127.0.0.1:8080"
	DefaultReadHeaderTimeout    = 5 * time.Second
	DefaultDataDir              = "data"
	DefaultCommitLogFile        = "commit.log"
	DefaultEnqueueTimeout       = time.Second
	DefaultFlushInterval        = time.Second
	DefaultMaxEnqueuingMutation = 1024
	DefaultBufferBytes          = 4 * 1024 * 1024
	DefaultLogLevel             = "info"
)

// Environment variables that override file values.
const (
	EnvHTTPAddr = "KV_HTTP_ADDR"
	EnvDataDir  = "KV_DATA_DIR"
	EnvLogLevel = "KV_LOG_LEVEL"
)

// Config is the complete server configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	DataDir   string          `yaml:"data_dir"`
	CommitLog CommitLogConfig `yaml:"commit_log"`
	Log       LogConfig       `yaml:"log"`
}

type HTTPConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type CommitLogConfig struct {
	// File is relative to DataDir unless absolute.
	File                 string        `yaml:"file"`
	EnqueueTimeout       time.Duration `yaml:"enqueue_timeout"`
	FlushInterval        time.Duration `yaml:"flush_interval"`
	MaxEnqueuingMutation int           `yaml:"max_enqueuing_mutation"`
	BufferBytes          int           `yaml:"buffer_bytes"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a configuration with every field set.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:              DefaultHTTPAddr,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
		},
		DataDir: DefaultDataDir,
		CommitLog: CommitLogConfig{
			File:                 DefaultCommitLogFile,
			EnqueueTimeout:       DefaultEnqueueTimeout,
			FlushInterval:        DefaultFlushInterval,
			MaxEnqueuingMutation: DefaultMaxEnqueuingMutation,
			BufferBytes:          DefaultBufferBytes,
		},
		Log: LogConfig{Level: DefaultLogLevel},
	}
}

// Load reads path (if non-empty and present), fills unset fields with
// defaults and applies environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, errors.Annotate(err, "read config")
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, errors.Annotatef(err, "parse config %s", path)
			}
		}
	}
	cfg.applyDefaults()
	cfg.applyEnv(os.Getenv)
	return cfg, cfg.Validate()
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = def.HTTP.Addr
	}
	if c.HTTP.ReadHeaderTimeout <= 0 {
		c.HTTP.ReadHeaderTimeout = def.HTTP.ReadHeaderTimeout
	}
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.CommitLog.File == "" {
		c.CommitLog.File = def.CommitLog.File
	}
	if c.CommitLog.EnqueueTimeout <= 0 {
		c.CommitLog.EnqueueTimeout = def.CommitLog.EnqueueTimeout
	}
	if c.CommitLog.FlushInterval <= 0 {
		c.CommitLog.FlushInterval = def.CommitLog.FlushInterval
	}
	if c.CommitLog.MaxEnqueuingMutation <= 0 {
		c.CommitLog.MaxEnqueuingMutation = def.CommitLog.MaxEnqueuingMutation
	}
	if c.CommitLog.BufferBytes <= 0 {
		c.CommitLog.BufferBytes = def.CommitLog.BufferBytes
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvHTTPAddr); v != "" {
		c.HTTP.Addr = v
	}
	if v := getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

// Validate rejects values the server cannot start with.
func (c Config) Validate() error {
	if c.CommitLog.BufferBytes < 128 {
		return errors.NotValidf("commit_log.buffer_bytes %d (minimum 128)", c.CommitLog.BufferBytes)
	}
	if c.CommitLog.MaxEnqueuingMutation < 1 {
		return errors.NotValidf("commit_log.max_enqueuing_mutation %d", c.CommitLog.MaxEnqueuingMutation)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return errors.Annotate(err, "log.level")
	}
	return nil
}

// CommitLogPath resolves the commit log file against DataDir.
func (c Config) CommitLogPath() string {
	if filepath.IsAbs(c.CommitLog.File) {
		return c.CommitLog.File
	}
	return filepath.Join(c.DataDir, c.CommitLog.File)
}
