// Package config loads daemon configuration from an annosync.yaml file,
// ANNOSYNC_* environment variables, and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the full daemon configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig controls the HTTP/WebSocket listener.
type ServerConfig struct {
	// ListenAddr is the host:port the server binds to.
	ListenAddr string `mapstructure:"listen_addr"`

	// WriteTimeout bounds individual WebSocket writes.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig controls local state and durable object storage.
type StorageConfig struct {
	// DataDir is the root directory for working copies.
	DataDir string `mapstructure:"data_dir"`

	// StatePath is the path of the lock-state database. Empty means
	// DataDir/lockstate.db.
	StatePath string `mapstructure:"state_path"`

	// Bucket is the S3 bucket durable copies are uploaded to. Empty
	// selects the in-memory store (tests, local development).
	Bucket string `mapstructure:"bucket"`

	// Region is the AWS region for the bucket.
	Region string `mapstructure:"region"`

	// Endpoint overrides the S3 endpoint (MinIO, localstack).
	Endpoint string `mapstructure:"endpoint"`
}

// SchedulerConfig controls the background persistence loop.
type SchedulerConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	IdleThreshold      time.Duration `mapstructure:"idle_threshold"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
	StaleLockThreshold time.Duration `mapstructure:"stale_lock_threshold"`
}

// AuthConfig controls session token verification.
type AuthConfig struct {
	// JWTSecret is the HMAC secret session tokens are signed with.
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LogConfig controls log output and rotation.
type LogConfig struct {
	// File is the log file path. Empty logs to stderr.
	File string `mapstructure:"file"`

	// MaxSizeMB is the size at which the log file rotates.
	MaxSizeMB int `mapstructure:"max_size_mb"`

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `mapstructure:"max_backups"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      "127.0.0.1:8710",
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: "./data",
			Region:  "us-east-1",
		},
		Scheduler: SchedulerConfig{
			Interval:           time.Minute,
			IdleThreshold:      30 * time.Second,
			CheckpointInterval: 5 * time.Minute,
			StaleLockThreshold: 10 * time.Minute,
		},
		Log: LogConfig{
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
	}
}

// Load reads configuration from the given file (or the default search path
// when empty), then applies environment variables and bound flags on top.
// flags may be nil.
func Load(file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ANNOSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("annosync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/annosync")
	}

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine when the path was not explicit;
		// defaults plus env carry the day.
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindFlags maps well-known flags onto config keys. Unset flags leave the
// file/env/default value in place.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	bindings := map[string]string{
		"server.listen_addr": "listen",
		"storage.data_dir":   "data-dir",
		"log.file":           "log-file",
	}
	for key, name := range bindings {
		if f := flags.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.listen_addr", d.Server.ListenAddr)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("storage.data_dir", d.Storage.DataDir)
	v.SetDefault("storage.state_path", "")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.region", d.Storage.Region)
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("scheduler.interval", d.Scheduler.Interval)
	v.SetDefault("scheduler.idle_threshold", d.Scheduler.IdleThreshold)
	v.SetDefault("scheduler.checkpoint_interval", d.Scheduler.CheckpointInterval)
	v.SetDefault("scheduler.stale_lock_threshold", d.Scheduler.StaleLockThreshold)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr cannot be empty")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir cannot be empty")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive")
	}
	if c.Scheduler.StaleLockThreshold <= 0 {
		return fmt.Errorf("scheduler.stale_lock_threshold must be positive")
	}
	if c.Scheduler.IdleThreshold < 0 || c.Scheduler.CheckpointInterval < 0 {
		return fmt.Errorf("scheduler thresholds cannot be negative")
	}
	return nil
}

// StateDBPath resolves the lock-state database path.
func (c *Config) StateDBPath() string {
	if c.Storage.StatePath != "" {
		return c.Storage.StatePath
	}
	return filepath.Join(c.Storage.DataDir, "lockstate.db")
}
