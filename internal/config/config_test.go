package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "annosync.yaml"), nil)
	if err == nil {
		t.Fatal("expected error for explicit missing config file")
	}

	cfg, err = Load("", nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:8710" {
		t.Errorf("listen addr = %q, want default", cfg.Server.ListenAddr)
	}
	if cfg.Scheduler.Interval != time.Minute {
		t.Errorf("interval = %s, want 1m", cfg.Scheduler.Interval)
	}
	if cfg.Scheduler.StaleLockThreshold != 10*time.Minute {
		t.Errorf("stale lock threshold = %s, want 10m", cfg.Scheduler.StaleLockThreshold)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "annosync.yaml")
	content := `
server:
  listen_addr: "0.0.0.0:9000"
storage:
  data_dir: /var/lib/annosync
  bucket: annosync-prod
scheduler:
  interval: 30s
  stale_lock_threshold: 5m
log:
  file: /var/log/annosync.log
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Storage.Bucket != "annosync-prod" {
		t.Errorf("bucket = %q", cfg.Storage.Bucket)
	}
	if cfg.Scheduler.Interval != 30*time.Second {
		t.Errorf("interval = %s", cfg.Scheduler.Interval)
	}
	// Unset keys keep their defaults.
	if cfg.Scheduler.CheckpointInterval != 5*time.Minute {
		t.Errorf("checkpoint interval = %s, want default 5m", cfg.Scheduler.CheckpointInterval)
	}
	if cfg.StateDBPath() != filepath.Join("/var/lib/annosync", "lockstate.db") {
		t.Errorf("state db path = %q", cfg.StateDBPath())
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "annosync.yaml")
	if err := os.WriteFile(path, []byte("server:\n  listen_addr: \"1.2.3.4:80\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ANNOSYNC_SERVER_LISTEN_ADDR", "5.6.7.8:90")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.ListenAddr != "5.6.7.8:90" {
		t.Errorf("listen addr = %q, want env value", cfg.Server.ListenAddr)
	}
}

func TestFlagOverridesEnv(t *testing.T) {
	t.Setenv("ANNOSYNC_SERVER_LISTEN_ADDR", "5.6.7.8:90")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("listen", "", "")
	flags.String("data-dir", "", "")
	flags.String("log-file", "", "")
	if err := flags.Parse([]string{"--listen", "9.9.9.9:99"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("", flags)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.ListenAddr != "9.9.9.9:99" {
		t.Errorf("listen addr = %q, want flag value", cfg.Server.ListenAddr)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"empty listen addr", func(c *Config) { c.Server.ListenAddr = "" }, true},
		{"empty data dir", func(c *Config) { c.Storage.DataDir = "" }, true},
		{"zero interval", func(c *Config) { c.Scheduler.Interval = 0 }, true},
		{"zero stale threshold", func(c *Config) { c.Scheduler.StaleLockThreshold = 0 }, true},
		{"negative idle threshold", func(c *Config) { c.Scheduler.IdleThreshold = -time.Second }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
