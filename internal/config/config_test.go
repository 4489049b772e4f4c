package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/skylog/skylog/internal/audit"
)

func TestLoad_NonexistentFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load with nonexistent file should not error: %v", err)
	}

	// Verify defaults.
	if cfg.LogDir != "logs" {
		t.Errorf("default log_dir: expected logs, got %q", cfg.LogDir)
	}
	if cfg.SecretEnv != "LOG_SECRET_KEY" {
		t.Errorf("default secret_env: expected LOG_SECRET_KEY, got %q", cfg.SecretEnv)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("default host: expected 127.0.0.1, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 3110 {
		t.Errorf("default port: expected 3110, got %d", cfg.Server.Port)
	}
	if !cfg.Index.Enabled {
		t.Error("default index: expected enabled")
	}
	if cfg.CatchAll.MinLevel != audit.LevelError {
		t.Errorf("default catch_all min_level: expected ERROR, got %v", cfg.CatchAll.MinLevel)
	}

	expectedFiles := map[string]string{
		"access":      "access.log",
		"application": "application.log",
		"security":    "security.log",
		"error":       "error.log",
	}
	for name, want := range expectedFiles {
		sc, ok := cfg.Channels[name]
		if !ok {
			t.Errorf("missing default channel: %s", name)
			continue
		}
		if sc.File != want {
			t.Errorf("%s file: expected %q, got %q", name, want, sc.File)
		}
		if sc.MinLevel != audit.LevelInfo {
			t.Errorf("%s min_level: expected INFO, got %v", name, sc.MinLevel)
		}
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "skylog.yaml")
	yaml := `
log_dir: /var/log/skylog
secret_env: SKYLOG_KEY
channels:
  security:
    file: sec.jsonl
    min_level: WARNING
catch_all:
  file: alarms.log
  min_level: CRITICAL
aliases:
  - pattern: "http.*"
    channel: access
index:
  enabled: false
  file: ""
server:
  host: "0.0.0.0"
  port: 9090
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LogDir != "/var/log/skylog" || cfg.SecretEnv != "SKYLOG_KEY" {
		t.Errorf("unexpected paths: %+v", cfg)
	}
	if cfg.Channels["security"].MinLevel != audit.LevelWarning {
		t.Errorf("security min_level: expected WARNING, got %v", cfg.Channels["security"].MinLevel)
	}
	if cfg.CatchAll.File != "alarms.log" || cfg.CatchAll.MinLevel != audit.LevelCritical {
		t.Errorf("catch_all: got %+v", cfg.CatchAll)
	}
	if len(cfg.Aliases) != 1 || cfg.Aliases[0].Channel != audit.ChannelAccess {
		t.Errorf("aliases: got %+v", cfg.Aliases)
	}
	if cfg.Index.Enabled {
		t.Error("index: expected disabled")
	}
	if cfg.Addr() != "0.0.0.0:9090" {
		t.Errorf("addr: got %s", cfg.Addr())
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "skylog.yaml")
	if err := os.WriteFile(path, []byte(`{{{invalid yaml`), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_InvalidLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "skylog.yaml")
	yaml := `
channels:
  access:
    min_level: LOUD
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestLoad_SharedSinkFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "skylog.yaml")
	yaml := `
channels:
  security:
    file: alerts.log
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "alerts.log") {
		t.Errorf("expected a shared sink error naming alerts.log, got %v", err)
	}
}

func TestLoad_PartialOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "skylog.yaml")
	yaml := `
server:
  port: 9090
channels:
  error:
    min_level: ERROR
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	// Port overridden.
	if cfg.Server.Port != 9090 {
		t.Errorf("port: expected 9090, got %d", cfg.Server.Port)
	}
	// Host should retain default.
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("host should be default 127.0.0.1, got %q", cfg.Server.Host)
	}
	// A channel given without a file keeps the default file.
	if got := cfg.SinkPath("error"); got != filepath.Join("logs", "error.log") {
		t.Errorf("error sink: got %s", got)
	}
	if got := cfg.AuditOptions(nil).MinLevels["error"]; got != audit.LevelError {
		t.Errorf("error min level: got %v", got)
	}
}

func TestValidate(t *testing.T) {
	base := func(mod func(c *Config)) Config {
		c := applyDefaults()
		mod(c)
		return *c
	}

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name:    "valid",
			cfg:     *applyDefaults(),
			wantErr: false,
		},
		{
			name:    "empty log_dir",
			cfg:     base(func(c *Config) { c.LogDir = "" }),
			wantErr: true,
		},
		{
			name:    "empty secret_env",
			cfg:     base(func(c *Config) { c.SecretEnv = "" }),
			wantErr: true,
		},
		{
			name:    "unknown channel",
			cfg:     base(func(c *Config) { c.Channels["audit"] = SinkConfig{} }),
			wantErr: true,
		},
		{
			name:    "alias to unknown channel",
			cfg:     base(func(c *Config) { c.Aliases = []audit.Alias{{Pattern: "x.*", Channel: "alerts"}} }),
			wantErr: true,
		},
		{
			name:    "index without file",
			cfg:     base(func(c *Config) { c.Index.File = "" }),
			wantErr: true,
		},
		{
			name:    "empty host",
			cfg:     base(func(c *Config) { c.Server.Host = "" }),
			wantErr: true,
		},
		{
			name:    "port 0",
			cfg:     base(func(c *Config) { c.Server.Port = 0 }),
			wantErr: true,
		},
		{
			name:    "two channels on one file",
			cfg:     base(func(c *Config) { c.Channels["error"] = SinkConfig{File: "application.log"} }),
			wantErr: true,
		},
		{
			name:    "catch_all on a channel file",
			cfg:     base(func(c *Config) { c.CatchAll.File = "error.log" }),
			wantErr: true,
		},
		{
			name: "same file through an absolute path",
			cfg: base(func(c *Config) {
				c.LogDir = "/var/log/skylog"
				c.Channels["access"] = SinkConfig{File: "/var/log/skylog/security.log"}
			}),
			wantErr: true,
		},
		{
			name:    "index on a sink file",
			cfg:     base(func(c *Config) { c.Index.File = "alerts.log" }),
			wantErr: true,
		},
		{
			name:    "disabled index is not checked",
			cfg:     base(func(c *Config) { c.Index.Enabled = false; c.Index.File = "alerts.log" }),
			wantErr: false,
		},
		{
			name:    "port 65536",
			cfg:     base(func(c *Config) { c.Server.Port = 65536 }),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate(&tt.cfg)
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestWriteDefault_Roundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "etc", "skylog.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	// Verify file was created.
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file not created: %v", err)
	}

	// Load it back and verify defaults.
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load after WriteDefault: %v", err)
	}

	if cfg.Server.Port != 3110 {
		t.Errorf("roundtrip port: expected 3110, got %d", cfg.Server.Port)
	}
	if cfg.Channels["security"].MinLevel != audit.LevelInfo {
		t.Errorf("roundtrip level: expected INFO, got %v", cfg.Channels["security"].MinLevel)
	}
}

func TestLoadSecret(t *testing.T) {
	cfg := applyDefaults()
	cfg.SecretEnv = "SKYLOG_TEST_SECRET"

	t.Setenv("SKYLOG_TEST_SECRET", "")
	if _, err := cfg.LoadSecret(); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("expected ErrMissingSecret, got %v", err)
	}

	t.Setenv("SKYLOG_TEST_SECRET", "s3cret")
	secret, err := cfg.LoadSecret()
	if err != nil {
		t.Fatal(err)
	}
	if string(secret) != "s3cret" {
		t.Errorf("secret = %q", secret)
	}
}

func TestAuditOptions(t *testing.T) {
	cfg := applyDefaults()
	cfg.LogDir = "/srv/logs"
	cfg.CatchAll.File = "/mnt/alarms/alerts.log"

	opts := cfg.AuditOptions([]byte("k"))
	if got := opts.SinkPath("security"); got != "/srv/logs/security.log" {
		t.Errorf("security sink: got %s", got)
	}
	if got := opts.SinkPath(audit.RootChain); got != "/mnt/alarms/alerts.log" {
		t.Errorf("catch-all sink: got %s", got)
	}
	if opts.MinLevels[audit.RootChain] != audit.LevelError {
		t.Errorf("catch-all level: got %v", opts.MinLevels[audit.RootChain])
	}
	if cfg.IndexPath() != "/srv/logs/index.db" {
		t.Errorf("index path: got %s", cfg.IndexPath())
	}
}

func TestWatcher_FiresOnConfigWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "skylog.yaml")

	fired := make(chan struct{}, 10)
	w, err := NewWatcher(path, WatchTargets{OnConfigChange: func() { fired <- struct{}{} }})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	// Unrelated files in the same directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("log_dir: logs\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("config change not reported")
	}

	if err := w.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
}
