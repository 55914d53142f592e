package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if len(cfg.DefaultRelays) == 0 {
		t.Fatal("expected default relays, got empty")
	}
	if cfg.DefaultRelays[0] != "wss://relay.damus.io" {
		t.Errorf("first default relay = %q, want %q", cfg.DefaultRelays[0], "wss://relay.damus.io")
	}
	if cfg.Retry.RouterMaxAttempts != 4 {
		t.Errorf("RouterMaxAttempts = %d, want 4", cfg.Retry.RouterMaxAttempts)
	}
	if cfg.InboxTagExpiry != 30*24*time.Hour {
		t.Errorf("InboxTagExpiry = %v, want 30 days", cfg.InboxTagExpiry)
	}
}

func TestConfigPath(t *testing.T) {
	t.Run("flag takes priority", func(t *testing.T) {
		got := configPath("/my/flag/path.toml")
		if got != "/my/flag/path.toml" {
			t.Errorf("configPath with flag = %q, want %q", got, "/my/flag/path.toml")
		}
	})

	t.Run("env var when no flag", func(t *testing.T) {
		t.Setenv("WHITENOISE_CONFIG", "/env/path.toml")
		got := configPath("")
		if got != "/env/path.toml" {
			t.Errorf("configPath with env = %q, want %q", got, "/env/path.toml")
		}
	})

	t.Run("default when no flag or env", func(t *testing.T) {
		t.Setenv("WHITENOISE_CONFIG", "")
		got := configPath("")
		home, _ := os.UserHomeDir()
		want := filepath.Join(home, ".config", "whitenoise", "config.toml")
		if got != want {
			t.Errorf("configPath default = %q, want %q", got, want)
		}
	})
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "nonexistent.toml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Retry.RouterMaxAttempts != 4 {
		t.Errorf("RouterMaxAttempts = %d, want 4 (default)", cfg.Retry.RouterMaxAttempts)
	}
	if len(cfg.DefaultRelays) == 0 {
		t.Error("expected default relays")
	}
}

func TestLoadValidTOML(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.toml")
	content := `
data_dir = "/tmp/wn-data"
default_relays = ["wss://custom.relay"]

[retry]
router_max_attempts = 8
`
	if err := os.WriteFile(cfgFile, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DataDir != "/tmp/wn-data" {
		t.Errorf("DataDir = %q, want /tmp/wn-data", cfg.DataDir)
	}
	if len(cfg.DefaultRelays) != 1 || cfg.DefaultRelays[0] != "wss://custom.relay" {
		t.Errorf("DefaultRelays = %v, want [wss://custom.relay]", cfg.DefaultRelays)
	}
	if cfg.Retry.RouterMaxAttempts != 8 {
		t.Errorf("RouterMaxAttempts = %d, want 8", cfg.Retry.RouterMaxAttempts)
	}
}

func TestLoadEmptyRelaysGetDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(cfgFile, []byte(`default_relays = []`), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defaults := defaultConfig()
	if len(cfg.DefaultRelays) != len(defaults.DefaultRelays) {
		t.Errorf("expected default relays when empty, got %d relays", len(cfg.DefaultRelays))
	}
}

func TestLoadZeroRetryValuesGetDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(cfgFile, []byte(`[retry]
router_max_attempts = 0
`), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Retry.RouterMaxAttempts != 4 {
		t.Errorf("RouterMaxAttempts = %d, want 4 (default)", cfg.Retry.RouterMaxAttempts)
	}
}

func TestConfigDerivedPaths(t *testing.T) {
	cfg := Config{DataDir: "/data"}
	if got, want := cfg.MLSDir("abc123"), filepath.Join("/data", "mls", "abc123"); got != want {
		t.Errorf("MLSDir = %q, want %q", got, want)
	}
	if got, want := cfg.MediaCacheDir("deadbeef"), filepath.Join("/data", "media_cache", "deadbeef"); got != want {
		t.Errorf("MediaCacheDir = %q, want %q", got, want)
	}
	if got, want := cfg.SQLitePath(), filepath.Join("/data", "whitenoise.sqlite"); got != want {
		t.Errorf("SQLitePath = %q, want %q", got, want)
	}
}

func TestExpandHome(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(cfgFile, []byte(`data_dir = "~/wn-custom"`), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	home, _ := os.UserHomeDir()
	if cfg.DataDir != filepath.Join(home, "wn-custom") {
		t.Errorf("DataDir = %q, want expanded home path", cfg.DataDir)
	}
}
