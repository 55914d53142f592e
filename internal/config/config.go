// Package config loads and holds process configuration, following the
// teacher's TOML-plus-defaults loader shape (github.com/BurntSushi/toml).
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MLSConfig configures the group state machine's ciphersuite and storage.
type MLSConfig struct {
	Ciphersuite string `toml:"ciphersuite"` // e.g. "MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519"
}

// RetryConfig holds retry settings for the router's exponential backoff
// (spec §4.2) and the media pipeline's retry policy (spec §4.6). They are
// loaded and defaulted here but not read by either component: the router
// and media packages use their own fixed constants, equal to these defaults.
type RetryConfig struct {
	RouterMaxAttempts int           `toml:"router_max_attempts"`
	RouterBaseDelay   time.Duration `toml:"router_base_delay"`
	MediaMaxAttempts  int           `toml:"media_max_attempts"`
	MediaBaseDelay    time.Duration `toml:"media_base_delay"`
}

type Config struct {
	DataDir        string      `toml:"data_dir"`
	LogsDir        string      `toml:"logs_dir"`
	Debug          bool        `toml:"debug"`
	DefaultRelays  []string    `toml:"default_relays"`
	BlossomServers []string    `toml:"blossom_servers"`
	InboxTagExpiry time.Duration `toml:"inbox_tag_expiry"` // welcome gift-wrap expiration tag (spec §4.4: 30 days)
	MLS            MLSConfig   `toml:"mls"`
	Retry          RetryConfig `toml:"retry"`
}

func defaultConfig() Config {
	return Config{
		DataDir: defaultDataDir(),
		LogsDir: defaultLogsDir(),
		DefaultRelays: []string{
			"wss://relay.damus.io",
			"wss://relay.nostr.band",
			"wss://nos.lol",
		},
		BlossomServers: []string{
			"https://blossom.primal.net",
		},
		InboxTagExpiry: 30 * 24 * time.Hour,
		MLS: MLSConfig{
			Ciphersuite: "MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519",
		},
		Retry: RetryConfig{
			RouterMaxAttempts: 4,
			RouterBaseDelay:   500 * time.Millisecond,
			MediaMaxAttempts:  4,
			MediaBaseDelay:    1 * time.Second,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "whitenoise-data"
	}
	return filepath.Join(home, ".local", "share", "whitenoise")
}

func defaultLogsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "whitenoise-logs"
	}
	return filepath.Join(home, ".local", "state", "whitenoise", "logs")
}

func configPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv("WHITENOISE_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".config", "whitenoise", "config.toml")
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// Load reads config from flagPath (or the conventional location/env var),
// merging over defaults. A missing file is not an error: defaults apply.
func Load(flagPath string) (Config, error) {
	cfg := defaultConfig()

	path := configPath(flagPath)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if err := unmarshalTOML(data, &cfg); err != nil {
		return cfg, err
	}

	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.LogsDir = expandHome(cfg.LogsDir)

	if len(cfg.DefaultRelays) == 0 {
		cfg.DefaultRelays = defaultConfig().DefaultRelays
	}
	if cfg.Retry.RouterMaxAttempts <= 0 {
		cfg.Retry.RouterMaxAttempts = 4
	}
	if cfg.Retry.RouterBaseDelay <= 0 {
		cfg.Retry.RouterBaseDelay = 500 * time.Millisecond
	}
	if cfg.Retry.MediaMaxAttempts <= 0 {
		cfg.Retry.MediaMaxAttempts = 4
	}
	if cfg.Retry.MediaBaseDelay <= 0 {
		cfg.Retry.MediaBaseDelay = 1 * time.Second
	}
	if cfg.InboxTagExpiry <= 0 {
		cfg.InboxTagExpiry = 30 * 24 * time.Hour
	}

	return cfg, nil
}

// MLSDir is the per-account MLS storage directory (spec §6).
func (c Config) MLSDir(accountPubkeyHex string) string {
	return filepath.Join(c.DataDir, "mls", accountPubkeyHex)
}

// MediaCacheDir is the per-group plaintext media cache directory (spec §6).
func (c Config) MediaCacheDir(groupIDHex string) string {
	return filepath.Join(c.DataDir, "media_cache", groupIDHex)
}

// GroupImagesDir is where decrypted group images are cached (spec §4.4).
func (c Config) GroupImagesDir() string {
	return filepath.Join(c.DataDir, "group_images")
}

// SQLitePath is the path to the single whitenoise.sqlite database (spec §6).
func (c Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "whitenoise.sqlite")
}
