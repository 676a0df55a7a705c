// Package config handles loading and managing Inboxorcist configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the Inboxorcist configuration.
type Config struct {
	Data       DataConfig       `toml:"data"`
	DB         DBConfig         `toml:"db"`
	Gmail      GmailConfig      `toml:"gmail"`
	Sync       SyncConfig       `toml:"sync"`
	OAuth      OAuthConfig      `toml:"oauth"`
	Encryption EncryptionConfig `toml:"encryption"`
	Server     ServerConfig     `toml:"server"`

	// Computed paths (not from config file)
	HomeDir string `toml:"-"`
}

// DataConfig holds data storage configuration.
type DataConfig struct {
	DataDir string `toml:"data_dir"`
}

// DBConfig selects the database engine. An empty URL means an embedded
// SQLite file under the data directory; a postgres:// URL selects lib/pq.
type DBConfig struct {
	URL string `toml:"url"`
}

// GmailConfig tunes the Gmail client and throttle.
type GmailConfig struct {
	TargetMsgPerSec   int `toml:"target_msg_per_sec"`  // default 47, absolute cap 50
	MaxConcurrency    int `toml:"max_concurrency"`     // default 40
	BatchSize         int `toml:"batch_size"`          // 100, Gmail cap
	MutationBatchSize int `toml:"mutation_batch_size"` // 1000, Gmail cap
}

// SyncConfig holds sync-related configuration.
type SyncConfig struct {
	PageSize      int      `toml:"page_size"`      // 500, Gmail cap
	DeltaInterval duration `toml:"delta_interval"` // default 5m
}

// OAuthConfig holds OAuth client configuration. The client secret may be
// stored encrypted (iv:tag:ct layout); the oauth package decrypts it.
type OAuthConfig struct {
	GoogleClientID     string `toml:"google_client_id"`
	GoogleClientSecret string `toml:"google_client_secret"`
	RedirectURL        string `toml:"redirect_url"`
}

// EncryptionConfig holds the key used for AES-256-GCM over tokens and
// secret config values. Accepts hex, base64, or 32 raw bytes.
type EncryptionConfig struct {
	Key string `toml:"key"`
}

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	APIPort  int    `toml:"api_port"`
	BindAddr string `toml:"bind_addr"`
	APIKey   string `toml:"api_key"`
}

// duration wraps time.Duration for TOML decoding of strings like "5m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// DefaultHome returns the default Inboxorcist home directory.
// Respects the INBOXORCIST_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("INBOXORCIST_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".inboxorcist"
	}
	return filepath.Join(home, ".inboxorcist")
}

// Load reads the configuration from the specified file.
// If path is empty, uses the default location (~/.inboxorcist/config.toml).
// Environment variables override file values (INBOXORCIST_DB_URL, etc).
func Load(path string) (*Config, error) {
	homeDir := DefaultHome()

	if path == "" {
		path = filepath.Join(homeDir, "config.toml")
	}

	cfg := &Config{
		HomeDir: homeDir,
		Data: DataConfig{
			DataDir: homeDir,
		},
		Gmail: GmailConfig{
			TargetMsgPerSec:   47,
			MaxConcurrency:    40,
			BatchSize:         100,
			MutationBatchSize: 1000,
		},
		Sync: SyncConfig{
			PageSize:      500,
			DeltaInterval: duration{5 * time.Minute},
		},
		Server: ServerConfig{
			APIPort:  8080,
			BindAddr: "127.0.0.1",
		},
	}

	// Config file is optional - use defaults if not present
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	cfg.Data.DataDir = expandPath(cfg.Data.DataDir)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides replaces config values from INBOXORCIST_* variables.
func applyEnvOverrides(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr("INBOXORCIST_DB_URL", &cfg.DB.URL)
	setStr("INBOXORCIST_DATA_DIR", &cfg.Data.DataDir)
	setStr("INBOXORCIST_ENCRYPTION_KEY", &cfg.Encryption.Key)
	setStr("INBOXORCIST_GOOGLE_CLIENT_ID", &cfg.OAuth.GoogleClientID)
	setStr("INBOXORCIST_GOOGLE_CLIENT_SECRET", &cfg.OAuth.GoogleClientSecret)
	setStr("INBOXORCIST_REDIRECT_URL", &cfg.OAuth.RedirectURL)
	setStr("INBOXORCIST_API_KEY", &cfg.Server.APIKey)
	setInt("INBOXORCIST_API_PORT", &cfg.Server.APIPort)
	setInt("INBOXORCIST_TARGET_MSG_PER_SEC", &cfg.Gmail.TargetMsgPerSec)
	setInt("INBOXORCIST_MAX_CONCURRENCY", &cfg.Gmail.MaxConcurrency)

	if v := os.Getenv("INBOXORCIST_DELTA_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.DeltaInterval = duration{d}
		}
	}
}

// validate rejects tunables above Gmail's hard caps.
func (c *Config) validate() error {
	if c.Gmail.TargetMsgPerSec > 50 {
		return fmt.Errorf("gmail.target_msg_per_sec %d exceeds the 50/sec cap", c.Gmail.TargetMsgPerSec)
	}
	if c.Gmail.BatchSize > 100 {
		return fmt.Errorf("gmail.batch_size %d exceeds Gmail's batch cap of 100", c.Gmail.BatchSize)
	}
	if c.Gmail.MutationBatchSize > 1000 {
		return fmt.Errorf("gmail.mutation_batch_size %d exceeds Gmail's cap of 1000", c.Gmail.MutationBatchSize)
	}
	if c.Sync.PageSize > 500 {
		return fmt.Errorf("sync.page_size %d exceeds Gmail's list cap of 500", c.Sync.PageSize)
	}
	return nil
}

// DatabaseURL returns the configured database URL, defaulting to an
// embedded SQLite file in the data directory.
func (c *Config) DatabaseURL() string {
	if c.DB.URL != "" {
		return c.DB.URL
	}
	return filepath.Join(c.Data.DataDir, "inboxorcist.db")
}

// DeltaInterval returns the delta sync interval.
func (c *Config) DeltaInterval() time.Duration {
	if c.Sync.DeltaInterval.Duration <= 0 {
		return 5 * time.Minute
	}
	return c.Sync.DeltaInterval.Duration
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
