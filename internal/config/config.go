// Package config handles configuration loading and validation for filevault.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/filevault/filevault/pkg/bytesize"
)

// ShareConfig holds configuration for signed share URLs.
type ShareConfig struct {
	Secret     string `yaml:"secret"`      // HMAC secret for share tokens (required to enable sharing URLs)
	URLBase    string `yaml:"url_base"`    // Public prefix share URLs are built on
	ExpiryDays int    `yaml:"expiry_days"` // Days until share tokens expire (0 = never)
}

// NFSConfig holds configuration for the read-only NFS export.
type NFSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // e.g. ":2049"
	User    string `yaml:"user"`   // vault user whose tree is exported
}

// LokiConfig holds configuration for shipping server logs to Grafana Loki.
type LokiConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`            // Loki push URL (e.g. "http://localhost:3100")
	BatchSize     int    `yaml:"batch_size"`     // entries per push batch (0 = default)
	FlushInterval string `yaml:"flush_interval"` // e.g. "5s"
}

// Config holds configuration for the vault.
type Config struct {
	DataDir      string        `yaml:"data_dir"`
	DefaultQuota bytesize.Size `yaml:"default_quota"` // per-user logical quota (0 = unlimited)
	MasterKey    string        `yaml:"master_key"`    // hex-encoded 32-byte blob encryption key
	Share        ShareConfig   `yaml:"share"`
	NFS          NFSConfig     `yaml:"nfs"`
	Loki         LokiConfig    `yaml:"loki"`
}

// Default returns a config with sensible defaults rooted at dir.
func Default(dir string) *Config {
	return &Config{
		DataDir:      dir,
		DefaultQuota: bytesize.Size(10 * bytesize.GB),
		Share: ShareConfig{
			URLBase:    "http://localhost/shared",
			ExpiryDays: 7,
		},
		NFS: NFSConfig{
			Listen: ":2049",
		},
	}
}

// Load loads vault configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file, creating parent
// directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.DefaultQuota < 0 {
		return fmt.Errorf("default_quota cannot be negative")
	}
	if c.MasterKey != "" {
		key, err := hex.DecodeString(c.MasterKey)
		if err != nil {
			return fmt.Errorf("master_key must be hex: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("master_key must be 32 bytes, got %d", len(key))
		}
	}
	if c.Share.ExpiryDays < 0 {
		return fmt.Errorf("share.expiry_days cannot be negative")
	}
	if c.NFS.Enabled && c.NFS.User == "" {
		return fmt.Errorf("nfs.user is required when nfs is enabled")
	}
	if c.Loki.Enabled && c.Loki.URL == "" {
		return fmt.Errorf("loki.url is required when loki is enabled")
	}
	return nil
}

// MasterKeyBytes decodes the configured master key. A missing key yields
// the zero key, which still encrypts at rest but offers no secrecy — init
// generates a random one.
func (c *Config) MasterKeyBytes() ([32]byte, error) {
	var key [32]byte
	if c.MasterKey == "" {
		return key, nil
	}
	raw, err := hex.DecodeString(c.MasterKey)
	if err != nil || len(raw) != 32 {
		return key, fmt.Errorf("invalid master_key")
	}
	copy(key[:], raw)
	return key, nil
}
