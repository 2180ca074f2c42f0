package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filevault/filevault/pkg/bytesize"
)

func TestDefault(t *testing.T) {
	cfg := Default("/var/lib/filevault")

	assert.Equal(t, "/var/lib/filevault", cfg.DataDir)
	assert.Equal(t, bytesize.Size(10*bytesize.GB), cfg.DefaultQuota)
	assert.Equal(t, 7, cfg.Share.ExpiryDays)
	assert.Equal(t, ":2049", cfg.NFS.Listen)
	assert.False(t, cfg.NFS.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	content := `
data_dir: /tmp/vault-data
default_quota: 5GB
master_key: "0101010101010101010101010101010101010101010101010101010101010101"
share:
  secret: "sssh"
  url_base: "https://vault.example.com/shared"
  expiry_days: 14
nfs:
  enabled: true
  listen: ":12049"
  user: alice
loki:
  enabled: true
  url: "http://localhost:3100"
  batch_size: 200
  flush_interval: "10s"
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/vault-data", cfg.DataDir)
	assert.Equal(t, bytesize.Size(5*bytesize.GB), cfg.DefaultQuota)
	assert.Equal(t, "https://vault.example.com/shared", cfg.Share.URLBase)
	assert.Equal(t, 14, cfg.Share.ExpiryDays)
	assert.True(t, cfg.NFS.Enabled)
	assert.Equal(t, "alice", cfg.NFS.User)
	assert.True(t, cfg.Loki.Enabled)
	assert.Equal(t, "http://localhost:3100", cfg.Loki.URL)
	assert.Equal(t, 200, cfg.Loki.BatchSize)
	assert.Equal(t, "10s", cfg.Loki.FlushInterval)

	key, err := cfg.MasterKeyBytes()
	require.NoError(t, err)
	assert.Equal(t, byte(1), key[0])
	assert.Equal(t, byte(1), key[31])
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: [unterminated"), 0600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := Default(filepath.Join(dir, "data"))
	key, err := GenerateMasterKey()
	require.NoError(t, err)
	cfg.MasterKey = key
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.DataDir, loaded.DataDir)
	assert.Equal(t, cfg.MasterKey, loaded.MasterKey)
	assert.Equal(t, cfg.DefaultQuota, loaded.DefaultQuota)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing data dir",
			mutate:  func(c *Config) { c.DataDir = "" },
			wantErr: "data_dir",
		},
		{
			name:    "negative quota",
			mutate:  func(c *Config) { c.DefaultQuota = -1 },
			wantErr: "default_quota",
		},
		{
			name:    "master key not hex",
			mutate:  func(c *Config) { c.MasterKey = "zz" },
			wantErr: "master_key",
		},
		{
			name:    "master key wrong length",
			mutate:  func(c *Config) { c.MasterKey = "0102" },
			wantErr: "32 bytes",
		},
		{
			name:    "negative expiry",
			mutate:  func(c *Config) { c.Share.ExpiryDays = -1 },
			wantErr: "expiry_days",
		},
		{
			name:    "nfs without user",
			mutate:  func(c *Config) { c.NFS.Enabled = true; c.NFS.User = "" },
			wantErr: "nfs.user",
		},
		{
			name:    "loki without url",
			mutate:  func(c *Config) { c.Loki.Enabled = true },
			wantErr: "loki.url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default("/data")
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "error %q should mention %q", err, tt.wantErr)
		})
	}
}

func TestMasterKeyBytesEmpty(t *testing.T) {
	cfg := Default("/data")
	key, err := cfg.MasterKeyBytes()
	require.NoError(t, err)
	assert.Equal(t, [32]byte{}, key)
}
