package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MARGINALIA_CONFIG", "")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8787", cfg.Addr)
	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, 3, cfg.LockoutThreshold)
	assert.Equal(t, 24*time.Hour, cfg.LockoutDuration)
	assert.Contains(t, cfg.LockoutAllowPaths, "/api/health")
	assert.False(t, cfg.SMTPConfigured())
	assert.False(t, cfg.MinioConfigured())
}

func TestLoadFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marginalia.yaml")
	content := []byte(`
addr: ":9000"
storeDriver: sqlite
sqlitePath: /tmp/notes.db
lockoutDuration: 2h
lockoutAllowPaths:
  - /api/health
  - /api/global
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	t.Setenv("API_ADDR", ":9100")
	t.Setenv("LOCKOUT_THRESHOLD", "5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Addr, "environment overrides file")
	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, "/tmp/notes.db", cfg.SQLitePath)
	assert.Equal(t, 2*time.Hour, cfg.LockoutDuration)
	assert.Equal(t, 5, cfg.LockoutThreshold)
	assert.Equal(t, []string{"/api/health", "/api/global"}, cfg.LockoutAllowPaths)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().Addr, cfg.Addr)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mongo")
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestAllowListFromEnvironment(t *testing.T) {
	t.Setenv("LOCKOUT_ALLOW_PATHS", " /a , ,/b")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b"}, cfg.LockoutAllowPaths)
}
