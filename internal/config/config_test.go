package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv(EnvPrefix+"_CONFIG", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	def := Default()
	require.Equal(t, def.ManifestURL, cfg.ManifestURL)
	require.Equal(t, StorageFile, cfg.Storage.Kind)
	require.Equal(t, 5*time.Second, cfg.Bridge.OpenTimeout)
	require.Equal(t, 900*time.Second, cfg.Timeout.Connect)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tonconnect.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
manifest_url: https://dapp.example/tonconnect-manifest.json
storage:
  kind: SQLite
  path: /var/lib/tonconnect/state.db
bridge:
  send_attempts: 7
  reconnect_delay: 500ms
proof:
  domains: [dapp.example]
log:
  level: debug
`), 0o600))

	t.Setenv("TONCONNECT_SESSION_KEY", "alice")
	t.Setenv("TONCONNECT_TIMEOUTS_REQUEST", "42s")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://dapp.example/tonconnect-manifest.json", cfg.ManifestURL)
	require.Equal(t, StorageSQLite, cfg.Storage.Kind)
	require.Equal(t, "/var/lib/tonconnect/state.db", cfg.StoragePath())
	require.Equal(t, 7, cfg.Bridge.SendAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.Bridge.ReconnectDelay)
	require.Equal(t, []string{"dapp.example"}, cfg.Proof.Domains)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "alice", cfg.SessionKey)
	require.Equal(t, 42*time.Second, cfg.Timeout.Request)

	// Untouched keys keep their defaults.
	require.Equal(t, Default().Bridge.MessageTTL, cfg.Bridge.MessageTTL)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"storage kind": "storage:\n  kind: redis\n",
		"log level":    "log:\n  level: loud\n",
		"attempts":     "bridge:\n  send_attempts: 0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tonconnect.yaml")

	cfg := Default()
	cfg.SessionKey = "bob"
	cfg.Storage.Kind = StorageMemory
	cfg.Proof.Secret = "s3cret"
	cfg.Bridge.SendDelay = 250 * time.Millisecond
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}

func TestStoragePathRelative(t *testing.T) {
	cfg := Default()
	cfg.Home = "/home/alice/.tonconnect"
	require.Equal(t, "/home/alice/.tonconnect/storage", cfg.StoragePath())
}
