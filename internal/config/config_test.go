package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080", cfg.API.BaseURL)
	require.Equal(t, 2*time.Second, cfg.Progress.PollInterval)
	require.Equal(t, 5, cfg.Progress.MaxReconnectAttempts)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "meridian.yaml", `
api:
  base_url: https://research.example.com
progress:
  poll_interval: 3s
logging:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://research.example.com", cfg.API.BaseURL)
	require.Equal(t, 3*time.Second, cfg.Progress.PollInterval)
	require.Equal(t, "json", cfg.Logging.Format)
	// Untouched keys keep their defaults.
	require.Equal(t, 3, cfg.API.ReadRetries)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "meridian.yaml", `
api:
  base_url: https://file.example.com
`)
	t.Setenv("MERIDIAN_API_BASE_URL", "https://env.example.com")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://env.example.com", cfg.API.BaseURL)
}

func TestLoadRejectsBadPollInterval(t *testing.T) {
	path := writeFile(t, t.TempDir(), "meridian.yaml", `
progress:
  poll_interval: 250ms
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "poll_interval")
}

func TestLoadRejectsBadLogFormat(t *testing.T) {
	path := writeFile(t, t.TempDir(), "meridian.yaml", `
logging:
  format: xml
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "meridian.yaml", `
logging:
  level: info
`)

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond

	var level atomic.Value
	w.OnChange(func(cfg *Config) error {
		level.Store(cfg.Logging.Level)
		return nil
	})
	require.NoError(t, w.Start())
	defer w.Stop()

	writeFile(t, dir, "meridian.yaml", `
logging:
  level: debug
`)

	require.Eventually(t, func() bool {
		v, _ := level.Load().(string)
		return v == "debug"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherKeepsPreviousOnInvalidChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "meridian.yaml", `
logging:
  level: info
`)

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond

	var calls int32
	w.OnChange(func(*Config) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	require.NoError(t, w.Start())
	defer w.Stop()

	// Invalid values must not reach handlers.
	writeFile(t, dir, "meridian.yaml", `
logging:
  format: xml
`)
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&calls))
}
