package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseFPS, cfg.BaseFPS)
	assert.Equal(t, DefaultHighWatermark, cfg.HighWatermark)
	assert.Equal(t, "memory", cfg.Queue.Backend)
}

func TestLoadParsesYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
base_fps: 2
burst_fps: 20
high_watermark: 10
queue:
  backend: redis
  addr: localhost:6379
logging:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2.0, cfg.BaseFPS)
	assert.Equal(t, 20.0, cfg.BurstFPS)
	assert.Equal(t, int64(10), cfg.HighWatermark)
	assert.Equal(t, "redis", cfg.Queue.Backend)
	assert.Equal(t, "localhost:6379", cfg.Queue.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("base_fps: 1\n"), 0o644))

	t.Setenv("COORDINATOR_BASE_FPS", "3")
	t.Setenv("COORDINATOR_HIGH_WATERMARK", "99")
	t.Setenv("COORDINATOR_CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3.0, cfg.BaseFPS)
	assert.Equal(t, int64(99), cfg.HighWatermark)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.CORSOrigins)
}

func TestValidateRejectsBurstBelowBase(t *testing.T) {
	cfg := Default()
	cfg.BurstFPS = cfg.BaseFPS - 1
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownQueueBackend(t *testing.T) {
	cfg := Default()
	cfg.Queue.Backend = "kafka"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "loud"
	assert.Error(t, cfg.Validate())
}

func TestValidateAcceptsDefaults(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("base_fps: 1\n"), 0o644))

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	defer w.Close()

	require.Equal(t, 1.0, w.Current().BaseFPS)

	require.NoError(t, os.WriteFile(path, []byte("base_fps: 7\n"), 0o644))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Current().BaseFPS == 7 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 7.0, w.Current().BaseFPS)
}
