package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ServerAddress)
	assert.Equal(t, "http", cfg.ModelBackend)
	assert.Equal(t, 1, cfg.ComputeParallelism)
	assert.Equal(t, 80*time.Millisecond, cfg.ComputeBudget)
	assert.Equal(t, 3, cfg.QueueCapacity)
	assert.Equal(t, 100*time.Millisecond, cfg.FrameDeadline)
	assert.Equal(t, 1, cfg.MaxSessions)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 2*1024*1024, cfg.MaxFrameSize)
	assert.False(t, cfg.AuditEnabled)
	assert.Empty(t, cfg.OrchestratorURL)
	assert.Equal(t, time.Second, cfg.OfferPollInterval)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MODEL_BACKEND", "noop")
	t.Setenv("QUEUE_CAPACITY", "5")
	t.Setenv("FRAME_DEADLINE", "250ms")
	t.Setenv("MAX_SESSIONS", "2")
	t.Setenv("AUDIT_DB_ENABLED", "true")
	t.Setenv("ORCHESTRATOR_URL", "http://orchestrator:9000")

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, "noop", cfg.ModelBackend)
	assert.Equal(t, 5, cfg.QueueCapacity)
	assert.Equal(t, 250*time.Millisecond, cfg.FrameDeadline)
	assert.Equal(t, 2, cfg.MaxSessions)
	assert.True(t, cfg.AuditEnabled)
	assert.Equal(t, "http://orchestrator:9000", cfg.OrchestratorURL)
}

func TestMalformedEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("QUEUE_CAPACITY", "not-a-number")
	t.Setenv("FRAME_DEADLINE", "soon")

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.QueueCapacity)
	assert.Equal(t, 100*time.Millisecond, cfg.FrameDeadline)
}

func TestConfigFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "model_backend: noop\nqueue_capacity: 4\nframe_deadline: 60ms\nlog_level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("MAX_SESSIONS", "3")

	cfg, err := New()
	require.NoError(t, err)

	// File values win over env and defaults.
	assert.Equal(t, "noop", cfg.ModelBackend)
	assert.Equal(t, 4, cfg.QueueCapacity)
	assert.Equal(t, 60*time.Millisecond, cfg.FrameDeadline)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Fields the file omits keep their env values.
	assert.Equal(t, 3, cfg.MaxSessions)
}

func TestConfigFileMissing(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := New()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			ModelBackend:       "http",
			QueueCapacity:      3,
			ComputeParallelism: 1,
			FrameDeadline:      100 * time.Millisecond,
			MaxSessions:        1,
		}
	}

	assert.NoError(t, base().Validate())

	cfg := base()
	cfg.ModelBackend = "grpc"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.QueueCapacity = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.ComputeParallelism = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.FrameDeadline = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.MaxSessions = 0
	assert.Error(t, cfg.Validate())
}
