package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader_Defaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigFile("").Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Engine.LockDuration)
	assert.Equal(t, 2*time.Second, cfg.Engine.PollInterval)
	assert.Equal(t, 16, cfg.Engine.MaxConcurrentNodes)
	assert.Equal(t, 5, cfg.Lock.CircuitBreakerThreshold)
	assert.Equal(t, 30*time.Second, cfg.Lock.CircuitBreakerTimeout)
	assert.True(t, cfg.Lock.DegradedModeEnabled)
	assert.Equal(t, 0.3, cfg.Renewal.RenewalThreshold)
	assert.Equal(t, 720, cfg.Renewal.MaxRenewals)
	assert.Equal(t, "round_robin", cfg.Registry.Strategy)
	assert.Equal(t, StoreDriverSqlite, cfg.Store.Driver)
	assert.Equal(t, LockBackendGorm, cfg.LockStore.Backend)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoader_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	content := `
engine:
  engine_id: engine-a
  lock_duration: 20s
  max_concurrent_nodes: 4
lock:
  degraded_mode_enabled: false
  circuit_breaker_threshold: 3
store:
  driver: mysql
  dsn: "user:pass@tcp(127.0.0.1:3306)/workflow"
lock_store:
  backend: redis
  redis:
    addr: "10.0.0.1:6379"
log:
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := NewLoader().WithConfigFile(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "engine-a", cfg.Engine.EngineID)
	assert.Equal(t, 20*time.Second, cfg.Engine.LockDuration)
	assert.Equal(t, 4, cfg.Engine.MaxConcurrentNodes)
	assert.False(t, cfg.Lock.DegradedModeEnabled)
	assert.Equal(t, 3, cfg.Lock.CircuitBreakerThreshold)
	assert.Equal(t, StoreDriverMysql, cfg.Store.Driver)
	assert.Equal(t, "10.0.0.1:6379", cfg.LockStore.Redis.Addr)
	assert.Equal(t, "json", cfg.Log.Format)
	// 没写的保持默认
	assert.Equal(t, 2*time.Second, cfg.Engine.PollInterval)

	wf := cfg.Workflow()
	assert.Equal(t, cfg.Engine, wf.Engine)
	assert.Equal(t, cfg.Lock, wf.Lock)
}

func TestLoader_EnvOverride(t *testing.T) {
	t.Setenv("WORKFLOW_ENGINE_LOG_LEVEL", "debug")
	t.Setenv("WORKFLOW_ENGINE_ENGINE_ENGINE_ID", "engine-env")
	t.Setenv("WORKFLOW_ENGINE_LOCK_DEGRADED_MODE_ENABLED", "false")
	t.Setenv("WORKFLOW_ENGINE_REGISTRY_STRATEGY", "least_loaded")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "engine-env", cfg.Engine.EngineID)
	assert.False(t, cfg.Lock.DegradedModeEnabled)
	assert.Equal(t, "least_loaded", cfg.Registry.Strategy)
}

func TestLoader_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "unknown driver", content: "store:\n  driver: oracle\n"},
		{name: "unknown strategy", content: "registry:\n  strategy: random\n"},
		{name: "renewal check slower than threshold window", content: "engine:\n  lock_duration: 10s\nrenewal:\n  check_interval: 5s\n"},
		{name: "stale shorter than heartbeat", content: "registry:\n  heartbeat_interval: 10s\n  stale_after: 5s\n"},
		{name: "bad log level", content: "log:\n  level: verbose\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "engine.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))
			_, err := NewLoader().WithConfigFile(path).Load()
			assert.Error(t, err)
		})
	}
}
