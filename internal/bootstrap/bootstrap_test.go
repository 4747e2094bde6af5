package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/blingmoon/distributed-workflow/internal/commonregister"
	"github.com/blingmoon/distributed-workflow/internal/config"
	"github.com/blingmoon/distributed-workflow/internal/logging"
	"github.com/blingmoon/distributed-workflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Store.DSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	cfg.Definitions.Dir = t.TempDir()
	return cfg
}

func TestNew_Sqlite(t *testing.T) {
	cfg := testConfig(t)
	definition := `
id: greet
version: 2
nodes:
  - id: hello
    task:
      executor: shout
`
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Definitions.Dir, "greet.yaml"), []byte(definition), 0o600))

	shout := workflow.ExecutorFunc(func(_ context.Context, _ *workflow.ExecutionRequest) (map[string]any, error) {
		return map[string]any{"msg": "HELLO"}, nil
	})
	app, err := New(context.Background(), cfg,
		WithLogger(logging.NewNop()),
		WithExecutors(func(r *workflow.ExecutorRegistry) error { return r.Register("shout", shout) }))
	require.NoError(t, err)
	defer app.Close()

	assert.NotEmpty(t, app.Engine.ID())
	assert.Nil(t, app.Redis)

	def, err := app.Definitions.Latest("greet")
	require.NoError(t, err)
	assert.Equal(t, int64(2), def.Version)
	_, err = app.Definitions.Latest(commonregister.ApprovalWorkflowID)
	assert.NoError(t, err)
	_, err = app.Definitions.Latest(commonregister.OrderBatchWorkflowID)
	assert.NoError(t, err)

	// 表已经建好
	assert.True(t, app.DB.Migrator().HasTable(&workflow.WorkflowInstancePo{}))
	assert.True(t, app.DB.Migrator().HasTable(&workflow.DistributedLockPo{}))
	assert.True(t, app.DB.Migrator().HasTable(&workflow.EngineInstancePo{}))
}

func TestNew_UnknownExecutorInDefinition(t *testing.T) {
	cfg := testConfig(t)
	definition := "id: broken\nnodes:\n  - id: a\n    task:\n      executor: missing\n"
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Definitions.Dir, "broken.yaml"), []byte(definition), 0o600))

	_, err := New(context.Background(), cfg, WithLogger(logging.NewNop()))
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrExecutorNotFound)
}

func TestNew_RedisLockBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Definitions.Builtin = false
	cfg.Engine.EngineID = "engine-redis"
	cfg.LockStore.Backend = config.LockBackendRedis
	cfg.LockStore.Redis.Addr = mr.Addr()

	app, err := New(context.Background(), cfg, WithLogger(logging.NewNop()))
	require.NoError(t, err)
	defer app.Close()
	require.NotNil(t, app.Redis)
	assert.Equal(t, "engine-redis", app.Engine.ID())
	assert.Empty(t, app.Definitions.List())

	ok, err := app.Locks.AcquireLock(context.Background(), "workflow:1", "engine-redis", workflow.LockTypeWorkflow, cfg.Engine.LockDuration, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists(cfg.LockStore.Redis.Prefix+"workflow:1"))
}

func TestOpenDB_UnknownDriver(t *testing.T) {
	_, err := OpenDB(config.StoreConfig{Driver: "oracle", DSN: "x"})
	assert.Error(t, err)
}

func TestDefaultEngineID(t *testing.T) {
	a, b := defaultEngineID(), defaultEngineID()
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, fmt.Sprintf("-%d-", os.Getpid()))
}
