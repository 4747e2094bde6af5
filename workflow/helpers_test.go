package workflow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDBSeq atomic.Int64

// newTestDB 每个测试一个独立的内存库, sqlite 只开一个连接
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:workflow_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, AutoMigrate(db))
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClock() *ManualClock {
	return NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
}

func noSleep(context.Context, time.Duration) error {
	return nil
}

// echoExecutor 把配置原样输出, 子节点额外带上 item 和 index
func echoExecutor() NodeExecutor {
	return ExecutorFunc(func(ctx context.Context, req *ExecutionRequest) (map[string]any, error) {
		out := orEmpty(deepCopyMap(req.Config))
		if req.IsChild {
			out["item"] = req.Item
			out["index"] = req.ChildIndex
		}
		return out, nil
	})
}

func newTestExecutors(t *testing.T) *ExecutorRegistry {
	t.Helper()
	executors := NewExecutorRegistry()
	require.NoError(t, executors.Register("echo", echoExecutor()))
	return executors
}

// newTestDefinitions 加载 yaml 定义, 任何一个加载失败测试直接失败
func newTestDefinitions(t *testing.T, executors *ExecutorRegistry, docs ...string) *DefinitionRegistry {
	t.Helper()
	definitions, err := NewDefinitionRegistry(executors)
	require.NoError(t, err)
	for _, doc := range docs {
		cfg, err := ParseDefinition([]byte(doc))
		require.NoError(t, err)
		_, err = definitions.Load(cfg)
		require.NoError(t, err)
	}
	return definitions
}
