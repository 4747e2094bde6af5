package tests

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/blingmoon/distributed-workflow/internal/bootstrap"
	"github.com/blingmoon/distributed-workflow/internal/commonregister"
	"github.com/blingmoon/distributed-workflow/internal/config"
	"github.com/blingmoon/distributed-workflow/internal/logging"
	"github.com/blingmoon/distributed-workflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const waitTimeout = 10 * time.Second

// 一个步骤耗时的工作流, 用来观察接管
const handoverYAML = `
id: handover
nodes:
  - id: slow
    task:
      executor: sleep
      config:
        duration: 300ms
  - id: done
    depends_on: [slow]
    task:
      executor: echo
      config:
        status: done
`

const quickYAML = `
id: quick
nodes:
  - id: only
    task:
      executor: echo
`

func newSharedDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, workflow.AutoMigrate(db))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// newApp 在共享库上组装一个引擎, 数据库由 newSharedDB 负责关闭
func newApp(t *testing.T, db *gorm.DB, engineID string, definitions ...string) *bootstrap.App {
	t.Helper()
	cfg := config.Default()
	cfg.Store.AutoMigrate = false
	cfg.Definitions.Dir = t.TempDir()
	cfg.Engine.EngineID = engineID
	cfg.Engine.PollInterval = 50 * time.Millisecond
	cfg.Engine.TickInterval = 10 * time.Millisecond
	cfg.Engine.NodeTimeout = 5 * time.Second

	app, err := bootstrap.New(context.Background(), cfg,
		bootstrap.WithDB(db),
		bootstrap.WithLogger(logging.NewNop()))
	require.NoError(t, err)
	for _, raw := range definitions {
		def, err := workflow.ParseDefinition([]byte(raw))
		require.NoError(t, err)
		_, err = app.Definitions.Load(def)
		require.NoError(t, err)
	}
	t.Cleanup(func() { _ = app.Engine.Stop(context.Background()) })
	return app
}

func waitStatus(t *testing.T, app *bootstrap.App, id int64, status string) *workflow.WorkflowStatusView {
	t.Helper()
	var view *workflow.WorkflowStatusView
	require.Eventually(t, func() bool {
		v, err := app.Engine.GetWorkflowStatus(context.Background(), id)
		if err != nil {
			return false
		}
		view = v
		return v.Status == status
	}, waitTimeout, 10*time.Millisecond, "workflow %d never reached %s", id, status)
	return view
}

func waitNode(t *testing.T, app *bootstrap.App, id int64, nodeID, status string) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, err := app.Engine.GetWorkflowStatus(context.Background(), id)
		if err != nil {
			return false
		}
		for _, n := range v.Nodes {
			if n.NodeID == nodeID {
				return n.Status == status
			}
		}
		return false
	}, waitTimeout, 10*time.Millisecond, "node %s never reached %s", nodeID, status)
}

func nodeStatus(view *workflow.WorkflowStatusView) map[string]string {
	ret := make(map[string]string, len(view.Nodes))
	for _, n := range view.Nodes {
		ret[n.NodeID] = n.Status
	}
	return ret
}

func TestApprovalWorkflow(t *testing.T) {
	ctx := context.Background()
	app := newApp(t, newSharedDB(t), "engine-a")
	require.NoError(t, app.Engine.Start(ctx))

	// 输入不满足 input_schema 时不创建实例
	_, err := app.Engine.StartWorkflow(ctx, &workflow.StartWorkflowReq{
		DefinitionID: commonregister.ApprovalWorkflowID,
		Input:        map[string]any{"applicant": "li", "amount": 0},
	})
	assert.ErrorIs(t, err, workflow.ErrWorkflowInputInvalid)
	count, err := app.Engine.CountWorkflowInstance(ctx, &workflow.QueryWorkflowInstanceParams{})
	require.NoError(t, err)
	assert.Zero(t, count)

	tests := []struct {
		name     string
		approved bool
		want     map[string]string
	}{
		{
			name:     "approved",
			approved: true,
			want:     map[string]string{"approve": workflow.NodeInstanceStatusCompleted, "reject": workflow.NodeInstanceStatusSkipped},
		},
		{
			name:     "rejected",
			approved: false,
			want:     map[string]string{"approve": workflow.NodeInstanceStatusSkipped, "reject": workflow.NodeInstanceStatusCompleted},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := app.Engine.StartWorkflow(ctx, &workflow.StartWorkflowReq{
				DefinitionID: commonregister.ApprovalWorkflowID,
				BusinessID:   "EXPENSE-" + tt.name,
				Input:        map[string]any{"applicant": "li", "amount": 300},
			})
			require.NoError(t, err)

			waitNode(t, app, id, "review", workflow.NodeInstanceStatusRunning)
			view, err := app.Engine.GetWorkflowStatus(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, workflow.WorkflowInstanceStatusRunning, view.Status)
			assert.Equal(t, "engine-a", view.LockOwner)

			require.NoError(t, app.Engine.SignalNode(ctx, &workflow.SignalNodeReq{
				WorkflowInstanceID: id,
				NodeID:             "review",
				Data:               map[string]any{"approved": tt.approved},
			}))
			view = waitStatus(t, app, id, workflow.WorkflowInstanceStatusCompleted)
			got := nodeStatus(view)
			for node, status := range tt.want {
				assert.Equal(t, status, got[node], node)
			}
			assert.Empty(t, view.LockOwner)
		})
	}
}

func TestOrderBatchWorkflow(t *testing.T) {
	ctx := context.Background()
	app := newApp(t, newSharedDB(t), "engine-a")
	require.NoError(t, app.Engine.Start(ctx))

	orders := []any{
		map[string]any{"id": "O-1"},
		map[string]any{"id": "O-2"},
		map[string]any{"id": "O-3"},
	}
	id, err := app.Engine.StartWorkflow(ctx, &workflow.StartWorkflowReq{
		DefinitionID: commonregister.OrderBatchWorkflowID,
		Input:        map[string]any{"orders": orders},
	})
	require.NoError(t, err)
	view := waitStatus(t, app, id, workflow.WorkflowInstanceStatusCompleted)

	for _, n := range view.Nodes {
		switch n.NodeID {
		case "process":
			assert.Equal(t, workflow.NodeInstanceStatusCompleted, n.Status)
			assert.Equal(t, 3, n.Children)
		case "notify":
			assert.Equal(t, workflow.NodeInstanceStatusCompleted, n.Status)
			assert.Equal(t, 2, n.Children)
		}
	}
	assert.Equal(t, 100.0, view.Progress.Percent)
}

func TestMultipleEngines_ShareWork(t *testing.T) {
	ctx := context.Background()
	db := newSharedDB(t)
	a := newApp(t, db, "engine-a", quickYAML)
	b := newApp(t, db, "engine-b", quickYAML)
	require.NoError(t, a.Engine.Start(ctx))
	require.NoError(t, b.Engine.Start(ctx))

	engines, err := a.Registry.ListLiveEngines(ctx)
	require.NoError(t, err)
	require.Len(t, engines, 2)

	ids := make([]int64, 0, 6)
	for i := 0; i < 6; i++ {
		id, err := a.Engine.StartWorkflow(ctx, &workflow.StartWorkflowReq{
			DefinitionID: "quick",
			BusinessID:   fmt.Sprintf("quick-%d", i),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	assigned := make(map[string]int)
	for _, id := range ids {
		// 任意一个引擎都能查询
		view := waitStatus(t, b, id, workflow.WorkflowInstanceStatusCompleted)
		assigned[view.AssignedEngineID]++
	}
	// 轮询分配, 两个引擎各一半
	assert.Equal(t, map[string]int{"engine-a": 3, "engine-b": 3}, assigned)

	snapshot, err := a.Monitor.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snapshot.Engines, 2)
}

func TestEngineStop_HandsOverWorkflow(t *testing.T) {
	ctx := context.Background()
	db := newSharedDB(t)
	a := newApp(t, db, "engine-a", handoverYAML)
	b := newApp(t, db, "engine-b", handoverYAML)
	require.NoError(t, a.Engine.Start(ctx))

	// b 还没启动, 新工作流只会分配给 a
	id, err := a.Engine.StartWorkflow(ctx, &workflow.StartWorkflowReq{DefinitionID: "handover"})
	require.NoError(t, err)
	waitNode(t, a, id, "slow", workflow.NodeInstanceStatusRunning)

	require.NoError(t, b.Engine.Start(ctx))
	view, err := b.Engine.GetWorkflowStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "engine-a", view.LockOwner)

	// a 退出时释放锁并注销, b 的轮询接手并重新执行 slow
	require.NoError(t, a.Engine.Stop(ctx))
	live, err := b.Registry.IsLive(ctx, "engine-a")
	require.NoError(t, err)
	assert.False(t, live)

	view = waitStatus(t, b, id, workflow.WorkflowInstanceStatusCompleted)
	assert.Equal(t, workflow.NodeInstanceStatusCompleted, nodeStatus(view)["done"])
	// 认领时改为接手的引擎
	assert.Equal(t, "engine-b", view.AssignedEngineID)
	assert.Zero(t, a.Engine.ActiveWorkflows())
}

func TestCancelAcrossEngines(t *testing.T) {
	ctx := context.Background()
	db := newSharedDB(t)
	a := newApp(t, db, "engine-a", handoverYAML)
	b := newApp(t, db, "engine-b", handoverYAML)
	require.NoError(t, a.Engine.Start(ctx))

	id, err := a.Engine.StartWorkflow(ctx, &workflow.StartWorkflowReq{DefinitionID: "handover"})
	require.NoError(t, err)
	waitNode(t, a, id, "slow", workflow.NodeInstanceStatusRunning)

	// b 没有推进这个工作流, 也可以取消
	cancelled, err := b.Engine.CancelWorkflow(ctx, id)
	require.NoError(t, err)
	assert.True(t, cancelled)

	view := waitStatus(t, a, id, workflow.WorkflowInstanceStatusCancelled)
	assert.NotEqual(t, workflow.NodeInstanceStatusCompleted, nodeStatus(view)["done"])
	require.Eventually(t, func() bool { return a.Engine.ActiveWorkflows() == 0 }, waitTimeout, 10*time.Millisecond)

	cancelled, err = b.Engine.CancelWorkflow(ctx, id)
	require.NoError(t, err)
	assert.False(t, cancelled)
}
