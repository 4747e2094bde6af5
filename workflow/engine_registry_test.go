package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestRegistry(t *testing.T, db *gorm.DB, clock *ManualClock, engineID string, cfg EngineRegistryConfig) *EngineRegistry {
	t.Helper()
	registry, err := NewEngineRegistry(db, engineID, cfg, clock, testLogger())
	require.NoError(t, err)
	registry.SetLoadSampler(func(context.Context) SystemLoad { return SystemLoad{CPUPercent: 10, MemPercent: 20} })
	return registry
}

func TestEngineRegistry_HeartbeatAndStale(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	clock := testClock()
	a := newTestRegistry(t, db, clock, "engine-a", DefaultEngineRegistryConfig())
	b := newTestRegistry(t, db, clock, "engine-b", DefaultEngineRegistryConfig())
	a.TrackLoad(func() int { return 3 })

	require.NoError(t, a.Register(ctx))
	require.NoError(t, b.Register(ctx))

	engines, err := a.ListEngines(ctx)
	require.NoError(t, err)
	require.Len(t, engines, 2)
	assert.Equal(t, "engine-a", engines[0].EngineID)
	assert.True(t, engines[0].Live)
	assert.Equal(t, int64(3), engines[0].ActiveWorkflows)
	assert.Equal(t, 10.0, engines[0].CPUPercent)
	assert.Equal(t, 20.0, engines[0].MemPercent)
	assert.Equal(t, clock.Now().UnixMilli(), engines[0].StartedAt)

	// engine-b 停止心跳, 超过 stale_after 之后不再存活
	clock.Advance(20 * time.Second)
	require.NoError(t, a.Heartbeat(ctx))
	clock.Advance(10 * time.Second)
	live, err := a.IsLive(ctx, "engine-b")
	require.NoError(t, err)
	assert.False(t, live)
	live, err = b.IsLive(ctx, "engine-a")
	require.NoError(t, err)
	assert.True(t, live)
	live, err = a.IsLive(ctx, "engine-x")
	require.NoError(t, err)
	assert.False(t, live)

	liveEngines, err := a.ListLiveEngines(ctx)
	require.NoError(t, err)
	require.Len(t, liveEngines, 1)
	assert.Equal(t, "engine-a", liveEngines[0].EngineID)
	assert.Equal(t, (10 * time.Second).Milliseconds(), liveEngines[0].HeartbeatAgeMs)

	marked, err := a.MarkStaleEngines(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), marked)
	engines, err = a.ListEngines(ctx)
	require.NoError(t, err)
	assert.Equal(t, EngineStatusStale, engines[1].Status)

	// 心跳恢复后重新变成 active
	require.NoError(t, b.Heartbeat(ctx))
	live, err = a.IsLive(ctx, "engine-b")
	require.NoError(t, err)
	assert.True(t, live)
}

func TestEngineRegistry_HeartbeatReRegisters(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	clock := testClock()
	a := newTestRegistry(t, db, clock, "engine-a", DefaultEngineRegistryConfig())

	require.NoError(t, a.Register(ctx))
	require.NoError(t, db.Where("engine_id = ?", "engine-a").Delete(&EngineInstancePo{}).Error)

	require.NoError(t, a.Heartbeat(ctx))
	engines, err := a.ListEngines(ctx)
	require.NoError(t, err)
	require.Len(t, engines, 1)
	assert.Equal(t, EngineStatusActive, engines[0].Status)
}

func TestEngineRegistry_SelectEngine(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	clock := testClock()
	a := newTestRegistry(t, db, clock, "engine-a", DefaultEngineRegistryConfig())

	_, err := a.SelectEngine(ctx)
	assert.ErrorIs(t, err, ErrNoEngineAvailable)

	b := newTestRegistry(t, db, clock, "engine-b", DefaultEngineRegistryConfig())
	require.NoError(t, a.Register(ctx))
	require.NoError(t, b.Register(ctx))

	picked := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		id, err := a.SelectEngine(ctx)
		require.NoError(t, err)
		picked = append(picked, id)
	}
	assert.Equal(t, []string{"engine-a", "engine-b", "engine-a"}, picked)

	cfg := DefaultEngineRegistryConfig()
	cfg.Strategy = SelectStrategyLeastLoaded
	selector := newTestRegistry(t, db, clock, "engine-a", cfg)
	a.TrackLoad(func() int { return 5 })
	b.TrackLoad(func() int { return 1 })
	require.NoError(t, a.Heartbeat(ctx))
	require.NoError(t, b.Heartbeat(ctx))
	id, err := selector.SelectEngine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "engine-b", id)

	// 工作流数量相同时比较 cpu
	a.TrackLoad(func() int { return 1 })
	a.SetLoadSampler(func(context.Context) SystemLoad { return SystemLoad{CPUPercent: 5} })
	require.NoError(t, a.Heartbeat(ctx))
	id, err = selector.SelectEngine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "engine-a", id)
}

func TestEngineRegistry_StartStop(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	clock := testClock()
	cfg := DefaultEngineRegistryConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	a := newTestRegistry(t, db, clock, "engine-a", cfg)

	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.Start(ctx))
	live, err := a.IsLive(ctx, "engine-a")
	require.NoError(t, err)
	assert.True(t, live)

	// 心跳循环使用注册表的时钟
	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		engines, err := a.ListEngines(ctx)
		return err == nil && len(engines) == 1 && engines[0].HeartbeatAt == clock.Now().UnixMilli()
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Stop(ctx))
	require.NoError(t, a.Stop(ctx))
	engines, err := a.ListEngines(ctx)
	require.NoError(t, err)
	require.Len(t, engines, 1)
	assert.Equal(t, EngineStatusStopped, engines[0].Status)
	assert.False(t, engines[0].Live)
	assert.Zero(t, engines[0].ActiveWorkflows)
}

func TestNewEngineRegistry_Invalid(t *testing.T) {
	db := newTestDB(t)
	_, err := NewEngineRegistry(nil, "engine-a", DefaultEngineRegistryConfig(), nil, nil)
	assert.ErrorIs(t, err, ErrWorkflowParamInvalid)
	_, err = NewEngineRegistry(db, "", DefaultEngineRegistryConfig(), nil, nil)
	assert.ErrorIs(t, err, ErrWorkflowParamInvalid)

	cfg := DefaultEngineRegistryConfig()
	cfg.Strategy = "random"
	_, err = NewEngineRegistry(db, "engine-a", cfg, nil, nil)
	assert.ErrorIs(t, err, ErrWorkflowParamInvalid)

	registry, err := NewEngineRegistry(db, "engine-a", DefaultEngineRegistryConfig(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "engine-a", registry.EngineID())
}
