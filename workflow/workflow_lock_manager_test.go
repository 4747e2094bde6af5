package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type leaseFixture struct {
	clock   *ManualClock
	locks   *DistributedLockManager
	leases  *WorkflowLockManager
	metrics *Metrics

	mu   sync.Mutex
	lost []WorkflowLockInfo
}

func newLeaseFixture(t *testing.T, cfg RenewalConfig) *leaseFixture {
	t.Helper()
	clock := testClock()
	f := &leaseFixture{
		clock:   clock,
		locks:   NewDistributedLockManager(NewGormLockStore(newTestDB(t), clock), clock, testLogger()),
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	f.leases = NewWorkflowLockManager(f.locks, cfg, clock, testLogger(), f.metrics)
	f.leases.OnLockLost(func(info WorkflowLockInfo) {
		f.mu.Lock()
		f.lost = append(f.lost, info)
		f.mu.Unlock()
	})
	return f
}

func (f *leaseFixture) acquire(t *testing.T, id int64, owner string, d time.Duration) {
	t.Helper()
	ok, err := f.locks.AcquireLock(context.Background(), WorkflowLockKey(id), owner, LockTypeWorkflow, d, nil)
	require.NoError(t, err)
	require.True(t, ok)
	f.leases.RegisterWorkflowLock(id, WorkflowLockKey(id), owner, d)
}

func (f *leaseFixture) lostInfos() []WorkflowLockInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]WorkflowLockInfo{}, f.lost...)
}

func TestWorkflowLockManager_RenewalThreshold(t *testing.T) {
	cfg := DefaultRenewalConfig()
	f := newLeaseFixture(t, cfg)
	ctx := context.Background()
	f.acquire(t, 42, "engine-a", 10*time.Second)

	// 剩余 3000ms, 等于 10000*0.3, 不续约
	f.clock.Advance(7000 * time.Millisecond)
	assert.Equal(t, 0, f.leases.CheckAndRenew(ctx))

	// 剩余 2999ms, 续约
	f.clock.Advance(time.Millisecond)
	assert.Equal(t, 1, f.leases.CheckAndRenew(ctx))

	info, ok := f.leases.GetLockInfo(42)
	require.True(t, ok)
	assert.Equal(t, 1, info.RenewalCount)
	assert.Equal(t, f.clock.Now().Add(10*time.Second), info.ExpiresAt)
	assert.Equal(t, f.clock.Now(), info.LastRenewedAt)
	assert.True(t, info.IsActive)

	lock, err := f.locks.CheckLock(ctx, WorkflowLockKey(42))
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, f.clock.Now().Add(10*time.Second).UnixMilli(), lock.ExpiresAt.UnixMilli())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.leaseRenewals.WithLabelValues("ok")))
	assert.Empty(t, f.lostInfos())
}

func TestWorkflowLockManager_LostToAnotherEngine(t *testing.T) {
	f := newLeaseFixture(t, DefaultRenewalConfig())
	ctx := context.Background()
	f.acquire(t, 1, "engine-a", 10*time.Second)

	// 锁被强制释放后被另一个引擎拿走
	_, err := f.locks.ForceReleaseLock(ctx, WorkflowLockKey(1))
	require.NoError(t, err)
	ok, err := f.locks.AcquireLock(ctx, WorkflowLockKey(1), "engine-b", LockTypeWorkflow, 10*time.Second, nil)
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.Advance(8 * time.Second)
	assert.Equal(t, 0, f.leases.CheckAndRenew(ctx))
	assert.False(t, f.leases.IsLockActive(1))

	lost := f.lostInfos()
	require.Len(t, lost, 1)
	assert.Equal(t, int64(1), lost[0].WorkflowInstanceID)
	assert.Contains(t, lost[0].LostReason, "renew rejected")
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.leaseRenewals.WithLabelValues("rejected")))

	// 已经丢失的不会重复通知
	f.leases.CheckAndRenew(ctx)
	assert.Len(t, f.lostInfos(), 1)

	// 丢失的锁注销时不释放别人的锁
	require.NoError(t, f.leases.UnregisterWorkflowLock(ctx, 1))
	lock, err := f.locks.CheckLock(ctx, WorkflowLockKey(1))
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, "engine-b", lock.Owner)
}

func TestWorkflowLockManager_ExpiredBeforeCheck(t *testing.T) {
	f := newLeaseFixture(t, DefaultRenewalConfig())
	f.acquire(t, 2, "engine-a", 10*time.Second)

	f.clock.Advance(10 * time.Second)
	assert.Equal(t, 0, f.leases.CheckAndRenew(context.Background()))
	lost := f.lostInfos()
	require.Len(t, lost, 1)
	assert.Contains(t, lost[0].LostReason, "expired")
}

func TestWorkflowLockManager_MaxRenewals(t *testing.T) {
	cfg := DefaultRenewalConfig()
	cfg.MaxRenewals = 2
	f := newLeaseFixture(t, cfg)
	ctx := context.Background()
	f.acquire(t, 3, "engine-a", 10*time.Second)

	for i := 0; i < 2; i++ {
		f.clock.Advance(8 * time.Second)
		assert.Equal(t, 1, f.leases.CheckAndRenew(ctx))
	}
	// 达到上限后不再续约, 锁自然过期
	f.clock.Advance(8 * time.Second)
	assert.Equal(t, 0, f.leases.CheckAndRenew(ctx))
	info, _ := f.leases.GetLockInfo(3)
	assert.Equal(t, 2, info.RenewalCount)
	assert.True(t, info.IsActive)

	f.clock.Advance(2 * time.Second)
	f.leases.CheckAndRenew(ctx)
	assert.False(t, f.leases.IsLockActive(3))
	require.Len(t, f.lostInfos(), 1)
}

func TestWorkflowLockManager_UnregisterAndStop(t *testing.T) {
	f := newLeaseFixture(t, DefaultRenewalConfig())
	ctx := context.Background()
	f.acquire(t, 1, "engine-a", 10*time.Second)
	f.acquire(t, 2, "engine-a", 10*time.Second)
	f.acquire(t, 3, "engine-a", 10*time.Second)
	assert.Equal(t, float64(3), testutil.ToFloat64(f.metrics.activeLeases))

	require.NoError(t, f.leases.UnregisterWorkflowLock(ctx, 1))
	lock, err := f.locks.CheckLock(ctx, WorkflowLockKey(1))
	require.NoError(t, err)
	assert.Nil(t, lock)
	_, ok := f.leases.GetLockInfo(1)
	assert.False(t, ok)

	released, err := f.leases.ForceReleaseLock(ctx, 2)
	require.NoError(t, err)
	assert.True(t, released)

	infos := f.leases.ListLockInfos()
	require.Len(t, infos, 1)
	assert.Equal(t, int64(3), infos[0].WorkflowInstanceID)

	f.leases.Start(ctx)
	f.leases.Start(ctx)
	require.NoError(t, f.leases.StopRenewalProcess(ctx))
	lock, err = f.locks.CheckLock(ctx, WorkflowLockKey(3))
	require.NoError(t, err)
	assert.Nil(t, lock)
	assert.Empty(t, f.leases.ListLockInfos())
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.activeLeases))
}

func TestWorkflowLockManager_DefaultDuration(t *testing.T) {
	cfg := DefaultRenewalConfig()
	f := newLeaseFixture(t, cfg)
	info := f.leases.RegisterWorkflowLock(9, WorkflowLockKey(9), "engine-a", 0)
	assert.Equal(t, cfg.DefaultLockDuration, info.OriginalDuration)
	assert.Equal(t, cfg.MaxRenewals, info.MaxRenewals)
}

// 熔断打开期间续约走降级表, 工作流不会因为锁存储短暂不可用而停下
func TestWorkflowLockManager_RenewDuringBreakerOpen(t *testing.T) {
	clock := testClock()
	primary := newFlakyLockManager(clock)
	cfg := testFaultTolerantConfig()
	locks := NewFaultTolerantLockManager(primary, cfg, WithLockClock(clock), WithLockLogger(testLogger()), WithRetrySleeper(noSleep))
	leases := NewWorkflowLockManager(locks, DefaultRenewalConfig(), clock, testLogger(), nil)
	ctx := context.Background()

	ok, err := locks.AcquireLock(ctx, WorkflowLockKey(5), "engine-a", LockTypeWorkflow, 10*time.Second, nil)
	require.NoError(t, err)
	require.True(t, ok)
	leases.RegisterWorkflowLock(5, WorkflowLockKey(5), "engine-a", 10*time.Second)

	primary.setDown(errUnreachable)
	for i := 0; i < cfg.CircuitBreakerThreshold; i++ {
		_, _ = locks.CheckLock(ctx, "health")
	}
	require.Equal(t, BreakerOpen, locks.BreakerState())

	clock.Advance(8 * time.Second)
	assert.Equal(t, 1, leases.CheckAndRenew(ctx))
	assert.True(t, leases.IsLockActive(5))
	assert.Equal(t, 1, locks.Stats().DegradedLocks)
}
