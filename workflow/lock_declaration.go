package workflow

import (
	"context"
	"fmt"
	"time"
)

type LockType = string

// 锁类型只做记录和监控区分, 互斥只看 lockKey
const (
	LockTypeWorkflow LockType = "workflow"
	LockTypeNode     LockType = "node"
	LockTypeResource LockType = "resource"
)

// DistributedLock 锁记录快照
type DistributedLock struct {
	LockKey   string         `json:"lock_key"`
	Owner     string         `json:"owner"`
	LockType  LockType       `json:"lock_type"`
	ExpiresAt time.Time      `json:"expires_at"`
	CreatedAt time.Time      `json:"created_at"`
	Payload   map[string]any `json:"payload,omitempty"`
	// Degraded 为true说明这条记录来自本进程的降级锁表, 不是锁存储
	Degraded bool `json:"degraded"`
}

func (l *DistributedLock) IsExpired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// LockStore 锁存储, 每个方法都必须是原子的
// 同一个key最多只有一条未过期的记录, 只有owner能续约和释放
type LockStore interface {
	// TryAcquire key不存在/已过期/owner相同时写入并返回true, 否则返回false
	TryAcquire(ctx context.Context, key, owner string, lockType LockType, ttl time.Duration, payload map[string]any) (bool, error)
	// TryRenew owner相同且未过期时把过期时间设置为 now+ttl
	TryRenew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// TryRelease owner相同时删除
	TryRelease(ctx context.Context, key, owner string) (bool, error)
	// Read 不存在返回nil, 过期的记录也会返回
	Read(ctx context.Context, key string) (*DistributedLock, error)
	ForceDelete(ctx context.Context, key string) (bool, error)
	SweepExpired(ctx context.Context) (int64, error)
}

// LockLister 监控用, 列出所有锁
type LockLister interface {
	ListLocks(ctx context.Context) ([]*DistributedLock, error)
}

// LockManager 锁的对外接口, DistributedLockManager 和 FaultTolerantLockManager 都实现了它
type LockManager interface {
	AcquireLock(ctx context.Context, lockKey, owner string, lockType LockType, ttl time.Duration, payload map[string]any) (bool, error)
	RenewLock(ctx context.Context, lockKey, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey, owner string) (bool, error)
	// CheckLock 没有锁或者锁已过期返回nil
	CheckLock(ctx context.Context, lockKey string) (*DistributedLock, error)
	ForceReleaseLock(ctx context.Context, lockKey string) (bool, error)
	CleanupExpiredLocks(ctx context.Context) (int64, error)
}

func WorkflowLockKey(workflowInstanceID int64) string {
	return fmt.Sprintf("workflow:%d", workflowInstanceID)
}
