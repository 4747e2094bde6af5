package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
)

// DistributedLockManager 直接基于 LockStore 的锁, 没有任何容错
type DistributedLockManager struct {
	store  LockStore
	clock  Clock
	logger *slog.Logger
}

func NewDistributedLockManager(store LockStore, clock Clock, logger *slog.Logger) *DistributedLockManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &DistributedLockManager{
		store:  store,
		clock:  clockOrSystem(clock),
		logger: logger,
	}
}

func checkLockArgs(lockKey, owner string, ttl time.Duration, needTTL bool) error {
	if lockKey == "" {
		return errors.WithMessage(ErrLockParamInvalid, "empty lock key")
	}
	if owner == "" {
		return errors.WithMessagef(ErrLockParamInvalid, "empty owner, lockKey: %s", lockKey)
	}
	if needTTL && ttl <= 0 {
		return errors.WithMessagef(ErrLockParamInvalid, "ttl must be positive, lockKey: %s, ttl: %s", lockKey, ttl)
	}
	return nil
}

func (m *DistributedLockManager) AcquireLock(ctx context.Context, lockKey, owner string, lockType LockType, ttl time.Duration, payload map[string]any) (bool, error) {
	if err := checkLockArgs(lockKey, owner, ttl, true); err != nil {
		return false, err
	}
	switch lockType {
	case "":
		lockType = LockTypeResource
	case LockTypeWorkflow, LockTypeNode, LockTypeResource:
	default:
		return false, errors.WithMessagef(ErrLockParamInvalid, "unknown lock type %q, lockKey: %s", lockType, lockKey)
	}
	ok, err := m.store.TryAcquire(ctx, lockKey, owner, lockType, ttl, payload)
	if err != nil {
		return false, errors.WithMessagef(err, "acquire lock failed, lockKey: %s, owner: %s", lockKey, owner)
	}
	if ok {
		m.logger.DebugContext(ctx, "lock acquired", slog.String("lock_key", lockKey), slog.String("owner", owner), slog.Duration("ttl", ttl))
	}
	return ok, nil
}

func (m *DistributedLockManager) RenewLock(ctx context.Context, lockKey, owner string, ttl time.Duration) (bool, error) {
	if err := checkLockArgs(lockKey, owner, ttl, true); err != nil {
		return false, err
	}
	ok, err := m.store.TryRenew(ctx, lockKey, owner, ttl)
	if err != nil {
		return false, errors.WithMessagef(err, "renew lock failed, lockKey: %s, owner: %s", lockKey, owner)
	}
	return ok, nil
}

func (m *DistributedLockManager) ReleaseLock(ctx context.Context, lockKey, owner string) (bool, error) {
	if err := checkLockArgs(lockKey, owner, 0, false); err != nil {
		return false, err
	}
	ok, err := m.store.TryRelease(ctx, lockKey, owner)
	if err != nil {
		return false, errors.WithMessagef(err, "release lock failed, lockKey: %s, owner: %s", lockKey, owner)
	}
	return ok, nil
}

func (m *DistributedLockManager) CheckLock(ctx context.Context, lockKey string) (*DistributedLock, error) {
	if lockKey == "" {
		return nil, errors.WithMessage(ErrLockParamInvalid, "empty lock key")
	}
	lock, err := m.store.Read(ctx, lockKey)
	if err != nil {
		return nil, errors.WithMessagef(err, "read lock failed, lockKey: %s", lockKey)
	}
	if lock == nil || lock.IsExpired(m.clock.Now()) {
		return nil, nil
	}
	return lock, nil
}

func (m *DistributedLockManager) ForceReleaseLock(ctx context.Context, lockKey string) (bool, error) {
	if lockKey == "" {
		return false, errors.WithMessage(ErrLockParamInvalid, "empty lock key")
	}
	ok, err := m.store.ForceDelete(ctx, lockKey)
	if err != nil {
		return false, errors.WithMessagef(err, "force release lock failed, lockKey: %s", lockKey)
	}
	if ok {
		m.logger.WarnContext(ctx, "lock force released", slog.String("lock_key", lockKey))
	}
	return ok, nil
}

func (m *DistributedLockManager) CleanupExpiredLocks(ctx context.Context) (int64, error) {
	count, err := m.store.SweepExpired(ctx)
	if err != nil {
		return 0, errors.WithMessage(err, "sweep expired locks failed")
	}
	if count > 0 {
		m.logger.InfoContext(ctx, "expired locks swept", slog.Int64("count", count))
	}
	return count, nil
}

// ListLocks 存储支持列出时返回所有锁, 否则返回nil
func (m *DistributedLockManager) ListLocks(ctx context.Context) ([]*DistributedLock, error) {
	lister, ok := m.store.(LockLister)
	if !ok {
		return nil, nil
	}
	locks, err := lister.ListLocks(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "list locks failed")
	}
	return locks, nil
}
