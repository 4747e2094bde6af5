package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DistributedLockPo 锁表, lock_key 唯一
type DistributedLockPo struct {
	LockKey   string `gorm:"column:lock_key;primaryKey;size:191" json:"lock_key"`
	Owner     string `gorm:"column:owner;size:191" json:"owner"`
	LockType  string `gorm:"column:lock_type;size:32" json:"lock_type"`
	ExpiresAt int64  `gorm:"column:expires_at;index" json:"expires_at"` // 毫秒
	Payload   []byte `gorm:"column:payload" json:"payload"`
	CreatedAt int64  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt int64  `gorm:"column:updated_at" json:"updated_at"`
}

func (DistributedLockPo) TableName() string {
	return "distributed_lock"
}

func (po *DistributedLockPo) toEntity() *DistributedLock {
	lock := &DistributedLock{
		LockKey:   po.LockKey,
		Owner:     po.Owner,
		LockType:  po.LockType,
		ExpiresAt: fromUnixMilli(po.ExpiresAt),
		CreatedAt: fromUnixMilli(po.CreatedAt),
	}
	if len(po.Payload) > 0 {
		lock.Payload = NewJSONContext(po.Payload).ToMap()
	}
	return lock
}

type gormLockStore struct {
	db    *gorm.DB
	clock Clock
}

// NewGormLockStore 基于关系型数据库的锁存储, 依赖单行update的原子性实现CAS
func NewGormLockStore(db *gorm.DB, clock Clock) LockStore {
	return &gormLockStore{
		db:    db,
		clock: clockOrSystem(clock),
	}
}

func marshalPayload(payload map[string]any) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.WithMessage(err, "marshal lock payload failed")
	}
	return b, nil
}

func (s *gormLockStore) TryAcquire(ctx context.Context, key, owner string, lockType LockType, ttl time.Duration, payload map[string]any) (bool, error) {
	payloadBytes, err := marshalPayload(payload)
	if err != nil {
		return false, err
	}
	now := s.clock.Now().UnixMilli()
	expiresAt := now + ttl.Milliseconds()
	db := s.db.WithContext(ctx)
	// 1. 抢占已过期的锁或者重入自己的锁
	// created_at 排在 owner 前面, mysql 按顺序赋值时 CASE 看到的还是旧的 owner
	res := db.Model(&DistributedLockPo{}).
		Where("lock_key = ? AND (expires_at <= ? OR owner = ?)", key, now, owner).
		Updates(map[string]any{
			"created_at": gorm.Expr("CASE WHEN owner = ? THEN created_at ELSE ? END", owner, now),
			"expires_at": expiresAt,
			"lock_type":  lockType,
			"owner":      owner,
			"payload":    payloadBytes,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, errors.WithMessage(res.Error, "update expired lock failed")
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	// 2. 不存在时插入, 唯一键冲突说明别人持有
	po := &DistributedLockPo{
		LockKey:   key,
		Owner:     owner,
		LockType:  lockType,
		ExpiresAt: expiresAt,
		Payload:   payloadBytes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	res = db.Clauses(clause.OnConflict{DoNothing: true}).Create(po)
	if res.Error != nil {
		return false, errors.WithMessage(res.Error, "insert lock failed")
	}
	return res.RowsAffected > 0, nil
}

func (s *gormLockStore) TryRenew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.clock.Now().UnixMilli()
	res := s.db.WithContext(ctx).Model(&DistributedLockPo{}).
		Where("lock_key = ? AND owner = ? AND expires_at > ?", key, owner, now).
		Updates(map[string]any{
			"expires_at": now + ttl.Milliseconds(),
			"updated_at": now,
		})
	if res.Error != nil {
		return false, errors.WithMessage(res.Error, "renew lock failed")
	}
	return res.RowsAffected > 0, nil
}

func (s *gormLockStore) TryRelease(ctx context.Context, key, owner string) (bool, error) {
	res := s.db.WithContext(ctx).Where("lock_key = ? AND owner = ?", key, owner).Delete(&DistributedLockPo{})
	if res.Error != nil {
		return false, errors.WithMessage(res.Error, "release lock failed")
	}
	return res.RowsAffected > 0, nil
}

func (s *gormLockStore) Read(ctx context.Context, key string) (*DistributedLock, error) {
	pos := make([]*DistributedLockPo, 0, 1)
	if err := s.db.WithContext(ctx).Where("lock_key = ?", key).Limit(1).Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "read lock failed")
	}
	if len(pos) == 0 {
		return nil, nil
	}
	return pos[0].toEntity(), nil
}

func (s *gormLockStore) ForceDelete(ctx context.Context, key string) (bool, error) {
	res := s.db.WithContext(ctx).Where("lock_key = ?", key).Delete(&DistributedLockPo{})
	if res.Error != nil {
		return false, errors.WithMessage(res.Error, "force delete lock failed")
	}
	return res.RowsAffected > 0, nil
}

func (s *gormLockStore) SweepExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", s.clock.Now().UnixMilli()).Delete(&DistributedLockPo{})
	if res.Error != nil {
		return 0, errors.WithMessage(res.Error, "sweep expired locks failed")
	}
	return res.RowsAffected, nil
}

func (s *gormLockStore) ListLocks(ctx context.Context) ([]*DistributedLock, error) {
	pos := make([]*DistributedLockPo, 0)
	if err := s.db.WithContext(ctx).Order("lock_key asc").Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "list locks failed")
	}
	locks := make([]*DistributedLock, 0, len(pos))
	for _, po := range pos {
		locks = append(locks, po.toEntity())
	}
	return locks, nil
}
