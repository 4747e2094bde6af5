package workflow

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"
)

// localLockStore 进程内的锁表, 只保证本进程内互斥
// 锁存储不可用时作为降级锁使用, 进程重启后自然清空
type localLockStore struct {
	mu    sync.Mutex
	locks map[string]*localLockInfo
	clock Clock
}

type localLockInfo struct {
	owner     string
	lockType  LockType
	expiresAt time.Time
	createdAt time.Time
	payload   map[string]any
}

func newLocalLockStore(clock Clock) *localLockStore {
	return &localLockStore{
		locks: make(map[string]*localLockInfo),
		clock: clockOrSystem(clock),
	}
}

// NewLocalLockStore 单进程部署或者测试使用
func NewLocalLockStore(clock Clock) LockStore {
	return newLocalLockStore(clock)
}

func (s *localLockStore) TryAcquire(_ context.Context, key, owner string, lockType LockType, ttl time.Duration, payload map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	info, ok := s.locks[key]
	if ok && info.owner != owner && now.Before(info.expiresAt) {
		return false, nil
	}
	createdAt := now
	if ok && info.owner == owner {
		createdAt = info.createdAt
	}
	s.locks[key] = &localLockInfo{
		owner:     owner,
		lockType:  lockType,
		expiresAt: now.Add(ttl),
		createdAt: createdAt,
		payload:   maps.Clone(payload),
	}
	return true, nil
}

func (s *localLockStore) TryRenew(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	info, ok := s.locks[key]
	if !ok || info.owner != owner || !now.Before(info.expiresAt) {
		return false, nil
	}
	info.expiresAt = now.Add(ttl)
	return true, nil
}

func (s *localLockStore) TryRelease(_ context.Context, key, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.locks[key]
	if !ok || info.owner != owner {
		return false, nil
	}
	delete(s.locks, key)
	return true, nil
}

func (s *localLockStore) Read(_ context.Context, key string) (*DistributedLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.locks[key]
	if !ok {
		return nil, nil
	}
	return info.toEntity(key), nil
}

func (s *localLockStore) ForceDelete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locks[key]; !ok {
		return false, nil
	}
	delete(s.locks, key)
	return true, nil
}

func (s *localLockStore) SweepExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	var count int64
	for key, info := range s.locks {
		if !now.Before(info.expiresAt) {
			delete(s.locks, key)
			count++
		}
	}
	return count, nil
}

func (s *localLockStore) ListLocks(_ context.Context) ([]*DistributedLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	locks := make([]*DistributedLock, 0, len(s.locks))
	for key, info := range s.locks {
		locks = append(locks, info.toEntity(key))
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].LockKey < locks[j].LockKey })
	return locks, nil
}

// drain 清空锁表并返回清空前 key -> owner
func (s *localLockStore) drain() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	owners := make(map[string]string, len(s.locks))
	for key, info := range s.locks {
		owners[key] = info.owner
	}
	s.locks = make(map[string]*localLockInfo)
	return owners
}

func (s *localLockStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

func (info *localLockInfo) toEntity(key string) *DistributedLock {
	return &DistributedLock{
		LockKey:   key,
		Owner:     info.owner,
		LockType:  info.lockType,
		ExpiresAt: info.expiresAt,
		CreatedAt: info.createdAt,
		Payload:   maps.Clone(info.payload),
	}
}
