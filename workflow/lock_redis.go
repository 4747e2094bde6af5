package workflow

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const defaultRedisLockPrefix = "workflow_lock:"

var (
	// KEYS[1]=key ARGV: owner, lock_type, ttl_ms, now_ms, expires_at_ms, payload
	redisAcquireScript = redis.NewScript(`
local owner = redis.call("HGET", KEYS[1], "owner")
if owner and owner ~= ARGV[1] then
    return 0
end
if not owner then
    redis.call("HSET", KEYS[1], "created_at", ARGV[4])
end
redis.call("HSET", KEYS[1], "owner", ARGV[1], "lock_type", ARGV[2], "expires_at", ARGV[5], "payload", ARGV[6])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)
	// KEYS[1]=key ARGV: owner, ttl_ms, expires_at_ms
	redisRenewScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "owner") == ARGV[1] then
    redis.call("HSET", KEYS[1], "expires_at", ARGV[3])
    redis.call("PEXPIRE", KEYS[1], ARGV[2])
    return 1
end
return 0
`)
	// KEYS[1]=key ARGV: owner
	redisReleaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "owner") == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)
)

type redisLockStore struct {
	redisClient redis.Cmdable
	prefix      string
	clock       Clock
}

// NewRedisLockStore 基于redis的锁存储, 过期交给redis的key过期处理
func NewRedisLockStore(redisClient redis.Cmdable, prefix string, clock Clock) LockStore {
	if prefix == "" {
		prefix = defaultRedisLockPrefix
	}
	return &redisLockStore{
		redisClient: redisClient,
		prefix:      prefix,
		clock:       clockOrSystem(clock),
	}
}

func (s *redisLockStore) redisKey(key string) string {
	return s.prefix + key
}

func ttlMillis(ttl time.Duration) int64 {
	ms := ttl.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	return ms
}

func (s *redisLockStore) TryAcquire(ctx context.Context, key, owner string, lockType LockType, ttl time.Duration, payload map[string]any) (bool, error) {
	payloadBytes, err := marshalPayload(payload)
	if err != nil {
		return false, err
	}
	now := s.clock.Now().UnixMilli()
	ttlMs := ttlMillis(ttl)
	reply, err := redisAcquireScript.Run(ctx, s.redisClient, []string{s.redisKey(key)},
		owner, lockType, ttlMs, now, now+ttlMs, string(payloadBytes)).Int64()
	if err != nil {
		return false, errors.WithMessage(err, "redis acquire script failed")
	}
	return reply == 1, nil
}

func (s *redisLockStore) TryRenew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ttlMs := ttlMillis(ttl)
	reply, err := redisRenewScript.Run(ctx, s.redisClient, []string{s.redisKey(key)},
		owner, ttlMs, s.clock.Now().UnixMilli()+ttlMs).Int64()
	if err != nil {
		return false, errors.WithMessage(err, "redis renew script failed")
	}
	return reply == 1, nil
}

func (s *redisLockStore) TryRelease(ctx context.Context, key, owner string) (bool, error) {
	reply, err := redisReleaseScript.Run(ctx, s.redisClient, []string{s.redisKey(key)}, owner).Int64()
	if err != nil {
		return false, errors.WithMessage(err, "redis release script failed")
	}
	return reply == 1, nil
}

func (s *redisLockStore) Read(ctx context.Context, key string) (*DistributedLock, error) {
	fields, err := s.redisClient.HGetAll(ctx, s.redisKey(key)).Result()
	if err != nil {
		return nil, errors.WithMessage(err, "redis read lock failed")
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return parseRedisLock(key, fields), nil
}

func parseRedisLock(key string, fields map[string]string) *DistributedLock {
	expiresAt, _ := strconv.ParseInt(fields["expires_at"], 10, 64)
	createdAt, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	lock := &DistributedLock{
		LockKey:   key,
		Owner:     fields["owner"],
		LockType:  fields["lock_type"],
		ExpiresAt: fromUnixMilli(expiresAt),
		CreatedAt: fromUnixMilli(createdAt),
	}
	if payload := fields["payload"]; payload != "" {
		lock.Payload = NewJSONContext([]byte(payload)).ToMap()
	}
	return lock
}

func (s *redisLockStore) ForceDelete(ctx context.Context, key string) (bool, error) {
	n, err := s.redisClient.Del(ctx, s.redisKey(key)).Result()
	if err != nil {
		return false, errors.WithMessage(err, "redis force delete lock failed")
	}
	return n > 0, nil
}

// SweepExpired redis会自己删除过期的key, 这里没有需要清理的
func (s *redisLockStore) SweepExpired(ctx context.Context) (int64, error) {
	return 0, nil
}

func (s *redisLockStore) ListLocks(ctx context.Context) ([]*DistributedLock, error) {
	locks := make([]*DistributedLock, 0)
	iter := s.redisClient.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		redisKey := iter.Val()
		fields, err := s.redisClient.HGetAll(ctx, redisKey).Result()
		if err != nil {
			return nil, errors.WithMessagef(err, "redis read lock failed, key: %s", redisKey)
		}
		if len(fields) == 0 {
			continue
		}
		locks = append(locks, parseRedisLock(redisKey[len(s.prefix):], fields))
	}
	if err := iter.Err(); err != nil {
		return nil, errors.WithMessage(err, "redis scan locks failed")
	}
	return locks, nil
}
