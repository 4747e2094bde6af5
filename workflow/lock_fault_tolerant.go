package workflow

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// FaultTolerantLockConfig 容错锁配置
type FaultTolerantLockConfig struct {
	// MaxRetries 可重试错误的最大重试次数, 总调用次数是 MaxRetries+1
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries" validate:"gte=0"`
	BaseRetryDelay time.Duration `mapstructure:"base_retry_delay" yaml:"base_retry_delay" validate:"gte=0"`
	MaxRetryDelay  time.Duration `mapstructure:"max_retry_delay" yaml:"max_retry_delay" validate:"gte=0"`
	// CircuitBreakerThreshold 连续失败多少次打开熔断
	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold" yaml:"circuit_breaker_threshold" validate:"gt=0"`
	CircuitBreakerTimeout   time.Duration `mapstructure:"circuit_breaker_timeout" yaml:"circuit_breaker_timeout" validate:"gt=0"`
	// DegradedModeEnabled 为false时, 熔断打开或者存储不可达直接返回 ErrLockBackendUnavailable
	DegradedModeEnabled bool `mapstructure:"degraded_mode_enabled" yaml:"degraded_mode_enabled"`
}

func DefaultFaultTolerantLockConfig() FaultTolerantLockConfig {
	return FaultTolerantLockConfig{
		MaxRetries:              3,
		BaseRetryDelay:          100 * time.Millisecond,
		MaxRetryDelay:           2 * time.Second,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   30 * time.Second,
		DegradedModeEnabled:     true,
	}
}

// BreakerTransition 熔断器状态变化事件
type BreakerTransition struct {
	From                BreakerState
	To                  BreakerState
	ConsecutiveFailures int
	At                  time.Time
}

// FaultTolerantLockStats 监控用的统计
type FaultTolerantLockStats struct {
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	OpenedAt            time.Time    `json:"opened_at,omitempty"`
	DegradedLocks       int          `json:"degraded_locks"`
	RealOperations      int64        `json:"real_operations"`
	DegradedOperations  int64        `json:"degraded_operations"`
	Promotions          int64        `json:"promotions"`
	PendingPromotions   int          `json:"pending_promotions"`
}

// FaultTolerantLockManager 在 LockManager 外面加上重试/熔断/降级
// 降级锁只在本进程内互斥, 每次降级拿到锁都记为待提升,
// 之后续约走到真实存储时重新CAS获取, 成功后清掉降级表里的记录.
// 熔断关闭时整个降级锁表被丢弃
type FaultTolerantLockManager struct {
	primary  LockManager
	degraded *localLockStore
	local    *DistributedLockManager
	cfg      FaultTolerantLockConfig
	clock    Clock
	logger   *slog.Logger
	metrics  *Metrics
	sleep    func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	breaker     CircuitBreaker
	promotable  map[string]string // lockKey -> owner
	listeners   []func(BreakerTransition)
	realOps     atomic.Int64
	degradedOps atomic.Int64
	promotions  atomic.Int64
}

type FaultTolerantLockOption func(*FaultTolerantLockManager)

func WithLockClock(clock Clock) FaultTolerantLockOption {
	return func(m *FaultTolerantLockManager) {
		m.clock = clockOrSystem(clock)
	}
}

func WithLockLogger(logger *slog.Logger) FaultTolerantLockOption {
	return func(m *FaultTolerantLockManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithLockMetrics(metrics *Metrics) FaultTolerantLockOption {
	return func(m *FaultTolerantLockManager) {
		m.metrics = metrics
	}
}

// WithRetrySleeper 替换重试等待, 测试里用来跳过真实的sleep
func WithRetrySleeper(sleep func(ctx context.Context, d time.Duration) error) FaultTolerantLockOption {
	return func(m *FaultTolerantLockManager) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

func NewFaultTolerantLockManager(primary LockManager, cfg FaultTolerantLockConfig, opts ...FaultTolerantLockOption) *FaultTolerantLockManager {
	m := &FaultTolerantLockManager{
		primary:    primary,
		cfg:        cfg,
		clock:      systemClock{},
		logger:     slog.Default(),
		sleep:      sleepContext,
		promotable: make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.degraded = newLocalLockStore(m.clock)
	m.local = NewDistributedLockManager(m.degraded, m.clock, m.logger)
	return m
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// OnBreakerTransition 注册熔断器状态变化回调, 回调在锁外同步执行
func (m *FaultTolerantLockManager) OnBreakerTransition(fn func(BreakerTransition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *FaultTolerantLockManager) settings() BreakerSettings {
	return BreakerSettings{
		Threshold: m.cfg.CircuitBreakerThreshold,
		Timeout:   m.cfg.CircuitBreakerTimeout,
	}
}

// retryDelay base*2^attempt, 不超过 MaxRetryDelay
func (m *FaultTolerantLockManager) retryDelay(attempt int) time.Duration {
	if m.cfg.BaseRetryDelay <= 0 {
		return 0
	}
	delay := m.cfg.BaseRetryDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if m.cfg.MaxRetryDelay > 0 && delay >= m.cfg.MaxRetryDelay {
			return m.cfg.MaxRetryDelay
		}
	}
	if m.cfg.MaxRetryDelay > 0 && delay > m.cfg.MaxRetryDelay {
		return m.cfg.MaxRetryDelay
	}
	return delay
}

// route 决定本次调用是否走真实存储
func (m *FaultTolerantLockManager) route(ctx context.Context) bool {
	m.mu.Lock()
	prev := m.breaker
	next, useReal := prev.Route(m.clock.Now(), m.settings())
	m.breaker = next
	listeners := m.transitionLocked(ctx, prev, next)
	m.mu.Unlock()
	m.notify(listeners, prev, next)
	return useReal
}

func (m *FaultTolerantLockManager) recordSuccess(ctx context.Context) {
	m.mu.Lock()
	prev := m.breaker
	next := prev.Success()
	m.breaker = next
	listeners := m.transitionLocked(ctx, prev, next)
	m.mu.Unlock()
	m.notify(listeners, prev, next)
}

func (m *FaultTolerantLockManager) recordFailure(ctx context.Context, err error) {
	m.mu.Lock()
	prev := m.breaker
	next := prev.Failure(m.clock.Now(), m.settings())
	m.breaker = next
	listeners := m.transitionLocked(ctx, prev, next)
	m.mu.Unlock()
	m.notify(listeners, prev, next)
	m.logger.WarnContext(ctx, "lock backend call failed",
		slog.String("state", next.State.String()),
		slog.Int("consecutive_failures", next.ConsecutiveFailures),
		slog.String("class", ClassifyLockError(err).String()),
		slog.Any("error", err))
}

// transitionLocked 持有 m.mu 调用, 状态真正变化时记录日志并返回需要通知的回调
func (m *FaultTolerantLockManager) transitionLocked(ctx context.Context, prev, next CircuitBreaker) []func(BreakerTransition) {
	if prev.State == next.State {
		return nil
	}
	attrs := []any{
		slog.String("from", prev.State.String()),
		slog.String("to", next.State.String()),
		slog.Int("consecutive_failures", next.ConsecutiveFailures),
	}
	switch next.State {
	case BreakerOpen:
		m.logger.ErrorContext(ctx, "lock circuit breaker opened, lock calls go to degraded mode", attrs...)
	case BreakerHalfOpen:
		m.logger.WarnContext(ctx, "lock circuit breaker half-open, trying lock backend", attrs...)
	case BreakerClosed:
		// 真实存储恢复, 丢弃降级锁表
		abandoned := m.degraded.drain()
		for key, owner := range abandoned {
			m.promotable[key] = owner
		}
		attrs = append(attrs, slog.Int("abandoned_degraded_locks", len(abandoned)))
		m.logger.WarnContext(ctx, "lock circuit breaker closed, degraded lock map abandoned", attrs...)
		m.metrics.setDegradedLocks(0)
	}
	m.metrics.breakerTransition(prev.State, next.State)
	if len(m.listeners) == 0 {
		return nil
	}
	return append([]func(BreakerTransition){}, m.listeners...)
}

func (m *FaultTolerantLockManager) notify(listeners []func(BreakerTransition), prev, next CircuitBreaker) {
	if len(listeners) == 0 {
		return
	}
	event := BreakerTransition{
		From:                prev.State,
		To:                  next.State,
		ConsecutiveFailures: next.ConsecutiveFailures,
		At:                  m.clock.Now(),
	}
	for _, fn := range listeners {
		fn(event)
	}
}

// withRetry 只重试可重试错误, 不可重试错误立即返回
func (m *FaultTolerantLockManager) withRetry(ctx context.Context, op, lockKey string, fn func(ctx context.Context) (bool, error)) (bool, error) {
	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		ok, err := fn(ctx)
		if err == nil {
			return ok, nil
		}
		lastErr = err
		if !IsRetryableLockError(err) {
			return false, err
		}
		if attempt == m.cfg.MaxRetries {
			break
		}
		delay := m.retryDelay(attempt)
		m.logger.DebugContext(ctx, "lock operation failed, retrying",
			slog.String("op", op),
			slog.String("lock_key", lockKey),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		if err := m.sleep(ctx, delay); err != nil {
			return false, errors.WithMessagef(lastErr, "%s interrupted while retrying", op)
		}
	}
	return false, errors.WithMessagef(lastErr, "%s exhausted %d retries", op, m.cfg.MaxRetries)
}

// realCall 走真实存储, 返回是否需要降级
func (m *FaultTolerantLockManager) realCall(ctx context.Context, op, lockKey string, fn func(ctx context.Context) (bool, error)) (ok bool, fallback bool, err error) {
	m.realOps.Add(1)
	ok, err = m.withRetry(ctx, op, lockKey, fn)
	if err == nil {
		m.recordSuccess(ctx)
		m.metrics.lockOperation(op, false, boolResult(ok))
		return ok, false, nil
	}
	m.recordFailure(ctx, err)
	m.metrics.lockOperation(op, false, "error")
	if m.cfg.DegradedModeEnabled && ClassifyLockError(err) == LockErrorUnreachable {
		return false, true, err
	}
	return false, false, err
}

func boolResult(ok bool) string {
	if ok {
		return "ok"
	}
	return "rejected"
}

// degradedAllowed 熔断打开时是否还能处理, 不允许降级时返回错误
func (m *FaultTolerantLockManager) degradedAllowed(op, lockKey string) error {
	if m.cfg.DegradedModeEnabled {
		return nil
	}
	return errors.WithMessagef(ErrLockBackendUnavailable, "%s rejected, circuit breaker open, lockKey: %s", op, lockKey)
}

func (m *FaultTolerantLockManager) markDegraded(ctx context.Context, op, lockKey, owner string, ok bool) {
	m.degradedOps.Add(1)
	m.metrics.lockOperation(op, true, boolResult(ok))
	m.metrics.setDegradedLocks(m.degraded.size())
	level := slog.LevelDebug
	if op == "acquire" && ok {
		level = slog.LevelWarn
	}
	m.logger.Log(ctx, level, "lock operation served by degraded mode",
		slog.String("op", op),
		slog.String("lock_key", lockKey),
		slog.String("owner", owner),
		slog.Bool("ok", ok),
		slog.Bool("degraded", true))
}

func (m *FaultTolerantLockManager) AcquireLock(ctx context.Context, lockKey, owner string, lockType LockType, ttl time.Duration, payload map[string]any) (bool, error) {
	if err := checkLockArgs(lockKey, owner, ttl, true); err != nil {
		return false, err
	}
	if m.route(ctx) {
		ok, fallback, err := m.realCall(ctx, "acquire", lockKey, func(ctx context.Context) (bool, error) {
			return m.primary.AcquireLock(ctx, lockKey, owner, lockType, ttl, payload)
		})
		if err == nil {
			if ok {
				m.settle(ctx, lockKey, owner)
			}
			return ok, nil
		}
		if !fallback {
			return false, err
		}
	} else if err := m.degradedAllowed("acquire", lockKey); err != nil {
		return false, err
	}
	ok, err := m.local.AcquireLock(ctx, lockKey, owner, lockType, ttl, payload)
	if err != nil {
		return false, err
	}
	if ok {
		// 熔断器可能仍是关闭状态, 不能等关闭事件再记
		m.markPromotable(lockKey, owner)
	}
	m.markDegraded(ctx, "acquire", lockKey, owner, ok)
	return ok, nil
}

func (m *FaultTolerantLockManager) RenewLock(ctx context.Context, lockKey, owner string, ttl time.Duration) (bool, error) {
	if err := checkLockArgs(lockKey, owner, ttl, true); err != nil {
		return false, err
	}
	if m.route(ctx) {
		ok, fallback, err := m.realCall(ctx, "renew", lockKey, func(ctx context.Context) (bool, error) {
			return m.primary.RenewLock(ctx, lockKey, owner, ttl)
		})
		if err == nil {
			if ok {
				m.settle(ctx, lockKey, owner)
				return true, nil
			}
			if m.isPromotable(lockKey, owner) {
				return m.promote(ctx, lockKey, owner, ttl)
			}
			return false, nil
		}
		if !fallback {
			return false, err
		}
		// 存储在续约时不可达, 锁在真实存储上最后一次确认属于owner, 本进程内接管
		ok, err = m.local.AcquireLock(ctx, lockKey, owner, LockTypeWorkflow, ttl, nil)
		if err != nil {
			return false, err
		}
		if ok {
			m.markPromotable(lockKey, owner)
		}
		m.markDegraded(ctx, "renew", lockKey, owner, ok)
		return ok, nil
	} else if err := m.degradedAllowed("renew", lockKey); err != nil {
		return false, err
	}
	ok, err := m.local.RenewLock(ctx, lockKey, owner, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		// 熔断前在真实存储上拿到的锁, 降级表里还没有记录
		if lock, _ := m.degraded.Read(ctx, lockKey); lock == nil {
			ok, err = m.local.AcquireLock(ctx, lockKey, owner, LockTypeWorkflow, ttl, nil)
			if err != nil {
				return false, err
			}
			if ok {
				m.markPromotable(lockKey, owner)
			}
		}
	}
	m.markDegraded(ctx, "renew", lockKey, owner, ok)
	return ok, nil
}

func (m *FaultTolerantLockManager) ReleaseLock(ctx context.Context, lockKey, owner string) (bool, error) {
	if err := checkLockArgs(lockKey, owner, 0, false); err != nil {
		return false, err
	}
	m.forgetPromotion(lockKey)
	if m.route(ctx) {
		ok, fallback, err := m.realCall(ctx, "release", lockKey, func(ctx context.Context) (bool, error) {
			return m.primary.ReleaseLock(ctx, lockKey, owner)
		})
		if err == nil {
			// 降级表里可能还有同一把锁, 一起释放
			localOK, _ := m.degraded.TryRelease(ctx, lockKey, owner)
			return ok || localOK, nil
		}
		if !fallback {
			return false, err
		}
	} else if err := m.degradedAllowed("release", lockKey); err != nil {
		return false, err
	}
	ok, err := m.local.ReleaseLock(ctx, lockKey, owner)
	if err != nil {
		return false, err
	}
	m.markDegraded(ctx, "release", lockKey, owner, ok)
	return ok, nil
}

func (m *FaultTolerantLockManager) CheckLock(ctx context.Context, lockKey string) (*DistributedLock, error) {
	if lockKey == "" {
		return nil, errors.WithMessage(ErrLockParamInvalid, "empty lock key")
	}
	if m.route(ctx) {
		var lock *DistributedLock
		_, fallback, err := m.realCall(ctx, "check", lockKey, func(ctx context.Context) (bool, error) {
			var err error
			lock, err = m.primary.CheckLock(ctx, lockKey)
			return lock != nil, err
		})
		if err == nil {
			return lock, nil
		}
		if !fallback {
			return nil, err
		}
	} else if err := m.degradedAllowed("check", lockKey); err != nil {
		return nil, err
	}
	lock, err := m.local.CheckLock(ctx, lockKey)
	if err != nil {
		return nil, err
	}
	m.markDegraded(ctx, "check", lockKey, "", lock != nil)
	if lock != nil {
		lock.Degraded = true
	}
	return lock, nil
}

func (m *FaultTolerantLockManager) ForceReleaseLock(ctx context.Context, lockKey string) (bool, error) {
	if lockKey == "" {
		return false, errors.WithMessage(ErrLockParamInvalid, "empty lock key")
	}
	m.forgetPromotion(lockKey)
	if m.route(ctx) {
		ok, fallback, err := m.realCall(ctx, "force_release", lockKey, func(ctx context.Context) (bool, error) {
			return m.primary.ForceReleaseLock(ctx, lockKey)
		})
		if err == nil {
			localOK, _ := m.degraded.ForceDelete(ctx, lockKey)
			return ok || localOK, nil
		}
		if !fallback {
			return false, err
		}
	} else if err := m.degradedAllowed("force_release", lockKey); err != nil {
		return false, err
	}
	ok, err := m.local.ForceReleaseLock(ctx, lockKey)
	if err != nil {
		return false, err
	}
	m.markDegraded(ctx, "force_release", lockKey, "", ok)
	return ok, nil
}

func (m *FaultTolerantLockManager) CleanupExpiredLocks(ctx context.Context) (int64, error) {
	localCount, err := m.local.CleanupExpiredLocks(ctx)
	if err != nil {
		return 0, err
	}
	if !m.route(ctx) {
		return localCount, nil
	}
	var count int64
	_, _, err = m.realCall(ctx, "cleanup", "", func(ctx context.Context) (bool, error) {
		var err error
		count, err = m.primary.CleanupExpiredLocks(ctx)
		return count > 0, err
	})
	if err != nil {
		return localCount, err
	}
	return count + localCount, nil
}

// ListLocks 熔断打开时列出降级锁表, 否则列出真实存储
func (m *FaultTolerantLockManager) ListLocks(ctx context.Context) ([]*DistributedLock, error) {
	if m.BreakerState() == BreakerOpen {
		locks, err := m.degraded.ListLocks(ctx)
		for _, lock := range locks {
			lock.Degraded = true
		}
		return locks, err
	}
	lister, ok := m.primary.(LockLister)
	if !ok {
		return nil, nil
	}
	return lister.ListLocks(ctx)
}

func (m *FaultTolerantLockManager) isPromotable(lockKey, owner string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.promotable[lockKey] == owner
}

func (m *FaultTolerantLockManager) markPromotable(lockKey, owner string) {
	m.mu.Lock()
	m.promotable[lockKey] = owner
	m.mu.Unlock()
}

func (m *FaultTolerantLockManager) forgetPromotion(lockKey string) {
	m.mu.Lock()
	delete(m.promotable, lockKey)
	m.mu.Unlock()
}

// settle 锁在真实存储上确认属于owner, 降级表里同一owner的记录不再需要
func (m *FaultTolerantLockManager) settle(ctx context.Context, lockKey, owner string) {
	m.forgetPromotion(lockKey)
	if released, _ := m.degraded.TryRelease(ctx, lockKey, owner); released {
		m.metrics.setDegradedLocks(m.degraded.size())
	}
}

// promote 降级期间拿到的锁, 在真实存储上重新CAS获取, 被别人抢占则视为丢锁
func (m *FaultTolerantLockManager) promote(ctx context.Context, lockKey, owner string, ttl time.Duration) (bool, error) {
	m.forgetPromotion(lockKey)
	ok, err := m.primary.AcquireLock(ctx, lockKey, owner, LockTypeWorkflow, ttl, map[string]any{"promoted": true})
	if err != nil {
		return false, errors.WithMessagef(err, "promote degraded lock failed, lockKey: %s", lockKey)
	}
	if ok {
		m.promotions.Add(1)
		if released, _ := m.degraded.TryRelease(ctx, lockKey, owner); released {
			m.metrics.setDegradedLocks(m.degraded.size())
		}
		m.logger.InfoContext(ctx, "degraded lock promoted to lock backend", slog.String("lock_key", lockKey), slog.String("owner", owner))
	} else {
		m.logger.WarnContext(ctx, "degraded lock conflicts with lock backend, lease lost",
			slog.String("lock_key", lockKey), slog.String("owner", owner))
	}
	return ok, nil
}

func (m *FaultTolerantLockManager) BreakerState() BreakerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breaker.State
}

func (m *FaultTolerantLockManager) Stats() FaultTolerantLockStats {
	m.mu.Lock()
	breaker := m.breaker
	pending := len(m.promotable)
	m.mu.Unlock()
	return FaultTolerantLockStats{
		State:               breaker.State,
		ConsecutiveFailures: breaker.ConsecutiveFailures,
		OpenedAt:            breaker.OpenedAt,
		DegradedLocks:       m.degraded.size(),
		RealOperations:      m.realOps.Load(),
		DegradedOperations:  m.degradedOps.Load(),
		Promotions:          m.promotions.Load(),
		PendingPromotions:   pending,
	}
}
