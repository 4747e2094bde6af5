package workflow

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// RenewalConfig 工作流锁续约配置
type RenewalConfig struct {
	// CheckInterval 续约检查间隔
	CheckInterval time.Duration `mapstructure:"check_interval" yaml:"check_interval" validate:"gt=0"`
	// RenewalThreshold 剩余时间低于 originalDuration*RenewalThreshold 时续约
	RenewalThreshold float64 `mapstructure:"renewal_threshold" yaml:"renewal_threshold" validate:"gt=0,lt=1"`
	// MaxRenewals 最大续约次数, 达到后不再续约, 锁自然过期. <=0 不限制
	MaxRenewals int `mapstructure:"max_renewals" yaml:"max_renewals"`
	// DefaultLockDuration 注册时没有指定时长时使用
	DefaultLockDuration time.Duration `mapstructure:"default_lock_duration" yaml:"default_lock_duration" validate:"gt=0"`
}

func DefaultRenewalConfig() RenewalConfig {
	return RenewalConfig{
		CheckInterval:       5 * time.Second,
		RenewalThreshold:    0.3,
		MaxRenewals:         720,
		DefaultLockDuration: 30 * time.Second,
	}
}

// WorkflowLockInfo 本进程持有的工作流锁, 只在内存里, 真正的所有权以锁存储为准
type WorkflowLockInfo struct {
	LockKey            string        `json:"lock_key"`
	Owner              string        `json:"owner"`
	WorkflowInstanceID int64         `json:"workflow_instance_id"`
	OriginalDuration   time.Duration `json:"original_duration"`
	ExpiresAt          time.Time     `json:"expires_at"`
	RenewalCount       int           `json:"renewal_count"`
	MaxRenewals        int           `json:"max_renewals"`
	IsActive           bool          `json:"is_active"`
	LastRenewedAt      time.Time     `json:"last_renewed_at,omitempty"`
	LostReason         string        `json:"lost_reason,omitempty"`
}

func (info *WorkflowLockInfo) renewalExhausted() bool {
	return info.MaxRenewals > 0 && info.RenewalCount >= info.MaxRenewals
}

// LockLostHandler 锁丢失回调, 工作流在本进程上必须停止推进
type LockLostHandler func(info WorkflowLockInfo)

// WorkflowLockManager 每个运行中的工作流实例一把锁, 后台定期续约
type WorkflowLockManager struct {
	locks   LockManager
	cfg     RenewalConfig
	clock   Clock
	logger  *slog.Logger
	metrics *Metrics

	mu            sync.RWMutex
	registrations map[int64]*WorkflowLockInfo
	lostHandlers  []LockLostHandler

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

func NewWorkflowLockManager(locks LockManager, cfg RenewalConfig, clock Clock, logger *slog.Logger, metrics *Metrics) *WorkflowLockManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowLockManager{
		locks:         locks,
		cfg:           cfg,
		clock:         clockOrSystem(clock),
		logger:        logger,
		metrics:       metrics,
		registrations: make(map[int64]*WorkflowLockInfo),
	}
}

func (m *WorkflowLockManager) OnLockLost(handler LockLostHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lostHandlers = append(m.lostHandlers, handler)
}

// RegisterWorkflowLock 锁已经通过 AcquireLock 拿到之后登记续约, duration<=0 使用默认时长
func (m *WorkflowLockManager) RegisterWorkflowLock(workflowInstanceID int64, lockKey, owner string, duration time.Duration) WorkflowLockInfo {
	if duration <= 0 {
		duration = m.cfg.DefaultLockDuration
	}
	info := &WorkflowLockInfo{
		LockKey:            lockKey,
		Owner:              owner,
		WorkflowInstanceID: workflowInstanceID,
		OriginalDuration:   duration,
		ExpiresAt:          m.clock.Now().Add(duration),
		MaxRenewals:        m.cfg.MaxRenewals,
		IsActive:           true,
	}
	m.mu.Lock()
	m.registrations[workflowInstanceID] = info
	active := m.activeCountLocked()
	m.mu.Unlock()
	m.metrics.setActiveLeases(active)
	m.logger.Debug("workflow lock registered",
		slog.Int64("workflow_instance_id", workflowInstanceID),
		slog.String("lock_key", lockKey),
		slog.String("owner", owner),
		slog.Duration("duration", duration))
	return *info
}

func (m *WorkflowLockManager) activeCountLocked() int {
	count := 0
	for _, info := range m.registrations {
		if info.IsActive {
			count++
		}
	}
	return count
}

func (m *WorkflowLockManager) IsLockActive(workflowInstanceID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.registrations[workflowInstanceID]
	return ok && info.IsActive
}

func (m *WorkflowLockManager) GetLockInfo(workflowInstanceID int64) (WorkflowLockInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.registrations[workflowInstanceID]
	if !ok {
		return WorkflowLockInfo{}, false
	}
	return *info, true
}

func (m *WorkflowLockManager) ListLockInfos() []WorkflowLockInfo {
	m.mu.RLock()
	infos := make([]WorkflowLockInfo, 0, len(m.registrations))
	for _, info := range m.registrations {
		infos = append(infos, *info)
	}
	m.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].WorkflowInstanceID < infos[j].WorkflowInstanceID })
	return infos
}

// Start 启动续约循环, 重复调用无效
func (m *WorkflowLockManager) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.loopCancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.loopCancel = cancel
	m.loopDone = make(chan struct{})
	go m.renewalLoop(loopCtx, m.loopDone)
	m.logger.Info("workflow lock renewal started", slog.Duration("check_interval", m.cfg.CheckInterval))
}

func (m *WorkflowLockManager) renewalLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAndRenew(ctx)
		}
	}
}

// CheckAndRenew 执行一轮续约检查, 返回本轮续约成功的数量
func (m *WorkflowLockManager) CheckAndRenew(ctx context.Context) int {
	m.mu.RLock()
	candidates := make([]*WorkflowLockInfo, 0, len(m.registrations))
	for _, info := range m.registrations {
		if info.IsActive {
			candidates = append(candidates, info)
		}
	}
	m.mu.RUnlock()

	renewed := 0
	for _, info := range candidates {
		m.mu.RLock()
		snapshot := *info
		m.mu.RUnlock()

		now := m.clock.Now()
		remaining := snapshot.ExpiresAt.Sub(now)
		if remaining <= 0 {
			m.markLost(ctx, info, "lease expired before renewal")
			continue
		}
		if snapshot.renewalExhausted() {
			continue
		}
		threshold := time.Duration(float64(snapshot.OriginalDuration) * m.cfg.RenewalThreshold)
		if remaining >= threshold {
			continue
		}
		ok, err := m.locks.RenewLock(ctx, snapshot.LockKey, snapshot.Owner, snapshot.OriginalDuration)
		if err != nil {
			m.metrics.leaseRenewal("error")
			m.markLost(ctx, info, "renew failed: "+err.Error())
			continue
		}
		if !ok {
			m.metrics.leaseRenewal("rejected")
			m.markLost(ctx, info, "renew rejected, lock owned by another engine or gone")
			continue
		}
		m.metrics.leaseRenewal("ok")
		m.mu.Lock()
		info.ExpiresAt = now.Add(snapshot.OriginalDuration)
		info.RenewalCount++
		info.LastRenewedAt = now
		exhausted := info.renewalExhausted()
		m.mu.Unlock()
		renewed++
		m.logger.DebugContext(ctx, "workflow lock renewed",
			slog.Int64("workflow_instance_id", snapshot.WorkflowInstanceID),
			slog.String("lock_key", snapshot.LockKey),
			slog.Int("renewal_count", snapshot.RenewalCount+1))
		if exhausted {
			m.logger.WarnContext(ctx, "workflow lock reached max renewals, lease will expire",
				slog.Int64("workflow_instance_id", snapshot.WorkflowInstanceID),
				slog.String("lock_key", snapshot.LockKey),
				slog.String("owner", snapshot.Owner),
				slog.Int("max_renewals", snapshot.MaxRenewals))
		}
	}
	return renewed
}

func (m *WorkflowLockManager) markLost(ctx context.Context, info *WorkflowLockInfo, reason string) {
	m.mu.Lock()
	if !info.IsActive {
		m.mu.Unlock()
		return
	}
	info.IsActive = false
	info.LostReason = reason
	snapshot := *info
	handlers := append([]LockLostHandler{}, m.lostHandlers...)
	active := m.activeCountLocked()
	m.mu.Unlock()
	m.metrics.setActiveLeases(active)

	m.logger.WarnContext(ctx, "workflow lock lost, stop executing nodes",
		slog.Int64("workflow_instance_id", snapshot.WorkflowInstanceID),
		slog.String("lock_key", snapshot.LockKey),
		slog.String("owner", snapshot.Owner),
		slog.String("reason", reason))
	for _, handler := range handlers {
		handler(snapshot)
	}
}

// UnregisterWorkflowLock 释放锁并删除登记
func (m *WorkflowLockManager) UnregisterWorkflowLock(ctx context.Context, workflowInstanceID int64) error {
	info, ok := m.remove(workflowInstanceID)
	if !ok {
		return nil
	}
	if !info.IsActive {
		// 锁已经不属于本进程了
		return nil
	}
	if _, err := m.locks.ReleaseLock(ctx, info.LockKey, info.Owner); err != nil {
		return errors.WithMessagef(err, "release workflow lock failed, workflowInstanceID: %d", workflowInstanceID)
	}
	return nil
}

// Forget 只删除本地登记, 不操作锁存储
func (m *WorkflowLockManager) Forget(workflowInstanceID int64) {
	m.remove(workflowInstanceID)
}

func (m *WorkflowLockManager) remove(workflowInstanceID int64) (WorkflowLockInfo, bool) {
	m.mu.Lock()
	info, ok := m.registrations[workflowInstanceID]
	if ok {
		delete(m.registrations, workflowInstanceID)
	}
	active := m.activeCountLocked()
	m.mu.Unlock()
	m.metrics.setActiveLeases(active)
	if !ok {
		return WorkflowLockInfo{}, false
	}
	return *info, true
}

// ForceReleaseLock 管理操作, 不管续约状态直接删除锁和登记
func (m *WorkflowLockManager) ForceReleaseLock(ctx context.Context, workflowInstanceID int64) (bool, error) {
	info, ok := m.remove(workflowInstanceID)
	lockKey := WorkflowLockKey(workflowInstanceID)
	if ok {
		lockKey = info.LockKey
	}
	released, err := m.locks.ForceReleaseLock(ctx, lockKey)
	if err != nil {
		return false, errors.WithMessagef(err, "force release workflow lock failed, workflowInstanceID: %d", workflowInstanceID)
	}
	m.logger.WarnContext(ctx, "workflow lock force released",
		slog.Int64("workflow_instance_id", workflowInstanceID),
		slog.String("lock_key", lockKey),
		slog.String("owner", info.Owner),
		slog.Bool("released", released))
	return released, nil
}

// StopRenewalProcess 停止续约循环并释放所有还有效的锁, 进程退出时调用
func (m *WorkflowLockManager) StopRenewalProcess(ctx context.Context) error {
	m.loopMu.Lock()
	cancel, done := m.loopCancel, m.loopDone
	m.loopCancel, m.loopDone = nil, nil
	m.loopMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	m.mu.Lock()
	all := make([]WorkflowLockInfo, 0, len(m.registrations))
	for _, info := range m.registrations {
		all = append(all, *info)
	}
	m.registrations = make(map[int64]*WorkflowLockInfo)
	m.mu.Unlock()
	m.metrics.setActiveLeases(0)

	var firstErr error
	for _, info := range all {
		if !info.IsActive {
			continue
		}
		if _, err := m.locks.ReleaseLock(ctx, info.LockKey, info.Owner); err != nil {
			m.logger.ErrorContext(ctx, "release workflow lock on shutdown failed",
				slog.String("lock_key", info.LockKey),
				slog.String("owner", info.Owner),
				slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	m.logger.Info("workflow lock renewal stopped", slog.Int("released", len(all)))
	return firstErr
}
