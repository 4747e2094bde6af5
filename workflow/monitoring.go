package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
)

// LockView 监控里的一把锁
type LockView struct {
	LockKey     string   `json:"lock_key"`
	Owner       string   `json:"owner"`
	LockType    LockType `json:"lock_type"`
	RemainingMs int64    `json:"remaining_ms"`
	Expired     bool     `json:"expired"`
	Degraded    bool     `json:"degraded"`
}

// LeaseView 本进程登记的工作流锁
type LeaseView struct {
	WorkflowInstanceID int64  `json:"workflow_instance_id"`
	LockKey            string `json:"lock_key"`
	Owner              string `json:"owner"`
	RemainingMs        int64  `json:"remaining_ms"`
	RenewalCount       int    `json:"renewal_count"`
	Active             bool   `json:"active"`
	LostReason         string `json:"lost_reason,omitempty"`
}

// MonitoringSnapshot 某一时刻的整体状态, 各部分独立采集, 采集失败的部分记录在 Errors 里
type MonitoringSnapshot struct {
	CollectedAt    time.Time               `json:"collected_at"`
	Locks          []*LockView             `json:"locks"`
	Breaker        *FaultTolerantLockStats `json:"breaker,omitempty"`
	Engines        []*EngineInstance       `json:"engines"`
	LiveEngines    int                     `json:"live_engines"`
	WorkflowCounts map[string]int64        `json:"workflow_counts"`
	Leases         []*LeaseView            `json:"leases"`
	Errors         []string                `json:"errors,omitempty"`
}

type MonitorOptions struct {
	Locks    LockManager
	Breaker  *FaultTolerantLockManager
	Registry *EngineRegistry
	Repo     WorkflowRepo
	Leases   *WorkflowLockManager
	Clock    Clock
	Logger   *slog.Logger
}

// Monitor 汇总锁/熔断器/引擎/工作流的状态, 只读
type Monitor struct {
	locks    LockManager
	breaker  *FaultTolerantLockManager
	registry *EngineRegistry
	repo     WorkflowRepo
	leases   *WorkflowLockManager
	clock    Clock
	logger   *slog.Logger
}

func NewMonitor(opts MonitorOptions) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker, _ = opts.Locks.(*FaultTolerantLockManager)
	}
	return &Monitor{
		locks:    opts.Locks,
		breaker:  breaker,
		registry: opts.Registry,
		repo:     opts.Repo,
		leases:   opts.Leases,
		clock:    clockOrSystem(opts.Clock),
		logger:   logger,
	}
}

func (m *Monitor) Snapshot(ctx context.Context) (*MonitoringSnapshot, error) {
	now := m.clock.Now()
	snap := &MonitoringSnapshot{
		CollectedAt:    now,
		Locks:          make([]*LockView, 0),
		Engines:        make([]*EngineInstance, 0),
		WorkflowCounts: make(map[string]int64),
		Leases:         make([]*LeaseView, 0),
	}
	collected := 0
	record := func(part string, err error) {
		if err == nil {
			collected++
			return
		}
		m.logger.WarnContext(ctx, "collect monitoring data failed", slog.String("part", part), slog.Any("error", err))
		snap.Errors = append(snap.Errors, part+": "+err.Error())
	}

	if lister, ok := m.locks.(LockLister); ok {
		locks, err := lister.ListLocks(ctx)
		for _, lock := range locks {
			remaining := lock.ExpiresAt.Sub(now).Milliseconds()
			if remaining < 0 {
				remaining = 0
			}
			snap.Locks = append(snap.Locks, &LockView{
				LockKey:     lock.LockKey,
				Owner:       lock.Owner,
				LockType:    lock.LockType,
				RemainingMs: remaining,
				Expired:     lock.IsExpired(now),
				Degraded:    lock.Degraded,
			})
		}
		record("locks", err)
	}
	if m.breaker != nil {
		stats := m.breaker.Stats()
		snap.Breaker = &stats
	}
	if m.registry != nil {
		engines, err := m.registry.ListEngines(ctx)
		for _, engine := range engines {
			if engine.Live {
				snap.LiveEngines++
			}
		}
		if engines != nil {
			snap.Engines = engines
		}
		record("engines", err)
	}
	if m.repo != nil {
		counts, err := m.repo.CountWorkflowInstanceByStatus(ctx)
		for status, count := range counts {
			snap.WorkflowCounts[status] = count
		}
		record("workflows", err)
	}
	if m.leases != nil {
		for _, info := range m.leases.ListLockInfos() {
			remaining := info.ExpiresAt.Sub(now).Milliseconds()
			if remaining < 0 {
				remaining = 0
			}
			snap.Leases = append(snap.Leases, &LeaseView{
				WorkflowInstanceID: info.WorkflowInstanceID,
				LockKey:            info.LockKey,
				Owner:              info.Owner,
				RemainingMs:        remaining,
				RenewalCount:       info.RenewalCount,
				Active:             info.IsActive,
				LostReason:         info.LostReason,
			})
		}
	}
	if collected == 0 && len(snap.Errors) > 0 {
		return snap, errors.Errorf("collect monitoring snapshot failed: %v", snap.Errors)
	}
	return snap, nil
}
