package workflow

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	SelectStrategyRoundRobin  = "round_robin"
	SelectStrategyLeastLoaded = "least_loaded"
)

const (
	EngineStatusActive  = "active"
	EngineStatusStale   = "stale"
	EngineStatusStopped = "stopped"
)

// EngineRegistryConfig 引擎注册表配置
type EngineRegistryConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval" validate:"gt=0"`
	// StaleAfter 超过这个时间没有心跳的引擎不再认为存活, 它的工作流可以被别的引擎认领
	StaleAfter time.Duration `mapstructure:"stale_after" yaml:"stale_after" validate:"gt=0"`
	Strategy   string        `mapstructure:"strategy" yaml:"strategy" validate:"oneof=round_robin least_loaded"`
}

func DefaultEngineRegistryConfig() EngineRegistryConfig {
	return EngineRegistryConfig{
		HeartbeatInterval: 10 * time.Second,
		StaleAfter:        30 * time.Second,
		Strategy:          SelectStrategyRoundRobin,
	}
}

type EngineInstancePo struct {
	EngineID        string  `gorm:"column:engine_id;primaryKey;size:191"`
	Hostname        string  `gorm:"column:hostname;size:255"`
	Status          string  `gorm:"column:status;size:32;index"`
	ActiveWorkflows int64   `gorm:"column:active_workflows"`
	CPUPercent      float64 `gorm:"column:cpu_percent"`
	MemPercent      float64 `gorm:"column:mem_percent"`
	HeartbeatAt     int64   `gorm:"column:heartbeat_at;index"`
	StartedAt       int64   `gorm:"column:started_at"`
	CreatedAt       int64   `gorm:"column:created_at"`
	UpdatedAt       int64   `gorm:"column:updated_at"`
}

func (EngineInstancePo) TableName() string {
	return "engine_instance"
}

// EngineInstance 引擎实例视图
type EngineInstance struct {
	EngineID        string  `json:"engine_id"`
	Hostname        string  `json:"hostname"`
	Status          string  `json:"status"`
	Live            bool    `json:"live"`
	ActiveWorkflows int64   `json:"active_workflows"`
	CPUPercent      float64 `json:"cpu_percent"`
	MemPercent      float64 `json:"mem_percent"`
	HeartbeatAt     int64   `json:"heartbeat_at"`
	HeartbeatAgeMs  int64   `json:"heartbeat_age_ms"`
	StartedAt       int64   `json:"started_at"`
}

// SystemLoad 引擎所在机器的负载
type SystemLoad struct {
	CPUPercent float64
	MemPercent float64
}

// EngineRegistry 引擎注册和心跳, 存活判断和新工作流的分配都基于心跳时间
// 生命周期: NewEngineRegistry -> Start -> Stop
type EngineRegistry struct {
	db       *gorm.DB
	engineID string
	hostname string
	cfg      EngineRegistryConfig
	clock    Clock
	logger   *slog.Logger

	mu      sync.Mutex
	load    func() int
	sampler func(ctx context.Context) SystemLoad
	cancel  context.CancelFunc
	done    chan struct{}
	started int64
	next    atomic.Uint64
}

func NewEngineRegistry(db *gorm.DB, engineID string, cfg EngineRegistryConfig, clock Clock, logger *slog.Logger) (*EngineRegistry, error) {
	if db == nil || engineID == "" {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "db and engineID are required")
	}
	if err := validatorUtil.Struct(cfg); err != nil {
		return nil, errors.WithMessagef(ErrWorkflowParamInvalid, "engine registry config: %v", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	hostname, _ := os.Hostname()
	return &EngineRegistry{
		db:       db,
		engineID: engineID,
		hostname: hostname,
		cfg:      cfg,
		clock:    clockOrSystem(clock),
		logger:   logger.With(slog.String("engine_id", engineID)),
		sampler:  systemLoad,
	}, nil
}

func systemLoad(ctx context.Context) SystemLoad {
	load := SystemLoad{}
	// interval 为0时和上一次调用比较, 第一次调用可能是0
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		load.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		load.MemPercent = vm.UsedPercent
	}
	return load
}

func (r *EngineRegistry) EngineID() string {
	return r.engineID
}

// TrackLoad 心跳时上报的活跃工作流数量
func (r *EngineRegistry) TrackLoad(load func() int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.load = load
}

// SetLoadSampler 替换机器负载的采集
func (r *EngineRegistry) SetLoadSampler(sampler func(ctx context.Context) SystemLoad) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sampler = sampler
}

func (r *EngineRegistry) currentLoad(ctx context.Context) (int64, SystemLoad) {
	r.mu.Lock()
	load, sampler := r.load, r.sampler
	r.mu.Unlock()
	var active int64
	if load != nil {
		active = int64(load())
	}
	var sys SystemLoad
	if sampler != nil {
		sys = sampler(ctx)
	}
	return active, sys
}

// Register 写入或者覆盖本引擎的记录
func (r *EngineRegistry) Register(ctx context.Context) error {
	now := r.clock.Now().UnixMilli()
	r.mu.Lock()
	if r.started == 0 {
		r.started = now
	}
	started := r.started
	r.mu.Unlock()
	active, sys := r.currentLoad(ctx)
	po := &EngineInstancePo{
		EngineID:        r.engineID,
		Hostname:        r.hostname,
		Status:          EngineStatusActive,
		ActiveWorkflows: active,
		CPUPercent:      sys.CPUPercent,
		MemPercent:      sys.MemPercent,
		HeartbeatAt:     now,
		StartedAt:       started,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "engine_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"hostname", "status", "active_workflows", "cpu_percent", "mem_percent", "heartbeat_at", "started_at", "updated_at",
		}),
	}).Create(po).Error
	if err != nil {
		return errors.WithMessagef(err, "register engine failed, engineID: %s", r.engineID)
	}
	return nil
}

// Heartbeat 刷新心跳和负载, 记录被删掉或者被标记为 stale 时重新注册
func (r *EngineRegistry) Heartbeat(ctx context.Context) error {
	now := r.clock.Now().UnixMilli()
	active, sys := r.currentLoad(ctx)
	res := r.db.WithContext(ctx).Model(&EngineInstancePo{}).
		Where("engine_id = ?", r.engineID).
		Updates(map[string]any{
			"status":           EngineStatusActive,
			"active_workflows": active,
			"cpu_percent":      sys.CPUPercent,
			"mem_percent":      sys.MemPercent,
			"heartbeat_at":     now,
			"updated_at":       now,
		})
	if res.Error != nil {
		return errors.WithMessagef(res.Error, "engine heartbeat failed, engineID: %s", r.engineID)
	}
	if res.RowsAffected == 0 {
		return r.Register(ctx)
	}
	return nil
}

func (r *EngineRegistry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()
	if err := r.Register(ctx); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.mu.Lock()
	r.cancel, r.done = cancel, done
	r.mu.Unlock()
	go r.heartbeatLoop(loopCtx, done)
	r.logger.InfoContext(ctx, "engine registered",
		slog.String("hostname", r.hostname),
		slog.Duration("heartbeat_interval", r.cfg.HeartbeatInterval))
	return nil
}

func (r *EngineRegistry) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Heartbeat(ctx); err != nil {
				r.logger.WarnContext(ctx, "engine heartbeat failed", slog.Any("error", err))
			}
			if n, err := r.MarkStaleEngines(ctx); err != nil {
				r.logger.WarnContext(ctx, "mark stale engines failed", slog.Any("error", err))
			} else if n > 0 {
				r.logger.WarnContext(ctx, "stale engines detected", slog.Int64("count", n))
			}
		}
	}
}

// Stop 停止心跳并把本引擎标记为 stopped
func (r *EngineRegistry) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	now := r.clock.Now().UnixMilli()
	if err := r.db.WithContext(ctx).Model(&EngineInstancePo{}).
		Where("engine_id = ?", r.engineID).
		Updates(map[string]any{"status": EngineStatusStopped, "active_workflows": 0, "updated_at": now}).Error; err != nil {
		return errors.WithMessagef(err, "mark engine stopped failed, engineID: %s", r.engineID)
	}
	r.logger.InfoContext(ctx, "engine deregistered")
	return nil
}

func (r *EngineRegistry) isLive(po *EngineInstancePo, now int64) bool {
	return po.Status == EngineStatusActive && now-po.HeartbeatAt < r.cfg.StaleAfter.Milliseconds()
}

func (r *EngineRegistry) toEntity(po *EngineInstancePo, now int64) *EngineInstance {
	return &EngineInstance{
		EngineID:        po.EngineID,
		Hostname:        po.Hostname,
		Status:          po.Status,
		Live:            r.isLive(po, now),
		ActiveWorkflows: po.ActiveWorkflows,
		CPUPercent:      po.CPUPercent,
		MemPercent:      po.MemPercent,
		HeartbeatAt:     po.HeartbeatAt,
		HeartbeatAgeMs:  now - po.HeartbeatAt,
		StartedAt:       po.StartedAt,
	}
}

// ListEngines 所有引擎, 包括已经停止的
func (r *EngineRegistry) ListEngines(ctx context.Context) ([]*EngineInstance, error) {
	pos := make([]*EngineInstancePo, 0)
	if err := r.db.WithContext(ctx).Order("engine_id asc").Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "list engines failed")
	}
	now := r.clock.Now().UnixMilli()
	ret := make([]*EngineInstance, 0, len(pos))
	for _, po := range pos {
		ret = append(ret, r.toEntity(po, now))
	}
	return ret, nil
}

func (r *EngineRegistry) ListLiveEngines(ctx context.Context) ([]*EngineInstance, error) {
	now := r.clock.Now().UnixMilli()
	pos := make([]*EngineInstancePo, 0)
	if err := r.db.WithContext(ctx).
		Where("status = ? AND heartbeat_at > ?", EngineStatusActive, now-r.cfg.StaleAfter.Milliseconds()).
		Order("engine_id asc").
		Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "list live engines failed")
	}
	ret := make([]*EngineInstance, 0, len(pos))
	for _, po := range pos {
		ret = append(ret, r.toEntity(po, now))
	}
	return ret, nil
}

func (r *EngineRegistry) IsLive(ctx context.Context, engineID string) (bool, error) {
	pos := make([]*EngineInstancePo, 0, 1)
	if err := r.db.WithContext(ctx).Where("engine_id = ?", engineID).Limit(1).Find(&pos).Error; err != nil {
		return false, errors.WithMessagef(err, "load engine failed, engineID: %s", engineID)
	}
	if len(pos) == 0 {
		return false, nil
	}
	return r.isLive(pos[0], r.clock.Now().UnixMilli()), nil
}

// SelectEngine 给新工作流选择一个存活的引擎, 没有存活引擎返回 ErrNoEngineAvailable
func (r *EngineRegistry) SelectEngine(ctx context.Context) (string, error) {
	engines, err := r.ListLiveEngines(ctx)
	if err != nil {
		return "", err
	}
	if len(engines) == 0 {
		return "", ErrNoEngineAvailable
	}
	if r.cfg.Strategy == SelectStrategyLeastLoaded {
		sort.SliceStable(engines, func(i, j int) bool {
			if engines[i].ActiveWorkflows != engines[j].ActiveWorkflows {
				return engines[i].ActiveWorkflows < engines[j].ActiveWorkflows
			}
			return engines[i].CPUPercent < engines[j].CPUPercent
		})
		return engines[0].EngineID, nil
	}
	idx := (r.next.Add(1) - 1) % uint64(len(engines))
	return engines[idx].EngineID, nil
}

// MarkStaleEngines 心跳超时的 active 引擎标记为 stale, 返回标记的数量
func (r *EngineRegistry) MarkStaleEngines(ctx context.Context) (int64, error) {
	now := r.clock.Now().UnixMilli()
	res := r.db.WithContext(ctx).Model(&EngineInstancePo{}).
		Where("status = ? AND heartbeat_at <= ?", EngineStatusActive, now-r.cfg.StaleAfter.Milliseconds()).
		Updates(map[string]any{"status": EngineStatusStale, "updated_at": now})
	if res.Error != nil {
		return 0, errors.WithMessage(res.Error, "mark stale engines failed")
	}
	return res.RowsAffected, nil
}
