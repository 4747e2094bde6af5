package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// EngineConfig 引擎配置
type EngineConfig struct {
	// EngineID 为空时生成 uuid, 也是锁的 owner
	EngineID string `mapstructure:"engine_id" yaml:"engine_id"`
	// PollInterval 认领未完成工作流的间隔
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" validate:"gt=0"`
	// TickInterval 工作流内部重新检查节点的间隔, 重试/等待节点依赖它
	TickInterval time.Duration `mapstructure:"tick_interval" yaml:"tick_interval" validate:"gt=0"`
	// NodeTimeout 节点没有配置 timeout 时使用
	NodeTimeout        time.Duration `mapstructure:"node_timeout" yaml:"node_timeout" validate:"gt=0"`
	MaxConcurrentNodes int           `mapstructure:"max_concurrent_nodes" yaml:"max_concurrent_nodes" validate:"gt=0"`
	EventBufferSize    int           `mapstructure:"event_buffer_size" yaml:"event_buffer_size" validate:"gt=0"`
	// LockDuration 工作流锁的租期
	LockDuration   time.Duration `mapstructure:"lock_duration" yaml:"lock_duration" validate:"gt=0"`
	ClaimBatchSize int           `mapstructure:"claim_batch_size" yaml:"claim_batch_size" validate:"gt=0"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PollInterval:       2 * time.Second,
		TickInterval:       200 * time.Millisecond,
		NodeTimeout:        5 * time.Minute,
		MaxConcurrentNodes: 16,
		EventBufferSize:    64,
		LockDuration:       30 * time.Second,
		ClaimBatchSize:     50,
	}
}

// EngineOptions 引擎依赖, Registry/Metrics/Tracer 可以为空
type EngineOptions struct {
	Config      EngineConfig
	Repo        WorkflowRepo
	Locks       LockManager
	Leases      *WorkflowLockManager
	Registry    *EngineRegistry
	Definitions *DefinitionRegistry
	Clock       Clock
	Logger      *slog.Logger
	Metrics     *Metrics
	Tracer      trace.Tracer
}

// Engine 一个引擎进程, 通过工作流锁认领工作流实例并推进节点
type Engine struct {
	cfg         EngineConfig
	repo        WorkflowRepo
	locks       LockManager
	leases      *WorkflowLockManager
	registry    *EngineRegistry
	definitions *DefinitionRegistry
	varBuilder  *VariableContextBuilder
	clock       Clock
	logger      *slog.Logger
	metrics     *Metrics
	tracer      trace.Tracer
	slots       *semaphore.Weighted

	mu      sync.Mutex
	runners map[int64]*workflowRunner
	runCtx  context.Context
	cancel  context.CancelFunc
	pollWg  sync.WaitGroup
	// claimWg 进行中的认领, Stop 等它们结束后再收集 runner
	claimWg sync.WaitGroup
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Repo == nil || opts.Locks == nil || opts.Leases == nil || opts.Definitions == nil {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "repo, locks, leases and definitions are required")
	}
	cfg := opts.Config
	if cfg.EngineID == "" {
		cfg.EngineID = uuid.NewString()
	}
	if err := validatorUtil.Struct(cfg); err != nil {
		return nil, errors.WithMessagef(ErrWorkflowParamInvalid, "engine config: %v", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/blingmoon/distributed-workflow")
	}
	e := &Engine{
		cfg:         cfg,
		repo:        opts.Repo,
		locks:       opts.Locks,
		leases:      opts.Leases,
		registry:    opts.Registry,
		definitions: opts.Definitions,
		varBuilder:  NewVariableContextBuilder(opts.Repo),
		clock:       clockOrSystem(opts.Clock),
		logger:      logger.With(slog.String("engine_id", cfg.EngineID)),
		metrics:     opts.Metrics,
		tracer:      tracer,
		slots:       semaphore.NewWeighted(int64(cfg.MaxConcurrentNodes)),
		runners:     make(map[int64]*workflowRunner),
	}
	e.leases.OnLockLost(e.handleLockLost)
	if e.registry != nil {
		e.registry.TrackLoad(e.ActiveWorkflows)
	}
	return e, nil
}

func (e *Engine) ID() string {
	return e.cfg.EngineID
}

func (e *Engine) Config() EngineConfig {
	return e.cfg
}

// ActiveWorkflows 本引擎正在推进的工作流数量
func (e *Engine) ActiveWorkflows() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runners)
}

// Start 启动续约循环/注册心跳/认领循环
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.runCtx != nil {
		e.mu.Unlock()
		return nil
	}
	// 停止由 Stop 控制, 不跟随调用方的取消
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.runCtx, e.cancel = runCtx, cancel
	e.mu.Unlock()

	e.leases.Start(runCtx)
	if e.registry != nil {
		if err := e.registry.Start(runCtx); err != nil {
			cancel()
			e.mu.Lock()
			e.runCtx, e.cancel = nil, nil
			e.mu.Unlock()
			return errors.WithMessage(err, "start engine registry failed")
		}
	}
	e.pollWg.Add(1)
	go e.pollLoop(runCtx)
	e.logger.InfoContext(ctx, "workflow engine started",
		slog.Duration("poll_interval", e.cfg.PollInterval),
		slog.Int("max_concurrent_nodes", e.cfg.MaxConcurrentNodes))
	return nil
}

// Stop 停止所有工作流的推进并释放本引擎持有的锁, 执行中的节点会被取消, 由接手的引擎重新执行
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.cancel
	e.runCtx, e.cancel = nil, nil
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	e.pollWg.Wait()
	// runCtx 已经清空, 不会有新的认领, 等进行中的认领把 runner 登记完
	e.claimWg.Wait()
	e.mu.Lock()
	runners := make([]*workflowRunner, 0, len(e.runners))
	for _, r := range e.runners {
		runners = append(runners, r)
	}
	e.mu.Unlock()
	for _, r := range runners {
		r.stop(runnerStopShutdown)
		<-r.done
	}
	err := e.leases.StopRenewalProcess(ctx)
	if e.registry != nil {
		if stopErr := e.registry.Stop(ctx); stopErr != nil && err == nil {
			err = stopErr
		}
	}
	e.metrics.setActiveWorkflows(0)
	e.logger.InfoContext(ctx, "workflow engine stopped", slog.Int("stopped_workflows", len(runners)))
	return err
}

func (e *Engine) runContext() (context.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runCtx, e.runCtx != nil
}

// beginClaim 和 Stop 在同一把锁下检查 runCtx, 返回true时调用方负责 claimWg.Done
func (e *Engine) beginClaim() (context.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runCtx == nil || e.runCtx.Err() != nil {
		return nil, false
	}
	e.claimWg.Add(1)
	return e.runCtx, true
}

func (e *Engine) pollLoop(ctx context.Context) {
	defer e.pollWg.Done()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	e.claimUnfinished(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.claimUnfinished(ctx)
		}
	}
}

// claimUnfinished 认领未完成的工作流, 分配给其他存活引擎的跳过, 其余的以锁为准
func (e *Engine) claimUnfinished(ctx context.Context) {
	if removed, err := e.locks.CleanupExpiredLocks(ctx); err != nil {
		e.logger.WarnContext(ctx, "cleanup expired locks failed", slog.Any("error", err))
	} else if removed > 0 {
		e.logger.DebugContext(ctx, "expired locks removed", slog.Int64("count", removed))
	}
	pos, err := e.repo.QueryWorkflowInstance(ctx, &QueryWorkflowInstanceParams{
		StatusIn:     unfinishedWorkflowInstanceStatuses(),
		OrderbyIDAsc: boolPtr(true),
		Page:         &Pager{Page: 1, Size: int64(e.cfg.ClaimBatchSize)},
	})
	if err != nil {
		e.logger.WarnContext(ctx, "query unfinished workflows failed", slog.Any("error", err))
		return
	}
	for _, po := range pos {
		if ctx.Err() != nil {
			return
		}
		if e.hasRunner(po.ID) {
			continue
		}
		if po.AssignedEngineID != "" && po.AssignedEngineID != e.cfg.EngineID && e.registry != nil {
			live, err := e.registry.IsLive(ctx, po.AssignedEngineID)
			if err == nil && live {
				continue
			}
		}
		if _, err := e.claim(ctx, po.ID); err != nil {
			if errors.Is(err, ErrLockNotAcquired) || errors.Is(err, ErrWorkflowAlreadyRunning) || errors.Is(err, ErrWorkflowTerminated) {
				continue
			}
			e.logWorkflowError(ctx, "claim workflow failed", po.ID, err)
		}
	}
}

func (e *Engine) hasRunner(workflowInstanceID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runners[workflowInstanceID]
	return ok
}

// claim 拿到工作流锁后登记续约并启动 runner
func (e *Engine) claim(ctx context.Context, workflowInstanceID int64) (*workflowRunner, error) {
	runCtx, ok := e.beginClaim()
	if !ok {
		return nil, ErrEngineNotStarted
	}
	defer e.claimWg.Done()
	po, err := e.repo.GetWorkflowInstance(ctx, workflowInstanceID)
	if err != nil {
		return nil, err
	}
	if IsOverWorkflowInstanceStatus(po.Status) {
		return nil, errors.WithMessagef(ErrWorkflowTerminated, "workflowInstanceID: %d, status: %s", po.ID, po.Status)
	}
	def, err := e.definitions.Get(po.DefinitionID, po.DefinitionVersion)
	if err != nil {
		return nil, err
	}

	r := newWorkflowRunner(e, po.toEntity(), def)
	e.mu.Lock()
	if _, exists := e.runners[workflowInstanceID]; exists {
		e.mu.Unlock()
		return nil, errors.WithMessagef(ErrWorkflowAlreadyRunning, "workflowInstanceID: %d", workflowInstanceID)
	}
	// 先占位, 同一个 owner 重复 AcquireLock 也会成功
	e.runners[workflowInstanceID] = r
	e.mu.Unlock()

	lockKey := WorkflowLockKey(workflowInstanceID)
	acquired, err := e.locks.AcquireLock(ctx, lockKey, e.cfg.EngineID, LockTypeWorkflow, e.cfg.LockDuration, map[string]any{
		"workflow_instance_id": workflowInstanceID,
		"definition_id":        po.DefinitionID,
	})
	if err != nil || !acquired {
		e.removeRunner(workflowInstanceID, r)
		if err != nil {
			return nil, errors.WithMessagef(err, "acquire workflow lock failed, workflowInstanceID: %d", workflowInstanceID)
		}
		return nil, errors.WithMessagef(ErrLockNotAcquired, "workflowInstanceID: %d", workflowInstanceID)
	}
	e.leases.RegisterWorkflowLock(workflowInstanceID, lockKey, e.cfg.EngineID, e.cfg.LockDuration)

	engineID := e.cfg.EngineID
	if _, err := e.repo.UpdateWorkflowInstance(ctx, &UpdateWorkflowInstanceParams{
		Where:  &UpdateWorkflowInstanceWhere{IDIn: []int64{workflowInstanceID}, StatusIn: unfinishedWorkflowInstanceStatuses()},
		Fields: &UpdateWorkflowInstanceField{AssignedEngineID: &engineID},
	}); err != nil {
		e.logger.WarnContext(ctx, "update assigned engine failed",
			slog.Int64("workflow_instance_id", workflowInstanceID), slog.Any("error", err))
	}
	e.metrics.setActiveWorkflows(e.ActiveWorkflows())
	e.logger.InfoContext(ctx, "workflow claimed",
		slog.Int64("workflow_instance_id", workflowInstanceID),
		slog.String("definition_id", po.DefinitionID),
		slog.String("lock_key", lockKey))
	go r.run(runCtx)
	return r, nil
}

func (e *Engine) removeRunner(workflowInstanceID int64, r *workflowRunner) {
	e.mu.Lock()
	if cur, ok := e.runners[workflowInstanceID]; ok && cur == r {
		delete(e.runners, workflowInstanceID)
	}
	e.mu.Unlock()
	e.metrics.setActiveWorkflows(e.ActiveWorkflows())
}

func (e *Engine) runner(workflowInstanceID int64) (*workflowRunner, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runners[workflowInstanceID]
	return r, ok
}

// runnerExited runner 退出后的收尾, 只有正常结束时释放锁, 锁丢失时锁已经不属于本引擎
func (e *Engine) runnerExited(r *workflowRunner, reason runnerStopReason) {
	e.removeRunner(r.id, r)
	ctx := context.Background()
	switch reason {
	case runnerStopFinished, runnerStopCancelled:
		if err := e.leases.UnregisterWorkflowLock(ctx, r.id); err != nil {
			e.logger.WarnContext(ctx, "release workflow lock failed",
				slog.Int64("workflow_instance_id", r.id), slog.Any("error", err))
		}
	case runnerStopLockLost:
		e.leases.Forget(r.id)
	}
}

func (e *Engine) handleLockLost(info WorkflowLockInfo) {
	r, ok := e.runner(info.WorkflowInstanceID)
	if !ok {
		return
	}
	r.stop(runnerStopLockLost)
}

func (e *Engine) logWorkflowError(ctx context.Context, msg string, workflowInstanceID int64, err error) {
	attrs := []any{slog.Int64("workflow_instance_id", workflowInstanceID), slog.Any("error", err)}
	if IsSeriousError(err) {
		e.logger.ErrorContext(ctx, msg, attrs...)
		return
	}
	e.logger.WarnContext(ctx, msg, attrs...)
}
