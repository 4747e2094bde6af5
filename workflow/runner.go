package workflow

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type runnerStopReason int32

const (
	runnerStopNone runnerStopReason = iota
	runnerStopFinished
	runnerStopCancelled
	runnerStopLockLost
	runnerStopShutdown
)

func (r runnerStopReason) String() string {
	switch r {
	case runnerStopFinished:
		return "finished"
	case runnerStopCancelled:
		return "cancelled"
	case runnerStopLockLost:
		return "lock_lost"
	case runnerStopShutdown:
		return "shutdown"
	}
	return "none"
}

// nodeResult 节点执行结果, 由执行 goroutine 发给 runner 主循环
type nodeResult struct {
	nodeInstanceID int64
	nodeID         string
	nodeType       NodeType
	isChild        bool
	attempt        int64
	output         map[string]any
	err            error
	stack          string
	duration       time.Duration
}

// workflowRunner 推进一个工作流实例, 所有状态写入都在主循环 goroutine 里完成
// 执行器在独立 goroutine 里运行, 结果通过 events 回到主循环
type workflowRunner struct {
	engine *Engine
	id     int64
	wf     *WorkflowInstance
	def    *WorkflowDefinition
	logger *slog.Logger

	events chan nodeResult
	wake   chan struct{}

	stopOnce   sync.Once
	stopCh     chan struct{}
	stopReason atomic.Int32
	done       chan struct{}
	err        error

	// 以下字段只在主循环里访问
	ctx      context.Context
	group    errgroup.Group
	inflight map[int64]struct{}
}

func newWorkflowRunner(e *Engine, wf *WorkflowInstance, def *WorkflowDefinition) *workflowRunner {
	return &workflowRunner{
		engine:   e,
		id:       wf.ID,
		wf:       wf,
		def:      def,
		logger:   e.logger.With(slog.Int64("workflow_instance_id", wf.ID), slog.String("definition_id", def.ID)),
		events:   make(chan nodeResult, e.cfg.EventBufferSize),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		inflight: make(map[int64]struct{}),
	}
}

func (r *workflowRunner) stop(reason runnerStopReason) {
	r.stopOnce.Do(func() {
		r.stopReason.Store(int32(reason))
		close(r.stopCh)
	})
}

func (r *workflowRunner) stopped() runnerStopReason {
	return runnerStopReason(r.stopReason.Load())
}

// stoppedOr 已经被要求停止时以停止原因为准
func (r *workflowRunner) stoppedOr(reason runnerStopReason) runnerStopReason {
	if stopped := r.stopped(); stopped != runnerStopNone {
		return stopped
	}
	return reason
}

// nudge 让主循环马上再跑一轮
func (r *workflowRunner) nudge() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *workflowRunner) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	r.ctx = ctx
	reason := r.loop(ctx)
	// 取消执行中的节点, 它们的结果不会再被应用
	cancel()
	_ = r.group.Wait()

	switch reason {
	case runnerStopLockLost:
		r.err = errors.WithMessagef(ErrLockNotHeld, "workflowInstanceID: %d", r.id)
	case runnerStopShutdown:
		r.err = errors.WithMessagef(ErrEngineNotStarted, "engine stopped while running workflowInstanceID: %d", r.id)
	}
	r.logger.Info("workflow runner exited", slog.String("reason", reason.String()))
	r.engine.runnerExited(r, reason)
	close(r.done)
}

func (r *workflowRunner) loop(ctx context.Context) runnerStopReason {
	ticker := time.NewTicker(r.engine.cfg.TickInterval)
	defer ticker.Stop()
	for {
		if reason := r.stopped(); reason != runnerStopNone {
			return reason
		}
		if !r.leaseActive() {
			return r.stoppedOr(runnerStopLockLost)
		}
		finished, err := r.step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return runnerStopShutdown
			}
			if errors.Is(err, ErrLockNotHeld) {
				return r.stoppedOr(runnerStopLockLost)
			}
			r.engine.logWorkflowError(ctx, "workflow step failed", r.id, err)
		}
		if finished {
			return runnerStopFinished
		}
		select {
		case <-ctx.Done():
			return runnerStopShutdown
		case <-r.stopCh:
		case res := <-r.events:
			r.applyResult(ctx, res)
			r.drainEvents(ctx)
		case <-r.wake:
		case <-ticker.C:
		}
	}
}

func (r *workflowRunner) drainEvents(ctx context.Context) {
	for {
		select {
		case res := <-r.events:
			r.applyResult(ctx, res)
		default:
			return
		}
	}
}

func (r *workflowRunner) leaseActive() bool {
	return r.engine.leases.IsLockActive(r.id)
}

// emit 执行 goroutine 把结果交回主循环, runner 已退出时丢弃
func (r *workflowRunner) emit(ctx context.Context, res nodeResult) {
	select {
	case r.events <- res:
	case <-ctx.Done():
	}
}
