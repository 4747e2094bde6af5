package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func (r *workflowRunner) dispatch(ctx context.Context, nodeDef *NodeDefinition, n *NodeInstance, from NodeInstanceStatus) error {
	vars, err := r.engine.varBuilder.Build(ctx, r.wf, r.def, n, nodeDef.Variables)
	if err != nil {
		return err
	}
	return r.dispatchWithVars(ctx, nodeDef, n, from, vars)
}

// dispatchWithVars 按节点类型派发, from 是节点当前状态
func (r *workflowRunner) dispatchWithVars(ctx context.Context, nodeDef *NodeDefinition, n *NodeInstance, from NodeInstanceStatus, vars *VariableContext) error {
	if !r.leaseActive() {
		return ErrLockNotHeld
	}
	if n.IsChild() {
		executor, config, item := childExecution(nodeDef.Spec, n)
		return r.startExecution(ctx, nodeDef, n, from, vars, executor, config, item)
	}
	switch spec := nodeDef.Spec.(type) {
	case TaskSpec:
		return r.startExecution(ctx, nodeDef, n, from, vars, spec.Executor, spec.Config, nil)
	case WaitSpec:
		now := r.engine.clock.Now().UnixMilli()
		return r.transit(ctx, n, NodeInstanceStatusRunning, &UpdateNodeInstanceField{StartedAt: &now})
	case LoopSpec, ParallelSpec:
		return r.startFanOut(ctx, nodeDef, n, vars)
	}
	return errors.Errorf("unknown node spec %T", nodeDef.Spec)
}

func childExecution(spec NodeSpec, child *NodeInstance) (string, map[string]any, any) {
	switch s := spec.(type) {
	case LoopSpec:
		return s.Executor, s.Config, child.Input["item"]
	case ParallelSpec:
		if int(child.ChildIndex) < len(s.Branches) {
			branch := s.Branches[child.ChildIndex]
			return branch.Executor, branch.Config, branch.Name
		}
	}
	return "", nil, nil
}

// childPlan 一个待创建的子节点
type childPlan struct {
	input map[string]any
}

func (r *workflowRunner) planChildren(nodeDef *NodeDefinition, vars *VariableContext) ([]childPlan, error) {
	switch spec := nodeDef.Spec.(type) {
	case LoopSpec:
		items, err := loopItems(spec, vars)
		if err != nil {
			return nil, err
		}
		plans := make([]childPlan, 0, len(items))
		for i, item := range items {
			input := deepCopyMap(orEmpty(spec.Config))
			input["item"] = item
			input["index"] = i
			plans = append(plans, childPlan{input: input})
		}
		return plans, nil
	case ParallelSpec:
		plans := make([]childPlan, 0, len(spec.Branches))
		for i, branch := range spec.Branches {
			input := deepCopyMap(orEmpty(branch.Config))
			input["branch"] = branch.Name
			input["index"] = i
			plans = append(plans, childPlan{input: input})
		}
		return plans, nil
	}
	return nil, errors.Errorf("node %s does not fan out", nodeDef.ID)
}

// loopItems items_path 指向变量上下文里的数组, 否则按 count 生成下标
func loopItems(spec LoopSpec, vars *VariableContext) ([]any, error) {
	if spec.ItemsPath != "" {
		value, ok := vars.Lookup(spec.ItemsPath)
		if !ok {
			return nil, errors.Errorf("loop items path %s not found", spec.ItemsPath)
		}
		items, ok := value.([]any)
		if !ok {
			return nil, errors.Errorf("loop items path %s is %T, want array", spec.ItemsPath, value)
		}
		return items, nil
	}
	items := make([]any, 0, spec.Count)
	for i := 0; i < spec.Count; i++ {
		items = append(items, i)
	}
	return items, nil
}

// startFanOut 父节点进入 running 并展开子节点, 子节点由 progressFanOut 派发
func (r *workflowRunner) startFanOut(ctx context.Context, nodeDef *NodeDefinition, parent *NodeInstance, vars *VariableContext) error {
	plans, err := r.planChildren(nodeDef, vars)
	if err != nil {
		msg := err.Error()
		return r.transit(ctx, parent, NodeInstanceStatusFailed, &UpdateNodeInstanceField{ErrorMessage: &msg})
	}
	now := r.engine.clock.Now().UnixMilli()
	total := int64(len(plans))
	if err := r.transit(ctx, parent, NodeInstanceStatusRunning, &UpdateNodeInstanceField{StartedAt: &now, LoopTotal: &total}); err != nil {
		return err
	}
	if parent.Status != NodeInstanceStatusRunning {
		return nil
	}
	parent.StartedAt = now
	parent.LoopTotal = total
	return r.createChildren(ctx, nodeDef, parent, plans)
}

func (r *workflowRunner) expandChildren(ctx context.Context, nodeDef *NodeDefinition, parent *NodeInstance) error {
	vars, err := r.engine.varBuilder.Build(ctx, r.wf, r.def, parent, nodeDef.Variables)
	if err != nil {
		return err
	}
	plans, err := r.planChildren(nodeDef, vars)
	if err != nil {
		return err
	}
	return r.createChildren(ctx, nodeDef, parent, plans)
}

func (r *workflowRunner) createChildren(ctx context.Context, nodeDef *NodeDefinition, parent *NodeInstance, plans []childPlan) error {
	groupID := ""
	if nodeDef.Type() == NodeTypeParallel {
		groupID = fmt.Sprintf("%d:%s", r.id, nodeDef.ID)
	}
	for i, plan := range plans {
		input, err := marshalMap(plan.input)
		if err != nil {
			return err
		}
		po := &NodeInstancePo{
			WorkflowInstanceID: r.id,
			NodeID:             nodeDef.ID,
			ParentNodeID:       nodeDef.ID,
			ChildIndex:         int64(i),
			NodeType:           nodeDef.Type(),
			Status:             NodeInstanceStatusPending,
			InputData:          input,
			MaxRetries:         nodeDef.Retry.MaxRetries,
		}
		if groupID != "" {
			po.ParallelGroupID = groupID
			po.ParallelIndex = int64(i)
		}
		if _, _, err := r.engine.repo.CreateNodeInstance(ctx, po); err != nil {
			return errors.WithMessagef(err, "create child node failed, nodeID: %s, index: %d", nodeDef.ID, i)
		}
	}
	r.logger.DebugContext(ctx, "node fanned out", slog.String("node_id", nodeDef.ID), slog.Int("children", len(plans)))
	r.nudge()
	return nil
}

// startExecution 占用一个执行槽位并异步执行, 槽位不够时等下一轮
// failed_retry 重新进入 running 时 retry_count 加一
func (r *workflowRunner) startExecution(ctx context.Context, nodeDef *NodeDefinition, n *NodeInstance, from NodeInstanceStatus, vars *VariableContext, executorName string, config map[string]any, item any) error {
	executor, ok := r.engine.definitions.Executors().Get(executorName)
	if !ok {
		msg := errors.WithMessagef(ErrExecutorNotFound, "executor: %s", executorName).Error()
		if from == NodeInstanceStatusRunning {
			return r.transit(ctx, n, NodeInstanceStatusFailed, &UpdateNodeInstanceField{ErrorMessage: &msg})
		}
		// pending/failed_retry 不能直接失败, 先进入 running
		if err := r.transit(ctx, n, NodeInstanceStatusRunning, nil); err != nil || n.Status != NodeInstanceStatusRunning {
			return err
		}
		return r.transit(ctx, n, NodeInstanceStatusFailed, &UpdateNodeInstanceField{ErrorMessage: &msg})
	}
	if !r.engine.slots.TryAcquire(1) {
		return nil
	}
	if from != NodeInstanceStatusRunning {
		now := r.engine.clock.Now().UnixMilli()
		fields := &UpdateNodeInstanceField{StartedAt: &now}
		retryCount := n.RetryCount
		if from == NodeInstanceStatusFailedRetry {
			retryCount++
			fields.RetryCount = &retryCount
		}
		if err := r.transit(ctx, n, NodeInstanceStatusRunning, fields); err != nil || n.Status != NodeInstanceStatusRunning {
			r.engine.slots.Release(1)
			return err
		}
		n.RetryCount = retryCount
		n.StartedAt = now
	}

	req := &ExecutionRequest{
		WorkflowInstanceID: r.id,
		NodeInstanceID:     n.ID,
		NodeID:             n.NodeID,
		NodeType:           n.NodeType,
		Attempt:            n.RetryCount + 1,
		Config:             deepCopyMap(orEmpty(config)),
		Variables:          vars,
		Item:               item,
		ChildIndex:         n.ChildIndex,
		IsChild:            n.IsChild(),
	}
	timeout := nodeDef.Timeout
	if timeout <= 0 {
		timeout = r.engine.cfg.NodeTimeout
	}
	r.inflight[n.ID] = struct{}{}
	execCtx := r.ctx
	r.group.Go(func() error {
		defer r.engine.slots.Release(1)
		res := r.engine.execute(execCtx, executor, req, timeout)
		r.emit(execCtx, res)
		return nil
	})
	return nil
}

// execute 执行一次节点, panic 和超时都转换成错误
func (e *Engine) execute(ctx context.Context, executor NodeExecutor, req *ExecutionRequest, timeout time.Duration) (res nodeResult) {
	res = nodeResult{
		nodeInstanceID: req.NodeInstanceID,
		nodeID:         req.NodeID,
		nodeType:       req.NodeType,
		isChild:        req.IsChild,
		attempt:        req.Attempt,
	}
	ctx, span := e.tracer.Start(ctx, "workflow.node.execute", trace.WithAttributes(
		attribute.Int64("workflow.instance_id", req.WorkflowInstanceID),
		attribute.Int64("workflow.node_instance_id", req.NodeInstanceID),
		attribute.String("workflow.node_id", req.NodeID),
		attribute.String("workflow.node_type", req.NodeType),
		attribute.Int64("workflow.attempt", req.Attempt),
		attribute.Bool("workflow.child", req.IsChild),
		attribute.String("workflow.engine_id", e.cfg.EngineID),
	))
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	start := e.clock.Now()
	defer func() {
		cancel()
		if rec := recover(); rec != nil {
			res.err = errors.WithMessagef(ErrNodeExecutionPanic, "%v", rec)
			res.stack = string(debug.Stack())
			res.output = nil
		}
		res.duration = e.clock.Now().Sub(start)
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, res.err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	output, execErr := executor.Execute(execCtx, req)
	// ErrNodeFailedWithContinue 的输出照常保留
	if execErr != nil && !errors.Is(execErr, ErrNodeFailedWithContinue) {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			execErr = errors.WithMessagef(ErrNodeExecutionTimeout, "timeout %s: %v", timeout, execErr)
		}
		res.err = execErr
		return res
	}
	normalized, err := normalizeJSON(orEmpty(output))
	if err != nil {
		res.err = errors.WithMessage(ErrNodeFailedFatal, "node output is not json serializable: "+err.Error())
		return res
	}
	res.output, _ = normalized.(map[string]any)
	res.err = execErr
	return res
}

// applyResult 把执行结果写回节点实例, 节点已经不是 running 或者工作流已结束时丢弃
func (r *workflowRunner) applyResult(ctx context.Context, res nodeResult) {
	delete(r.inflight, res.nodeInstanceID)
	if !r.leaseActive() || ctx.Err() != nil {
		return
	}
	po, err := r.engine.repo.GetNodeInstance(ctx, res.nodeInstanceID)
	if err != nil {
		r.engine.logWorkflowError(ctx, "load node for result failed", r.id, err)
		return
	}
	n := po.toEntity()
	if n.Status != NodeInstanceStatusRunning {
		r.logger.InfoContext(ctx, "discard stale node result",
			slog.String("node_id", n.NodeID), slog.Int64("node_instance_id", n.ID), slog.String("status", n.Status))
		return
	}
	wfPo, err := r.engine.repo.GetWorkflowInstance(ctx, r.id)
	if err != nil {
		r.engine.logWorkflowError(ctx, "load workflow for result failed", r.id, err)
		return
	}
	if IsOverWorkflowInstanceStatus(wfPo.Status) {
		r.logger.InfoContext(ctx, "discard node result of finished workflow",
			slog.String("node_id", n.NodeID), slog.String("workflow_status", wfPo.Status))
		return
	}
	nodeDef, ok := r.def.Node(n.NodeID)
	if !ok {
		return
	}
	durationMs := res.duration.Milliseconds()

	if res.err == nil || errors.Is(res.err, ErrNodeFailedWithContinue) {
		fields := &UpdateNodeInstanceField{Output: NewJSONContextFromMap(orEmpty(res.output)), DurationMs: &durationMs}
		outcome := "completed"
		if res.err != nil {
			msg := res.err.Error()
			fields.ErrorMessage = &msg
			outcome = "continued"
		}
		if err := r.transit(ctx, n, NodeInstanceStatusCompleted, fields); err != nil {
			r.engine.logWorkflowError(ctx, "complete node failed", r.id, err)
			return
		}
		r.engine.metrics.nodeExecuted(n.NodeType, outcome, res.duration)
		return
	}

	msg := res.err.Error()
	details := map[string]any{"attempt": res.attempt, "error": msg}
	if res.stack != "" {
		details["stack"] = res.stack
	}
	if errors.Is(res.err, ErrNodeExecutionTimeout) {
		details["timeout"] = true
	}
	fatal := errors.Is(res.err, ErrNodeFailedFatal) || errors.Is(res.err, ErrExecutorNotFound)
	fields := &UpdateNodeInstanceField{
		ErrorMessage: &msg,
		ErrorDetails: NewJSONContextFromMap(details),
		DurationMs:   &durationMs,
	}
	if !fatal && n.RetryCount < n.MaxRetries {
		next := r.engine.clock.Now().Add(nodeDef.Retry.RetryDelay).UnixMilli()
		fields.NextRetryAt = &next
		if err := r.transit(ctx, n, NodeInstanceStatusFailedRetry, fields); err != nil {
			r.engine.logWorkflowError(ctx, "schedule node retry failed", r.id, err)
			return
		}
		r.engine.metrics.nodeExecuted(n.NodeType, "retry", res.duration)
		r.logger.WarnContext(ctx, "node failed, will retry",
			slog.String("node_id", n.NodeID),
			slog.Int64("node_instance_id", n.ID),
			slog.Int64("retry_count", n.RetryCount),
			slog.Int64("max_retries", n.MaxRetries),
			slog.Any("error", res.err))
		return
	}
	if err := r.transit(ctx, n, NodeInstanceStatusFailed, fields); err != nil {
		r.engine.logWorkflowError(ctx, "fail node failed", r.id, err)
		return
	}
	r.engine.metrics.nodeExecuted(n.NodeType, "failed", res.duration)
	attrs := []any{
		slog.String("node_id", n.NodeID),
		slog.Int64("node_instance_id", n.ID),
		slog.Int64("retry_count", n.RetryCount),
		slog.Any("error", res.err),
	}
	if IsSeriousError(res.err) {
		r.logger.ErrorContext(ctx, "node failed", attrs...)
		return
	}
	r.logger.WarnContext(ctx, "node failed", attrs...)
}
