package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// nodeSnapshot 一轮 step 里读到的节点实例
type nodeSnapshot struct {
	roots    map[string]*NodeInstance
	children map[string][]*NodeInstance
}

func (r *workflowRunner) loadNodes(ctx context.Context) (*nodeSnapshot, error) {
	pos, err := r.engine.repo.FindByWorkflowInstanceID(ctx, r.id)
	if err != nil {
		return nil, errors.WithMessagef(err, "load node instances failed, workflowInstanceID: %d", r.id)
	}
	snap := &nodeSnapshot{
		roots:    make(map[string]*NodeInstance, len(r.def.Nodes)),
		children: make(map[string][]*NodeInstance),
	}
	for _, po := range pos {
		n := po.toEntity()
		if n.IsChild() {
			snap.children[n.ParentNodeID] = append(snap.children[n.ParentNodeID], n)
			continue
		}
		snap.roots[n.NodeID] = n
	}
	for _, list := range snap.children {
		sort.Slice(list, func(i, j int) bool { return list[i].ChildIndex < list[j].ChildIndex })
	}
	return snap, nil
}

// step 推进一轮, 返回工作流是否已经结束
func (r *workflowRunner) step(ctx context.Context) (bool, error) {
	po, err := r.engine.repo.GetWorkflowInstance(ctx, r.id)
	if err != nil {
		return false, err
	}
	if IsOverWorkflowInstanceStatus(po.Status) {
		return true, nil
	}
	r.wf = po.toEntity()
	if r.wf.Status == WorkflowInstanceStatusPending {
		if err := r.startWorkflow(ctx); err != nil {
			return false, err
		}
	}

	snap, err := r.loadNodes(ctx)
	if err != nil {
		return false, err
	}
	if err := r.expandRoots(ctx, snap); err != nil {
		return false, err
	}

	if r.def.FailurePolicy == FailurePolicyFailFast {
		for _, nodeDef := range r.def.Nodes {
			if n := snap.roots[nodeDef.ID]; n.Status == NodeInstanceStatusFailed {
				return r.failWorkflow(ctx, n)
			}
		}
	}

	for _, nodeDef := range r.def.Nodes {
		if !r.leaseActive() {
			return false, ErrLockNotHeld
		}
		n := snap.roots[nodeDef.ID]
		var err error
		switch n.Status {
		case NodeInstanceStatusPending:
			err = r.schedulePending(ctx, nodeDef, n, snap)
		case NodeInstanceStatusFailedRetry:
			if r.retryDue(n) {
				err = r.dispatch(ctx, nodeDef, n, NodeInstanceStatusFailedRetry)
			}
		case NodeInstanceStatusRunning:
			err = r.progressRunning(ctx, nodeDef, n, snap.children[nodeDef.ID])
		}
		if err != nil {
			return false, err
		}
	}

	for _, n := range snap.roots {
		if !IsOverNodeInstanceStatus(n.Status) {
			return false, nil
		}
	}
	return r.finalize(ctx, snap)
}

func (r *workflowRunner) startWorkflow(ctx context.Context) error {
	status := WorkflowInstanceStatusRunning
	now := r.engine.clock.Now().UnixMilli()
	if _, err := r.engine.repo.UpdateWorkflowInstance(ctx, &UpdateWorkflowInstanceParams{
		Where:  &UpdateWorkflowInstanceWhere{IDIn: []int64{r.id}, StatusIn: []string{WorkflowInstanceStatusPending}},
		Fields: &UpdateWorkflowInstanceField{Status: &status, StartedAt: &now},
	}); err != nil {
		return errors.WithMessagef(err, "start workflow failed, workflowInstanceID: %d", r.id)
	}
	r.wf.Status = status
	r.wf.StartedAt = now
	r.logger.InfoContext(ctx, "workflow started", slog.Int("nodes", len(r.def.Nodes)))
	return nil
}

// expandRoots 每个节点定义对应一个根节点实例, 重复创建是幂等的
func (r *workflowRunner) expandRoots(ctx context.Context, snap *nodeSnapshot) error {
	for _, nodeDef := range r.def.Nodes {
		if _, ok := snap.roots[nodeDef.ID]; ok {
			continue
		}
		input, err := marshalMap(rootNodeInput(nodeDef))
		if err != nil {
			return err
		}
		po, _, err := r.engine.repo.CreateNodeInstance(ctx, &NodeInstancePo{
			WorkflowInstanceID: r.id,
			NodeID:             nodeDef.ID,
			NodeType:           nodeDef.Type(),
			Status:             NodeInstanceStatusPending,
			InputData:          input,
			MaxRetries:         nodeDef.Retry.MaxRetries,
		})
		if err != nil {
			return errors.WithMessagef(err, "create node instance failed, nodeID: %s", nodeDef.ID)
		}
		snap.roots[nodeDef.ID] = po.toEntity()
	}
	return nil
}

func rootNodeInput(nodeDef *NodeDefinition) map[string]any {
	switch spec := nodeDef.Spec.(type) {
	case TaskSpec:
		return deepCopyMap(spec.Config)
	case LoopSpec:
		return deepCopyMap(spec.Config)
	}
	return map[string]any{}
}

// schedulePending 依赖都完成且 condition 为 true 才派发, 上游失败/跳过时本节点跳过
func (r *workflowRunner) schedulePending(ctx context.Context, nodeDef *NodeDefinition, n *NodeInstance, snap *nodeSnapshot) error {
	for _, dep := range nodeDef.DependsOn {
		upstream := snap.roots[dep]
		switch upstream.Status {
		case NodeInstanceStatusCompleted:
			continue
		case NodeInstanceStatusFailed, NodeInstanceStatusSkipped, NodeInstanceStatusCancelled:
			reason := fmt.Sprintf("upstream node %s is %s", dep, upstream.Status)
			return r.transit(ctx, n, NodeInstanceStatusSkipped, &UpdateNodeInstanceField{ErrorMessage: &reason})
		default:
			return nil
		}
	}
	vars, err := r.engine.varBuilder.Build(ctx, r.wf, r.def, n, nodeDef.Variables)
	if err != nil {
		return err
	}
	ok, err := r.engine.definitions.Conditions().Evaluate(nodeDef.Condition, vars)
	if err != nil {
		msg := err.Error()
		return r.transit(ctx, n, NodeInstanceStatusFailed, &UpdateNodeInstanceField{
			ErrorMessage: &msg,
			ErrorDetails: NewJSONContextFromMap(map[string]any{"condition": nodeDef.Condition}),
		})
	}
	if !ok {
		reason := "condition evaluated to false"
		return r.transit(ctx, n, NodeInstanceStatusSkipped, &UpdateNodeInstanceField{ErrorMessage: &reason})
	}
	return r.dispatchWithVars(ctx, nodeDef, n, NodeInstanceStatusPending, vars)
}

func (r *workflowRunner) retryDue(n *NodeInstance) bool {
	if _, ok := r.inflight[n.ID]; ok {
		return false
	}
	return r.engine.clock.Now().UnixMilli() >= n.NextRetryAt
}

// transit 条件更新节点状态, 状态已经被别人改掉时返回nil
func (r *workflowRunner) transit(ctx context.Context, n *NodeInstance, to NodeInstanceStatus, fields *UpdateNodeInstanceField) error {
	if !CanTransitNodeStatus(n.Status, to) {
		return errors.Errorf("illegal node status transition %s -> %s, nodeInstanceID: %d", n.Status, to, n.ID)
	}
	if fields == nil {
		fields = &UpdateNodeInstanceField{}
	}
	if IsOverNodeInstanceStatus(to) && fields.CompletedAt == nil {
		now := r.engine.clock.Now().UnixMilli()
		fields.CompletedAt = &now
	}
	ok, err := r.engine.repo.UpdateStatus(ctx, n.ID, []string{n.Status}, to, fields)
	if err != nil {
		return errors.WithMessagef(err, "update node status failed, nodeInstanceID: %d", n.ID)
	}
	if !ok {
		r.logger.DebugContext(ctx, "node status changed concurrently",
			slog.Int64("node_instance_id", n.ID), slog.String("node_id", n.NodeID), slog.String("to", to))
		return nil
	}
	r.logger.DebugContext(ctx, "node status changed",
		slog.Int64("node_instance_id", n.ID),
		slog.String("node_id", n.NodeID),
		slog.String("from", n.Status),
		slog.String("to", to))
	n.Status = to
	r.nudge()
	return nil
}

// progressRunning running 状态的节点: 任务节点没有本地执行时重新执行, 等待节点检查信号/超时, 循环/并行节点推进子节点
func (r *workflowRunner) progressRunning(ctx context.Context, nodeDef *NodeDefinition, n *NodeInstance, children []*NodeInstance) error {
	switch spec := nodeDef.Spec.(type) {
	case TaskSpec:
		if _, ok := r.inflight[n.ID]; ok {
			return nil
		}
		// 认领时发现的 running 节点, 原来的引擎已经不在了, 至少执行一次
		r.logger.InfoContext(ctx, "re-executing node left running", slog.String("node_id", n.NodeID), slog.Int64("node_instance_id", n.ID))
		return r.dispatch(ctx, nodeDef, n, NodeInstanceStatusRunning)
	case WaitSpec:
		return r.progressWait(ctx, spec, n)
	case LoopSpec, ParallelSpec:
		return r.progressFanOut(ctx, nodeDef, n, children)
	}
	return nil
}

func (r *workflowRunner) progressWait(ctx context.Context, spec WaitSpec, n *NodeInstance) error {
	now := r.engine.clock.Now().UnixMilli()
	if spec.Signal && n.SignalData != nil {
		output := map[string]any{"signal": n.SignalData, "timed_out": false}
		return r.completeNode(ctx, n, output, now-n.StartedAt)
	}
	if spec.Duration > 0 && now >= n.StartedAt+spec.Duration.Milliseconds() {
		output := map[string]any{"timed_out": spec.Signal, "waited_ms": now - n.StartedAt}
		return r.completeNode(ctx, n, output, now-n.StartedAt)
	}
	return nil
}

func (r *workflowRunner) completeNode(ctx context.Context, n *NodeInstance, output map[string]any, durationMs int64) error {
	outputCtx := NewJSONContextFromMap(output)
	if err := r.transit(ctx, n, NodeInstanceStatusCompleted, &UpdateNodeInstanceField{Output: outputCtx, DurationMs: &durationMs}); err != nil {
		return err
	}
	r.engine.metrics.nodeExecuted(n.NodeType, "completed", 0)
	return nil
}

// progressFanOut 推进循环/并行的子节点, 子节点全部结束后父节点才结束
func (r *workflowRunner) progressFanOut(ctx context.Context, nodeDef *NodeDefinition, parent *NodeInstance, children []*NodeInstance) error {
	if int64(len(children)) < parent.LoopTotal {
		// 上次展开到一半引擎退出了
		if err := r.expandChildren(ctx, nodeDef, parent); err != nil {
			return err
		}
		r.nudge()
		return nil
	}

	var completed, terminal, running int64
	failed := make([]*NodeInstance, 0)
	for _, child := range children {
		switch child.Status {
		case NodeInstanceStatusCompleted:
			completed++
		case NodeInstanceStatusFailed:
			failed = append(failed, child)
		case NodeInstanceStatusRunning:
			running++
		}
		if IsOverNodeInstanceStatus(child.Status) {
			terminal++
		}
	}
	if completed != parent.LoopCompleted {
		if err := r.engine.repo.UpdateLoopProgress(ctx, parent.ID, completed); err != nil {
			return errors.WithMessagef(err, "update loop progress failed, nodeInstanceID: %d", parent.ID)
		}
		parent.LoopCompleted = completed
	}

	if len(failed) > 0 && r.def.FailurePolicy == FailurePolicyFailFast {
		return r.failFanOut(ctx, parent, children, failed)
	}
	if terminal == int64(len(children)) {
		return r.completeFanOut(ctx, nodeDef, parent, children, failed)
	}

	limit := fanOutLimit(nodeDef.Spec, len(children))
	for _, child := range children {
		if !r.leaseActive() {
			return ErrLockNotHeld
		}
		var err error
		switch child.Status {
		case NodeInstanceStatusRunning:
			if _, ok := r.inflight[child.ID]; !ok {
				err = r.dispatch(ctx, nodeDef, child, NodeInstanceStatusRunning)
			}
		case NodeInstanceStatusFailedRetry:
			if running < limit && r.retryDue(child) {
				err = r.dispatch(ctx, nodeDef, child, NodeInstanceStatusFailedRetry)
				running++
			}
		case NodeInstanceStatusPending:
			if running < limit {
				err = r.dispatch(ctx, nodeDef, child, NodeInstanceStatusPending)
				running++
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func fanOutLimit(spec NodeSpec, total int) int64 {
	switch s := spec.(type) {
	case LoopSpec:
		if s.MaxConcurrency <= 0 {
			return 1
		}
		return int64(s.MaxConcurrency)
	case ParallelSpec:
		if s.MaxConcurrency <= 0 {
			return int64(total)
		}
		return int64(s.MaxConcurrency)
	}
	return 1
}

func (r *workflowRunner) failFanOut(ctx context.Context, parent *NodeInstance, children []*NodeInstance, failed []*NodeInstance) error {
	cancelIDs := make([]int64, 0)
	for _, child := range children {
		if !IsOverNodeInstanceStatus(child.Status) {
			cancelIDs = append(cancelIDs, child.ID)
		}
	}
	if len(cancelIDs) > 0 {
		if err := r.cancelNodes(ctx, cancelIDs); err != nil {
			return err
		}
	}
	first := failed[0]
	msg := fmt.Sprintf("child %d failed: %s", first.ChildIndex, first.ErrorMessage)
	return r.transit(ctx, parent, NodeInstanceStatusFailed, &UpdateNodeInstanceField{
		ErrorMessage: &msg,
		ErrorDetails: NewJSONContextFromMap(map[string]any{"failed_children": childIndexes(failed)}),
	})
}

func (r *workflowRunner) completeFanOut(ctx context.Context, nodeDef *NodeDefinition, parent *NodeInstance, children []*NodeInstance, failed []*NodeInstance) error {
	results := make([]any, len(children))
	for i, child := range children {
		if child.Status == NodeInstanceStatusCompleted {
			results[i] = orEmpty(child.Output)
		}
	}
	output := map[string]any{"results": results, "count": len(children)}
	if spec, ok := nodeDef.Spec.(ParallelSpec); ok {
		branches := make(map[string]any, len(spec.Branches))
		for i, branch := range spec.Branches {
			if i < len(results) {
				branches[branch.Name] = results[i]
			}
		}
		output["branches"] = branches
	}
	fields := &UpdateNodeInstanceField{}
	if len(failed) > 0 {
		output["failed"] = childIndexes(failed)
		msg := fmt.Sprintf("%d of %d children failed", len(failed), len(children))
		fields.ErrorMessage = &msg
	}
	normalized, err := normalizeJSON(output)
	if err != nil {
		return err
	}
	fields.Output = NewJSONContextFromMap(normalized.(map[string]any))
	duration := r.engine.clock.Now().UnixMilli() - parent.StartedAt
	fields.DurationMs = &duration
	if err := r.transit(ctx, parent, NodeInstanceStatusCompleted, fields); err != nil {
		return err
	}
	r.engine.metrics.nodeExecuted(parent.NodeType, "completed", 0)
	return nil
}

func childIndexes(nodes []*NodeInstance) []any {
	indexes := make([]any, 0, len(nodes))
	for _, n := range nodes {
		indexes = append(indexes, n.ChildIndex)
	}
	return indexes
}

func (r *workflowRunner) cancelNodes(ctx context.Context, ids []int64) error {
	status := NodeInstanceStatusCancelled
	now := r.engine.clock.Now().UnixMilli()
	if _, err := r.engine.repo.UpdateNodeInstance(ctx, &UpdateNodeInstanceParams{
		Where:  &UpdateNodeInstanceWhere{IDIn: ids, StatusIn: unfinishedNodeInstanceStatuses()},
		Fields: &UpdateNodeInstanceField{Status: &status, CompletedAt: &now},
	}); err != nil {
		return errors.WithMessagef(err, "cancel node instances failed, workflowInstanceID: %d", r.id)
	}
	return nil
}

// failWorkflow fail_fast 下有节点失败, 取消其余未结束的节点并结束工作流
func (r *workflowRunner) failWorkflow(ctx context.Context, failedNode *NodeInstance) (bool, error) {
	status := WorkflowInstanceStatusFailed
	now := r.engine.clock.Now().UnixMilli()
	msg := fmt.Sprintf("node %s failed: %s", failedNode.NodeID, failedNode.ErrorMessage)
	rows, err := r.engine.repo.UpdateWorkflowInstance(ctx, &UpdateWorkflowInstanceParams{
		Where:  &UpdateWorkflowInstanceWhere{IDIn: []int64{r.id}, StatusIn: unfinishedWorkflowInstanceStatuses()},
		Fields: &UpdateWorkflowInstanceField{Status: &status, ErrorMessage: &msg, CompletedAt: &now},
	})
	if err != nil {
		return false, errors.WithMessagef(err, "fail workflow failed, workflowInstanceID: %d", r.id)
	}
	cancelled := NodeInstanceStatusCancelled
	workflowInstanceID := r.id
	if _, err := r.engine.repo.UpdateNodeInstance(ctx, &UpdateNodeInstanceParams{
		Where:  &UpdateNodeInstanceWhere{WorkflowInstanceID: &workflowInstanceID, StatusIn: unfinishedNodeInstanceStatuses()},
		Fields: &UpdateNodeInstanceField{Status: &cancelled, CompletedAt: &now},
	}); err != nil {
		return false, errors.WithMessagef(err, "cancel remaining nodes failed, workflowInstanceID: %d", r.id)
	}
	if rows > 0 {
		r.engine.metrics.workflowFinished(status)
		r.logger.WarnContext(ctx, "workflow failed",
			slog.String("node_id", failedNode.NodeID),
			slog.String("error", failedNode.ErrorMessage))
	}
	return true, nil
}

// finalize 所有根节点都结束了, 汇总末端节点的输出
func (r *workflowRunner) finalize(ctx context.Context, snap *nodeSnapshot) (bool, error) {
	output := make(map[string]any)
	for _, sink := range r.def.SinkNodes() {
		if n := snap.roots[sink.ID]; n.Status == NodeInstanceStatusCompleted {
			output[sink.ID] = orEmpty(n.Output)
		}
	}
	failedNodes := make([]string, 0)
	for _, nodeDef := range r.def.Nodes {
		if snap.roots[nodeDef.ID].Status == NodeInstanceStatusFailed {
			failedNodes = append(failedNodes, nodeDef.ID)
		}
	}
	status := WorkflowInstanceStatusCompleted
	fields := &UpdateWorkflowInstanceField{Status: &status}
	if len(failedNodes) > 0 {
		failed := make([]any, 0, len(failedNodes))
		for _, id := range failedNodes {
			failed = append(failed, id)
		}
		output["failedNodes"] = failed
		msg := "failed nodes: " + strings.Join(failedNodes, ",")
		fields.ErrorMessage = &msg
		if r.def.FailurePolicy == FailurePolicyFailFast {
			status = WorkflowInstanceStatusFailed
		}
	}
	now := r.engine.clock.Now().UnixMilli()
	fields.CompletedAt = &now
	fields.Output = NewJSONContextFromMap(output)
	rows, err := r.engine.repo.UpdateWorkflowInstance(ctx, &UpdateWorkflowInstanceParams{
		Where:  &UpdateWorkflowInstanceWhere{IDIn: []int64{r.id}, StatusIn: unfinishedWorkflowInstanceStatuses()},
		Fields: fields,
	})
	if err != nil {
		return false, errors.WithMessagef(err, "finish workflow failed, workflowInstanceID: %d", r.id)
	}
	if rows > 0 {
		r.engine.metrics.workflowFinished(status)
		r.logger.InfoContext(ctx, "workflow finished",
			slog.String("status", status),
			slog.Int64("duration_ms", now-r.wf.StartedAt),
			slog.Int("failed_nodes", len(failedNodes)))
	}
	return true, nil
}
