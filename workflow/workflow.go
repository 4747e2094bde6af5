package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/pkg/errors"
)

func String(s string) *string { return &s }
func Bool(b bool) *bool       { return &b }
func Int64(i int64) *int64    { return &i }

type StartWorkflowReq struct {
	DefinitionID string `json:"definition_id" validate:"required"`
	// Version 小于等于0使用最新版本
	Version    int64          `json:"version" validate:"gte=0"`
	BusinessID string         `json:"business_id" validate:"max=191"`
	Input      map[string]any `json:"input"`
	Context    map[string]any `json:"context"`
}

type SignalNodeReq struct {
	WorkflowInstanceID int64          `json:"workflow_instance_id" validate:"gt=0"`
	NodeID             string         `json:"node_id" validate:"required"`
	Data               map[string]any `json:"data"`
}

type RestartWorkflowParams struct {
	WorkflowInstanceID int64 `json:"workflow_instance_id" validate:"gt=0"`
	// IsRun 为true时如果本引擎已启动, 立即认领
	IsRun bool `json:"is_run"`
}

// WorkflowProgress 只统计根节点
type WorkflowProgress struct {
	Total     int     `json:"total"`
	Pending   int     `json:"pending"`
	Running   int     `json:"running"`
	Retrying  int     `json:"retrying"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Skipped   int     `json:"skipped"`
	Cancelled int     `json:"cancelled"`
	Percent   float64 `json:"percent"`
}

type NodeStatusView struct {
	NodeID        string         `json:"node_id"`
	NodeType      NodeType       `json:"node_type"`
	Status        string         `json:"status"`
	RetryCount    int64          `json:"retry_count"`
	MaxRetries    int64          `json:"max_retries"`
	LoopTotal     int64          `json:"loop_total,omitempty"`
	LoopCompleted int64          `json:"loop_completed,omitempty"`
	Children      int            `json:"children,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
	StartedAt     int64          `json:"started_at"`
	CompletedAt   int64          `json:"completed_at"`
	DurationMs    int64          `json:"duration_ms"`
}

type WorkflowStatusView struct {
	ID                int64             `json:"id"`
	DefinitionID      string            `json:"definition_id"`
	DefinitionVersion int64             `json:"definition_version"`
	BusinessID        string            `json:"business_id"`
	Status            string            `json:"status"`
	AssignedEngineID  string            `json:"assigned_engine_id"`
	RestartedFromID   int64             `json:"restarted_from_id,omitempty"`
	LockOwner         string            `json:"lock_owner,omitempty"`
	LockExpiresAt     int64             `json:"lock_expires_at,omitempty"`
	LockDegraded      bool              `json:"lock_degraded,omitempty"`
	Progress          WorkflowProgress  `json:"progress"`
	Nodes             []*NodeStatusView `json:"nodes"`
	Output            map[string]any    `json:"output,omitempty"`
	ErrorMessage      string            `json:"error_message,omitempty"`
	CreatedAt         int64             `json:"created_at"`
	StartedAt         int64             `json:"started_at"`
	CompletedAt       int64             `json:"completed_at"`
}

// StartWorkflow 校验输入后创建 pending 实例, 分配给本引擎时马上认领
// 输入不合法时返回 *InputValidationError, 实例不会被创建
func (e *Engine) StartWorkflow(ctx context.Context, req *StartWorkflowReq) (int64, error) {
	if req == nil {
		return 0, errors.WithMessage(ErrWorkflowParamInvalid, "StartWorkflow failed, req is nil")
	}
	if err := validatorUtil.Struct(req); err != nil {
		return 0, errors.Wrapf(ErrWorkflowParamInvalid, "StartWorkflow failed, req: %+v, err: %v", req, err)
	}
	def, err := e.definitions.Get(req.DefinitionID, req.Version)
	if err != nil {
		return 0, errors.WithMessagef(err, "StartWorkflow failed, definitionID: %s", req.DefinitionID)
	}
	if err := ValidateWorkflowInput(def, req.Input); err != nil {
		return 0, err
	}
	input, err := marshalMap(orEmpty(req.Input))
	if err != nil {
		return 0, errors.Wrapf(ErrWorkflowParamInvalid, "input is not json serializable: %v", err)
	}
	wfContext, err := marshalMap(orEmpty(req.Context))
	if err != nil {
		return 0, errors.Wrapf(ErrWorkflowParamInvalid, "context is not json serializable: %v", err)
	}

	po, err := e.createInstance(ctx, &WorkflowInstancePo{
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		BusinessID:        req.BusinessID,
		InputData:         input,
		ContextData:       wfContext,
	}, nil)
	if err != nil {
		return 0, err
	}
	if po.AssignedEngineID == e.cfg.EngineID {
		e.claimNow(ctx, po.ID)
	}
	return po.ID, nil
}

// createInstance 通过注册表分配引擎后创建 pending 实例, seed 和实例在同一个事务里写入
func (e *Engine) createInstance(ctx context.Context, po *WorkflowInstancePo, seed func(ctx context.Context, workflowInstanceID int64) error) (*WorkflowInstancePo, error) {
	if e.registry != nil {
		assigned, err := e.registry.SelectEngine(ctx)
		if err != nil && !errors.Is(err, ErrNoEngineAvailable) {
			e.logger.WarnContext(ctx, "select engine failed", slog.Any("error", err))
		}
		po.AssignedEngineID = assigned
	}
	po.Status = WorkflowInstanceStatusPending
	err := e.repo.Transaction(ctx, func(ctx context.Context) error {
		if _, err := e.repo.CreateWorkflowInstance(ctx, po); err != nil {
			return err
		}
		if seed == nil {
			return nil
		}
		return seed(ctx, po.ID)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "CreateWorkflowInstance failed, definitionID: %s", po.DefinitionID)
	}
	e.logger.InfoContext(ctx, "workflow created",
		slog.Int64("workflow_instance_id", po.ID),
		slog.String("definition_id", po.DefinitionID),
		slog.Int64("version", po.DefinitionVersion),
		slog.String("assigned_engine_id", po.AssignedEngineID),
		slog.Int64("restarted_from_id", po.RestartedFromID))
	return po, nil
}

// claimNow 引擎已启动时马上认领, 失败不影响创建, 轮询会再次认领
func (e *Engine) claimNow(ctx context.Context, workflowInstanceID int64) {
	if _, ok := e.runContext(); !ok {
		return
	}
	if _, err := e.claim(ctx, workflowInstanceID); err != nil && !errors.Is(err, ErrWorkflowAlreadyRunning) {
		e.logWorkflowError(ctx, "claim new workflow failed", workflowInstanceID, err)
	}
}

// GetWorkflowStatus 工作流状态/进度/节点视图, 以及当前锁的持有者
func (e *Engine) GetWorkflowStatus(ctx context.Context, workflowInstanceID int64) (*WorkflowStatusView, error) {
	if workflowInstanceID <= 0 {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "GetWorkflowStatus failed, workflowInstanceID: %d", workflowInstanceID)
	}
	po, err := e.repo.GetWorkflowInstance(ctx, workflowInstanceID)
	if err != nil {
		return nil, err
	}
	wf := po.toEntity()
	nodes, err := e.repo.FindByWorkflowInstanceID(ctx, workflowInstanceID)
	if err != nil {
		return nil, errors.WithMessagef(err, "FindByWorkflowInstanceID failed, workflowInstanceID: %d", workflowInstanceID)
	}
	view := &WorkflowStatusView{
		ID:                wf.ID,
		DefinitionID:      wf.DefinitionID,
		DefinitionVersion: wf.DefinitionVersion,
		BusinessID:        wf.BusinessID,
		Status:            wf.Status,
		AssignedEngineID:  wf.AssignedEngineID,
		RestartedFromID:   wf.RestartedFromID,
		Output:            wf.Output,
		ErrorMessage:      wf.ErrorMessage,
		CreatedAt:         wf.CreatedAt,
		StartedAt:         wf.StartedAt,
		CompletedAt:       wf.CompletedAt,
		Nodes:             make([]*NodeStatusView, 0),
	}

	children := make(map[string]int)
	roots := make(map[string]*NodeInstance)
	for _, nodePo := range nodes {
		n := nodePo.toEntity()
		if n.IsChild() {
			children[n.ParentNodeID]++
			continue
		}
		roots[n.NodeID] = n
	}
	order := e.nodeOrder(wf, roots)
	for _, nodeID := range order {
		n, ok := roots[nodeID]
		if !ok {
			view.Progress.Pending++
			continue
		}
		view.Nodes = append(view.Nodes, &NodeStatusView{
			NodeID:        n.NodeID,
			NodeType:      n.NodeType,
			Status:        n.Status,
			RetryCount:    n.RetryCount,
			MaxRetries:    n.MaxRetries,
			LoopTotal:     n.LoopTotal,
			LoopCompleted: n.LoopCompleted,
			Children:      children[n.NodeID],
			ErrorMessage:  n.ErrorMessage,
			Output:        n.Output,
			StartedAt:     n.StartedAt,
			CompletedAt:   n.CompletedAt,
			DurationMs:    n.DurationMs,
		})
		switch n.Status {
		case NodeInstanceStatusPending:
			view.Progress.Pending++
		case NodeInstanceStatusRunning:
			view.Progress.Running++
		case NodeInstanceStatusFailedRetry:
			view.Progress.Retrying++
		case NodeInstanceStatusCompleted:
			view.Progress.Completed++
		case NodeInstanceStatusFailed:
			view.Progress.Failed++
		case NodeInstanceStatusSkipped:
			view.Progress.Skipped++
		case NodeInstanceStatusCancelled:
			view.Progress.Cancelled++
		}
	}
	view.Progress.Total = len(order)
	if view.Progress.Total > 0 {
		done := view.Progress.Completed + view.Progress.Failed + view.Progress.Skipped + view.Progress.Cancelled
		view.Progress.Percent = float64(done) * 100 / float64(view.Progress.Total)
	}

	lock, err := e.locks.CheckLock(ctx, WorkflowLockKey(workflowInstanceID))
	if err != nil {
		e.logger.WarnContext(ctx, "check workflow lock failed",
			slog.Int64("workflow_instance_id", workflowInstanceID), slog.Any("error", err))
	} else if lock != nil {
		view.LockOwner = lock.Owner
		view.LockExpiresAt = unixMilli(lock.ExpiresAt)
		view.LockDegraded = lock.Degraded
	}
	return view, nil
}

// nodeOrder 有定义时按拓扑序, 没有定义时按节点id
func (e *Engine) nodeOrder(wf *WorkflowInstance, roots map[string]*NodeInstance) []string {
	if def, err := e.definitions.Get(wf.DefinitionID, wf.DefinitionVersion); err == nil {
		order := make([]string, 0, len(def.Nodes))
		for _, nodeDef := range def.Nodes {
			order = append(order, nodeDef.ID)
		}
		return order
	}
	order := make([]string, 0, len(roots))
	for id := range roots {
		order = append(order, id)
	}
	sort.Strings(order)
	return order
}

// CancelWorkflow 取消工作流, 未结束的节点都标记为 cancelled 并强制释放工作流锁
// 已经结束的工作流返回 false
// 执行中的节点不会被打断, 结果回来时工作流已结束会被丢弃
func (e *Engine) CancelWorkflow(ctx context.Context, workflowInstanceID int64) (bool, error) {
	if workflowInstanceID <= 0 {
		return false, errors.Wrapf(ErrWorkflowParamInvalid, "CancelWorkflow failed, workflowInstanceID: %d", workflowInstanceID)
	}
	po, err := e.repo.GetWorkflowInstance(ctx, workflowInstanceID)
	if err != nil {
		return false, err
	}
	if IsOverWorkflowInstanceStatus(po.Status) {
		return false, nil
	}
	var cancelled bool
	err = e.repo.Transaction(ctx, func(ctx context.Context) error {
		now := e.clock.Now().UnixMilli()
		rows, err := e.repo.UpdateWorkflowInstance(ctx, &UpdateWorkflowInstanceParams{
			Where: &UpdateWorkflowInstanceWhere{
				IDIn:     []int64{workflowInstanceID},
				StatusIn: unfinishedWorkflowInstanceStatuses(),
			},
			Fields: &UpdateWorkflowInstanceField{
				Status:       String(WorkflowInstanceStatusCancelled),
				ErrorMessage: String("cancelled"),
				CompletedAt:  &now,
			},
		})
		if err != nil {
			return errors.WithMessagef(err, "UpdateWorkflowInstance failed, workflowInstanceID: %d", workflowInstanceID)
		}
		if rows == 0 {
			return nil
		}
		cancelled = true
		if _, err := e.repo.UpdateNodeInstance(ctx, &UpdateNodeInstanceParams{
			Where: &UpdateNodeInstanceWhere{
				WorkflowInstanceID: &workflowInstanceID,
				StatusIn:           unfinishedNodeInstanceStatuses(),
			},
			Fields: &UpdateNodeInstanceField{
				Status:      String(NodeInstanceStatusCancelled),
				CompletedAt: &now,
			},
		}); err != nil {
			return errors.WithMessagef(err, "UpdateNodeInstance failed, workflowInstanceID: %d", workflowInstanceID)
		}
		return nil
	})
	if err != nil {
		return false, errors.WithMessagef(err, "CancelWorkflow failed, workflowInstanceID: %d", workflowInstanceID)
	}
	if !cancelled {
		return false, nil
	}

	// 先停 runner, 否则它会把锁被释放当成锁丢失
	if r, ok := e.runner(workflowInstanceID); ok {
		r.stop(runnerStopCancelled)
	}
	// 锁操作不能放在事务里, sqlite 只有一个连接
	if _, err := e.leases.ForceReleaseLock(ctx, workflowInstanceID); err != nil {
		e.logger.WarnContext(ctx, "force release workflow lock failed",
			slog.Int64("workflow_instance_id", workflowInstanceID), slog.Any("error", err))
	}
	e.metrics.workflowFinished(WorkflowInstanceStatusCancelled)
	e.logger.WarnContext(ctx, "workflow cancelled", slog.Int64("workflow_instance_id", workflowInstanceID))
	return true, nil
}

// SignalNode 给 wait 节点投递外部事件, 新事件覆盖旧事件
// 节点已经结束或者不是 wait 节点返回 ErrNodeSignalRejected
func (e *Engine) SignalNode(ctx context.Context, req *SignalNodeReq) error {
	if req == nil {
		return errors.WithMessage(ErrWorkflowParamInvalid, "SignalNode failed, req is nil")
	}
	if err := validatorUtil.Struct(req); err != nil {
		return errors.Wrapf(ErrWorkflowParamInvalid, "SignalNode failed, req: %+v, err: %v", req, err)
	}
	wfPo, err := e.repo.GetWorkflowInstance(ctx, req.WorkflowInstanceID)
	if err != nil {
		return err
	}
	if IsOverWorkflowInstanceStatus(wfPo.Status) {
		return errors.WithMessagef(ErrNodeSignalRejected, "workflow %d is %s", wfPo.ID, wfPo.Status)
	}
	nodePo, err := e.repo.FindByWorkflowAndNodeID(ctx, req.WorkflowInstanceID, req.NodeID)
	if err != nil {
		if errors.Is(err, ErrNodeInstanceNotFound) {
			return errors.WithMessagef(ErrNodeSignalRejected, "node %s not created yet", req.NodeID)
		}
		return err
	}
	if nodePo.NodeType != NodeTypeWait {
		return errors.WithMessagef(ErrNodeSignalRejected, "node %s is %s, not wait", req.NodeID, nodePo.NodeType)
	}
	data, err := normalizeJSON(orEmpty(req.Data))
	if err != nil {
		return errors.Wrapf(ErrWorkflowParamInvalid, "signal data is not json serializable: %v", err)
	}
	rows, err := e.repo.UpdateNodeInstance(ctx, &UpdateNodeInstanceParams{
		Where: &UpdateNodeInstanceWhere{
			IDIn:     []int64{nodePo.ID},
			StatusIn: unfinishedNodeInstanceStatuses(),
		},
		Fields: &UpdateNodeInstanceField{SignalData: NewJSONContextFromMap(data.(map[string]any))},
	})
	if err != nil {
		return errors.WithMessagef(err, "UpdateNodeInstance failed, nodeInstanceID: %d", nodePo.ID)
	}
	if rows == 0 {
		return errors.WithMessagef(ErrNodeSignalRejected, "node %s already finished", req.NodeID)
	}
	if r, ok := e.runner(req.WorkflowInstanceID); ok {
		r.nudge()
	}
	e.logger.InfoContext(ctx, "node signalled",
		slog.Int64("workflow_instance_id", req.WorkflowInstanceID), slog.String("node_id", req.NodeID))
	return nil
}

// RunWorkflow 在本引擎上认领并同步推进工作流, 直到结束/锁丢失/ctx结束
// 本引擎已经在推进这个工作流时等待它结束
func (e *Engine) RunWorkflow(ctx context.Context, workflowInstanceID int64) error {
	if workflowInstanceID <= 0 {
		return errors.Wrapf(ErrWorkflowParamInvalid, "RunWorkflow failed, workflowInstanceID: %d", workflowInstanceID)
	}
	r, err := e.claim(ctx, workflowInstanceID)
	if errors.Is(err, ErrWorkflowAlreadyRunning) || errors.Is(err, ErrWorkflowTerminated) {
		// 已结束的工作流可能还有 runner 在收尾, 等它释放锁
		running, ok := e.runner(workflowInstanceID)
		if !ok {
			if errors.Is(err, ErrWorkflowTerminated) {
				return nil
			}
			return err
		}
		r = running
	} else if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return r.err
	}
}

// RestartWorkflowInstance 以 failed/cancelled 的实例为模板创建一个新实例并返回新实例ID, 原实例保持终态
// 原实例里已完成的节点连同输出复制到新实例, 其余节点在新实例里重新执行
func (e *Engine) RestartWorkflowInstance(ctx context.Context, params *RestartWorkflowParams) (int64, error) {
	if params == nil {
		return 0, errors.WithMessage(ErrWorkflowParamInvalid, "RestartWorkflowInstance failed, params is nil")
	}
	if err := validatorUtil.Struct(params); err != nil {
		return 0, errors.Wrapf(ErrWorkflowParamInvalid, "RestartWorkflowInstance failed, params: %+v, err: %v", params, err)
	}
	sourceID := params.WorkflowInstanceID
	source, err := e.repo.GetWorkflowInstance(ctx, sourceID)
	if err != nil {
		return 0, err
	}
	if source.Status != WorkflowInstanceStatusFailed && source.Status != WorkflowInstanceStatusCancelled {
		return 0, errors.WithMessagef(ErrWorkflowParamInvalid, "workflow %d is %s, only failed or cancelled can restart", sourceID, source.Status)
	}
	if _, err := e.definitions.Get(source.DefinitionID, source.DefinitionVersion); err != nil {
		return 0, errors.WithMessagef(err, "RestartWorkflowInstance failed, definitionID: %s", source.DefinitionID)
	}
	nodes, err := e.repo.FindByWorkflowInstanceID(ctx, sourceID)
	if err != nil {
		return 0, errors.WithMessagef(err, "FindByWorkflowInstanceID failed, workflowInstanceID: %d", sourceID)
	}
	carried := completedNodes(nodes)

	po, err := e.createInstance(ctx, &WorkflowInstancePo{
		DefinitionID:      source.DefinitionID,
		DefinitionVersion: source.DefinitionVersion,
		BusinessID:        source.BusinessID,
		InputData:         source.InputData,
		ContextData:       source.ContextData,
		RestartedFromID:   sourceID,
	}, func(ctx context.Context, workflowInstanceID int64) error {
		for _, n := range carried {
			cp := *n
			cp.ID = 0
			cp.WorkflowInstanceID = workflowInstanceID
			if _, _, err := e.repo.CreateNodeInstance(ctx, &cp); err != nil {
				return errors.WithMessagef(err, "copy node %s failed", n.NodeID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "RestartWorkflowInstance failed, workflowInstanceID: %d", sourceID)
	}
	e.logger.InfoContext(ctx, "workflow restarted",
		slog.Int64("workflow_instance_id", po.ID),
		slog.Int64("restarted_from_id", sourceID),
		slog.String("from", source.Status),
		slog.Int("carried_nodes", len(carried)))
	if params.IsRun || po.AssignedEngineID == e.cfg.EngineID {
		e.claimNow(ctx, po.ID)
	}
	return po.ID, nil
}

// completedNodes 已完成的根节点和它们的子节点
func completedNodes(nodes []*NodeInstancePo) []*NodeInstancePo {
	done := make(map[string]bool)
	for _, n := range nodes {
		if n.ParentNodeID == "" && n.Status == NodeInstanceStatusCompleted {
			done[n.NodeID] = true
		}
	}
	ret := make([]*NodeInstancePo, 0, len(done))
	for _, n := range nodes {
		if n.ParentNodeID == "" && done[n.NodeID] {
			ret = append(ret, n)
		} else if n.ParentNodeID != "" && done[n.ParentNodeID] {
			ret = append(ret, n)
		}
	}
	return ret
}

func (e *Engine) QueryWorkflowInstance(ctx context.Context, params *QueryWorkflowInstanceParams) ([]*WorkflowInstance, error) {
	if params == nil {
		params = &QueryWorkflowInstanceParams{}
	}
	if params.Page == nil {
		params.Page = &Pager{Page: 1, Size: 20}
	}
	if err := validatorUtil.Struct(params); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "QueryWorkflowInstance failed, params: %+v, err: %v", params, err)
	}
	pos, err := e.repo.QueryWorkflowInstance(ctx, params)
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryWorkflowInstance failed, params: %+v", params)
	}
	ret := make([]*WorkflowInstance, 0, len(pos))
	for _, po := range pos {
		ret = append(ret, po.toEntity())
	}
	return ret, nil
}

func (e *Engine) CountWorkflowInstance(ctx context.Context, params *QueryWorkflowInstanceParams) (int64, error) {
	if params == nil {
		params = &QueryWorkflowInstanceParams{}
	}
	if err := validatorUtil.Struct(params); err != nil {
		return 0, errors.Wrapf(ErrWorkflowParamInvalid, "CountWorkflowInstance failed, params: %+v, err: %v", params, err)
	}
	count, err := e.repo.CountWorkflowInstance(ctx, params)
	if err != nil {
		return 0, errors.WithMessagef(err, "CountWorkflowInstance failed, params: %+v", params)
	}
	return count, nil
}

func (v *WorkflowStatusView) String() string {
	return fmt.Sprintf("workflow %d [%s] %s %.0f%% (%d/%d nodes done)",
		v.ID, v.DefinitionID, v.Status, v.Progress.Percent,
		v.Progress.Completed+v.Progress.Failed+v.Progress.Skipped+v.Progress.Cancelled, v.Progress.Total)
}
