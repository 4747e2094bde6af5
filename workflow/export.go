package workflow

import "context"

type WorkflowService interface {
	/**
	 * @description: 创建并启动工作流
	 *				 输入先按定义的 input_schema 校验, 不通过返回 *InputValidationError, 实例不会被创建
	 *				 实例创建为 pending, 通过注册表分配引擎, 分配给本引擎且引擎已启动时立即认领
	 * @param ctx context.Context
	 * @param req *StartWorkflowReq
	 * @return int64 工作流实例ID
	 * @return error
	 */
	StartWorkflow(ctx context.Context, req *StartWorkflowReq) (int64, error)
	/**
	 * @description: 查询工作流状态, 包含进度/节点视图/当前锁持有者
	 * @param ctx context.Context
	 * @param workflowInstanceID int64
	 * @return *WorkflowStatusView, error
	 */
	GetWorkflowStatus(ctx context.Context, workflowInstanceID int64) (*WorkflowStatusView, error)
	/**
	 * @description: 取消工作流, 未结束的节点都会变成 cancelled, 工作流锁被强制释放
	 *				 执行中的节点结果回来时会被丢弃
	 * @param ctx context.Context
	 * @param workflowInstanceID int64
	 * @return bool 工作流已经结束时为false
	 * @return error
	 */
	CancelWorkflow(ctx context.Context, workflowInstanceID int64) (bool, error)
	/**
	 * @description: 给 wait 节点投递外部事件, 新的事件覆盖旧的事件
	 * @param ctx context.Context
	 * @param req *SignalNodeReq
	 *				  req.WorkflowInstanceID 为工作流实例ID
	 *				  req.NodeID 为 wait 节点ID
	 *				  req.Data 为事件内容, 会作为节点输出的 signal 字段
	 * @return error 节点不是 wait 节点或者已经结束返回 ErrNodeSignalRejected
	 */
	SignalNode(ctx context.Context, req *SignalNodeReq) error
	/**
	 * @description: 运行工作流
	 *				 在本引擎上认领工作流并同步等待它结束, 一个工作流实例同一时间只会被一个引擎推进
	 *				 其他引擎持有工作流锁时返回 ErrLockNotAcquired
	 * @param ctx context.Context
	 * @param workflowInstanceID int64
	 * @return error
	 */
	RunWorkflow(ctx context.Context, workflowInstanceID int64) error
	/**
	 * @description: 重启工作流实例, 只有失败和取消状态可以重启，正常完成的不能重启
	 *				 原实例保持终态, 重启创建一个新实例, 原实例已完成的节点连同输出带到新实例
	 * @param ctx context.Context
	 * @param params *RestartWorkflowParams 重启工作流参数
	 *				  params.WorkflowInstanceID 为原工作流实例ID
	 *				  params.IsRun 为是否立即执行,如果为true，则立即认领新实例
	 * @return int64 新工作流实例ID
	 * @return error
	 */
	RestartWorkflowInstance(ctx context.Context, params *RestartWorkflowParams) (int64, error)
	/**
	 * @description: 查询工作流实例, params.Page 为空时默认第一页20条
	 * @param ctx context.Context
	 * @param params *QueryWorkflowInstanceParams
	 * @return []*WorkflowInstance, error
	 */
	QueryWorkflowInstance(ctx context.Context, params *QueryWorkflowInstanceParams) ([]*WorkflowInstance, error)
	/**
	 * @description: 查询工作流实例数量
	 * @param ctx context.Context
	 * @param params *QueryWorkflowInstanceParams
	 * @return int64, error
	 */
	CountWorkflowInstance(ctx context.Context, params *QueryWorkflowInstanceParams) (int64, error)
}

var _ WorkflowService = (*Engine)(nil)
