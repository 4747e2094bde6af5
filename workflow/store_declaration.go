package workflow

import (
	"context"
)

// WorkflowRepo 工作流实例和节点实例的存储, 节点状态更新都是单行条件更新, 可以重复执行
type WorkflowRepo interface {
	CreateWorkflowInstance(ctx context.Context, workflowInstance *WorkflowInstancePo) (*WorkflowInstancePo, error)
	// GetWorkflowInstance 不存在返回 ErrWorkflowInstanceNotFound
	GetWorkflowInstance(ctx context.Context, workflowInstanceID int64) (*WorkflowInstancePo, error)
	QueryWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) ([]*WorkflowInstancePo, error)
	CountWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) (int64, error)
	CountWorkflowInstanceByStatus(ctx context.Context) (map[string]int64, error)
	// UpdateWorkflowInstance 返回影响的行数, where 不满足时为0
	UpdateWorkflowInstance(ctx context.Context, param *UpdateWorkflowInstanceParams) (int64, error)

	// CreateNodeInstance 按 (workflow_instance_id, node_id, parent_node_id, child_index) 幂等, 已存在时返回已有的记录和false
	CreateNodeInstance(ctx context.Context, nodeInstance *NodeInstancePo) (*NodeInstancePo, bool, error)
	GetNodeInstance(ctx context.Context, nodeInstanceID int64) (*NodeInstancePo, error)
	FindByWorkflowInstanceID(ctx context.Context, workflowInstanceID int64) ([]*NodeInstancePo, error)
	// FindByWorkflowAndNodeID 只查根节点, 循环/并行的子节点不会被查到
	FindByWorkflowAndNodeID(ctx context.Context, workflowInstanceID int64, nodeID string) (*NodeInstancePo, error)
	FindChildNodes(ctx context.Context, workflowInstanceID int64, parentNodeID string) ([]*NodeInstancePo, error)
	QueryNodeInstance(ctx context.Context, param *QueryNodeInstanceParams) ([]*NodeInstancePo, error)
	UpdateNodeInstance(ctx context.Context, param *UpdateNodeInstanceParams) (int64, error)
	// UpdateStatus 只有当前状态在 fromIn 里才会更新, 返回是否更新成功
	UpdateStatus(ctx context.Context, nodeInstanceID int64, fromIn []string, to NodeInstanceStatus, fields *UpdateNodeInstanceField) (bool, error)
	UpdateLoopProgress(ctx context.Context, nodeInstanceID int64, completed int64) error

	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// WorkflowInstance 工作流实例
type WorkflowInstance struct {
	ID                int64                  `json:"id"`
	DefinitionID      string                 `json:"definition_id"`
	DefinitionVersion int64                  `json:"definition_version"`
	BusinessID        string                 `json:"business_id"`
	Status            WorkflowInstanceStatus `json:"status"`
	Input             map[string]any         `json:"input"`
	Context           map[string]any         `json:"context"`
	Output            map[string]any         `json:"output,omitempty"`
	AssignedEngineID  string                 `json:"assigned_engine_id"`
	RestartedFromID   int64                  `json:"restarted_from_id,omitempty"`
	ErrorMessage      string                 `json:"error_message,omitempty"`
	StartedAt         int64                  `json:"started_at"`
	CompletedAt       int64                  `json:"completed_at"`
	CreatedAt         int64                  `json:"created_at"`
	UpdatedAt         int64                  `json:"updated_at"`
}

// NodeInstance 节点实例, ParentNodeID 不为空的是循环/并行展开出来的子节点
type NodeInstance struct {
	ID                 int64              `json:"id"`
	WorkflowInstanceID int64              `json:"workflow_instance_id"`
	NodeID             string             `json:"node_id"`
	NodeType           NodeType           `json:"node_type"`
	Status             NodeInstanceStatus `json:"status"`
	ParentNodeID       string             `json:"parent_node_id,omitempty"`
	ChildIndex         int64              `json:"child_index"`
	ParallelGroupID    string             `json:"parallel_group_id,omitempty"`
	ParallelIndex      int64              `json:"parallel_index"`
	Input              map[string]any     `json:"input,omitempty"`
	Output             map[string]any     `json:"output,omitempty"`
	SignalData         map[string]any     `json:"signal_data,omitempty"`
	RetryCount         int64              `json:"retry_count"`
	MaxRetries         int64              `json:"max_retries"`
	LoopTotal          int64              `json:"loop_total"`
	LoopCompleted      int64              `json:"loop_completed"`
	ErrorMessage       string             `json:"error_message,omitempty"`
	ErrorDetails       map[string]any     `json:"error_details,omitempty"`
	NextRetryAt        int64              `json:"next_retry_at"`
	StartedAt          int64              `json:"started_at"`
	CompletedAt        int64              `json:"completed_at"`
	DurationMs         int64              `json:"duration_ms"`
	CreatedAt          int64              `json:"created_at"`
	UpdatedAt          int64              `json:"updated_at"`
}

func (n *NodeInstance) IsChild() bool {
	return n.ParentNodeID != ""
}
