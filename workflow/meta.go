package workflow

import (
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var (
	ErrWorkflowDefinitionNotFound = errors.New("workflow definition not found")
	ErrWorkflowDefinitionInvalid  = errors.New("workflow definition invalid")
	ErrExecutorNotFound           = errors.New("node executor not found")
	ErrExecutorAlreadyRegistered  = errors.New("node executor already registered")
	ErrWorkflowInstanceNotFound   = errors.New("workflow instance not found")
	ErrNodeInstanceNotFound       = errors.New("node instance not found")
	ErrWorkflowParamInvalid       = errors.New("workflow param invalid")
	ErrWorkflowInputInvalid       = errors.New("workflow input invalid")
	ErrWorkflowTerminated         = errors.New("workflow instance already terminated")
	ErrVariableContextUnavailable = errors.New("variable context unavailable")
	ErrConditionInvalid           = errors.New("node condition invalid")
	ErrNoEngineAvailable          = errors.New("no live engine instance available")
	ErrEngineNotStarted           = errors.New("engine not started")
	ErrLockParamInvalid           = errors.New("lock param invalid")
	ErrLockNotAcquired            = errors.New("lock not acquired")
	ErrLockNotHeld                = errors.New("workflow lock no longer held")
	ErrLockBackendUnavailable     = errors.New("lock backend unavailable")
	ErrNodeSignalRejected         = errors.New("node signal rejected")
	ErrNodeExecutionTimeout       = errors.New("node execution timed out")
	ErrNodeExecutionPanic         = errors.New("node execution panicked")
	ErrWorkflowAlreadyRunning     = errors.New("workflow instance already running on this engine")

	// 执行器返回的特殊错误, 会影响节点状态流转
	// ErrNodeFailedWithContinue: 节点失败但按完成处理, 错误信息会记录下来
	// 场景&应用: 一些通知类任务, 成功或者失败都不影响后续节点
	ErrNodeFailedWithContinue = errors.New("node failed with continue")
	// ErrNodeFailedFatal: 节点失败且不再重试, 无论重试多少次都不会成功
	ErrNodeFailedFatal = errors.New("node failed fatally")
)

var validatorUtil = validator.New()

type WorkflowInstanceStatus = string

const (
	WorkflowInstanceStatusPending WorkflowInstanceStatus = "pending"
	WorkflowInstanceStatusRunning WorkflowInstanceStatus = "running"
	// 终止状态
	WorkflowInstanceStatusCompleted WorkflowInstanceStatus = "completed"
	WorkflowInstanceStatusFailed    WorkflowInstanceStatus = "failed"
	WorkflowInstanceStatusCancelled WorkflowInstanceStatus = "cancelled"
)

func IsOverWorkflowInstanceStatus(status WorkflowInstanceStatus) bool {
	return status == WorkflowInstanceStatusFailed || status == WorkflowInstanceStatusCancelled || status == WorkflowInstanceStatusCompleted
}

func unfinishedWorkflowInstanceStatuses() []string {
	return []string{WorkflowInstanceStatusPending, WorkflowInstanceStatusRunning}
}

type NodeInstanceStatus = string

const (
	NodeInstanceStatusPending NodeInstanceStatus = "pending"
	NodeInstanceStatusRunning NodeInstanceStatus = "running"
	// 失败但还有重试次数, next_retry_at 之后重新进入running
	NodeInstanceStatusFailedRetry NodeInstanceStatus = "failed_retry"
	// 终止状态
	NodeInstanceStatusCompleted NodeInstanceStatus = "completed"
	NodeInstanceStatusFailed    NodeInstanceStatus = "failed"
	NodeInstanceStatusSkipped   NodeInstanceStatus = "skipped"
	NodeInstanceStatusCancelled NodeInstanceStatus = "cancelled"
)

func IsOverNodeInstanceStatus(status NodeInstanceStatus) bool {
	switch status {
	case NodeInstanceStatusCompleted, NodeInstanceStatusFailed, NodeInstanceStatusSkipped, NodeInstanceStatusCancelled:
		return true
	}
	return false
}

func unfinishedNodeInstanceStatuses() []string {
	return []string{NodeInstanceStatusPending, NodeInstanceStatusRunning, NodeInstanceStatusFailedRetry}
}

// nodeStatusTransitions 节点状态只能单向流转, 终止状态没有出边
var nodeStatusTransitions = map[NodeInstanceStatus][]NodeInstanceStatus{
	NodeInstanceStatusPending: {
		NodeInstanceStatusRunning,
		NodeInstanceStatusSkipped,
		NodeInstanceStatusFailed,
		NodeInstanceStatusCancelled,
	},
	NodeInstanceStatusRunning: {
		NodeInstanceStatusCompleted,
		NodeInstanceStatusFailed,
		NodeInstanceStatusFailedRetry,
		NodeInstanceStatusCancelled,
	},
	NodeInstanceStatusFailedRetry: {
		NodeInstanceStatusRunning,
		NodeInstanceStatusSkipped,
		NodeInstanceStatusCancelled,
	},
}

func CanTransitNodeStatus(from, to NodeInstanceStatus) bool {
	for _, next := range nodeStatusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// nodeStatusSourcesOf 能流转到 to 的所有状态, 用于 update 的 where 条件
func nodeStatusSourcesOf(to NodeInstanceStatus) []string {
	sources := make([]string, 0, 3)
	for _, from := range []NodeInstanceStatus{NodeInstanceStatusPending, NodeInstanceStatusRunning, NodeInstanceStatusFailedRetry} {
		if CanTransitNodeStatus(from, to) {
			sources = append(sources, from)
		}
	}
	return sources
}

type NodeType = string

const (
	NodeTypeTask     NodeType = "task"
	NodeTypeLoop     NodeType = "loop"
	NodeTypeParallel NodeType = "parallel"
	NodeTypeWait     NodeType = "wait"
)

type FailurePolicy = string

const (
	FailurePolicyFailFast        FailurePolicy = "fail_fast"
	FailurePolicyContinueOnError FailurePolicy = "continue_on_error"
)

// IsSeriousError 判断是否需要人工介入的错误, 用于决定打error还是warn级别日志
// 1. 配置问题, 工作流没有办法正常运行
// 2. 节点致命失败, 重试也不会成功
func IsSeriousError(err error) bool {
	if err == nil {
		return false
	}
	causeErr := errors.Cause(err)
	if errors.Is(causeErr, ErrWorkflowDefinitionNotFound) ||
		errors.Is(causeErr, ErrWorkflowDefinitionInvalid) ||
		errors.Is(causeErr, ErrExecutorNotFound) ||
		errors.Is(causeErr, ErrWorkflowInstanceNotFound) ||
		errors.Is(causeErr, ErrNodeFailedFatal) ||
		errors.Is(causeErr, ErrLockBackendUnavailable) {
		return true
	}
	return false
}
