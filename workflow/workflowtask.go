package workflow

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// NodeExecutor 节点执行器, 需要外部实现
type NodeExecutor interface {
	/**
	 * @description: 节点执行
	 * @param ctx context.Context 超时/取消都通过ctx传递, 执行器需要响应
	 * @param req *ExecutionRequest 节点配置和组装好的变量上下文
	 * @return map[string]any 节点输出, 会持久化并对下游节点可见
	 * @return error 非nil按重试策略处理, ErrNodeFailedFatal 不重试, ErrNodeFailedWithContinue 按完成处理
	 */
	Execute(ctx context.Context, req *ExecutionRequest) (map[string]any, error)
}

// ExecutionRequest 一次节点执行的输入
type ExecutionRequest struct {
	WorkflowInstanceID int64
	NodeInstanceID     int64
	NodeID             string
	NodeType           NodeType
	Attempt            int64 // 从1开始
	Config             map[string]any
	Variables          *VariableContext
	// 循环/并行子节点才有
	Item       any
	ChildIndex int64
	IsChild    bool
}

// Input 节点自己的输入, 等价于 Variables.NodeInput
func (r *ExecutionRequest) Input() *JSONContext {
	if r.Variables == nil {
		return NewJSONContext(nil)
	}
	return NewJSONContextFromMap(r.Variables.NodeInput)
}

// ExecutorFunc 函数适配成 NodeExecutor
type ExecutorFunc func(ctx context.Context, req *ExecutionRequest) (map[string]any, error)

func (f ExecutorFunc) Execute(ctx context.Context, req *ExecutionRequest) (map[string]any, error) {
	return f(ctx, req)
}

// ExecutorRegistry 执行器注册表, 由进程启动时创建并传给引擎
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[string]NodeExecutor
}

func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: make(map[string]NodeExecutor)}
}

func (r *ExecutorRegistry) Register(name string, executor NodeExecutor) error {
	if name == "" || executor == nil {
		return errors.WithMessage(ErrWorkflowParamInvalid, "executor name and executor are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.executors[name]; ok {
		return errors.WithMessagef(ErrExecutorAlreadyRegistered, "executor: %s", name)
	}
	r.executors[name] = executor
	return nil
}

func (r *ExecutorRegistry) MustRegister(name string, executor NodeExecutor) {
	if err := r.Register(name, executor); err != nil {
		panic(err)
	}
}

func (r *ExecutorRegistry) Get(name string) (NodeExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, ok := r.executors[name]
	return executor, ok
}

func (r *ExecutorRegistry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
