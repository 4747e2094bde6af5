package workflow

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// VariableScope 决定 nodes 里包含哪些已完成节点
type VariableScope int

const (
	// ScopeUpstream 所有直接或间接的上游节点, 默认
	ScopeUpstream VariableScope = iota
	// ScopeDirect 只有 depends_on 里的节点
	ScopeDirect
	// ScopeAll 工作流里所有已完成的节点
	ScopeAll
)

var variableScopeNames = map[string]VariableScope{
	"upstream": ScopeUpstream,
	"direct":   ScopeDirect,
	"all":      ScopeAll,
}

// ParseVariableScope 空字符串按 upstream 处理
func ParseVariableScope(s string) (VariableScope, error) {
	if s == "" {
		return ScopeUpstream, nil
	}
	scope, ok := variableScopeNames[s]
	if !ok {
		return ScopeUpstream, fmt.Errorf("unknown variable scope %q", s)
	}
	return scope, nil
}

func (s VariableScope) String() string {
	for name, scope := range variableScopeNames {
		if scope == s {
			return name
		}
	}
	return fmt.Sprintf("VariableScope(%d)", int(s))
}

// VariableContext 节点可见的变量
// 嵌套结构和扁平结构同时提供, 扁平结构的key是点分路径, 例如 nodes.first-node.output.result
type VariableContext struct {
	Input              map[string]any `json:"input"`
	Context            map[string]any `json:"context"`
	NodeInput          map[string]any `json:"nodeInput"`
	Nodes              map[string]any `json:"nodes"` // nodeID -> {"output": ...}
	PreviousNodeOutput map[string]any `json:"previousNodeOutput,omitempty"`
	Flat               map[string]any `json:"-"`
}

// ToMap 嵌套结构, previousNodeOutput 为空时不出现
func (v *VariableContext) ToMap() map[string]any {
	m := map[string]any{
		"input":     orEmpty(v.Input),
		"context":   orEmpty(v.Context),
		"nodeInput": orEmpty(v.NodeInput),
		"nodes":     orEmpty(v.Nodes),
	}
	if v.PreviousNodeOutput != nil {
		m["previousNodeOutput"] = v.PreviousNodeOutput
	}
	return m
}

// Lookup 按点分路径在嵌套结构里取值, 和 Flat[path] 一致, key 里的点写成 \.
func (v *VariableContext) Lookup(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	return lookupPath(v.ToMap(), SplitPath(path))
}

// NodeOutput 某个节点的输出
func (v *VariableContext) NodeOutput(nodeID string) (map[string]any, bool) {
	entry, ok := v.Nodes[nodeID].(map[string]any)
	if !ok {
		return nil, false
	}
	output, ok := entry["output"].(map[string]any)
	return output, ok
}

// VariableContextError 组装变量上下文失败, errors.Is(err, ErrVariableContextUnavailable) 为true
type VariableContextError struct {
	WorkflowInstanceID int64
	NodeID             string
	Cause              error
}

func (e *VariableContextError) Error() string {
	return fmt.Sprintf("build variable context failed, workflowInstanceID: %d, nodeID: %s: %v", e.WorkflowInstanceID, e.NodeID, e.Cause)
}

func (e *VariableContextError) Unwrap() error {
	return e.Cause
}

func (e *VariableContextError) Is(target error) bool {
	return target == ErrVariableContextUnavailable
}

type VariableContextBuilder struct {
	repo WorkflowRepo
}

func NewVariableContextBuilder(repo WorkflowRepo) *VariableContextBuilder {
	return &VariableContextBuilder{repo: repo}
}

// Build 读取工作流下所有节点实例组装上下文, 第一个节点没有任何上游也可以正常返回
func (b *VariableContextBuilder) Build(ctx context.Context, wf *WorkflowInstance, def *WorkflowDefinition, node *NodeInstance, scope VariableScope) (*VariableContext, error) {
	if wf == nil || node == nil {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "workflow instance and node instance are required")
	}
	pos, err := b.repo.FindByWorkflowInstanceID(ctx, wf.ID)
	if err != nil {
		return nil, &VariableContextError{WorkflowInstanceID: wf.ID, NodeID: node.NodeID, Cause: err}
	}
	completed := make(map[string]map[string]any, len(pos))
	for _, po := range pos {
		if po.ParentNodeID != "" || po.Status != NodeInstanceStatusCompleted {
			continue
		}
		completed[po.NodeID] = orEmpty(unmarshalMap(po.OutputData))
	}

	visible := b.visibleNodes(def, node.NodeID, scope, completed)
	nodes := make(map[string]any, len(visible))
	for _, nodeID := range visible {
		nodes[nodeID] = map[string]any{"output": deepCopyMap(completed[nodeID])}
	}

	vars := &VariableContext{
		Input:     deepCopyMap(orEmpty(wf.Input)),
		Context:   deepCopyMap(orEmpty(wf.Context)),
		NodeInput: deepCopyMap(orEmpty(node.Input)),
		Nodes:     nodes,
	}
	if def != nil {
		if nodeDef, ok := def.Node(node.NodeID); ok && len(nodeDef.DependsOn) == 1 {
			if output, ok := completed[nodeDef.DependsOn[0]]; ok {
				vars.PreviousNodeOutput = deepCopyMap(output)
			}
		}
	}
	vars.Flat = FlattenMap("", vars.ToMap())
	return vars, nil
}

func (b *VariableContextBuilder) visibleNodes(def *WorkflowDefinition, nodeID string, scope VariableScope, completed map[string]map[string]any) []string {
	visible := make([]string, 0, len(completed))
	if scope == ScopeAll || def == nil {
		for id := range completed {
			if id != nodeID {
				visible = append(visible, id)
			}
		}
		return visible
	}
	nodeDef, ok := def.Node(nodeID)
	if !ok {
		return visible
	}
	if scope == ScopeDirect {
		for _, dep := range nodeDef.DependsOn {
			if _, ok := completed[dep]; ok {
				visible = append(visible, dep)
			}
		}
		return visible
	}
	for dep := range def.Upstream(nodeID) {
		if _, ok := completed[dep]; ok {
			visible = append(visible, dep)
		}
	}
	return visible
}
