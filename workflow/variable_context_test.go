package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chainDefinition = `
id: chain
nodes:
  - id: A
    task: {executor: echo}
  - id: B
    depends_on: [A]
    task: {executor: echo}
  - id: C
    depends_on: [B]
    task: {executor: echo}
  - id: D
    task: {executor: echo}
`

type chainFixture struct {
	repo WorkflowRepo
	def  *WorkflowDefinition
	wf   *WorkflowInstance
	node map[string]*NodeInstance
}

// newChainFixture A, B, D 已完成, C 等待执行
func newChainFixture(t *testing.T) *chainFixture {
	t.Helper()
	ctx := context.Background()
	repo := NewWorkflowRepo(newTestDB(t), testClock())
	def, err := newTestDefinitions(t, newTestExecutors(t), chainDefinition).Latest("chain")
	require.NoError(t, err)

	input, _ := marshalMap(map[string]any{"user": map[string]any{"name": "li"}})
	shared, _ := marshalMap(map[string]any{"tenant": "t1"})
	wfPo, err := repo.CreateWorkflowInstance(ctx, &WorkflowInstancePo{
		DefinitionID:      "chain",
		DefinitionVersion: 1,
		Status:            WorkflowInstanceStatusRunning,
		InputData:         input,
		ContextData:       shared,
	})
	require.NoError(t, err)

	f := &chainFixture{repo: repo, def: def, wf: wfPo.toEntity(), node: make(map[string]*NodeInstance)}
	outputs := map[string]map[string]any{
		"A": {"result": "a", "list": []any{1.0, map[string]any{"k": "v"}}},
		"B": {"result": "b"},
		"D": {"result": "d"},
	}
	for _, id := range []string{"A", "B", "C", "D"} {
		po := &NodeInstancePo{WorkflowInstanceID: wfPo.ID, NodeID: id, NodeType: NodeTypeTask, Status: NodeInstanceStatusPending}
		if out, ok := outputs[id]; ok {
			po.Status = NodeInstanceStatusCompleted
			po.OutputData, _ = marshalMap(out)
		} else {
			po.InputData, _ = marshalMap(map[string]any{"step": 3.0})
		}
		created, _, err := repo.CreateNodeInstance(ctx, po)
		require.NoError(t, err)
		f.node[id] = created.toEntity()
	}
	// 子节点的输出不出现在 nodes 里
	_, _, err = repo.CreateNodeInstance(ctx, &NodeInstancePo{
		WorkflowInstanceID: wfPo.ID, NodeID: "B", ParentNodeID: "B", ChildIndex: 1,
		NodeType: NodeTypeTask, Status: NodeInstanceStatusCompleted, OutputData: []byte(`{"child": true}`),
	})
	require.NoError(t, err)
	return f
}

func TestVariableContextBuilder_Scopes(t *testing.T) {
	f := newChainFixture(t)
	builder := NewVariableContextBuilder(f.repo)
	ctx := context.Background()

	vars, err := builder.Build(ctx, f.wf, f.def, f.node["C"], ScopeUpstream)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"user": map[string]any{"name": "li"}}, vars.Input)
	assert.Equal(t, map[string]any{"tenant": "t1"}, vars.Context)
	assert.Equal(t, map[string]any{"step": 3.0}, vars.NodeInput)
	assert.Len(t, vars.Nodes, 2)
	out, ok := vars.NodeOutput("A")
	require.True(t, ok)
	assert.Equal(t, "a", out["result"])
	_, ok = vars.NodeOutput("D")
	assert.False(t, ok)
	assert.Equal(t, map[string]any{"result": "b"}, vars.PreviousNodeOutput)

	vars, err = builder.Build(ctx, f.wf, f.def, f.node["C"], ScopeDirect)
	require.NoError(t, err)
	assert.Len(t, vars.Nodes, 1)
	_, ok = vars.NodeOutput("B")
	assert.True(t, ok)

	vars, err = builder.Build(ctx, f.wf, f.def, f.node["C"], ScopeAll)
	require.NoError(t, err)
	assert.Len(t, vars.Nodes, 3)

	// 第一个节点没有上游
	vars, err = builder.Build(ctx, f.wf, f.def, f.node["A"], ScopeUpstream)
	require.NoError(t, err)
	assert.Empty(t, vars.Nodes)
	assert.Nil(t, vars.PreviousNodeOutput)
	assert.NotContains(t, vars.ToMap(), "previousNodeOutput")
}

func TestVariableContext_FlatMatchesNested(t *testing.T) {
	f := newChainFixture(t)
	vars, err := NewVariableContextBuilder(f.repo).Build(context.Background(), f.wf, f.def, f.node["C"], ScopeUpstream)
	require.NoError(t, err)

	assert.Equal(t, "a", vars.Flat["nodes.A.output.result"])
	assert.Equal(t, "v", vars.Flat["nodes.A.output.list.1.k"])
	assert.Equal(t, "li", vars.Flat["input.user.name"])
	assert.Equal(t, "b", vars.Flat["previousNodeOutput.result"])
	for path, want := range vars.Flat {
		got, ok := vars.Lookup(path)
		assert.True(t, ok, path)
		assert.Equal(t, want, got, path)
	}

	// 修改变量上下文不影响工作流实例
	vars.Input["user"].(map[string]any)["name"] = "changed"
	assert.Equal(t, "li", f.wf.Input["user"].(map[string]any)["name"])
}

func TestVariableContext_DottedKeys(t *testing.T) {
	f := newChainFixture(t)
	f.wf.Input = map[string]any{
		"a.b": "dotted",
		"a":   map[string]any{"b": "nested"},
		"x.y": 1.0,
		`p\q`: "slash",
	}
	vars, err := NewVariableContextBuilder(f.repo).Build(context.Background(), f.wf, f.def, f.node["C"], ScopeUpstream)
	require.NoError(t, err)

	// 带点的 key 和同名嵌套路径各有一个扁平 key
	assert.Equal(t, "dotted", vars.Flat[`input.a\.b`])
	assert.Equal(t, "nested", vars.Flat["input.a.b"])
	assert.Equal(t, 1.0, vars.Flat[`input.x\.y`])
	assert.Equal(t, "slash", vars.Flat[`input.p\\q`])
	assert.NotContains(t, vars.Flat, "input.x.y")

	for path, want := range vars.Flat {
		got, ok := vars.Lookup(path)
		assert.True(t, ok, path)
		assert.Equal(t, want, got, path)
	}
	_, ok := vars.Lookup("input.x.y")
	assert.False(t, ok)
}

func TestVariableContextBuilder_Errors(t *testing.T) {
	f := newChainFixture(t)
	builder := NewVariableContextBuilder(f.repo)

	_, err := builder.Build(context.Background(), nil, f.def, f.node["A"], ScopeUpstream)
	assert.ErrorIs(t, err, ErrWorkflowParamInvalid)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = builder.Build(ctx, f.wf, f.def, f.node["C"], ScopeUpstream)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVariableContextUnavailable)
	var varErr *VariableContextError
	require.ErrorAs(t, err, &varErr)
	assert.Equal(t, "C", varErr.NodeID)
}
