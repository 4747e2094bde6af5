package workflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderDefinition = `
id: order
name: order flow
failure_policy: continue_on_error
input_schema:
  order_id: required
nodes:
  - id: notify
    depends_on: [charge, ship]
    parallel:
      branches:
        - name: email
          executor: echo
        - executor: echo
          config:
            channel: sms
  - id: charge
    depends_on: [validate, validate]
    retry:
      max_retries: 3
      retry_delay_seconds: 0.5
    timeout: 30s
    task:
      executor: echo
      config:
        amount: 100
  - id: validate
    type: task
    task:
      executor: echo
  - id: ship
    depends_on: [validate]
    condition: input.express == true
    variables: direct
    loop:
      executor: echo
      items_path: input.packages
      max_concurrency: 2
  - id: hold
    wait:
      duration: 1m
      signal: true
`

func TestLoadDefinition(t *testing.T) {
	definitions := newTestDefinitions(t, newTestExecutors(t), orderDefinition)
	def, err := definitions.Get("order", 0)
	require.NoError(t, err)

	assert.Equal(t, int64(1), def.Version)
	assert.Equal(t, FailurePolicyContinueOnError, def.FailurePolicy)

	// 依赖在前, 没有依赖关系的保持声明顺序
	ids := make([]string, 0, len(def.Nodes))
	for _, node := range def.Nodes {
		ids = append(ids, node.ID)
	}
	assert.Equal(t, []string{"validate", "charge", "ship", "notify", "hold"}, ids)

	charge, ok := def.Node("charge")
	require.True(t, ok)
	assert.Equal(t, []string{"validate"}, charge.DependsOn)
	assert.Equal(t, NodeTypeTask, charge.Type())
	assert.Equal(t, RetryPolicy{MaxRetries: 3, RetryDelay: 500 * time.Millisecond}, charge.Retry)
	assert.Equal(t, 30*time.Second, charge.Timeout)
	// yaml 的整数统一成 json 的 float64
	assert.Equal(t, map[string]any{"amount": 100.0}, charge.Spec.(TaskSpec).Config)

	ship, _ := def.Node("ship")
	assert.Equal(t, LoopSpec{Executor: "echo", Config: map[string]any{}, ItemsPath: "input.packages", MaxConcurrency: 2}, ship.Spec)
	assert.Equal(t, "input.express == true", ship.Condition)
	assert.Equal(t, ScopeDirect, ship.Variables)
	assert.Equal(t, ScopeUpstream, charge.Variables)

	notify, _ := def.Node("notify")
	spec := notify.Spec.(ParallelSpec)
	require.Len(t, spec.Branches, 2)
	assert.Equal(t, "email", spec.Branches[0].Name)
	assert.Equal(t, "branch-1", spec.Branches[1].Name)
	assert.Equal(t, map[string]any{"channel": "sms"}, spec.Branches[1].Config)

	hold, _ := def.Node("hold")
	assert.Equal(t, WaitSpec{Duration: time.Minute, Signal: true}, hold.Spec)

	assert.ElementsMatch(t, []string{"charge", "ship"}, def.Dependents("validate"))
	assert.Equal(t, map[string]struct{}{"validate": {}, "charge": {}, "ship": {}}, def.Upstream("notify"))
	sinks := def.SinkNodes()
	require.Len(t, sinks, 2)
	assert.Equal(t, "notify", sinks[0].ID)
	assert.Equal(t, "hold", sinks[1].ID)
}

func TestLoadDefinition_Invalid(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want error
	}{
		{"empty", "  ", ErrWorkflowDefinitionInvalid},
		{"unknown field", "id: x\nnodez: []", ErrWorkflowDefinitionInvalid},
		{"no nodes", "id: x\nnodes: []", ErrWorkflowDefinitionInvalid},
		{"missing id", "nodes:\n  - id: a\n    task: {executor: echo}", ErrWorkflowDefinitionInvalid},
		{"bad policy", "id: x\nfailure_policy: retry\nnodes:\n  - id: a\n    task: {executor: echo}", ErrWorkflowDefinitionInvalid},
		{"dot in node id", "id: x\nnodes:\n  - id: a.b\n    task: {executor: echo}", ErrWorkflowDefinitionInvalid},
		{"duplicate node", "id: x\nnodes:\n  - id: a\n    task: {executor: echo}\n  - id: a\n    task: {executor: echo}", ErrWorkflowDefinitionInvalid},
		{"unknown dependency", "id: x\nnodes:\n  - id: a\n    depends_on: [b]\n    task: {executor: echo}", ErrWorkflowDefinitionInvalid},
		{"self dependency", "id: x\nnodes:\n  - id: a\n    depends_on: [a]\n    task: {executor: echo}", ErrWorkflowDefinitionInvalid},
		{"cycle", "id: x\nnodes:\n  - id: a\n    depends_on: [c]\n    task: {executor: echo}\n  - id: b\n    depends_on: [a]\n    task: {executor: echo}\n  - id: c\n    depends_on: [b]\n    task: {executor: echo}", ErrWorkflowDefinitionInvalid},
		{"no block", "id: x\nnodes:\n  - id: a", ErrWorkflowDefinitionInvalid},
		{"two blocks", "id: x\nnodes:\n  - id: a\n    task: {executor: echo}\n    wait: {signal: true}", ErrWorkflowDefinitionInvalid},
		{"type mismatch", "id: x\nnodes:\n  - id: a\n    type: loop\n    task: {executor: echo}", ErrWorkflowDefinitionInvalid},
		{"bad variables", "id: x\nnodes:\n  - id: a\n    variables: everything\n    task: {executor: echo}", ErrWorkflowDefinitionInvalid},
		{"bad timeout", "id: x\nnodes:\n  - id: a\n    timeout: soon\n    task: {executor: echo}", ErrWorkflowDefinitionInvalid},
		{"loop without items", "id: x\nnodes:\n  - id: a\n    loop: {executor: echo}", ErrWorkflowDefinitionInvalid},
		{"empty wait", "id: x\nnodes:\n  - id: a\n    wait: {}", ErrWorkflowDefinitionInvalid},
		{"empty parallel", "id: x\nnodes:\n  - id: a\n    parallel: {branches: []}", ErrWorkflowDefinitionInvalid},
		{"bad condition", "id: x\nnodes:\n  - id: a\n    condition: 'input.x =='\n    task: {executor: echo}", ErrWorkflowDefinitionInvalid},
		{"bad schema tag", "id: x\ninput_schema:\n  a: required,notarule\nnodes:\n  - id: a\n    task: {executor: echo}", ErrWorkflowDefinitionInvalid},
		{"unknown executor", "id: x\nnodes:\n  - id: a\n    task: {executor: missing}", ErrExecutorNotFound},
		{"unknown branch executor", "id: x\nnodes:\n  - id: a\n    parallel:\n      branches:\n        - executor: echo\n        - executor: missing", ErrExecutorNotFound},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			definitions, err := NewDefinitionRegistry(newTestExecutors(t))
			require.NoError(t, err)
			cfg, err := ParseDefinition([]byte(c.doc))
			if err == nil {
				_, err = definitions.Load(cfg)
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, c.want)
			assert.Empty(t, definitions.List())
		})
	}
}

func TestDefinitionRegistry_Versions(t *testing.T) {
	v1 := "id: greet\nnodes:\n  - id: a\n    task: {executor: echo}"
	v3 := "id: greet\nversion: 3\nnodes:\n  - id: a\n    task: {executor: echo}\n  - id: b\n    depends_on: [a]\n    task: {executor: echo}"
	other := "id: alpha\nnodes:\n  - id: a\n    task: {executor: echo}"
	definitions := newTestDefinitions(t, newTestExecutors(t), v3, v1, other)

	latest, err := definitions.Latest("greet")
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest.Version)
	assert.Len(t, latest.Nodes, 2)

	first, err := definitions.Get("greet", 1)
	require.NoError(t, err)
	assert.Len(t, first.Nodes, 1)

	_, err = definitions.Get("greet", 2)
	assert.ErrorIs(t, err, ErrWorkflowDefinitionNotFound)
	_, err = definitions.Latest("missing")
	assert.ErrorIs(t, err, ErrWorkflowDefinitionNotFound)

	// 同一个版本不能加载两次
	cfg, err := ParseDefinition([]byte(v1))
	require.NoError(t, err)
	_, err = definitions.Load(cfg)
	assert.ErrorIs(t, err, ErrWorkflowDefinitionInvalid)

	list := definitions.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].ID)
	assert.Equal(t, int64(1), list[1].Version)
	assert.Equal(t, int64(3), list[2].Version)
}

func TestLoadDefinitions_Dir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("id: b\nnodes:\n  - id: a\n    task: {executor: echo}"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{"id": "a", "nodes": [{"id": "n", "task": {"executor": "echo"}}]}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.yaml"), 0o700))

	definitions, err := NewDefinitionRegistry(newTestExecutors(t))
	require.NoError(t, err)
	defs, err := definitions.LoadDefinitions(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "a", defs[0].ID)
	assert.Equal(t, "b", defs[1].ID)

	// 目录不存在当作没有定义
	defs, err = definitions.LoadDefinitions(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, defs)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.yml"), []byte("id: c\nnodes: [{id: a}]"), 0o600))
	_, err = LoadDefinitionDir(dir)
	require.NoError(t, err)
	fresh, err := NewDefinitionRegistry(newTestExecutors(t))
	require.NoError(t, err)
	_, err = fresh.LoadDefinitions(dir)
	assert.ErrorIs(t, err, ErrWorkflowDefinitionInvalid)
}

func TestCanTransitNodeStatus(t *testing.T) {
	assert.True(t, CanTransitNodeStatus(NodeInstanceStatusPending, NodeInstanceStatusRunning))
	assert.True(t, CanTransitNodeStatus(NodeInstanceStatusRunning, NodeInstanceStatusFailedRetry))
	assert.True(t, CanTransitNodeStatus(NodeInstanceStatusFailedRetry, NodeInstanceStatusRunning))
	assert.False(t, CanTransitNodeStatus(NodeInstanceStatusCompleted, NodeInstanceStatusRunning))
	assert.False(t, CanTransitNodeStatus(NodeInstanceStatusPending, NodeInstanceStatusCompleted))
	for _, terminal := range []string{NodeInstanceStatusCompleted, NodeInstanceStatusFailed, NodeInstanceStatusSkipped, NodeInstanceStatusCancelled} {
		assert.True(t, IsOverNodeInstanceStatus(terminal))
		assert.Empty(t, nodeStatusTransitions[terminal])
	}
	assert.ElementsMatch(t, []string{NodeInstanceStatusPending, NodeInstanceStatusFailedRetry}, nodeStatusSourcesOf(NodeInstanceStatusSkipped))
}
