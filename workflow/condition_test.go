package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionEvaluator(t *testing.T) {
	evaluator, err := NewConditionEvaluator()
	require.NoError(t, err)

	vars := &VariableContext{
		Input: map[string]any{"amount": 300.0, "express": true},
		Nodes: map[string]any{
			"review": map[string]any{"output": map[string]any{"signal": map[string]any{"approved": true}}},
		},
		PreviousNodeOutput: map[string]any{"count": 2.0},
	}
	vars.Flat = FlattenMap("", vars.ToMap())

	cases := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"input.amount > 100.0", true},
		{"input.amount > 1000.0 || input.express", true},
		{"nodes.review.output.signal.approved == true", true},
		{"has(nodes.review.output.signal.rejected)", false},
		{"has(nodes.missing)", false},
		{"previousNodeOutput.count == 2.0", true},
		{`vars["nodes.review.output.signal.approved"] == true`, true},
		{`"amount" in input && !("other" in context)`, true},
	}
	for _, c := range cases {
		got, err := evaluator.Evaluate(c.expr, vars)
		require.NoError(t, err, c.expr)
		assert.Equal(t, c.want, got, c.expr)
	}

	// 没有变量时所有顶层变量都是空 map
	got, err := evaluator.Evaluate("size(nodes) == 0 && size(input) == 0", nil)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestConditionEvaluator_Errors(t *testing.T) {
	evaluator, err := NewConditionEvaluator()
	require.NoError(t, err)

	_, err = evaluator.Compile("input.amount >")
	assert.ErrorIs(t, err, ErrConditionInvalid)

	_, err = evaluator.Evaluate("input.amount + 1.0", &VariableContext{Input: map[string]any{"amount": 1.0}})
	assert.ErrorIs(t, err, ErrConditionInvalid)

	// 访问不存在的字段是运行时错误
	_, err = evaluator.Evaluate("input.missing == 1.0", &VariableContext{})
	assert.ErrorIs(t, err, ErrConditionInvalid)

	first, err := evaluator.Compile("input.a == 1.0")
	require.NoError(t, err)
	second, err := evaluator.Compile("input.a == 1.0")
	require.NoError(t, err)
	assert.Same(t, first, second)
}
