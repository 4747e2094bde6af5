package workflow

import (
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"
)

// ConditionEvaluator 节点 condition 使用 CEL 表达式, 例如
//
//	nodes.review.output.approved == true && input.amount > 100.0
//
// 可用变量: input, context, nodeInput, nodes, previousNodeOutput, vars(扁平化路径)
type ConditionEvaluator struct {
	env      *cel.Env
	programs sync.Map // expr -> cel.Program
}

func NewConditionEvaluator() (*ConditionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.Variable("context", cel.DynType),
		cel.Variable("nodeInput", cel.DynType),
		cel.Variable("nodes", cel.DynType),
		cel.Variable("previousNodeOutput", cel.DynType),
		cel.Variable("vars", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, errors.WithMessage(err, "create cel env failed")
	}
	return &ConditionEvaluator{env: env}, nil
}

// Compile 编译并缓存表达式, 定义加载时调用以尽早发现错误
func (e *ConditionEvaluator) Compile(expr string) (cel.Program, error) {
	if cached, ok := e.programs.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, errors.WithMessagef(ErrConditionInvalid, "compile %q: %v", expr, issues.Err())
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return nil, errors.WithMessagef(ErrConditionInvalid, "program %q: %v", expr, err)
	}
	e.programs.Store(expr, program)
	return program, nil
}

// Evaluate 空表达式视为true
func (e *ConditionEvaluator) Evaluate(expr string, vars *VariableContext) (bool, error) {
	if expr == "" {
		return true, nil
	}
	program, err := e.Compile(expr)
	if err != nil {
		return false, err
	}
	activation := map[string]any{
		"input":              orEmpty(nil),
		"context":            orEmpty(nil),
		"nodeInput":          orEmpty(nil),
		"nodes":              orEmpty(nil),
		"previousNodeOutput": orEmpty(nil),
		"vars":               orEmpty(nil),
	}
	if vars != nil {
		activation["input"] = orEmpty(vars.Input)
		activation["context"] = orEmpty(vars.Context)
		activation["nodeInput"] = orEmpty(vars.NodeInput)
		activation["nodes"] = orEmpty(vars.Nodes)
		activation["previousNodeOutput"] = orEmpty(vars.PreviousNodeOutput)
		activation["vars"] = orEmpty(vars.Flat)
	}
	out, _, err := program.Eval(activation)
	if err != nil {
		return false, errors.WithMessagef(ErrConditionInvalid, "evaluate %q: %v", expr, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, errors.WithMessagef(ErrConditionInvalid, "%q evaluated to %T, want bool", expr, out.Value())
	}
	return result, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
