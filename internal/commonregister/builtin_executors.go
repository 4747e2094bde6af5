package commonregister

import (
	"context"
	"time"

	"github.com/blingmoon/distributed-workflow/workflow"
	"github.com/pkg/errors"
)

const (
	ExecutorNoop  = "noop"
	ExecutorEcho  = "echo"
	ExecutorSleep = "sleep"
	ExecutorFail  = "fail"
)

// RegisterBuiltins 注册内置执行器, 给定义文件和测试使用
func RegisterBuiltins(registry *workflow.ExecutorRegistry) error {
	builtins := map[string]workflow.NodeExecutor{
		ExecutorNoop:  workflow.ExecutorFunc(noop),
		ExecutorEcho:  workflow.ExecutorFunc(echo),
		ExecutorSleep: workflow.ExecutorFunc(sleep),
		ExecutorFail:  workflow.ExecutorFunc(fail),
	}
	for _, name := range []string{ExecutorNoop, ExecutorEcho, ExecutorSleep, ExecutorFail} {
		if err := registry.Register(name, builtins[name]); err != nil {
			return errors.WithMessagef(err, "register builtin executor %s failed", name)
		}
	}
	return nil
}

func noop(_ context.Context, _ *workflow.ExecutionRequest) (map[string]any, error) {
	return map[string]any{}, nil
}

// echo 原样返回节点配置, 子节点附带 item
func echo(_ context.Context, req *workflow.ExecutionRequest) (map[string]any, error) {
	output := make(map[string]any, len(req.Config)+2)
	for k, v := range req.Config {
		output[k] = v
	}
	if req.IsChild {
		output["item"] = req.Item
		output["index"] = req.ChildIndex
	}
	output["attempt"] = req.Attempt
	return output, nil
}

// sleep config.duration 为 time.ParseDuration 格式
func sleep(ctx context.Context, req *workflow.ExecutionRequest) (map[string]any, error) {
	config := workflow.NewJSONContextFromMap(req.Config)
	raw, _ := config.GetString("duration")
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, errors.WithMessagef(workflow.ErrNodeFailedFatal, "sleep duration %q invalid: %v", raw, err)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return map[string]any{"slept_ms": d.Milliseconds()}, nil
}

// fail 按配置失败
//
//	message: 错误信息
//	succeed_on_attempt: 第几次执行开始成功, 0 表示一直失败
//	fatal: 不重试
//	continue: 记录错误但节点按完成处理
func fail(_ context.Context, req *workflow.ExecutionRequest) (map[string]any, error) {
	config := workflow.NewJSONContextFromMap(req.Config)
	if succeedOn, ok := config.GetInt64("succeed_on_attempt"); ok && succeedOn > 0 && req.Attempt >= succeedOn {
		return map[string]any{"attempt": req.Attempt}, nil
	}
	message, ok := config.GetString("message")
	if !ok || message == "" {
		message = "configured failure"
	}
	if fatal, _ := config.GetBool("fatal"); fatal {
		return nil, errors.WithMessage(workflow.ErrNodeFailedFatal, message)
	}
	if cont, _ := config.GetBool("continue"); cont {
		return map[string]any{"attempt": req.Attempt}, errors.WithMessage(workflow.ErrNodeFailedWithContinue, message)
	}
	return nil, errors.Errorf("%s (attempt %d)", message, req.Attempt)
}
