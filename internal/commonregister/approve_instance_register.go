package commonregister

import (
	"github.com/blingmoon/distributed-workflow/workflow"
	"github.com/pkg/errors"
)

const ApprovalWorkflowID = "approval_workflow"

// 提交 -> 等待审核信号 -> 批准/驳回
// 审核节点等待 SignalNode, 24 小时没有信号按超时处理, 走驳回分支
const approvalWorkflowYAML = `
id: approval_workflow
name: 审批工作流
version: 1
failure_policy: fail_fast
input_schema:
  applicant: required
  amount: "required,gt=0"
nodes:
  - id: submit
    name: 提交申请
    type: task
    task:
      executor: echo
      config:
        status: submitted
  - id: review
    name: 审核
    type: wait
    depends_on: [submit]
    wait:
      signal: true
      duration: 24h
  - id: approve
    name: 批准
    type: task
    depends_on: [review]
    condition: "has(nodes.review.output.signal) && has(nodes.review.output.signal.approved) && nodes.review.output.signal.approved == true"
    task:
      executor: echo
      config:
        status: approved
  - id: reject
    name: 驳回
    type: task
    depends_on: [review]
    condition: "!(has(nodes.review.output.signal) && has(nodes.review.output.signal.approved) && nodes.review.output.signal.approved == true)"
    task:
      executor: echo
      config:
        status: rejected
`

const OrderBatchWorkflowID = "order_batch"

// 按订单循环处理, 然后并行通知
const orderBatchWorkflowYAML = `
id: order_batch
name: 批量订单
version: 1
failure_policy: continue_on_error
input_schema:
  orders: required
nodes:
  - id: process
    type: loop
    retry:
      max_retries: 2
      retry_delay_seconds: 1
    loop:
      executor: echo
      items_path: input.orders
      max_concurrency: 4
      config:
        action: process
  - id: notify
    type: parallel
    depends_on: [process]
    parallel:
      branches:
        - name: email
          executor: echo
          config:
            channel: email
        - name: sms
          executor: echo
          config:
            channel: sms
`

// RegisterDemoWorkflows 加载内置的示例工作流, 依赖 RegisterBuiltins 注册的执行器
func RegisterDemoWorkflows(definitions *workflow.DefinitionRegistry) ([]*workflow.WorkflowDefinition, error) {
	ret := make([]*workflow.WorkflowDefinition, 0, 2)
	for _, raw := range []string{approvalWorkflowYAML, orderBatchWorkflowYAML} {
		cfg, err := workflow.ParseDefinition([]byte(raw))
		if err != nil {
			return nil, errors.Wrap(err, "parse demo workflow failed")
		}
		def, err := definitions.Load(cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "load demo workflow %s failed", cfg.ID)
		}
		ret = append(ret, def)
	}
	return ret, nil
}
