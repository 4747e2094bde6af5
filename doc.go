// Package workflow 多引擎协作的工作流编排引擎。
//
// 工作流定义是一个节点 DAG, 节点类型有 task / loop / parallel / wait,
// 实例和节点状态持久化在数据库里, 同一个工作流实例同一时刻只由持有工作流锁的引擎推进。
//
// 主要特性：
//   - 定义：YAML/JSON 描述 DAG, 加载时校验环、依赖、执行器、CEL 条件表达式
//   - 执行：节点重试、超时、panic 恢复, loop/parallel 扇出子节点, wait 节点等待外部信号
//   - 变量：节点执行时可以读取工作流输入、全局上下文和上游节点输出
//   - 分布式锁：GORM(MySQL/SQLite) 或 Redis 存储, 外面包一层重试 + 熔断 + 降级
//   - 租约续约：锁剩余时间低于阈值时续约, 续约失败的工作流立即停止推进
//   - 故障转移：引擎心跳注册, 锁过期后其他引擎接手未完成的工作流
//
// 基础使用示例:
//
//	package main
//
//	import (
//	    "context"
//
//	    "github.com/blingmoon/distributed-workflow/workflow"
//	    "gorm.io/driver/sqlite"
//	    "gorm.io/gorm"
//	)
//
//	func main() {
//	    ctx := context.Background()
//
//	    // 1. 初始化数据库
//	    db, _ := gorm.Open(sqlite.Open("workflow.db"), &gorm.Config{})
//	    _ = workflow.AutoMigrate(db)
//
//	    // 2. 注册执行器, 加载定义
//	    executors := workflow.NewExecutorRegistry()
//	    executors.MustRegister("submit", workflow.ExecutorFunc(
//	        func(ctx context.Context, req *workflow.ExecutionRequest) (map[string]any, error) {
//	            return map[string]any{"status": "submitted"}, nil
//	        }))
//	    definitions, _ := workflow.NewDefinitionRegistry(executors)
//	    cfg, _ := workflow.ParseDefinition([]byte(`
//	id: approval_workflow
//	nodes:
//	  - id: submit
//	    task: {executor: submit}
//	  - id: review
//	    depends_on: [submit]
//	    wait: {signal: true, duration: 24h}
//	`))
//	    _, _ = definitions.Load(cfg)
//
//	    // 3. 组装引擎
//	    locks := workflow.NewFaultTolerantLockManager(
//	        workflow.NewDistributedLockManager(workflow.NewGormLockStore(db, nil), nil, nil),
//	        workflow.DefaultFaultTolerantLockConfig())
//	    engine, _ := workflow.NewEngine(workflow.EngineOptions{
//	        Config:      workflow.DefaultEngineConfig(),
//	        Repo:        workflow.NewWorkflowRepo(db, nil),
//	        Locks:       locks,
//	        Leases:      workflow.NewWorkflowLockManager(locks, workflow.DefaultRenewalConfig(), nil, nil, nil),
//	        Definitions: definitions,
//	    })
//	    _ = engine.Start(ctx)
//	    defer engine.Stop(ctx)
//
//	    // 4. 创建实例, 审核通过时投递信号
//	    id, _ := engine.StartWorkflow(ctx, &workflow.StartWorkflowReq{
//	        DefinitionID: "approval_workflow",
//	        BusinessID:   "ORDER-001",
//	    })
//	    _ = engine.SignalNode(ctx, &workflow.SignalNodeReq{
//	        WorkflowInstanceID: id,
//	        NodeID:             "review",
//	        Data:               map[string]any{"approved": true},
//	    })
//	}
//
// 变量上下文：
//
// 执行器通过 ExecutionRequest.Variables 读取数据, 条件表达式使用同样的变量名：
//
//   - input: 工作流输入
//   - context: 工作流全局上下文
//   - nodes.{节点ID}.output: 上游节点输出
//   - previousNodeOutput: 唯一直接上游的输出
//
// 条件表达式示例：
//
//	condition: "input.amount > 100.0 && nodes.review.output.signal.approved == true"
//
// 命令行工具见 cmd/workflow-engine。
package workflow
