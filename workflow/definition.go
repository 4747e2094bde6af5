package workflow

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// WorkflowConfig 工作流定义文件, yaml/json 都可以
type WorkflowConfig struct {
	ID            string            `json:"id" yaml:"id" validate:"required,excludesall=:"` // 工作流定义ID, 唯一标识
	Name          string            `json:"name" yaml:"name"`
	Version       int64             `json:"version" yaml:"version" validate:"gte=0"` // 0 按 1 处理
	FailurePolicy FailurePolicy     `json:"failure_policy" yaml:"failure_policy" validate:"omitempty,oneof=fail_fast continue_on_error"`
	InputSchema   map[string]string `json:"input_schema" yaml:"input_schema"` // 字段 -> validator tag, 例如 amount: "required,gt=0"
	Nodes         []*NodeConfig     `json:"nodes" yaml:"nodes" validate:"required,min=1,dive,required"`
}

// NodeConfig 节点定义, type 决定只能出现哪一个配置块
type NodeConfig struct {
	ID        string          `json:"id" yaml:"id" validate:"required,excludesall=.#"`
	Name      string          `json:"name" yaml:"name"`
	Type      NodeType        `json:"type" yaml:"type" validate:"omitempty,oneof=task loop parallel wait"`
	DependsOn []string        `json:"depends_on" yaml:"depends_on"`
	Condition string          `json:"condition" yaml:"condition"`
	Retry     *RetryConfig    `json:"retry" yaml:"retry"`
	Timeout   string          `json:"timeout" yaml:"timeout"` // go duration, 例如 "30s"
	// Variables nodes 里能看到哪些已完成节点, 默认 upstream
	Variables string          `json:"variables" yaml:"variables" validate:"omitempty,oneof=upstream direct all"`
	Task      *TaskConfig     `json:"task" yaml:"task"`
	Loop      *LoopConfig     `json:"loop" yaml:"loop"`
	Parallel  *ParallelConfig `json:"parallel" yaml:"parallel"`
	Wait      *WaitConfig     `json:"wait" yaml:"wait"`
}

type RetryConfig struct {
	MaxRetries        int64   `json:"max_retries" yaml:"max_retries" validate:"gte=0"`
	RetryDelaySeconds float64 `json:"retry_delay_seconds" yaml:"retry_delay_seconds" validate:"gte=0"`
}

type TaskConfig struct {
	Executor string         `json:"executor" yaml:"executor" validate:"required"`
	Config   map[string]any `json:"config" yaml:"config"`
}

type LoopConfig struct {
	Executor string         `json:"executor" yaml:"executor" validate:"required"`
	Config   map[string]any `json:"config" yaml:"config"`
	// ItemsPath 变量上下文里数组的点分路径, 例如 input.orders
	ItemsPath string `json:"items_path" yaml:"items_path"`
	// Count 没有 ItemsPath 时按次数循环
	Count          int `json:"count" yaml:"count" validate:"gte=0"`
	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency" validate:"gte=0"`
}

type ParallelConfig struct {
	Branches       []*BranchConfig `json:"branches" yaml:"branches" validate:"required,min=1,dive,required"`
	MaxConcurrency int             `json:"max_concurrency" yaml:"max_concurrency" validate:"gte=0"`
}

type BranchConfig struct {
	Name     string         `json:"name" yaml:"name"`
	Executor string         `json:"executor" yaml:"executor" validate:"required"`
	Config   map[string]any `json:"config" yaml:"config"`
}

type WaitConfig struct {
	Duration string `json:"duration" yaml:"duration"`
	// Signal 为true时等待 SignalNode, 同时配置了 duration 时哪个先到算哪个
	Signal bool `json:"signal" yaml:"signal"`
}

// WorkflowDefinition 加载后的工作流定义, 不可变
type WorkflowDefinition struct {
	ID            string
	Name          string
	Version       int64
	FailurePolicy FailurePolicy
	InputSchema   map[string]string
	Nodes         []*NodeDefinition // 拓扑序
	nodeIndex     map[string]*NodeDefinition
	dependents    map[string][]string
}

func (d *WorkflowDefinition) Node(id string) (*NodeDefinition, bool) {
	node, ok := d.nodeIndex[id]
	return node, ok
}

// Dependents 直接依赖 id 的节点
func (d *WorkflowDefinition) Dependents(id string) []string {
	return d.dependents[id]
}

// Upstream 所有直接或间接的上游节点
func (d *WorkflowDefinition) Upstream(id string) map[string]struct{} {
	upstream := make(map[string]struct{})
	var visit func(string)
	visit = func(cur string) {
		node, ok := d.nodeIndex[cur]
		if !ok {
			return
		}
		for _, dep := range node.DependsOn {
			if _, seen := upstream[dep]; seen {
				continue
			}
			upstream[dep] = struct{}{}
			visit(dep)
		}
	}
	visit(id)
	return upstream
}

// SinkNodes 没有下游的节点, 它们的输出组成工作流输出
func (d *WorkflowDefinition) SinkNodes() []*NodeDefinition {
	sinks := make([]*NodeDefinition, 0)
	for _, node := range d.Nodes {
		if len(d.dependents[node.ID]) == 0 {
			sinks = append(sinks, node)
		}
	}
	return sinks
}

type NodeDefinition struct {
	ID        string
	Name      string
	DependsOn []string
	Condition string
	Retry     RetryPolicy
	Timeout   time.Duration
	Variables VariableScope
	Spec      NodeSpec
}

func (n *NodeDefinition) Type() NodeType {
	return n.Spec.NodeType()
}

type RetryPolicy struct {
	MaxRetries int64
	RetryDelay time.Duration
}

// NodeSpec 按节点类型区分的配置, 只有 TaskSpec/LoopSpec/ParallelSpec/WaitSpec 四种
type NodeSpec interface {
	NodeType() NodeType
}

type TaskSpec struct {
	Executor string
	Config   map[string]any
}

func (TaskSpec) NodeType() NodeType { return NodeTypeTask }

type LoopSpec struct {
	Executor       string
	Config         map[string]any
	ItemsPath      string
	Count          int
	MaxConcurrency int // 0 按 1 处理, 循环默认顺序执行
}

func (LoopSpec) NodeType() NodeType { return NodeTypeLoop }

type ParallelSpec struct {
	Branches       []BranchSpec
	MaxConcurrency int // 0 不限制, 受引擎并发限制
}

func (ParallelSpec) NodeType() NodeType { return NodeTypeParallel }

type BranchSpec struct {
	Name     string
	Executor string
	Config   map[string]any
}

type WaitSpec struct {
	Duration time.Duration
	Signal   bool
}

func (WaitSpec) NodeType() NodeType { return NodeTypeWait }

func definitionError(workflowID, format string, args ...any) error {
	return errors.WithMessagef(ErrWorkflowDefinitionInvalid, "workflow %s: %s", workflowID, fmt.Sprintf(format, args...))
}

// buildWorkflowDefinition 校验配置并解码成定义
func buildWorkflowDefinition(cfg *WorkflowConfig, executors *ExecutorRegistry, conditions *ConditionEvaluator) (*WorkflowDefinition, error) {
	if cfg == nil {
		return nil, errors.WithMessage(ErrWorkflowDefinitionInvalid, "nil workflow config")
	}
	if err := validatorUtil.Struct(cfg); err != nil {
		return nil, errors.WithMessagef(ErrWorkflowDefinitionInvalid, "workflow %s: %v", cfg.ID, err)
	}
	def := &WorkflowDefinition{
		ID:            cfg.ID,
		Name:          cfg.Name,
		Version:       cfg.Version,
		FailurePolicy: cfg.FailurePolicy,
		InputSchema:   cfg.InputSchema,
		nodeIndex:     make(map[string]*NodeDefinition, len(cfg.Nodes)),
		dependents:    make(map[string][]string),
	}
	if def.Version <= 0 {
		def.Version = 1
	}
	if def.FailurePolicy == "" {
		def.FailurePolicy = FailurePolicyFailFast
	}
	for field, tag := range def.InputSchema {
		if err := checkSchemaTag(tag); err != nil {
			return nil, definitionError(cfg.ID, "input_schema %s: %v", field, err)
		}
	}
	declared := make([]*NodeDefinition, 0, len(cfg.Nodes))
	for _, nodeCfg := range cfg.Nodes {
		if _, ok := def.nodeIndex[nodeCfg.ID]; ok {
			return nil, definitionError(cfg.ID, "duplicate node id %s", nodeCfg.ID)
		}
		node, err := buildNodeDefinition(cfg.ID, nodeCfg, executors)
		if err != nil {
			return nil, err
		}
		if node.Condition != "" && conditions != nil {
			if _, err := conditions.Compile(node.Condition); err != nil {
				return nil, errors.WithMessagef(ErrWorkflowDefinitionInvalid, "workflow %s node %s: %v", cfg.ID, node.ID, err)
			}
		}
		def.nodeIndex[node.ID] = node
		declared = append(declared, node)
	}
	for _, node := range declared {
		for _, dep := range node.DependsOn {
			if dep == node.ID {
				return nil, definitionError(cfg.ID, "node %s depends on itself", node.ID)
			}
			if _, ok := def.nodeIndex[dep]; !ok {
				return nil, definitionError(cfg.ID, "node %s depends on unknown node %s", node.ID, dep)
			}
			def.dependents[dep] = append(def.dependents[dep], node.ID)
		}
	}
	ordered, err := topologicalOrder(cfg.ID, declared, def.nodeIndex)
	if err != nil {
		return nil, err
	}
	def.Nodes = ordered
	return def, nil
}

func buildNodeDefinition(workflowID string, cfg *NodeConfig, executors *ExecutorRegistry) (*NodeDefinition, error) {
	node := &NodeDefinition{
		ID:        cfg.ID,
		Name:      cfg.Name,
		DependsOn: dedupe(cfg.DependsOn),
		Condition: strings.TrimSpace(cfg.Condition),
	}
	scope, err := ParseVariableScope(cfg.Variables)
	if err != nil {
		return nil, definitionError(workflowID, "node %s: %s", cfg.ID, err.Error())
	}
	node.Variables = scope
	if cfg.Retry != nil {
		node.Retry = RetryPolicy{
			MaxRetries: cfg.Retry.MaxRetries,
			RetryDelay: time.Duration(cfg.Retry.RetryDelaySeconds * float64(time.Second)),
		}
	}
	if cfg.Timeout != "" {
		timeout, err := time.ParseDuration(cfg.Timeout)
		if err != nil || timeout <= 0 {
			return nil, definitionError(workflowID, "node %s has invalid timeout %q", cfg.ID, cfg.Timeout)
		}
		node.Timeout = timeout
	}
	spec, err := decodeNodeSpec(workflowID, cfg)
	if err != nil {
		return nil, err
	}
	node.Spec = spec
	for _, executor := range specExecutors(spec) {
		if executors == nil {
			break
		}
		if _, ok := executors.Get(executor); !ok {
			return nil, errors.WithMessagef(ErrExecutorNotFound, "workflow %s node %s executor %s", workflowID, cfg.ID, executor)
		}
	}
	return node, nil
}

// decodeNodeSpec 类型为空时按出现的配置块推断, 必须且只能有一个配置块
func decodeNodeSpec(workflowID string, cfg *NodeConfig) (NodeSpec, error) {
	present := make([]NodeType, 0, 1)
	if cfg.Task != nil {
		present = append(present, NodeTypeTask)
	}
	if cfg.Loop != nil {
		present = append(present, NodeTypeLoop)
	}
	if cfg.Parallel != nil {
		present = append(present, NodeTypeParallel)
	}
	if cfg.Wait != nil {
		present = append(present, NodeTypeWait)
	}
	if len(present) != 1 {
		return nil, definitionError(workflowID, "node %s must have exactly one of task/loop/parallel/wait, got %v", cfg.ID, present)
	}
	nodeType := cfg.Type
	if nodeType == "" {
		nodeType = present[0]
	}
	if nodeType != present[0] {
		return nil, definitionError(workflowID, "node %s has type %s but a %s block", cfg.ID, nodeType, present[0])
	}
	switch nodeType {
	case NodeTypeTask:
		if err := validatorUtil.Struct(cfg.Task); err != nil {
			return nil, definitionError(workflowID, "node %s: %v", cfg.ID, err)
		}
		config, err := normalizeConfig(cfg.Task.Config)
		if err != nil {
			return nil, definitionError(workflowID, "node %s config: %v", cfg.ID, err)
		}
		return TaskSpec{Executor: cfg.Task.Executor, Config: config}, nil
	case NodeTypeLoop:
		if err := validatorUtil.Struct(cfg.Loop); err != nil {
			return nil, definitionError(workflowID, "node %s: %v", cfg.ID, err)
		}
		if cfg.Loop.ItemsPath == "" && cfg.Loop.Count <= 0 {
			return nil, definitionError(workflowID, "loop node %s needs items_path or count", cfg.ID)
		}
		config, err := normalizeConfig(cfg.Loop.Config)
		if err != nil {
			return nil, definitionError(workflowID, "node %s config: %v", cfg.ID, err)
		}
		return LoopSpec{
			Executor:       cfg.Loop.Executor,
			Config:         config,
			ItemsPath:      cfg.Loop.ItemsPath,
			Count:          cfg.Loop.Count,
			MaxConcurrency: cfg.Loop.MaxConcurrency,
		}, nil
	case NodeTypeParallel:
		if err := validatorUtil.Struct(cfg.Parallel); err != nil {
			return nil, definitionError(workflowID, "node %s: %v", cfg.ID, err)
		}
		branches := make([]BranchSpec, 0, len(cfg.Parallel.Branches))
		for i, branch := range cfg.Parallel.Branches {
			config, err := normalizeConfig(branch.Config)
			if err != nil {
				return nil, definitionError(workflowID, "node %s branch %d config: %v", cfg.ID, i, err)
			}
			name := branch.Name
			if name == "" {
				name = fmt.Sprintf("branch-%d", i)
			}
			branches = append(branches, BranchSpec{Name: name, Executor: branch.Executor, Config: config})
		}
		return ParallelSpec{Branches: branches, MaxConcurrency: cfg.Parallel.MaxConcurrency}, nil
	case NodeTypeWait:
		spec := WaitSpec{Signal: cfg.Wait.Signal}
		if cfg.Wait.Duration != "" {
			d, err := time.ParseDuration(cfg.Wait.Duration)
			if err != nil || d < 0 {
				return nil, definitionError(workflowID, "wait node %s has invalid duration %q", cfg.ID, cfg.Wait.Duration)
			}
			spec.Duration = d
		}
		if spec.Duration == 0 && !spec.Signal {
			return nil, definitionError(workflowID, "wait node %s needs duration or signal", cfg.ID)
		}
		return spec, nil
	}
	return nil, definitionError(workflowID, "node %s has unknown type %s", cfg.ID, nodeType)
}

// checkSchemaTag validator 遇到未知的 tag 会 panic, 加载时先试一次
func checkSchemaTag(tag string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("bad validate tag %q: %v", tag, r)
		}
	}()
	_ = validatorUtil.Var("", tag)
	return nil
}

func specExecutors(spec NodeSpec) []string {
	switch s := spec.(type) {
	case TaskSpec:
		return []string{s.Executor}
	case LoopSpec:
		return []string{s.Executor}
	case ParallelSpec:
		names := make([]string, 0, len(s.Branches))
		for _, branch := range s.Branches {
			names = append(names, branch.Executor)
		}
		return names
	}
	return nil
}

// normalizeConfig yaml解出来的数字是int, 统一成json的形状
func normalizeConfig(config map[string]any) (map[string]any, error) {
	if len(config) == 0 {
		return map[string]any{}, nil
	}
	normalized, err := normalizeJSON(config)
	if err != nil {
		return nil, err
	}
	m, _ := normalized.(map[string]any)
	return m, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// topologicalOrder 深度优先后序, 同时检查环, 没有依赖关系的节点保持声明顺序
func topologicalOrder(workflowID string, declared []*NodeDefinition, index map[string]*NodeDefinition) ([]*NodeDefinition, error) {
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int, len(declared))
	ordered := make([]*NodeDefinition, 0, len(declared))
	var visit func(node *NodeDefinition, path []string) error
	visit = func(node *NodeDefinition, path []string) error {
		switch state[node.ID] {
		case visiting:
			return definitionError(workflowID, "dependency cycle %s", strings.Join(append(path, node.ID), " -> "))
		case visited:
			return nil
		}
		state[node.ID] = visiting
		for _, dep := range node.DependsOn {
			if err := visit(index[dep], append(path, node.ID)); err != nil {
				return err
			}
		}
		state[node.ID] = visited
		ordered = append(ordered, node)
		return nil
	}
	for _, node := range declared {
		if err := visit(node, nil); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

// DefinitionRegistry 工作流定义注册表, 由进程启动时创建, 同一个 id+version 只能加载一次
type DefinitionRegistry struct {
	executors  *ExecutorRegistry
	conditions *ConditionEvaluator

	mu          sync.RWMutex
	definitions map[string]map[int64]*WorkflowDefinition
	latest      map[string]int64
}

func NewDefinitionRegistry(executors *ExecutorRegistry) (*DefinitionRegistry, error) {
	conditions, err := NewConditionEvaluator()
	if err != nil {
		return nil, err
	}
	return &DefinitionRegistry{
		executors:   executors,
		conditions:  conditions,
		definitions: make(map[string]map[int64]*WorkflowDefinition),
		latest:      make(map[string]int64),
	}, nil
}

func (r *DefinitionRegistry) Conditions() *ConditionEvaluator {
	return r.conditions
}

func (r *DefinitionRegistry) Executors() *ExecutorRegistry {
	return r.executors
}

func (r *DefinitionRegistry) Load(cfg *WorkflowConfig) (*WorkflowDefinition, error) {
	def, err := buildWorkflowDefinition(cfg, r.executors, r.conditions)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	versions, ok := r.definitions[def.ID]
	if !ok {
		versions = make(map[int64]*WorkflowDefinition)
		r.definitions[def.ID] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return nil, definitionError(def.ID, "version %d already loaded", def.Version)
	}
	versions[def.Version] = def
	if def.Version > r.latest[def.ID] {
		r.latest[def.ID] = def.Version
	}
	return def, nil
}

// Get version<=0 取最新版本
func (r *DefinitionRegistry) Get(id string, version int64) (*WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if version <= 0 {
		version = r.latest[id]
	}
	def, ok := r.definitions[id][version]
	if !ok {
		return nil, errors.WithMessagef(ErrWorkflowDefinitionNotFound, "definition: %s, version: %d", id, version)
	}
	return def, nil
}

func (r *DefinitionRegistry) List() []*WorkflowDefinition {
	r.mu.RLock()
	defs := make([]*WorkflowDefinition, 0, len(r.definitions))
	for _, versions := range r.definitions {
		for _, def := range versions {
			defs = append(defs, def)
		}
	}
	r.mu.RUnlock()
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].ID != defs[j].ID {
			return defs[i].ID < defs[j].ID
		}
		return defs[i].Version < defs[j].Version
	})
	return defs
}

func (r *DefinitionRegistry) Latest(id string) (*WorkflowDefinition, error) {
	return r.Get(id, 0)
}
