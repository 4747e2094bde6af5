package workflow

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WorkflowInstancePo struct {
	ID                int64                  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	DefinitionID      string                 `gorm:"column:definition_id;size:128;index" json:"definition_id"`
	DefinitionVersion int64                  `gorm:"column:definition_version" json:"definition_version"`
	BusinessID        string                 `gorm:"column:business_id;size:191;index" json:"business_id"`
	Status            WorkflowInstanceStatus `gorm:"column:status;size:32;index" json:"status"`
	InputData         []byte                 `gorm:"column:input_data" json:"input_data"`
	ContextData       []byte                 `gorm:"column:context_data" json:"context_data"` // 工作流共享上下文
	OutputData        []byte                 `gorm:"column:output_data" json:"output_data"`
	AssignedEngineID  string                 `gorm:"column:assigned_engine_id;size:191" json:"assigned_engine_id"`
	RestartedFromID   int64                  `gorm:"column:restarted_from_id;index" json:"restarted_from_id"` // 由哪个实例重启而来
	ErrorMessage      string                 `gorm:"column:error_message" json:"error_message"`
	StartedAt         int64                  `gorm:"column:started_at" json:"started_at"`
	CompletedAt       int64                  `gorm:"column:completed_at" json:"completed_at"`
	CreatedAt         int64                  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         int64                  `gorm:"column:updated_at" json:"updated_at"`
}

func (WorkflowInstancePo) TableName() string {
	return "workflow_instance"
}

func (po *WorkflowInstancePo) toEntity() *WorkflowInstance {
	return &WorkflowInstance{
		ID:                po.ID,
		DefinitionID:      po.DefinitionID,
		DefinitionVersion: po.DefinitionVersion,
		BusinessID:        po.BusinessID,
		Status:            po.Status,
		Input:             orEmpty(unmarshalMap(po.InputData)),
		Context:           orEmpty(unmarshalMap(po.ContextData)),
		Output:            unmarshalMap(po.OutputData),
		AssignedEngineID:  po.AssignedEngineID,
		RestartedFromID:   po.RestartedFromID,
		ErrorMessage:      po.ErrorMessage,
		StartedAt:         po.StartedAt,
		CompletedAt:       po.CompletedAt,
		CreatedAt:         po.CreatedAt,
		UpdatedAt:         po.UpdatedAt,
	}
}

// NodeInstancePo 根节点 parent_node_id 为空, child_index 为0
// 子节点和父节点 node_id 相同, parent_node_id 为父节点的 node_id
type NodeInstancePo struct {
	ID                 int64              `gorm:"column:id;primaryKey;autoIncrement"`
	WorkflowInstanceID int64              `gorm:"column:workflow_instance_id;uniqueIndex:uk_node_instance,priority:1"`
	NodeID             string             `gorm:"column:node_id;size:128;uniqueIndex:uk_node_instance,priority:2"`
	ParentNodeID       string             `gorm:"column:parent_node_id;size:128;uniqueIndex:uk_node_instance,priority:3"`
	ChildIndex         int64              `gorm:"column:child_index;uniqueIndex:uk_node_instance,priority:4"`
	NodeType           NodeType           `gorm:"column:node_type;size:32"`
	Status             NodeInstanceStatus `gorm:"column:status;size:32;index"`
	InputData          []byte             `gorm:"column:input_data"`
	OutputData         []byte             `gorm:"column:output_data"`
	SignalData         []byte             `gorm:"column:signal_data"` // 外部事件, wait 节点使用
	RetryCount         int64              `gorm:"column:retry_count"`
	MaxRetries         int64              `gorm:"column:max_retries"`
	ParallelGroupID    string             `gorm:"column:parallel_group_id;size:191"`
	ParallelIndex      int64              `gorm:"column:parallel_index"`
	LoopTotal          int64              `gorm:"column:loop_total"`
	LoopCompleted      int64              `gorm:"column:loop_completed"`
	ErrorMessage       string             `gorm:"column:error_message"`
	ErrorDetails       []byte             `gorm:"column:error_details"`
	NextRetryAt        int64              `gorm:"column:next_retry_at"`
	StartedAt          int64              `gorm:"column:started_at"`
	CompletedAt        int64              `gorm:"column:completed_at"`
	DurationMs         int64              `gorm:"column:duration_ms"`
	CreatedAt          int64              `gorm:"column:created_at"`
	UpdatedAt          int64              `gorm:"column:updated_at"`
}

func (NodeInstancePo) TableName() string {
	return "node_instance"
}

func (po *NodeInstancePo) toEntity() *NodeInstance {
	return &NodeInstance{
		ID:                 po.ID,
		WorkflowInstanceID: po.WorkflowInstanceID,
		NodeID:             po.NodeID,
		NodeType:           po.NodeType,
		Status:             po.Status,
		ParentNodeID:       po.ParentNodeID,
		ChildIndex:         po.ChildIndex,
		ParallelGroupID:    po.ParallelGroupID,
		ParallelIndex:      po.ParallelIndex,
		Input:              unmarshalMap(po.InputData),
		Output:             unmarshalMap(po.OutputData),
		SignalData:         unmarshalMap(po.SignalData),
		RetryCount:         po.RetryCount,
		MaxRetries:         po.MaxRetries,
		LoopTotal:          po.LoopTotal,
		LoopCompleted:      po.LoopCompleted,
		ErrorMessage:       po.ErrorMessage,
		ErrorDetails:       unmarshalMap(po.ErrorDetails),
		NextRetryAt:        po.NextRetryAt,
		StartedAt:          po.StartedAt,
		CompletedAt:        po.CompletedAt,
		DurationMs:         po.DurationMs,
		CreatedAt:          po.CreatedAt,
		UpdatedAt:          po.UpdatedAt,
	}
}

// AutoMigrate 建表, 测试和 migrate 命令使用
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&WorkflowInstancePo{}, &NodeInstancePo{}, &DistributedLockPo{}, &EngineInstancePo{}); err != nil {
		return errors.WithMessage(err, "auto migrate workflow tables failed")
	}
	return nil
}

type QueryWorkflowInstanceParams struct {
	WorkflowInstanceID *int64   `json:"workflow_instance_id"`
	DefinitionIDIn     []string `json:"definition_id_in"`
	BusinessID         *string  `json:"business_id"`
	StatusIn           []string `json:"status_in"`
	AssignedEngineID   *string  `json:"assigned_engine_id"`
	IDGreaterThan      *int64   `json:"id_greater_than"`
	OrderbyIDAsc       *bool    `json:"orderby_id_asc"`
	Page               *Pager   `json:"page"`
}

type Pager struct {
	IsNoLimit *bool `json:"is_no_limit"`
	Page      int64 `json:"page"`
	Size      int64 `json:"size"`
}

func applyPager(db *gorm.DB, page *Pager) (*gorm.DB, error) {
	if page == nil {
		return nil, errors.New("page is nil")
	}
	if page.IsNoLimit != nil && *page.IsNoLimit {
		// 不分页显示指定了true
		return db, nil
	}
	if page.Page == 0 {
		page.Page = 1
	}
	if page.Size == 0 {
		page.Size = 10
	}
	return db.Offset(int(page.Page-1) * int(page.Size)).Limit(int(page.Size)), nil
}

func applyOrderbyID(db *gorm.DB, asc *bool) *gorm.DB {
	if asc == nil {
		return db
	}
	if *asc {
		return db.Order("id asc")
	}
	return db.Order("id desc")
}

type QueryNodeInstanceParams struct {
	NodeInstanceID     *int64   `json:"node_instance_id"`
	WorkflowInstanceID *int64   `json:"workflow_instance_id"`
	NodeID             *string  `json:"node_id"`
	ParentNodeID       *string  `json:"parent_node_id"` // 空字符串只查根节点
	StatusIn           []string `json:"status_in"`
	NodeTypeIn         []string `json:"node_type_in"`
	OrderbyIDAsc       *bool    `json:"orderby_id_asc"`
	Page               *Pager   `json:"page"`
}

type UpdateWorkflowInstanceParams struct {
	Where  *UpdateWorkflowInstanceWhere `json:"where" validate:"required"`
	Fields *UpdateWorkflowInstanceField `json:"field" validate:"required"`
}

type UpdateWorkflowInstanceWhere struct {
	IDIn     []int64  `json:"id_in"`
	StatusIn []string `json:"status_in"`
}

type UpdateWorkflowInstanceField struct {
	Status           *string      `json:"status"`
	Context          *JSONContext `json:"context"`
	Output           *JSONContext `json:"output"`
	AssignedEngineID *string      `json:"assigned_engine_id"`
	ErrorMessage     *string      `json:"error_message"`
	StartedAt        *int64       `json:"started_at"`
	CompletedAt      *int64       `json:"completed_at"`
}

type UpdateNodeInstanceParams struct {
	Where  *UpdateNodeInstanceWhere `json:"where" validate:"required"`
	Fields *UpdateNodeInstanceField `json:"field" validate:"required"`
}

type UpdateNodeInstanceWhere struct {
	IDIn               []int64  `json:"id_in"`
	WorkflowInstanceID *int64   `json:"workflow_instance_id"`
	StatusIn           []string `json:"status_in"`
}

type UpdateNodeInstanceField struct {
	Status        *string      `json:"status"`
	Input         *JSONContext `json:"input"`
	Output        *JSONContext `json:"output"`
	SignalData    *JSONContext `json:"signal_data"`
	RetryCount    *int64       `json:"retry_count"`
	LoopTotal     *int64       `json:"loop_total"`
	LoopCompleted *int64       `json:"loop_completed"`
	ErrorMessage  *string      `json:"error_message"`
	ErrorDetails  *JSONContext `json:"error_details"`
	NextRetryAt   *int64       `json:"next_retry_at"`
	StartedAt     *int64       `json:"started_at"`
	CompletedAt   *int64       `json:"completed_at"`
	DurationMs    *int64       `json:"duration_ms"`
}

type workflowRepo struct {
	db    *gorm.DB
	clock Clock
}

func NewWorkflowRepo(db *gorm.DB, clock Clock) WorkflowRepo {
	return &workflowRepo{
		db:    db,
		clock: clockOrSystem(clock),
	}
}

func (r *workflowRepo) nowMilli() int64 {
	return r.clock.Now().UnixMilli()
}

func (r *workflowRepo) CreateWorkflowInstance(ctx context.Context, workflowInstance *WorkflowInstancePo) (*WorkflowInstancePo, error) {
	if workflowInstance == nil {
		return nil, errors.New("nil WorkflowInstancePo")
	}
	now := r.nowMilli()
	workflowInstance.CreatedAt = now
	workflowInstance.UpdatedAt = now
	if err := r.GetDBWithContext(ctx).Create(workflowInstance).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateWorkflowInstance failed")
	}
	return workflowInstance, nil
}

func (r *workflowRepo) GetWorkflowInstance(ctx context.Context, workflowInstanceID int64) (*WorkflowInstancePo, error) {
	pos := make([]*WorkflowInstancePo, 0, 1)
	if err := r.GetDBWithContext(ctx).Where("id = ?", workflowInstanceID).Limit(1).Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "GetWorkflowInstance failed")
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrWorkflowInstanceNotFound, "workflowInstanceID: %d", workflowInstanceID)
	}
	return pos[0], nil
}

func buildQueryWorkflowInstanceParams(db *gorm.DB, isCount bool, param *QueryWorkflowInstanceParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryWorkflowInstanceParams")
	}
	if param.WorkflowInstanceID != nil {
		db = db.Where("id = ?", *param.WorkflowInstanceID)
	}
	if len(param.DefinitionIDIn) != 0 {
		db = db.Where("definition_id IN ?", param.DefinitionIDIn)
	}
	if param.BusinessID != nil {
		db = db.Where("business_id = ?", *param.BusinessID)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if param.AssignedEngineID != nil {
		db = db.Where("assigned_engine_id = ?", *param.AssignedEngineID)
	}
	if param.IDGreaterThan != nil {
		db = db.Where("id > ?", *param.IDGreaterThan)
	}
	if isCount {
		return db, nil
	}
	db = applyOrderbyID(db, param.OrderbyIDAsc)
	return applyPager(db, param.Page)
}

func (r *workflowRepo) QueryWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) ([]*WorkflowInstancePo, error) {
	db := r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{})
	db, err := buildQueryWorkflowInstanceParams(db, false, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryWorkflowInstanceParams failed")
	}
	pos := make([]*WorkflowInstancePo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryWorkflowInstance failed")
	}
	return pos, nil
}

func (r *workflowRepo) CountWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) (int64, error) {
	db := r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{})
	db, err := buildQueryWorkflowInstanceParams(db, true, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildQueryWorkflowInstanceParams failed")
	}
	var count int64
	if err := db.Count(&count).Error; err != nil {
		return 0, errors.WithMessage(err, "CountWorkflowInstance failed")
	}
	return count, nil
}

func (r *workflowRepo) CountWorkflowInstanceByStatus(ctx context.Context) (map[string]int64, error) {
	type statusCount struct {
		Status string
		Total  int64
	}
	rows := make([]statusCount, 0)
	if err := r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{}).
		Select("status, count(*) as total").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, errors.WithMessage(err, "CountWorkflowInstanceByStatus failed")
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

func buildUpdateWorkflowInstanceWhere(db *gorm.DB, param *UpdateWorkflowInstanceParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil UpdateWorkflowInstanceParams")
	}
	if param.Where == nil {
		return nil, errors.New("where is nil")
	}
	if param.Fields == nil {
		return nil, errors.New("fields is nil")
	}
	if len(param.Where.IDIn) == 0 {
		return nil, errors.New("update workflow instance need id_in condition")
	}
	db = db.Where("id IN ?", param.Where.IDIn)
	if len(param.Where.StatusIn) > 0 {
		db = db.Where("status IN ?", param.Where.StatusIn)
	}
	return db, nil
}

func (r *workflowRepo) buildUpdateWorkflowInstanceFields(fields *UpdateWorkflowInstanceField) (map[string]any, error) {
	updateFields := make(map[string]any)
	if fields.Status != nil {
		updateFields["status"] = *fields.Status
	}
	if fields.Context != nil {
		jsonData, err := fields.Context.ToBytes()
		if err != nil {
			return nil, errors.WithMessage(err, "Marshal fields.Context failed")
		}
		updateFields["context_data"] = jsonData
	}
	if fields.Output != nil {
		jsonData, err := fields.Output.ToBytes()
		if err != nil {
			return nil, errors.WithMessage(err, "Marshal fields.Output failed")
		}
		updateFields["output_data"] = jsonData
	}
	if fields.AssignedEngineID != nil {
		updateFields["assigned_engine_id"] = *fields.AssignedEngineID
	}
	if fields.ErrorMessage != nil {
		updateFields["error_message"] = *fields.ErrorMessage
	}
	if fields.StartedAt != nil {
		updateFields["started_at"] = *fields.StartedAt
	}
	if fields.CompletedAt != nil {
		updateFields["completed_at"] = *fields.CompletedAt
	}
	if len(updateFields) == 0 {
		return nil, errors.New("no fields to update")
	}
	updateFields["updated_at"] = r.nowMilli()
	return updateFields, nil
}

func (r *workflowRepo) UpdateWorkflowInstance(ctx context.Context, param *UpdateWorkflowInstanceParams) (int64, error) {
	db := r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{})
	db, err := buildUpdateWorkflowInstanceWhere(db, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildUpdateWorkflowInstanceWhere failed")
	}
	updateFields, err := r.buildUpdateWorkflowInstanceFields(param.Fields)
	if err != nil {
		return 0, errors.WithMessage(err, "buildUpdateWorkflowInstanceFields failed")
	}
	res := db.Updates(updateFields)
	if res.Error != nil {
		return 0, errors.WithMessage(res.Error, "UpdateWorkflowInstance failed")
	}
	return res.RowsAffected, nil
}

func (r *workflowRepo) CreateNodeInstance(ctx context.Context, nodeInstance *NodeInstancePo) (*NodeInstancePo, bool, error) {
	if nodeInstance == nil {
		return nil, false, errors.New("nil NodeInstancePo")
	}
	now := r.nowMilli()
	nodeInstance.CreatedAt = now
	nodeInstance.UpdatedAt = now
	res := r.GetDBWithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(nodeInstance)
	if res.Error != nil {
		return nil, false, errors.WithMessage(res.Error, "CreateNodeInstance failed")
	}
	if res.RowsAffected > 0 {
		return nodeInstance, true, nil
	}
	// 已经被创建过了, 可能是重启后重复展开
	existing := make([]*NodeInstancePo, 0, 1)
	if err := r.GetDBWithContext(ctx).
		Where("workflow_instance_id = ? AND node_id = ? AND parent_node_id = ? AND child_index = ?",
			nodeInstance.WorkflowInstanceID, nodeInstance.NodeID, nodeInstance.ParentNodeID, nodeInstance.ChildIndex).
		Limit(1).Find(&existing).Error; err != nil {
		return nil, false, errors.WithMessage(err, "CreateNodeInstance find existing failed")
	}
	if len(existing) == 0 {
		return nil, false, errors.Errorf("node instance not inserted and not found, workflowInstanceID: %d, nodeID: %s",
			nodeInstance.WorkflowInstanceID, nodeInstance.NodeID)
	}
	return existing[0], false, nil
}

func (r *workflowRepo) GetNodeInstance(ctx context.Context, nodeInstanceID int64) (*NodeInstancePo, error) {
	pos := make([]*NodeInstancePo, 0, 1)
	if err := r.GetDBWithContext(ctx).Where("id = ?", nodeInstanceID).Limit(1).Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "GetNodeInstance failed")
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrNodeInstanceNotFound, "nodeInstanceID: %d", nodeInstanceID)
	}
	return pos[0], nil
}

func (r *workflowRepo) FindByWorkflowInstanceID(ctx context.Context, workflowInstanceID int64) ([]*NodeInstancePo, error) {
	return r.QueryNodeInstance(ctx, &QueryNodeInstanceParams{
		WorkflowInstanceID: &workflowInstanceID,
		OrderbyIDAsc:       boolPtr(true),
		Page:               &Pager{IsNoLimit: boolPtr(true)},
	})
}

func (r *workflowRepo) FindByWorkflowAndNodeID(ctx context.Context, workflowInstanceID int64, nodeID string) (*NodeInstancePo, error) {
	root := ""
	pos, err := r.QueryNodeInstance(ctx, &QueryNodeInstanceParams{
		WorkflowInstanceID: &workflowInstanceID,
		NodeID:             &nodeID,
		ParentNodeID:       &root,
		Page:               &Pager{Size: 1},
	})
	if err != nil {
		return nil, err
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrNodeInstanceNotFound, "workflowInstanceID: %d, nodeID: %s", workflowInstanceID, nodeID)
	}
	return pos[0], nil
}

func (r *workflowRepo) FindChildNodes(ctx context.Context, workflowInstanceID int64, parentNodeID string) ([]*NodeInstancePo, error) {
	if parentNodeID == "" {
		return nil, errors.New("parentNodeID is empty")
	}
	pos := make([]*NodeInstancePo, 0)
	if err := r.GetDBWithContext(ctx).
		Where("workflow_instance_id = ? AND parent_node_id = ?", workflowInstanceID, parentNodeID).
		Order("child_index asc").
		Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "FindChildNodes failed")
	}
	return pos, nil
}

func buildQueryNodeInstanceParams(db *gorm.DB, param *QueryNodeInstanceParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryNodeInstanceParams")
	}
	if param.NodeInstanceID != nil {
		db = db.Where("id = ?", *param.NodeInstanceID)
	}
	if param.WorkflowInstanceID != nil {
		db = db.Where("workflow_instance_id = ?", *param.WorkflowInstanceID)
	}
	if param.NodeID != nil {
		db = db.Where("node_id = ?", *param.NodeID)
	}
	if param.ParentNodeID != nil {
		db = db.Where("parent_node_id = ?", *param.ParentNodeID)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if len(param.NodeTypeIn) != 0 {
		db = db.Where("node_type IN ?", param.NodeTypeIn)
	}
	db = applyOrderbyID(db, param.OrderbyIDAsc)
	return applyPager(db, param.Page)
}

func (r *workflowRepo) QueryNodeInstance(ctx context.Context, param *QueryNodeInstanceParams) ([]*NodeInstancePo, error) {
	db := r.GetDBWithContext(ctx).Model(&NodeInstancePo{})
	db, err := buildQueryNodeInstanceParams(db, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryNodeInstanceParams failed")
	}
	pos := make([]*NodeInstancePo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryNodeInstance failed")
	}
	return pos, nil
}

func buildUpdateNodeInstanceWhere(db *gorm.DB, param *UpdateNodeInstanceParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil UpdateNodeInstanceParams")
	}
	if param.Where == nil {
		return nil, errors.New("where is nil")
	}
	if param.Fields == nil {
		return nil, errors.New("fields is nil")
	}
	isHasWhere := false
	if len(param.Where.IDIn) > 0 {
		isHasWhere = true
		db = db.Where("id IN ?", param.Where.IDIn)
	}
	if param.Where.WorkflowInstanceID != nil {
		isHasWhere = true
		db = db.Where("workflow_instance_id = ?", *param.Where.WorkflowInstanceID)
	}
	if !isHasWhere {
		return nil, errors.New("update node instance need id_in or workflow_instance_id condition")
	}
	if len(param.Where.StatusIn) > 0 {
		db = db.Where("status IN ?", param.Where.StatusIn)
	}
	return db, nil
}

func (r *workflowRepo) buildUpdateNodeInstanceFields(fields *UpdateNodeInstanceField) (map[string]any, error) {
	updateFields := make(map[string]any)
	jsonFields := map[string]*JSONContext{
		"input_data":    fields.Input,
		"output_data":   fields.Output,
		"signal_data":   fields.SignalData,
		"error_details": fields.ErrorDetails,
	}
	for column, value := range jsonFields {
		if value == nil {
			continue
		}
		jsonData, err := value.ToBytes()
		if err != nil {
			return nil, errors.WithMessagef(err, "Marshal %s failed", column)
		}
		updateFields[column] = jsonData
	}
	if fields.Status != nil {
		updateFields["status"] = *fields.Status
	}
	if fields.RetryCount != nil {
		updateFields["retry_count"] = *fields.RetryCount
	}
	if fields.LoopTotal != nil {
		updateFields["loop_total"] = *fields.LoopTotal
	}
	if fields.LoopCompleted != nil {
		updateFields["loop_completed"] = *fields.LoopCompleted
	}
	if fields.ErrorMessage != nil {
		updateFields["error_message"] = *fields.ErrorMessage
	}
	if fields.NextRetryAt != nil {
		updateFields["next_retry_at"] = *fields.NextRetryAt
	}
	if fields.StartedAt != nil {
		updateFields["started_at"] = *fields.StartedAt
	}
	if fields.CompletedAt != nil {
		updateFields["completed_at"] = *fields.CompletedAt
	}
	if fields.DurationMs != nil {
		updateFields["duration_ms"] = *fields.DurationMs
	}
	if len(updateFields) == 0 {
		return nil, errors.New("no fields to update")
	}
	updateFields["updated_at"] = r.nowMilli()
	return updateFields, nil
}

func (r *workflowRepo) UpdateNodeInstance(ctx context.Context, param *UpdateNodeInstanceParams) (int64, error) {
	db := r.GetDBWithContext(ctx).Model(&NodeInstancePo{})
	db, err := buildUpdateNodeInstanceWhere(db, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildUpdateNodeInstanceWhere failed")
	}
	updateFields, err := r.buildUpdateNodeInstanceFields(param.Fields)
	if err != nil {
		return 0, errors.WithMessage(err, "buildUpdateNodeInstanceFields failed")
	}
	res := db.Updates(updateFields)
	if res.Error != nil {
		return 0, errors.WithMessage(res.Error, "UpdateNodeInstance failed")
	}
	return res.RowsAffected, nil
}

func (r *workflowRepo) UpdateStatus(ctx context.Context, nodeInstanceID int64, fromIn []string, to NodeInstanceStatus, fields *UpdateNodeInstanceField) (bool, error) {
	if len(fromIn) == 0 {
		return false, errors.New("UpdateStatus need fromIn")
	}
	if fields == nil {
		fields = &UpdateNodeInstanceField{}
	}
	fields.Status = &to
	rows, err := r.UpdateNodeInstance(ctx, &UpdateNodeInstanceParams{
		Where:  &UpdateNodeInstanceWhere{IDIn: []int64{nodeInstanceID}, StatusIn: fromIn},
		Fields: fields,
	})
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (r *workflowRepo) UpdateLoopProgress(ctx context.Context, nodeInstanceID int64, completed int64) error {
	_, err := r.UpdateNodeInstance(ctx, &UpdateNodeInstanceParams{
		Where:  &UpdateNodeInstanceWhere{IDIn: []int64{nodeInstanceID}},
		Fields: &UpdateNodeInstanceField{LoopCompleted: &completed},
	})
	return err
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

func (r *workflowRepo) GetDBWithContext(ctx context.Context) *gorm.DB {
	tx := ctx.Value(transactionContextKey)
	if tx == nil {
		// 没有事务，直接返回db即可
		return r.db.WithContext(ctx)
	}
	return tx.(*gorm.DB)
}

// Transaction 嵌套调用时复用外层事务
func (r *workflowRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(transactionContextKey) != nil {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, transactionContextKey, tx))
	})
}

func boolPtr(b bool) *bool {
	return &b
}
