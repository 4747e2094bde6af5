package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateWorkflowInput(t *testing.T) {
	def := &WorkflowDefinition{
		ID: "approval",
		InputSchema: map[string]string{
			"applicant":     "required",
			"amount":        "required,gt=0",
			"email":         "omitempty,email",
			"meta.priority": "oneof=low high",
		},
	}

	require.NoError(t, ValidateWorkflowInput(def, map[string]any{
		"applicant": "li",
		"amount":    300.0,
		"meta":      map[string]any{"priority": "high"},
	}))

	err := ValidateWorkflowInput(def, map[string]any{
		"amount": -1.0,
		"email":  "not-an-email",
		"meta":   map[string]any{"priority": "urgent"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWorkflowInputInvalid)

	var inputErr *InputValidationError
	require.ErrorAs(t, err, &inputErr)
	assert.Equal(t, "approval", inputErr.DefinitionID)
	// 按字段名排序
	assert.Equal(t, []ValidationIssue{
		{Field: "amount", Rule: "gt", Expected: "gt=0", Actual: -1.0},
		{Field: "applicant", Rule: "required", Expected: "required", Actual: nil},
		{Field: "email", Rule: "email", Expected: "email", Actual: "not-an-email"},
		{Field: "meta.priority", Rule: "oneof", Expected: "oneof=low high", Actual: "urgent"},
	}, inputErr.Issues)
	assert.Contains(t, err.Error(), "amount(gt)")

	// 没有 schema 不校验
	assert.NoError(t, ValidateWorkflowInput(&WorkflowDefinition{ID: "free"}, nil))
	assert.NoError(t, ValidateWorkflowInput(nil, nil))
	// 可选字段不存在不报错
	assert.NoError(t, ValidateWorkflowInput(&WorkflowDefinition{ID: "opt", InputSchema: map[string]string{"note": "max=10"}}, map[string]any{}))
}
