package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// ValidationIssue 一个字段的校验失败
type ValidationIssue struct {
	Field    string `json:"field"`
	Rule     string `json:"rule"`
	Expected string `json:"expected"`
	Actual   any    `json:"actual"`
}

// InputValidationError 工作流输入不满足 input_schema, errors.Is(err, ErrWorkflowInputInvalid) 为true
type InputValidationError struct {
	DefinitionID string            `json:"definition_id"`
	Issues       []ValidationIssue `json:"issues"`
}

func (e *InputValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, fmt.Sprintf("%s(%s)", issue.Field, issue.Rule))
	}
	return fmt.Sprintf("workflow input invalid, definition: %s, issues: %s", e.DefinitionID, strings.Join(parts, ", "))
}

func (e *InputValidationError) Is(target error) bool {
	return target == ErrWorkflowInputInvalid
}

// ValidateWorkflowInput 按 input_schema 校验输入, schema 的 value 是 validator 的 tag
// 字段不存在时只有 tag 里带 required 才会报错
func ValidateWorkflowInput(def *WorkflowDefinition, input map[string]any) error {
	if def == nil || len(def.InputSchema) == 0 {
		return nil
	}
	fields := make([]string, 0, len(def.InputSchema))
	for field := range def.InputSchema {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	issues := make([]ValidationIssue, 0)
	for _, field := range fields {
		tag := def.InputSchema[field]
		value, ok := lookupPath(input, SplitPath(field))
		if !ok || value == nil {
			if hasRule(tag, "required") {
				issues = append(issues, ValidationIssue{Field: field, Rule: "required", Expected: tag, Actual: nil})
			}
			continue
		}
		if err := validatorUtil.Var(value, tag); err != nil {
			var fieldErrs validator.ValidationErrors
			if errors.As(err, &fieldErrs) {
				for _, fe := range fieldErrs {
					issues = append(issues, ValidationIssue{Field: field, Rule: fe.Tag(), Expected: ruleExpectation(fe), Actual: value})
				}
				continue
			}
			// tag 本身写错了也按校验失败返回
			issues = append(issues, ValidationIssue{Field: field, Rule: tag, Expected: err.Error(), Actual: value})
		}
	}
	if len(issues) == 0 {
		return nil
	}
	return &InputValidationError{DefinitionID: def.ID, Issues: issues}
}

func hasRule(tag, rule string) bool {
	for _, part := range strings.Split(tag, ",") {
		if strings.TrimSpace(part) == rule {
			return true
		}
	}
	return false
}

func ruleExpectation(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}
