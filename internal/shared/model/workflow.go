// Package model 定义核心数据模型
//
// workflow.go 包含旧版 Workflow 文档的数据模型定义。
//
// Workflow 是 Playbook 之前的步骤来源：一份 JSON 文档内联全部步骤，
// 步骤类型扩展为 adb | vendor | upload | js。解析后应用与 PlaybookStep
// 相同的默认填充与钳位规则，执行语义（stop/continue/retry）完全一致。
package model

import (
	"encoding/json"
	"fmt"
)

// Workflow 旧版工作流文档
type Workflow struct {
	ID       string          `json:"id" db:"id"`
	Name     string          `json:"name" db:"name"`
	Document json.RawMessage `json:"document" db:"document"`
}

// WorkflowStep 工作流文档中的一个步骤
//
// 与 PlaybookStep 不同，脚本内容直接内联在文档里（Script），
// vendor 步骤通过 Action 区分具体动作（如 "screen"）。
type WorkflowStep struct {
	Kind       CommandKind     `json:"kind"`
	Title      string          `json:"title,omitempty"`
	Script     string          `json:"script,omitempty"`
	Action     string          `json:"action,omitempty"`
	TimeoutMs  int             `json:"timeout_ms,omitempty"`
	OnFailure  OnFailure       `json:"on_failure,omitempty"`
	RetryCount int             `json:"retry_count,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// Normalize 填充默认值并钳位超限字段（与 PlaybookStep.Normalize 同规则）
func (s WorkflowStep) Normalize() WorkflowStep {
	s.TimeoutMs = ClampStepTimeoutMs(s.TimeoutMs)
	if !s.OnFailure.Valid() {
		s.OnFailure = OnFailureStop
	}
	if s.RetryCount < 0 {
		s.RetryCount = 0
	}
	if s.OnFailure != OnFailureRetry {
		s.RetryCount = 0
	}
	return s
}

// workflowDocument 文档顶层结构
type workflowDocument struct {
	Steps []WorkflowStep `json:"steps"`
}

// ParseWorkflowSteps 解析工作流文档并返回规范化后的步骤列表
func ParseWorkflowSteps(document json.RawMessage) ([]WorkflowStep, error) {
	var doc workflowDocument
	if err := json.Unmarshal(document, &doc); err != nil {
		return nil, fmt.Errorf("parse workflow document: %w", err)
	}

	steps := make([]WorkflowStep, 0, len(doc.Steps))
	for i, s := range doc.Steps {
		switch s.Kind {
		case CommandKindADB, CommandKindVendor, CommandKindUpload, CommandKindJS:
		default:
			return nil, fmt.Errorf("workflow step %d: unknown kind %q", i, s.Kind)
		}
		steps = append(steps, s.Normalize())
	}
	return steps, nil
}
