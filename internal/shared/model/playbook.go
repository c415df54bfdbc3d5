// Package model 定义核心数据模型
//
// playbook.go 包含剧本相关的数据模型定义：
//   - Playbook：有序步骤列表
//   - PlaybookStep：单个步骤（命令 + 策略）
//   - CommandAsset：命令资产（adb 脚本 / 内联内容）
//   - OnFailure：步骤失败策略
package model

import "encoding/json"

// ============================================================================
// 步骤超时与概率的默认值和钳位范围
// ============================================================================

const (
	// DefaultStepTimeoutMs 步骤默认超时（毫秒）
	DefaultStepTimeoutMs = 30_000

	// MinStepTimeoutMs 步骤超时下限：防止误配置导致重试风暴
	MinStepTimeoutMs = 5_000

	// MaxStepTimeoutMs 步骤超时上限：防止误配置无限挂住设备
	MaxStepTimeoutMs = 600_000
)

// ClampStepTimeoutMs 将步骤超时钳位到 [MinStepTimeoutMs, MaxStepTimeoutMs]
//
// 零值或负值视为未配置，返回默认超时。
func ClampStepTimeoutMs(ms int) int {
	if ms <= 0 {
		return DefaultStepTimeoutMs
	}
	if ms < MinStepTimeoutMs {
		return MinStepTimeoutMs
	}
	if ms > MaxStepTimeoutMs {
		return MaxStepTimeoutMs
	}
	return ms
}

// ClampProbability 将执行概率钳位到 [0, 1]
func ClampProbability(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// ============================================================================
// CommandKind / OnFailure
// ============================================================================

// CommandKind 步骤命令类型
type CommandKind string

const (
	// CommandKindADB adb 脚本：在设备上执行内联 shell 脚本
	CommandKindADB CommandKind = "adb"

	// CommandKindVendor 厂商动作：如屏幕截图
	CommandKindVendor CommandKind = "vendor"

	// CommandKindUpload 产物上传：将最近的截图推送到对象存储
	CommandKindUpload CommandKind = "upload"

	// CommandKindJS 内联 JS：旧版 Workflow 文档中的脚本步骤
	CommandKindJS CommandKind = "js"
)

// OnFailure 步骤失败策略
type OnFailure string

const (
	// OnFailureStop 中止该设备的剩余步骤，标记失败
	OnFailureStop OnFailure = "stop"

	// OnFailureContinue 记录失败，继续推进到下一步骤
	OnFailureContinue OnFailure = "continue"

	// OnFailureRetry 重试同一步骤，用尽 RetryCount 次后按 stop 处理
	OnFailureRetry OnFailure = "retry"
)

// Valid 判断失败策略是否合法
func (f OnFailure) Valid() bool {
	switch f {
	case OnFailureStop, OnFailureContinue, OnFailureRetry:
		return true
	default:
		return false
	}
}

// ============================================================================
// CommandAsset - 命令资产
// ============================================================================

// CommandAsset 表示可被步骤引用的自动化资产
//
// Kind 为 adb 时 Script 携带内联 shell 脚本文本；
// vendor/upload 类型没有脚本，行为由执行器内建。
type CommandAsset struct {
	ID     string      `json:"id" db:"id"`
	Kind   CommandKind `json:"kind" db:"kind"`
	Title  string      `json:"title" db:"title"`
	Script string      `json:"script,omitempty" db:"script"`
}

// ============================================================================
// PlaybookStep - 剧本步骤
// ============================================================================

// PlaybookStep 表示剧本中的一个步骤
//
// 字段说明：
//   - SortOrder：步骤排序依据，展开为步骤列表时按此排序
//   - TimeoutMs：步骤超时（毫秒），0 表示使用默认值
//   - Probability：执行概率 [0,1]，决策引擎据此决定 executed/skipped
//   - Params：步骤本地参数（JSON），透传给执行器
type PlaybookStep struct {
	ID          string          `json:"id" db:"id"`
	PlaybookID  string          `json:"playbook_id" db:"playbook_id"`
	CommandID   string          `json:"command_id" db:"command_id"`
	SortOrder   int             `json:"sort_order" db:"sort_order"`
	TimeoutMs   int             `json:"timeout_ms" db:"timeout_ms"`
	OnFailure   OnFailure       `json:"on_failure" db:"on_failure"`
	RetryCount  int             `json:"retry_count" db:"retry_count"`
	Probability float64         `json:"probability" db:"probability"`
	Params      json.RawMessage `json:"params,omitempty" db:"params"`
}

// Normalize 填充默认值并钳位超限字段
//
// 返回规范化后的副本，不修改原值。
func (s PlaybookStep) Normalize() PlaybookStep {
	s.TimeoutMs = ClampStepTimeoutMs(s.TimeoutMs)
	s.Probability = ClampProbability(s.Probability)
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

// ============================================================================
// Playbook - 剧本
// ============================================================================

// Playbook 表示一份有序的自动化剧本
type Playbook struct {
	ID    string         `json:"id" db:"id"`
	Name  string         `json:"name" db:"name"`
	Steps []PlaybookStep `json:"steps,omitempty" db:"-"`
}
