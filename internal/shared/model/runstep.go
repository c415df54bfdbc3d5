// Package model 定义核心数据模型
//
// runstep.go 包含步骤尝试记录的数据模型定义：
//   - RunStep：一次 (run, device, step_index) 的尝试记录
//   - RunStepStatus / Decision
package model

import "time"

// ============================================================================
// RunStepStatus - 步骤尝试状态
// ============================================================================

// RunStepStatus 表示一次步骤尝试的状态
type RunStepStatus string

const (
	RunStepStatusQueued    RunStepStatus = "queued"
	RunStepStatusRunning   RunStepStatus = "running"
	RunStepStatusSucceeded RunStepStatus = "succeeded"
	RunStepStatusFailed    RunStepStatus = "failed"
	RunStepStatusSkipped   RunStepStatus = "skipped"
)

// ============================================================================
// Decision - 执行决策
// ============================================================================

// Decision 表示决策引擎对 (run, device, step) 的判定
//
// 判定是确定性的：相同输入永远得到相同结果（见 assign 包的决策引擎），
// 租约过期重新分配后同一逻辑步骤不会在执行与跳过之间摇摆。
type Decision string

const (
	DecisionExecuted Decision = "executed"
	DecisionSkipped  Decision = "skipped"
)

// ============================================================================
// RunStep - 步骤尝试记录
// ============================================================================

// RunStep 表示一次 (run, device, step_index) 的尝试记录
//
// 插入受 (run_id, device_index, step_index) 唯一约束保护：
// 重复 pull 或网络重试导致的重复插入被静默容忍，这也是
// "同一步骤不会有两次并发 running" 不变式的一半（另一半是租约）。
type RunStep struct {
	ID          int64         `json:"id" db:"id"`
	RunID       string        `json:"run_id" db:"run_id"`
	DeviceIndex int           `json:"device_index" db:"device_index"`
	StepIndex   int           `json:"step_index" db:"step_index"`
	StepID      string        `json:"step_id" db:"step_id"`
	Kind        CommandKind   `json:"kind" db:"kind"`
	Status      RunStepStatus `json:"status" db:"status"`
	Decision    Decision      `json:"decision" db:"decision"`
	Error       string        `json:"error,omitempty" db:"error"`
	StartedAt   *time.Time    `json:"started_at,omitempty" db:"started_at"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty" db:"finished_at"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
}
