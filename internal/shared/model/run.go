// Package model 定义核心数据模型
//
// run.go 包含执行请求相关的数据模型定义：
//   - Run：一次跨设备的执行请求
//   - RunStatus：执行状态枚举
//   - RunTrigger / RunScope：触发方式与设备范围
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// RunStatus - 执行状态
// ============================================================================

// RunStatus 表示一次执行请求（Run）的状态
//
// Run 是面向整个设备范围的执行请求，RunStatus 反映全局进展：
//   - pending：已创建，尚未展开设备状态
//   - queued：已入队，等待任意节点首次拉取
//   - running：至少有一台设备开始执行
//   - completed：所有设备成功结束
//   - completed_with_errors：部分设备成功、部分失败
//   - failed：所有设备失败
//   - stopped：操作员请求停止且已被节点侧确认
//
// queued → running 的迁移由 Assignment Service 在首次成功 pull 时完成，
// 终态由回调汇总（rollup）在所有设备到达终态后写入。
type RunStatus string

const (
	// RunStatusPending 已创建：设备状态尚未展开
	RunStatusPending RunStatus = "pending"

	// RunStatusQueued 已入队：等待节点拉取
	RunStatusQueued RunStatus = "queued"

	// RunStatusRunning 执行中：至少一台设备已开始
	RunStatusRunning RunStatus = "running"

	// RunStatusCompleted 全部成功
	RunStatusCompleted RunStatus = "completed"

	// RunStatusCompletedWithErrors 部分成功
	RunStatusCompletedWithErrors RunStatus = "completed_with_errors"

	// RunStatusFailed 全部失败
	RunStatusFailed RunStatus = "failed"

	// RunStatusStopped 已停止：stop 请求被节点侧确认
	RunStatusStopped RunStatus = "stopped"
)

// IsTerminal 判断是否为终态
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusCompletedWithErrors, RunStatusFailed, RunStatusStopped:
		return true
	default:
		return false
	}
}

// IsPullable 判断该状态下的 Run 是否可被节点拉取
func (s RunStatus) IsPullable() bool {
	return s == RunStatusQueued || s == RunStatusRunning
}

// ============================================================================
// RunTrigger / RunScope
// ============================================================================

// RunTrigger 触发方式
type RunTrigger string

const (
	RunTriggerManual    RunTrigger = "manual"    // 操作员手动触发
	RunTriggerScheduled RunTrigger = "scheduled" // 调度器定时触发
)

// RunScope 设备范围
type RunScope string

const (
	RunScopeAll    RunScope = "all"    // 全部设备
	RunScopeSubset RunScope = "subset" // 指定设备子集（DeviceIndexes）
)

// ============================================================================
// Run - 执行请求
// ============================================================================

// Run 表示一次跨设备的执行请求
//
// 一个 Run 引用一个 Playbook（或旧版 Workflow 文档），按设备范围展开为
// 多条 RunDeviceState，各设备独立推进步骤游标，互不约束顺序。
//
// 字段说明：
//   - PlaybookID / WorkflowID：二选一，引用要执行的步骤来源
//   - DeviceIndexes：Scope 为 subset 时的设备编号列表
//   - TimeoutSec：全局超时（秒），下发给节点侧
//   - StepTimeoutOverrides：按步骤序号覆盖步骤超时（毫秒）
//   - StopRequestedAt：协作式停止标记，节点在步骤间检查
//   - Params：透传给节点的运行参数（JSON）
type Run struct {
	ID                   string          `json:"id" db:"id"`
	Trigger              RunTrigger      `json:"trigger" db:"trigger"`
	Scope                RunScope        `json:"scope" db:"scope"`
	DeviceIndexes        []int           `json:"device_indexes,omitempty" db:"device_indexes"`
	PlaybookID           *string         `json:"playbook_id,omitempty" db:"playbook_id"`
	WorkflowID           *string         `json:"workflow_id,omitempty" db:"workflow_id"`
	Status               RunStatus       `json:"status" db:"status"`
	Params               json.RawMessage `json:"params,omitempty" db:"params"`
	TimeoutSec           int             `json:"timeout_sec" db:"timeout_sec"`
	StepTimeoutOverrides map[int]int     `json:"step_timeout_overrides,omitempty" db:"step_timeout_overrides"`
	StopRequestedAt      *time.Time      `json:"stop_requested_at,omitempty" db:"stop_requested_at"`
	StartedAt            *time.Time      `json:"started_at,omitempty" db:"started_at"`
	FinishedAt           *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
}

// StopRequested 判断操作员是否已请求停止
func (r *Run) StopRequested() bool {
	return r.StopRequestedAt != nil
}

// RollupStatus 根据所有设备状态计算 Run 的汇总状态
//
// 只有当全部设备到达终态时才返回终态，否则返回当前状态不变。
// stop 请求优先：只要有设备被停止且无设备仍在推进，结果为 stopped。
func (r *Run) RollupStatus(states []*RunDeviceState) RunStatus {
	if len(states) == 0 {
		return r.Status
	}

	var succeeded, failed, stopped int
	for _, st := range states {
		if !st.Status.IsTerminal() {
			return r.Status
		}
		switch st.Status {
		case DeviceRunStatusSucceeded:
			succeeded++
		case DeviceRunStatusFailed:
			failed++
		case DeviceRunStatusStopped:
			stopped++
		}
	}

	switch {
	case stopped > 0 && r.StopRequested():
		return RunStatusStopped
	case failed == 0 && stopped == 0:
		return RunStatusCompleted
	case succeeded == 0 && stopped == 0:
		return RunStatusFailed
	default:
		return RunStatusCompletedWithErrors
	}
}
