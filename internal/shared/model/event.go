// Package model 定义核心数据模型
//
// event.go 包含回调事件的数据模型定义：
//   - CallbackEvent：节点回传服务端的结果/进度事件
//   - CallbackEventType：事件类型枚举
//
// 事件 ID 由逻辑坐标确定性派生（不含墙钟时间），网络重试导致的
// 重复投递在服务端按重复 event_id 识别并安全忽略。
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// CallbackEventType - 事件类型
// ============================================================================

// CallbackEventType 回调事件类型
type CallbackEventType string

const (
	// EventTaskStarted 节点开始执行某步骤
	EventTaskStarted CallbackEventType = "task_started"

	// EventRunStepUpdate 步骤状态变更（succeeded/failed/skipped）
	EventRunStepUpdate CallbackEventType = "run_step_update"

	// EventArtifactCreated 截图已上传到对象存储
	EventArtifactCreated CallbackEventType = "artifact_created"

	// EventTaskFinished 本次任务（一次步骤尝试序列）结束
	EventTaskFinished CallbackEventType = "task_finished"
)

// ============================================================================
// CallbackEvent - 回调事件
// ============================================================================

// CallbackEvent 表示节点回传服务端的一条事件
//
// 所有事件都携带 run/node/device 坐标与签发工作的租约 Token，
// 服务端据此校验事件归属于一个仍被认可（或刚过期但可信）的租约。
type CallbackEvent struct {
	EventID     string            `json:"event_id" db:"event_id"`
	Type        CallbackEventType `json:"type" db:"type"`
	RunID       string            `json:"run_id" db:"run_id"`
	NodeID      string            `json:"node_id" db:"node_id"`
	DeviceIndex int               `json:"device_index" db:"device_index"`
	StepIndex   int               `json:"step_index" db:"step_index"`
	StepID      string            `json:"step_id" db:"step_id"`
	Attempt     int               `json:"attempt" db:"attempt"`
	LeaseToken  string            `json:"lease_token" db:"lease_token"`
	Status      string            `json:"status,omitempty" db:"status"`
	Error       string            `json:"error,omitempty" db:"error"`
	DurationMs  int64             `json:"duration_ms,omitempty" db:"duration_ms"`
	Payload     json.RawMessage   `json:"payload,omitempty" db:"payload"`
	Timestamp   time.Time         `json:"timestamp" db:"timestamp"`
}

// ComputeEventID 由逻辑坐标确定性派生事件 ID
//
// 输入不含墙钟时间：重发同一逻辑事件得到同一 ID。attempt 参与派生，
// 策略级重试产生的新尝试是新的逻辑事件，不会被去重吞掉。
func ComputeEventID(typ CallbackEventType, runID string, deviceIndex, stepIndex int, stepID string, attempt int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%d|%s|%d",
		typ, runID, deviceIndex, stepIndex, stepID, attempt)))
	return hex.EncodeToString(sum[:16])
}

// FillEventID 计算并填充 EventID（已填充则保持不变）
func (e *CallbackEvent) FillEventID() {
	if e.EventID == "" {
		e.EventID = ComputeEventID(e.Type, e.RunID, e.DeviceIndex, e.StepIndex, e.StepID, e.Attempt)
	}
}
