// Package model 定义核心数据模型
//
// job.go 包含任务描述符的数据模型定义：
//   - Job：pull 返回的完整任务描述
//   - PullResponse：pull 接口响应体
//
// Job 是 Assignment Service 对 (run, device, step) 的完整解析结果，
// 节点侧据此执行，无需再回查服务端。
package model

import (
	"encoding/json"
	"time"
)

// Job pull 返回的任务描述符
type Job struct {
	RunID         string          `json:"run_id"`
	RunParams     json.RawMessage `json:"run_params,omitempty"`
	RunTimeoutSec int             `json:"run_timeout_sec"`
	StopRequested bool            `json:"stop_requested"`

	DeviceIndex  int    `json:"device_index"`
	DeviceSerial string `json:"device_serial"`

	StepIndex   int             `json:"step_index"`
	StepID      string          `json:"step_id"`
	Kind        CommandKind     `json:"kind"`
	Title       string          `json:"title,omitempty"`
	Script      string          `json:"script,omitempty"`
	Action      string          `json:"action,omitempty"`
	StepParams  json.RawMessage `json:"step_params,omitempty"`
	TimeoutMs   int             `json:"timeout_ms"`
	OnFailure   OnFailure       `json:"on_failure"`
	RetryCount  int             `json:"retry_count"`
	Decision    Decision        `json:"decision"`
	Probability float64         `json:"probability"`

	LeaseToken string `json:"lease_token"`
}

// PullResponse pull 接口响应体
//
// jobs 为空数组表示当前没有可分配的工作，这不是错误。
// 单次调用至多返回一个任务。
type PullResponse struct {
	Now  time.Time `json:"now"`
	Jobs []Job     `json:"jobs"`
}
