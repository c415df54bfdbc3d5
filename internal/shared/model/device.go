// Package model 定义核心数据模型
//
// device.go 包含设备相关的数据模型定义：
//   - Device：物理 Android 设备
//   - RunDeviceState：每个 (run, device) 的推进游标
package model

import "time"

// DefaultOnlineWindow 设备/节点在线窗口：最后心跳在窗口内视为在线
const DefaultOnlineWindow = 30 * time.Second

// ============================================================================
// Device - 物理设备
// ============================================================================

// Device 表示一台物理 Android 设备
//
// 设备由稳定的编号（Index）标识，Serial 是厂商运行时句柄（adb 序列号）。
// 每台设备同一时刻归属一个节点（NodeID），心跳由节点代报。
type Device struct {
	Index     int        `json:"index" db:"idx"`
	Serial    string     `json:"serial" db:"serial"`
	NodeID    string     `json:"node_id" db:"node_id"`
	LastSeen  *time.Time `json:"last_seen,omitempty" db:"last_seen"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// IsOnline 判断设备是否在线（最后心跳在窗口内）
func (d *Device) IsOnline(now time.Time, window time.Duration) bool {
	if d.LastSeen == nil {
		return false
	}
	return now.Sub(*d.LastSeen) <= window
}

// ============================================================================
// DeviceRunStatus - 单设备执行状态
// ============================================================================

// DeviceRunStatus 表示某台设备在一个 Run 中的状态
type DeviceRunStatus string

const (
	DeviceRunStatusQueued    DeviceRunStatus = "queued"
	DeviceRunStatusRunning   DeviceRunStatus = "running"
	DeviceRunStatusSucceeded DeviceRunStatus = "succeeded"
	DeviceRunStatusFailed    DeviceRunStatus = "failed"
	DeviceRunStatusStopped   DeviceRunStatus = "stopped"
)

// IsTerminal 判断是否为终态
func (s DeviceRunStatus) IsTerminal() bool {
	switch s {
	case DeviceRunStatusSucceeded, DeviceRunStatusFailed, DeviceRunStatusStopped:
		return true
	default:
		return false
	}
}

// ============================================================================
// RunDeviceState - 设备推进游标
// ============================================================================

// RunDeviceState 是租约机制保护的最小单元
//
// 每个 (run, device) 恰好一行，记录当前步骤游标与状态。
// 不变式：同一 (run, device) 同一时刻至多一个未过期租约，
// 步骤游标只会单调不减地推进。
type RunDeviceState struct {
	RunID            string          `json:"run_id" db:"run_id"`
	DeviceIndex      int             `json:"device_index" db:"device_index"`
	Status           DeviceRunStatus `json:"status" db:"status"`
	CurrentStepIndex int             `json:"current_step_index" db:"current_step_index"`
	LastError        string          `json:"last_error,omitempty" db:"last_error"`
	LastSeen         *time.Time      `json:"last_seen,omitempty" db:"last_seen"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}
