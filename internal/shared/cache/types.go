// Package cache 缓存层类型定义
package cache

import (
	"time"

	"devicefarm-admin/internal/shared/model"
)

// ============================================================================
// 缓存数据类型
// ============================================================================

// NodeStatus 节点心跳快照
type NodeStatus struct {
	Status    string    `json:"status"`
	Version   string    `json:"version,omitempty"`
	MaxJobs   int       `json:"max_jobs"`
	Devices   []int     `json:"devices,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeviceStatus 设备心跳快照
type DeviceStatus struct {
	Serial    string    `json:"serial"`
	NodeID    string    `json:"node_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ============================================================================
// Key 前缀和 TTL 常量
// ============================================================================

const (
	// Key 前缀
	KeyNodeHeartbeat   = "node_heartbeat:"
	KeyDeviceHeartbeat = "device_heartbeat:"

	// TTL 常量：key 的存活期即在线窗口
	TTLNodeHeartbeat   = model.DefaultOnlineWindow
	TTLDeviceHeartbeat = model.DefaultOnlineWindow
)
