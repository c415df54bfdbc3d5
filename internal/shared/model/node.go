// Package model 定义核心数据模型
//
// node.go 包含节点相关的数据模型定义：
//   - Node：驱动多台设备的主机进程
//   - NodeStatus：节点状态枚举
package model

import "time"

// ============================================================================
// NodeStatus - 节点状态
// ============================================================================

// NodeStatus 表示节点的状态
//
// 状态说明：
//   - online：节点在线，定期上报心跳
//   - offline：心跳超时或主动下线
//   - maintenance：维护模式，管理员手动标记，不参与分配
type NodeStatus string

const (
	NodeStatusOnline      NodeStatus = "online"
	NodeStatusOffline     NodeStatus = "offline"
	NodeStatusMaintenance NodeStatus = "maintenance"
)

// ============================================================================
// Node - 节点
// ============================================================================

// Node 表示一台驱动多台物理设备的主机
//
// Node Agent 启动后定期向 API Server 发送心跳，心跳携带节点软件版本
// 与所辖设备的存活信息。Version 与配置的最新版本不一致时，节点列表
// 会带上 needs_update 标记，提示操作员升级。
type Node struct {
	ID            string     `json:"id" db:"id"`
	Status        NodeStatus `json:"status" db:"status"`
	Hostname      string     `json:"hostname,omitempty" db:"hostname"`
	Version       string     `json:"version,omitempty" db:"version"`
	MaxJobs       int        `json:"max_jobs" db:"max_jobs"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty" db:"last_heartbeat"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// IsOnline 判断节点是否在线（最后心跳在窗口内且非维护状态）
func (n *Node) IsOnline(now time.Time, window time.Duration) bool {
	if n.Status == NodeStatusMaintenance {
		return false
	}
	if n.LastHeartbeat == nil {
		return false
	}
	return now.Sub(*n.LastHeartbeat) <= window
}

// NeedsUpdate 判断节点软件版本是否落后于配置的最新版本
func (n *Node) NeedsUpdate(latest string) bool {
	return latest != "" && n.Version != "" && n.Version != latest
}
