// Package cache 缓存层抽象接口
//
// 提供心跳等临时状态的存取能力，当前由 Redis 实现。
// 心跳的持久化副本仍写入 PostgreSQL，缓存只服务读路径的快速判定，
// 缓存不可用时调用方退回数据库判定。
package cache

import (
	"context"
)

// ============================================================================
// 缓存接口定义
// ============================================================================

// NodeHeartbeatCache 节点心跳缓存接口
type NodeHeartbeatCache interface {
	UpdateNodeHeartbeat(ctx context.Context, nodeID string, status *NodeStatus) error
	GetNodeHeartbeat(ctx context.Context, nodeID string) (*NodeStatus, error)
	DeleteNodeHeartbeat(ctx context.Context, nodeID string) error
	ListOnlineNodes(ctx context.Context) ([]string, error)
}

// DeviceHeartbeatCache 设备心跳缓存接口
//
// 设备心跳由所属节点代报，TTL 与在线窗口一致：
// key 存在即设备在线。
type DeviceHeartbeatCache interface {
	UpdateDeviceHeartbeat(ctx context.Context, deviceIndex int, status *DeviceStatus) error
	GetDeviceHeartbeat(ctx context.Context, deviceIndex int) (*DeviceStatus, error)
	ListOnlineDeviceIndexes(ctx context.Context) ([]int, error)
}

// ============================================================================
// 组合接口
// ============================================================================

// Cache 缓存组合接口
type Cache interface {
	NodeHeartbeatCache
	DeviceHeartbeatCache
	Close() error
}
