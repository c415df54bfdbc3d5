// Package cache 缓存层 mock 实现
package cache

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// NoOpCache - 空操作的 Cache 实现（用于测试）
// ============================================================================

// NoOpCache 是一个不做任何操作的 Cache 实现
type NoOpCache struct{}

// NewNoOpCache 创建 NoOpCache 实例
func NewNoOpCache() *NoOpCache {
	return &NoOpCache{}
}

// Close 关闭缓存
func (c *NoOpCache) Close() error {
	return nil
}

// NodeHeartbeatCache 方法

func (c *NoOpCache) UpdateNodeHeartbeat(ctx context.Context, nodeID string, status *NodeStatus) error {
	return nil
}
func (c *NoOpCache) GetNodeHeartbeat(ctx context.Context, nodeID string) (*NodeStatus, error) {
	return nil, nil
}
func (c *NoOpCache) DeleteNodeHeartbeat(ctx context.Context, nodeID string) error {
	return nil
}
func (c *NoOpCache) ListOnlineNodes(ctx context.Context) ([]string, error) {
	return []string{}, nil
}

// DeviceHeartbeatCache 方法

func (c *NoOpCache) UpdateDeviceHeartbeat(ctx context.Context, deviceIndex int, status *DeviceStatus) error {
	return nil
}
func (c *NoOpCache) GetDeviceHeartbeat(ctx context.Context, deviceIndex int) (*DeviceStatus, error) {
	return nil, nil
}
func (c *NoOpCache) ListOnlineDeviceIndexes(ctx context.Context) ([]int, error) {
	return []int{}, nil
}

// 确保 NoOpCache 实现了 Cache 接口
var _ Cache = (*NoOpCache)(nil)

// ============================================================================
// MemoryCache - 进程内 Cache 实现（用于测试）
// ============================================================================

// MemoryCache 进程内缓存，语义对齐 Redis 实现：key 存在即在线。
// 不做 TTL 过期，测试通过 Delete 模拟过期。
type MemoryCache struct {
	mu      sync.RWMutex
	nodes   map[string]*NodeStatus
	devices map[int]*DeviceStatus
}

// NewMemoryCache 创建 MemoryCache 实例
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		nodes:   make(map[string]*NodeStatus),
		devices: make(map[int]*DeviceStatus),
	}
}

// Close 关闭缓存
func (c *MemoryCache) Close() error {
	return nil
}

// NodeHeartbeatCache 方法

func (c *MemoryCache) UpdateNodeHeartbeat(ctx context.Context, nodeID string, status *NodeStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	status.UpdatedAt = time.Now()
	c.nodes[nodeID] = status
	return nil
}

func (c *MemoryCache) GetNodeHeartbeat(ctx context.Context, nodeID string) (*NodeStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nodes[nodeID], nil
}

func (c *MemoryCache) DeleteNodeHeartbeat(ctx context.Context, nodeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodes, nodeID)
	return nil
}

func (c *MemoryCache) ListOnlineNodes(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.nodes))
	for id := range c.nodes {
		ids = append(ids, id)
	}
	return ids, nil
}

// DeviceHeartbeatCache 方法

func (c *MemoryCache) UpdateDeviceHeartbeat(ctx context.Context, deviceIndex int, status *DeviceStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	status.UpdatedAt = time.Now()
	c.devices[deviceIndex] = status
	return nil
}

func (c *MemoryCache) GetDeviceHeartbeat(ctx context.Context, deviceIndex int) (*DeviceStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.devices[deviceIndex], nil
}

func (c *MemoryCache) ListOnlineDeviceIndexes(ctx context.Context) ([]int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	indexes := make([]int, 0, len(c.devices))
	for idx := range c.devices {
		indexes = append(indexes, idx)
	}
	return indexes, nil
}

// 确保 MemoryCache 实现了 Cache 接口
var _ Cache = (*MemoryCache)(nil)
