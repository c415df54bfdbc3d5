// Package redis DeviceHeartbeat 缓存操作
package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"devicefarm-admin/internal/shared/cache"
)

// UpdateDeviceHeartbeat 更新设备心跳（节点心跳代报）
func (s *Store) UpdateDeviceHeartbeat(ctx context.Context, deviceIndex int, status *cache.DeviceStatus) error {
	key := cache.KeyDeviceHeartbeat + strconv.Itoa(deviceIndex)

	status.UpdatedAt = time.Now()
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}

	return s.client.Set(ctx, key, data, cache.TTLDeviceHeartbeat).Err()
}

// GetDeviceHeartbeat 获取设备心跳
func (s *Store) GetDeviceHeartbeat(ctx context.Context, deviceIndex int) (*cache.DeviceStatus, error) {
	key := cache.KeyDeviceHeartbeat + strconv.Itoa(deviceIndex)

	data, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var status cache.DeviceStatus
	if err := json.Unmarshal([]byte(data), &status); err != nil {
		return nil, err
	}

	return &status, nil
}

// ListOnlineDeviceIndexes 列出在线设备编号
//
// 使用 SCAN 替代 KEYS，避免在设备数量大时阻塞 Redis
func (s *Store) ListOnlineDeviceIndexes(ctx context.Context) ([]int, error) {
	pattern := cache.KeyDeviceHeartbeat + "*"
	var indexes []int
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		idx, err := strconv.Atoi(key[len(cache.KeyDeviceHeartbeat):])
		if err != nil {
			continue
		}
		indexes = append(indexes, idx)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return indexes, nil
}
