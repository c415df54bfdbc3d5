// Package eventbus Run 事件总线抽象接口
//
// 回调事件入库后同时发布到事件总线，WebSocket 网关按 RunID 订阅并
// 转发给前端。生产环境由 Redis Streams 实现，多实例部署时各实例的
// 网关都能收到完整事件流；单机或测试场景用进程内实现。
package eventbus

import (
	"context"

	"devicefarm-admin/internal/shared/model"
)

// Bus Run 事件总线接口
type Bus interface {
	// Publish 发布一条回调事件
	Publish(ctx context.Context, event *model.CallbackEvent) error

	// Subscribe 订阅指定 Run 的后续事件
	// 返回的 channel 在 ctx 取消后关闭；历史事件不在此回放，
	// 由调用方从持久存储读取
	Subscribe(ctx context.Context, runID string) (<-chan *model.CallbackEvent, error)

	Close() error
}

const (
	// KeyRunEvents Redis Stream key 前缀
	KeyRunEvents = "run_events:"

	// MaxStreamLength Stream 最大长度（近似裁剪）
	MaxStreamLength = 1000
)
