// Package redis Redis Streams 事件总线实现
//
// 每个 Run 一条 Stream（run_events:{run_id}），近似裁剪到固定长度。
// Stream 只承担实时扇出，历史回放走 PostgreSQL。
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"devicefarm-admin/internal/shared/eventbus"
	"devicefarm-admin/internal/shared/model"
)

// Bus Redis Streams 事件总线
type Bus struct {
	client *redis.Client
}

var _ eventbus.Bus = (*Bus)(nil)

// NewBusFromURL 从 Redis URL 创建事件总线
func NewBusFromURL(redisURL string) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{client: client}, nil
}

// Publish 发布一条回调事件
func (b *Bus) Publish(ctx context.Context, event *model.CallbackEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := eventbus.KeyRunEvents + event.RunID
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: eventbus.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{"event": string(body)},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish run event: %w", err)
	}
	return nil
}

// Subscribe 订阅指定 Run 的后续事件
// 从 "$" 开始读，只收订阅之后发布的事件
func (b *Bus) Subscribe(ctx context.Context, runID string) (<-chan *model.CallbackEvent, error) {
	key := eventbus.KeyRunEvents + runID
	ch := make(chan *model.CallbackEvent, 100)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			streams, err := b.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   10,
				Block:   5 * time.Second,
			}).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() == nil {
					log.Printf("[eventbus.redis] subscribe error run_id=%s err=%v", runID, err)
				}
				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					lastID = msg.ID

					body, ok := msg.Values["event"].(string)
					if !ok {
						continue
					}
					var event model.CallbackEvent
					if err := json.Unmarshal([]byte(body), &event); err != nil {
						log.Printf("[eventbus.redis] malformed event skipped run_id=%s err=%v", runID, err)
						continue
					}

					select {
					case ch <- &event:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

// Close 关闭 Redis 连接
func (b *Bus) Close() error {
	return b.client.Close()
}
