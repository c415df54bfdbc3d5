// Package eventbus 进程内事件总线实现
package eventbus

import (
	"context"
	"log"
	"sync"

	"devicefarm-admin/internal/shared/model"
)

// InProcessBus 进程内事件总线
//
// 单实例部署和测试用，事件只在本进程内扇出。
type InProcessBus struct {
	mu   sync.RWMutex
	subs map[string]map[chan *model.CallbackEvent]bool // 按 RunID 索引
}

var _ Bus = (*InProcessBus)(nil)

// NewInProcessBus 创建进程内事件总线
func NewInProcessBus() *InProcessBus {
	return &InProcessBus{
		subs: make(map[string]map[chan *model.CallbackEvent]bool),
	}
}

// Publish 把事件扇出给该 Run 的所有订阅者
// 订阅者来不及消费时丢弃，不阻塞发布方
func (b *InProcessBus) Publish(ctx context.Context, event *model.CallbackEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs[event.RunID] {
		select {
		case ch <- event:
		default:
			log.Printf("[eventbus.inproc] subscriber lagging, event dropped run_id=%s event_id=%s",
				event.RunID, event.EventID)
		}
	}
	return nil
}

// Subscribe 订阅指定 Run 的后续事件
func (b *InProcessBus) Subscribe(ctx context.Context, runID string) (<-chan *model.CallbackEvent, error) {
	ch := make(chan *model.CallbackEvent, 100)

	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[chan *model.CallbackEvent]bool)
	}
	b.subs[runID][ch] = true
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if subs, ok := b.subs[runID]; ok {
			delete(subs, ch)
			if len(subs) == 0 {
				delete(b.subs, runID)
			}
		}
		// 在写锁内关闭，保证不和 Publish 的发送并发
		close(ch)
		b.mu.Unlock()
	}()

	return ch, nil
}

// Close 释放资源
func (b *InProcessBus) Close() error {
	return nil
}
