package buffer

import (
	"context"
	"log"
	"net/http"
	"time"
)

// Poster 投递回调事件的接口（nodeagent 的 API 客户端实现）
type Poster interface {
	PostCallback(ctx context.Context, body []byte) (int, error)
}

// Sender 后台发送器
//
// 按入队顺序投递缓冲中的事件：
//   - 2xx 视为确认（包括服务端的 duplicate 应答），出队
//   - 409 表示服务端拒绝该租约（租约已释放后的迟到重试），
//     重试不会有不同结果，同样出队
//   - 其他失败记录后等待下一轮，投递间隔随连续失败退避
type Sender struct {
	store    *Store
	poster   Poster
	interval time.Duration
}

// NewSender 创建后台发送器
func NewSender(store *Store, poster Poster, interval time.Duration) *Sender {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sender{store: store, poster: poster, interval: interval}
}

// Run 投递主循环，阻塞直到 ctx 取消
func (s *Sender) Run(ctx context.Context) {
	backoff := s.interval
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if s.Flush(ctx) {
			backoff = s.interval
		} else {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// Flush 投递一批待发送事件，全部成功时返回 true
func (s *Sender) Flush(ctx context.Context) bool {
	entries, err := s.store.Pending(ctx, 50)
	if err != nil {
		log.Printf("[buffer.sender] pending query failed err=%v", err)
		return false
	}

	ok := true
	for _, entry := range entries {
		status, err := s.poster.PostCallback(ctx, entry.Body)
		switch {
		case err != nil:
			s.store.MarkFailure(ctx, entry.EventID, err.Error())
			ok = false
		case status >= 200 && status < 300:
			s.store.Ack(ctx, entry.EventID)
		case status == http.StatusConflict:
			// 租约已不被认可，重试无意义
			log.Printf("[buffer.sender] dropped rejected event event_id=%s", entry.EventID)
			s.store.Ack(ctx, entry.EventID)
		default:
			s.store.MarkFailure(ctx, entry.EventID, http.StatusText(status))
			ok = false
		}
	}
	return ok
}
