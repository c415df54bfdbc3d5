// Package server WebSocket 事件网关
//
// 事件网关提供实时事件推送能力，前端借此实时观察一次 Run 在各设备
// 上的推进过程。回调入库后发布到事件总线，各连接按 RunID 订阅；
// 无新事件时降级为对 Run 终态的周期检查。
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"devicefarm-admin/internal/shared/eventbus"
	"devicefarm-admin/internal/shared/model"
	"devicefarm-admin/internal/shared/storage"
)

// upgrader WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn 串行化写操作的连接包装
//
// gorilla/websocket 不允许并发写：watchLoop 的事件/心跳写和
// readPump 的 pong 响应在不同 goroutine 里，必须经同一把锁。
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.Conn.WriteJSON(v)
}

func (c *wsConn) writePing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.WriteMessage(websocket.PingMessage, nil)
}

// EventGateway WebSocket 事件网关
//
// 事件网关负责：
//   - 回调入库后把事件发布到事件总线（callback.Notifier）
//   - 每个连接按 RunID 订阅总线并转发事件
//   - 连接建立时回放历史事件，支持断线重连恢复
//   - Run 到达终态时通知客户端并关闭
type EventGateway struct {
	store   storage.PersistentStore
	bus     eventbus.Bus
	metrics *Metrics
}

// NewEventGateway 创建事件网关实例
func NewEventGateway(store storage.PersistentStore, bus eventbus.Bus, metrics *Metrics) *EventGateway {
	return &EventGateway{store: store, bus: bus, metrics: metrics}
}

// PublishRunEvent 把回调事件发布到事件总线
// 实现 callback.Notifier
func (g *EventGateway) PublishRunEvent(event *model.CallbackEvent) {
	if err := g.bus.Publish(context.Background(), event); err != nil {
		log.Printf("[events.publish] failed run_id=%s event_id=%s err=%v",
			event.RunID, event.EventID, err)
	}
}

// HandleWebSocket 处理 WebSocket 连接请求
//
// 路由: GET /ws/runs/{id}/events
//
// 查询参数：
//   - replay: 回放的历史事件数量上限（默认 100）
//
// 推送消息格式：
//
//	事件消息：{"type": "event", "data": {...}}
//	状态消息：{"type": "status", "data": {"status": "completed", "finished_at": "..."}}
//
// 客户端消息：
//
//	心跳：{"type": "ping"} -> 响应 {"type": "pong"}
//
// 回放与订阅的交界处可能重复推送个别事件，客户端按 event_id 去重。
func (g *EventGateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		http.Error(w, "run_id required", http.StatusBadRequest)
		return
	}

	replay, _ := strconv.Atoi(r.URL.Query().Get("replay"))
	if replay <= 0 || replay > 1000 {
		replay = 100
	}

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[events.ws] upgrade error: %v", err)
		return
	}
	conn := &wsConn{Conn: raw}
	defer conn.Close()

	if g.metrics != nil {
		g.metrics.WSConnectionOpened()
		defer g.metrics.WSConnectionClosed()
	}

	log.Printf("[events.ws] client connected run_id=%s", runID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go g.readPump(conn, cancel)

	// 先订阅再回放，交界处的事件不丢
	sub, err := g.bus.Subscribe(ctx, runID)
	if err != nil {
		log.Printf("[events.ws] subscribe failed run_id=%s err=%v", runID, err)
		return
	}

	events, err := g.store.ListEventsByRun(ctx, runID, replay)
	if err != nil {
		log.Printf("[events.ws] history replay failed run_id=%s err=%v", runID, err)
	}
	for _, event := range events {
		if err := g.writeEvent(conn, event); err != nil {
			return
		}
	}

	g.watchLoop(ctx, conn, runID, sub)
}

// watchLoop 保持连接直到 Run 终态或客户端断开
func (g *EventGateway) watchLoop(ctx context.Context, conn *wsConn, runID string, sub <-chan *model.CallbackEvent) {
	pingTicker := time.NewTicker(30 * time.Second)
	statusTicker := time.NewTicker(2 * time.Second)
	defer pingTicker.Stop()
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			if err := g.writeEvent(conn, event); err != nil {
				return
			}
		case <-pingTicker.C:
			if err := conn.writePing(); err != nil {
				return
			}
		case <-statusTicker.C:
			run, err := g.store.GetRun(ctx, runID)
			if err != nil || run == nil {
				continue
			}
			if run.Status.IsTerminal() {
				conn.writeJSON(map[string]interface{}{
					"type": "status",
					"data": map[string]interface{}{
						"status":      run.Status,
						"finished_at": run.FinishedAt,
					},
				})
				return
			}
		}
	}
}

// readPump 读取客户端消息
//
// 在独立 goroutine 中运行，处理客户端发送的消息：
//   - 心跳消息（ping）：响应 pong
//   - 连接关闭：取消上下文
func (g *EventGateway) readPump(conn *wsConn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[events.ws] read error: %v", err)
			}
			return
		}

		var req map[string]interface{}
		if json.Unmarshal(msg, &req) == nil {
			if req["type"] == "ping" {
				conn.writeJSON(map[string]string{"type": "pong"})
			}
		}
	}
}

// writeEvent 推送单条事件消息
func (g *EventGateway) writeEvent(conn *wsConn, event *model.CallbackEvent) error {
	err := conn.writeJSON(map[string]interface{}{
		"type": "event",
		"data": event,
	})
	if err != nil {
		log.Printf("[events.ws] write error: %v", err)
		return err
	}
	if g.metrics != nil {
		g.metrics.RecordWSMessage("out", string(event.Type))
	}
	return nil
}
