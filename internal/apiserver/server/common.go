// Package server 路由配置与核心基础设施
//
// 本包把各领域独立包（node/run/assign/callback）组装成一个 HTTP
// 服务，并提供跨领域的基础设施：
//   - common.go: Handler 组装与通用工具函数
//   - handler.go: 路由配置与中间件（节点密钥、CORS、指标）
//   - events.go: WebSocket 事件网关
//   - metrics.go: Prometheus 指标
package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"devicefarm-admin/internal/apiserver/assign"
	"devicefarm-admin/internal/apiserver/callback"
	"devicefarm-admin/internal/apiserver/node"
	"devicefarm-admin/internal/apiserver/playbook"
	"devicefarm-admin/internal/apiserver/run"
	"devicefarm-admin/internal/shared/cache"
	"devicefarm-admin/internal/shared/eventbus"
	"devicefarm-admin/internal/shared/model"
	"devicefarm-admin/internal/shared/storage"
)

// Config Handler 组装参数
type Config struct {
	// NodeSecret 节点共享密钥，空值关闭节点接口鉴权（仅限开发环境）
	NodeSecret string

	// LatestNodeVersion 期望的节点版本，用于列表里的 needs_update 标记
	LatestNodeVersion string

	LeaseTTL     time.Duration
	OnlineWindow time.Duration
}

// Handler API 处理器
//
// Handler 是所有 HTTP API 的入口，负责：
//   - 组装各领域处理器并分发路由
//   - 节点侧接口的共享密钥鉴权
//   - WebSocket 事件网关与 Prometheus 指标
type Handler struct {
	store storage.PersistentStore
	cache cache.Cache

	cfg Config

	assignHandler   *assign.Handler
	callbackHandler *callback.Handler
	nodeHandler     *node.Handler
	runHandler      *run.Handler

	eventGateway *EventGateway
	metrics      *Metrics
}

// NewHandler 创建 Handler 实例
func NewHandler(store storage.PersistentStore, c cache.Cache, bus eventbus.Bus, cfg Config) *Handler {
	if c == nil {
		c = cache.NewNoOpCache()
	}
	if bus == nil {
		bus = eventbus.NewInProcessBus()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = model.DefaultLeaseTTL
	}
	if cfg.OnlineWindow <= 0 {
		cfg.OnlineWindow = model.DefaultOnlineWindow
	}

	h := &Handler{store: store, cache: c, cfg: cfg}

	resolver := playbook.NewResolver(store)
	h.assignHandler = assign.NewHandler(assign.NewService(store, resolver, cfg.LeaseTTL, cfg.OnlineWindow))
	h.callbackHandler = callback.NewHandler(store)
	h.nodeHandler = node.NewHandler(store, c, cfg.LatestNodeVersion, cfg.OnlineWindow)
	h.runHandler = run.NewHandler(store, resolver, cfg.OnlineWindow)

	h.metrics = NewMetrics("devicefarm")
	h.eventGateway = NewEventGateway(store, bus, h.metrics)
	h.callbackHandler.SetNotifier(h.eventGateway)
	h.callbackHandler.SetMetrics(h.metrics)
	h.assignHandler.SetMetrics(h.metrics)
	return h
}

// GetMetrics 返回指标实例
func (h *Handler) GetMetrics() *Metrics {
	return h.metrics
}

// writeJSON 写入 JSON 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError 写入错误响应
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// generateID 生成带前缀的随机 ID
// 格式：prefix-xxxxxxxxxxxx（prefix + 12 字符 hex）
func generateID(prefix string) string {
	b := make([]byte, 6)
	rand.Read(b)
	return prefix + "-" + hex.EncodeToString(b)
}

// Health 健康检查接口
//
// 路由: GET /health
//
// 用于负载均衡器和监控系统检查服务状态。
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
