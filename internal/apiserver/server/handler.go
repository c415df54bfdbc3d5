// Package server 路由配置
package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Router 返回配置好的 HTTP 路由
//
// 路由规则：
//
// 健康检查:
//   - GET /health - 服务健康检查
//
// 管理端接口:
//   - POST /api/v1/runs            - 创建执行请求
//   - GET  /api/v1/runs/pending    - 待执行列表（含首步骤预览）
//   - GET  /api/v1/runs/{id}       - 执行详情（设备游标/步骤/产物）
//   - POST /api/v1/runs/{id}/stop  - 请求停止
//   - GET  /api/v1/nodes           - 节点列表
//   - GET  /api/v1/devices         - 设备列表
//
// 节点侧接口（共享密钥保护）:
//   - GET  /api/v1/nodes/pull      - 拉取任务（签租约）
//   - POST /api/v1/nodes/callback  - 回传事件
//   - POST /api/v1/nodes/heartbeat - 节点心跳
//
// WebSocket:
//   - GET /ws/runs/{id}/events     - 实时事件推送
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", MetricsHandler())

	h.runHandler.RegisterRoutes(mux)
	h.nodeHandler.RegisterRoutes(mux)
	h.assignHandler.RegisterRoutes(mux)
	h.callbackHandler.RegisterRoutes(mux)

	// 指标中间件 + 节点密钥 + CORS
	handler := h.metrics.Middleware(mux)
	handler = nodeAuthMiddleware(h.cfg.NodeSecret, handler)
	handler = corsMiddleware(handler)

	// WebSocket 绕过指标中间件（包装后的 ResponseWriter 丢失 http.Hijacker）
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /ws/runs/{id}/events", h.eventGateway.HandleWebSocket)
	topMux.Handle("/", handler)
	return topMux
}

// nodeAuthMiddleware 节点侧接口的共享密钥鉴权
//
// 只保护 /api/v1/nodes/ 下的写路径与拉取路径（pull/callback/heartbeat），
// 管理端的节点列表（GET /api/v1/nodes）不受影响。
// secret 为空时跳过鉴权，仅用于开发环境。
func nodeAuthMiddleware(secret string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if secret == "" || !strings.HasPrefix(r.URL.Path, "/api/v1/nodes/") {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid node credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware 添加 CORS 头支持跨域请求
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
