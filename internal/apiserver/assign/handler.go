// Package assign 分配服务 - HTTP 处理
package assign

import (
	"log"
	"net/http"
)

// MetricsRecorder 拉取指标回调（server 包的 Prometheus 指标实现）
type MetricsRecorder interface {
	RecordPull(outcome string, leased bool)
}

// Handler 分配服务 HTTP 处理器
type Handler struct {
	svc     *Service
	metrics MetricsRecorder // 可为 nil
}

// NewHandler 创建分配处理器
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// SetMetrics 设置指标回调
func (h *Handler) SetMetrics(m MetricsRecorder) {
	h.metrics = m
}

func (h *Handler) recordPull(outcome string, leased bool) {
	if h.metrics != nil {
		h.metrics.RecordPull(outcome, leased)
	}
}

// RegisterRoutes 注册分配相关路由
// 这些路由经过节点共享密钥中间件保护（见 server 包）
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/nodes/pull", h.Pull)
}

// Pull 节点拉取任务
// GET /api/v1/nodes/pull?node_id=...
func (h *Handler) Pull(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node_id")
	if nodeID == "" {
		writeError(w, http.StatusBadRequest, "node_id is required")
		return
	}

	resp, err := h.svc.Pull(r.Context(), nodeID)
	if err != nil {
		log.Printf("[assign.pull] failed node_id=%s err=%v", nodeID, err)
		h.recordPull("error", false)
		writeError(w, http.StatusInternalServerError, "pull failed")
		return
	}
	if len(resp.Jobs) > 0 {
		h.recordPull("job", true)
	} else {
		h.recordPull("empty", false)
	}
	writeJSON(w, http.StatusOK, resp)
}
