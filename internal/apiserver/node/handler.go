// Package node 节点领域 - 心跳与节点列表
//
// 心跳一次写两处：PostgreSQL 持久化（在线窗口判定的数据源）与
// Redis TTL key（读路径的快速判定）。缓存写失败不影响心跳成功，
// 只记录日志。
package node

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"devicefarm-admin/internal/shared/cache"
	"devicefarm-admin/internal/shared/model"
	"devicefarm-admin/internal/shared/storage"
)

// Handler 节点领域 HTTP 处理器
type Handler struct {
	store storage.PersistentStore
	cache cache.Cache // 可为 NoOpCache

	latestVersion string // 配置的节点最新版本，非空时用于 needs_update 判定
	onlineWindow  time.Duration
}

// NewHandler 创建节点处理器
func NewHandler(store storage.PersistentStore, c cache.Cache, latestVersion string, onlineWindow time.Duration) *Handler {
	if c == nil {
		c = cache.NewNoOpCache()
	}
	if onlineWindow <= 0 {
		onlineWindow = model.DefaultOnlineWindow
	}
	return &Handler{store: store, cache: c, latestVersion: latestVersion, onlineWindow: onlineWindow}
}

// RegisterRoutes 注册节点相关路由
// heartbeat 经过节点共享密钥中间件保护，列表接口对管理端开放
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/nodes/heartbeat", h.Heartbeat)
	mux.HandleFunc("GET /api/v1/nodes", h.List)
	mux.HandleFunc("GET /api/v1/devices", h.ListDevices)
}

// heartbeatRequest 心跳请求体
type heartbeatRequest struct {
	NodeID   string `json:"node_id"`
	Hostname string `json:"hostname,omitempty"`
	Version  string `json:"version,omitempty"`
	MaxJobs  int    `json:"max_jobs,omitempty"`
	Devices  []struct {
		Index  int    `json:"index"`
		Serial string `json:"serial"`
	} `json:"devices,omitempty"`
}

// Heartbeat 节点心跳：上报节点存活与所辖设备清单
// POST /api/v1/nodes/heartbeat
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.NodeID == "" {
		writeError(w, http.StatusBadRequest, "node_id is required")
		return
	}
	if req.MaxJobs <= 0 {
		req.MaxJobs = 1
	}

	ctx := r.Context()
	now := time.Now().UTC()

	if err := h.store.UpsertNodeHeartbeat(ctx, &model.Node{
		ID:            req.NodeID,
		Status:        model.NodeStatusOnline,
		Hostname:      req.Hostname,
		Version:       req.Version,
		MaxJobs:       req.MaxJobs,
		LastHeartbeat: &now,
	}); err != nil {
		log.Printf("[node.heartbeat] upsert failed node_id=%s err=%v", req.NodeID, err)
		writeError(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}

	indexes := make([]int, 0, len(req.Devices))
	for _, d := range req.Devices {
		indexes = append(indexes, d.Index)
		if err := h.store.UpsertDevice(ctx, &model.Device{
			Index: d.Index, Serial: d.Serial, NodeID: req.NodeID, LastSeen: &now,
		}); err != nil {
			log.Printf("[node.heartbeat] device upsert failed idx=%d err=%v", d.Index, err)
		}
		if err := h.cache.UpdateDeviceHeartbeat(ctx, d.Index, &cache.DeviceStatus{
			Serial: d.Serial, NodeID: req.NodeID,
		}); err != nil {
			log.Printf("[node.heartbeat] device cache update failed idx=%d err=%v", d.Index, err)
		}
	}

	if err := h.cache.UpdateNodeHeartbeat(ctx, req.NodeID, &cache.NodeStatus{
		Status:  string(model.NodeStatusOnline),
		Version: req.Version,
		MaxJobs: req.MaxJobs,
		Devices: indexes,
	}); err != nil {
		log.Printf("[node.heartbeat] cache update failed node_id=%s err=%v", req.NodeID, err)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"now":    now,
	})
}

// nodeOnline 节点在线判定
// 缓存命中（TTL key 尚存）即在线；未命中或缓存不可用时退回
// 数据库 last_heartbeat 的在线窗口
func (h *Handler) nodeOnline(ctx context.Context, now time.Time, n *model.Node) bool {
	if status, err := h.cache.GetNodeHeartbeat(ctx, n.ID); err == nil && status != nil {
		return true
	}
	return n.IsOnline(now, h.onlineWindow)
}

// deviceOnline 设备在线判定，规则同 nodeOnline
func (h *Handler) deviceOnline(ctx context.Context, now time.Time, d *model.Device) bool {
	if status, err := h.cache.GetDeviceHeartbeat(ctx, d.Index); err == nil && status != nil {
		return true
	}
	return d.IsOnline(now, h.onlineWindow)
}

// nodeView 节点列表项
type nodeView struct {
	*model.Node
	Online      bool `json:"online"`
	NeedsUpdate bool `json:"needs_update"`
}

// List 节点列表
// GET /api/v1/nodes
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	nodes, err := h.store.ListAllNodes(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list nodes")
		return
	}

	now := time.Now()
	views := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, nodeView{
			Node:        n,
			Online:      h.nodeOnline(ctx, now, n),
			NeedsUpdate: n.NeedsUpdate(h.latestVersion),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": views})
}

// deviceView 设备列表项
type deviceView struct {
	*model.Device
	Online bool `json:"online"`
}

// ListDevices 设备列表
// GET /api/v1/devices?node_id=...
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		devices []*model.Device
		err     error
	)
	if nodeID := r.URL.Query().Get("node_id"); nodeID != "" {
		devices, err = h.store.ListDevicesByNode(ctx, nodeID)
	} else {
		devices, err = h.store.ListAllDevices(ctx)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}

	now := time.Now()
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, deviceView{Device: d, Online: h.deviceOnline(ctx, now, d)})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": views})
}
