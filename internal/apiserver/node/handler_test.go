package node

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"devicefarm-admin/internal/shared/cache"
	"devicefarm-admin/internal/shared/model"
	"devicefarm-admin/internal/shared/storage"
)

func postHeartbeat(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/nodes/heartbeat", bytes.NewReader([]byte(body)))
	w := httptest.NewRecorder()
	h.Heartbeat(w, req)
	return w
}

func TestHeartbeatUpsertsNodeAndDevices(t *testing.T) {
	store := storage.NewMockStore()
	h := NewHandler(store, cache.NewNoOpCache(), "1.2.0", 30*time.Second)
	ctx := context.Background()

	w := postHeartbeat(t, h, `{
		"node_id": "node-1",
		"hostname": "farm-host-01",
		"version": "1.1.0",
		"max_jobs": 2,
		"devices": [
			{"index": 0, "serial": "emulator-5554"},
			{"index": 1, "serial": "emulator-5556"}
		]
	}`)
	require.Equal(t, http.StatusOK, w.Code)

	n, err := store.GetNode(ctx, "node-1")
	require.NoError(t, err)
	require.NotNil(t, n)
	require.Equal(t, model.NodeStatusOnline, n.Status)
	require.Equal(t, "1.1.0", n.Version)
	require.Equal(t, 2, n.MaxJobs)
	require.NotNil(t, n.LastHeartbeat)

	devices, err := store.ListDevicesByNode(ctx, "node-1")
	require.NoError(t, err)
	require.Len(t, devices, 2)
	require.Equal(t, "emulator-5554", devices[0].Serial)
	require.True(t, devices[0].IsOnline(time.Now(), 30*time.Second))
}

func TestHeartbeatRequiresNodeID(t *testing.T) {
	store := storage.NewMockStore()
	h := NewHandler(store, cache.NewNoOpCache(), "", 30*time.Second)

	w := postHeartbeat(t, h, `{"version": "1.0.0"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListNodesNeedsUpdateFlag(t *testing.T) {
	store := storage.NewMockStore()
	h := NewHandler(store, cache.NewNoOpCache(), "1.2.0", 30*time.Second)
	ctx := context.Background()

	now := time.Now().UTC()
	stale := now.Add(-2 * time.Minute)
	require.NoError(t, store.UpsertNodeHeartbeat(ctx, &model.Node{
		ID: "node-old", Status: model.NodeStatusOnline, Version: "1.1.0",
		MaxJobs: 1, LastHeartbeat: &stale,
	}))
	require.NoError(t, store.UpsertNodeHeartbeat(ctx, &model.Node{
		ID: "node-new", Status: model.NodeStatusOnline, Version: "1.2.0",
		MaxJobs: 1, LastHeartbeat: &now,
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/nodes", nil)
	w := httptest.NewRecorder()
	h.List(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Nodes []struct {
			ID          string `json:"id"`
			Online      bool   `json:"online"`
			NeedsUpdate bool   `json:"needs_update"`
		} `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Nodes, 2)

	byID := map[string]struct {
		Online      bool
		NeedsUpdate bool
	}{}
	for _, n := range resp.Nodes {
		byID[n.ID] = struct {
			Online      bool
			NeedsUpdate bool
		}{n.Online, n.NeedsUpdate}
	}
	// 心跳超窗即离线，旧版本需要升级
	require.False(t, byID["node-old"].Online)
	require.True(t, byID["node-old"].NeedsUpdate)
	require.True(t, byID["node-new"].Online)
	require.False(t, byID["node-new"].NeedsUpdate)
}

func TestOnlineFlagsPreferHeartbeatCache(t *testing.T) {
	store := storage.NewMockStore()
	mem := cache.NewMemoryCache()
	h := NewHandler(store, mem, "", 30*time.Second)
	ctx := context.Background()

	// 数据库 last_heartbeat 已超窗，但缓存 TTL key 尚存：
	// 读路径以缓存命中为准
	stale := time.Now().UTC().Add(-2 * time.Minute)
	require.NoError(t, store.UpsertNodeHeartbeat(ctx, &model.Node{
		ID: "node-1", Status: model.NodeStatusOnline, MaxJobs: 1, LastHeartbeat: &stale,
	}))
	require.NoError(t, store.UpsertDevice(ctx, &model.Device{
		Index: 0, Serial: "emulator-5554", NodeID: "node-1", LastSeen: &stale,
	}))
	require.NoError(t, mem.UpdateNodeHeartbeat(ctx, "node-1", &cache.NodeStatus{
		Status: string(model.NodeStatusOnline), MaxJobs: 1,
	}))
	require.NoError(t, mem.UpdateDeviceHeartbeat(ctx, 0, &cache.DeviceStatus{
		Serial: "emulator-5554", NodeID: "node-1",
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/nodes", nil)
	w := httptest.NewRecorder()
	h.List(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var nodesResp struct {
		Nodes []struct {
			Online bool `json:"online"`
		} `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &nodesResp))
	require.Len(t, nodesResp.Nodes, 1)
	require.True(t, nodesResp.Nodes[0].Online)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	w = httptest.NewRecorder()
	h.ListDevices(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var devicesResp struct {
		Devices []struct {
			Online bool `json:"online"`
		} `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &devicesResp))
	require.Len(t, devicesResp.Devices, 1)
	require.True(t, devicesResp.Devices[0].Online)

	// 缓存过期（key 消失）后退回数据库窗口判定
	require.NoError(t, mem.DeleteNodeHeartbeat(ctx, "node-1"))
	req = httptest.NewRequest(http.MethodGet, "/api/v1/nodes", nil)
	w = httptest.NewRecorder()
	h.List(w, req)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &nodesResp))
	require.False(t, nodesResp.Nodes[0].Online)
}

func TestListDevicesByNodeFilter(t *testing.T) {
	store := storage.NewMockStore()
	h := NewHandler(store, cache.NewNoOpCache(), "", 30*time.Second)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, store.UpsertDevice(ctx, &model.Device{Index: 0, Serial: "a", NodeID: "node-1", LastSeen: &now}))
	require.NoError(t, store.UpsertDevice(ctx, &model.Device{Index: 1, Serial: "b", NodeID: "node-2", LastSeen: &now}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices?node_id=node-1", nil)
	w := httptest.NewRecorder()
	h.ListDevices(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Devices []struct {
			Serial string `json:"serial"`
			Online bool   `json:"online"`
		} `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Devices, 1)
	require.Equal(t, "a", resp.Devices[0].Serial)
	require.True(t, resp.Devices[0].Online)
}
