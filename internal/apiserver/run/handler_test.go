package run

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"devicefarm-admin/internal/apiserver/playbook"
	"devicefarm-admin/internal/shared/model"
	"devicefarm-admin/internal/shared/storage"
)

// newTestServer 组装路由，PathValue 依赖 ServeMux 解析
func newTestServer(store *storage.MockStore) *http.ServeMux {
	h := NewHandler(store, playbook.NewResolver(store), 30*time.Second)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux
}

// seedPlaybook 准备单步骤剧本
func seedPlaybook(t *testing.T, store *storage.MockStore) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateCommandAsset(ctx, &model.CommandAsset{
		ID: "cmd-swipe", Kind: model.CommandKindADB, Title: "上滑", Script: "input swipe 500 1500 500 500",
	}))
	require.NoError(t, store.CreatePlaybook(ctx, &model.Playbook{
		ID: "pb-1", Name: "测试剧本",
		Steps: []model.PlaybookStep{
			{ID: "step-a", PlaybookID: "pb-1", CommandID: "cmd-swipe", SortOrder: 1, Probability: 1},
		},
	}))
}

func seedDevices(t *testing.T, store *storage.MockStore, onlineIdx []int, offlineIdx []int) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	stale := now.Add(-2 * time.Minute)
	for _, idx := range onlineIdx {
		require.NoError(t, store.UpsertDevice(ctx, &model.Device{
			Index: idx, Serial: "serial-online", NodeID: "node-1", LastSeen: &now,
		}))
	}
	for _, idx := range offlineIdx {
		require.NoError(t, store.UpsertDevice(ctx, &model.Device{
			Index: idx, Serial: "serial-offline", NodeID: "node-1", LastSeen: &stale,
		}))
	}
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestCreateRunExpandsOnlineDevices(t *testing.T) {
	store := storage.NewMockStore()
	seedPlaybook(t, store)
	seedDevices(t, store, []int{0, 2}, []int{1})
	mux := newTestServer(store)
	ctx := context.Background()

	w := doJSON(t, mux, http.MethodPost, "/api/v1/runs", `{"playbook_id": "pb-1", "scope": "all"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var created model.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.Equal(t, model.RunStatusQueued, created.Status)
	// 离线设备不进范围
	require.Equal(t, []int{0, 2}, created.DeviceIndexes)

	states, err := store.ListRunDeviceStates(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, states, 2)
	for _, st := range states {
		require.Equal(t, model.DeviceRunStatusQueued, st.Status)
		require.Equal(t, 0, st.CurrentStepIndex)
	}
}

func TestCreateRunSubsetScope(t *testing.T) {
	store := storage.NewMockStore()
	seedPlaybook(t, store)
	seedDevices(t, store, []int{0, 1, 2}, nil)
	mux := newTestServer(store)

	w := doJSON(t, mux, http.MethodPost, "/api/v1/runs",
		`{"playbook_id": "pb-1", "scope": "subset", "device_indexes": [1, 2]}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var created model.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.Equal(t, []int{1, 2}, created.DeviceIndexes)
}

func TestCreateRunValidation(t *testing.T) {
	store := storage.NewMockStore()
	seedPlaybook(t, store)
	seedDevices(t, store, []int{0}, nil)
	mux := newTestServer(store)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"缺少步骤来源", `{"scope": "all"}`, http.StatusBadRequest},
		{"剧本和工作流同时指定", `{"playbook_id": "pb-1", "workflow_id": "wf-1"}`, http.StatusBadRequest},
		{"subset 缺少设备列表", `{"playbook_id": "pb-1", "scope": "subset"}`, http.StatusBadRequest},
		{"引用不存在的剧本", `{"playbook_id": "pb-missing"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, mux, http.MethodPost, "/api/v1/runs", tt.body)
			require.Equal(t, tt.want, w.Code)
		})
	}
}

func TestCreateRunNoOnlineDevices(t *testing.T) {
	store := storage.NewMockStore()
	seedPlaybook(t, store)
	seedDevices(t, store, nil, []int{0})
	mux := newTestServer(store)

	w := doJSON(t, mux, http.MethodPost, "/api/v1/runs", `{"playbook_id": "pb-1"}`)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestStopRun(t *testing.T) {
	store := storage.NewMockStore()
	seedPlaybook(t, store)
	seedDevices(t, store, []int{0}, nil)
	mux := newTestServer(store)
	ctx := context.Background()

	w := doJSON(t, mux, http.MethodPost, "/api/v1/runs", `{"playbook_id": "pb-1"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created model.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(t, mux, http.MethodPost, "/api/v1/runs/"+created.ID+"/stop", "")
	require.Equal(t, http.StatusOK, w.Code)

	r, err := store.GetRun(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, r.StopRequested())

	// 终态后再停止被拒绝
	require.NoError(t, store.UpdateRunStatus(ctx, created.ID, model.RunStatusStopped))
	w = doJSON(t, mux, http.MethodPost, "/api/v1/runs/"+created.ID+"/stop", "")
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestStopRunNotFound(t *testing.T) {
	store := storage.NewMockStore()
	mux := newTestServer(store)

	w := doJSON(t, mux, http.MethodPost, "/api/v1/runs/run-missing/stop", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetRunDetail(t *testing.T) {
	store := storage.NewMockStore()
	seedPlaybook(t, store)
	seedDevices(t, store, []int{0}, nil)
	mux := newTestServer(store)
	ctx := context.Background()

	w := doJSON(t, mux, http.MethodPost, "/api/v1/runs", `{"playbook_id": "pb-1"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created model.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	require.NoError(t, store.InsertRunStep(ctx, &model.RunStep{
		RunID: created.ID, DeviceIndex: 0, StepIndex: 0, StepID: "step-a",
		Kind: model.CommandKindADB, Status: model.RunStepStatusSucceeded,
		Decision: model.DecisionExecuted, CreatedAt: time.Now(),
	}))
	require.NoError(t, store.CreateArtifact(ctx, &model.Artifact{
		RunID: created.ID, DeviceIndex: 0, StepIndex: 0,
		Kind: model.ArtifactKindScreenshot, Path: "runs/" + created.ID + "/devices/0/steps/0.png",
		CreatedAt: time.Now(),
	}))

	w = doJSON(t, mux, http.MethodGet, "/api/v1/runs/"+created.ID, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Run     *model.Run `json:"run"`
		Devices []struct {
			DeviceIndex int               `json:"device_index"`
			Steps       []*model.RunStep  `json:"steps"`
			Artifacts   []*model.Artifact `json:"artifacts"`
		} `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, created.ID, resp.Run.ID)
	require.Len(t, resp.Devices, 1)
	require.Len(t, resp.Devices[0].Steps, 1)
	require.Len(t, resp.Devices[0].Artifacts, 1)
}

func TestListPendingWithPreview(t *testing.T) {
	store := storage.NewMockStore()
	seedPlaybook(t, store)
	seedDevices(t, store, []int{0}, nil)
	mux := newTestServer(store)

	w := doJSON(t, mux, http.MethodPost, "/api/v1/runs", `{"playbook_id": "pb-1"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, mux, http.MethodGet, "/api/v1/runs/pending", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Runs []struct {
			Run       *model.Run `json:"run"`
			FirstStep *struct {
				StepID string `json:"StepID"`
				Script string `json:"Script"`
			} `json:"first_step"`
		} `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Runs, 1)
	require.NotNil(t, resp.Runs[0].FirstStep)
	require.Equal(t, "step-a", resp.Runs[0].FirstStep.StepID)
	require.Equal(t, "input swipe 500 1500 500 500", resp.Runs[0].FirstStep.Script)
}
