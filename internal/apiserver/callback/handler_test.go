package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"devicefarm-admin/internal/shared/model"
	"devicefarm-admin/internal/shared/storage"
)

// seedLeased 准备一个 running Run、在线设备和已签发的租约
func seedLeased(t *testing.T, store *storage.MockStore, runID string) *model.Lease {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.UpsertDevice(ctx, &model.Device{
		Index: 0, Serial: "emulator-5554", NodeID: "node-1", LastSeen: &now,
	}))
	pbID := "pb-1"
	require.NoError(t, store.CreateRun(ctx, &model.Run{
		ID: runID, Trigger: model.RunTriggerManual, Scope: model.RunScopeAll,
		PlaybookID: &pbID, Status: model.RunStatusRunning, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.CreateRunDeviceStates(ctx, []*model.RunDeviceState{
		{RunID: runID, DeviceIndex: 0, Status: model.DeviceRunStatusQueued, UpdatedAt: now},
	}))
	require.NoError(t, store.InsertRunStep(ctx, &model.RunStep{
		RunID: runID, DeviceIndex: 0, StepIndex: 0, StepID: "step-a",
		Kind: model.CommandKindADB, Status: model.RunStepStatusQueued,
		Decision: model.DecisionExecuted, CreatedAt: now,
	}))

	cand, err := store.AcquireDeviceLease(ctx, "node-1", 30*time.Second, 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, cand)
	return cand.Lease
}

func postEvent(t *testing.T, h *Handler, event *model.CallbackEvent) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(event)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/nodes/callback", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.Ingest(w, req)
	return w
}

func TestIngestLifecycle(t *testing.T) {
	store := storage.NewMockStore()
	lease := seedLeased(t, store, "run-1")
	h := NewHandler(store)
	ctx := context.Background()

	// task_started：设备与步骤记录进入 running
	w := postEvent(t, h, &model.CallbackEvent{
		Type: model.EventTaskStarted, RunID: "run-1", NodeID: "node-1",
		DeviceIndex: 0, StepIndex: 0, StepID: "step-a", LeaseToken: lease.Token,
	})
	require.Equal(t, http.StatusOK, w.Code)

	st, err := store.GetRunDeviceState(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Equal(t, model.DeviceRunStatusRunning, st.Status)

	steps, err := store.ListRunSteps(ctx, "run-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, model.RunStepStatusRunning, steps[0].Status)

	// run_step_update：步骤成功
	w = postEvent(t, h, &model.CallbackEvent{
		Type: model.EventRunStepUpdate, RunID: "run-1", NodeID: "node-1",
		DeviceIndex: 0, StepIndex: 0, StepID: "step-a", LeaseToken: lease.Token,
		Status: string(model.RunStepStatusSucceeded),
	})
	require.Equal(t, http.StatusOK, w.Code)

	// artifact_created：落产物元数据
	w = postEvent(t, h, &model.CallbackEvent{
		Type: model.EventArtifactCreated, RunID: "run-1", NodeID: "node-1",
		DeviceIndex: 0, StepIndex: 0, StepID: "step-a", LeaseToken: lease.Token,
		Payload: json.RawMessage(`{"path":"runs/run-1/devices/0/steps/0.png","size":2048,"content_type":"image/png"}`),
	})
	require.Equal(t, http.StatusOK, w.Code)

	artifacts, err := store.ListArtifacts(ctx, "run-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	require.Equal(t, "runs/run-1/devices/0/steps/0.png", artifacts[0].Path)

	// task_finished(advance)：游标推进，租约释放
	w = postEvent(t, h, &model.CallbackEvent{
		Type: model.EventTaskFinished, RunID: "run-1", NodeID: "node-1",
		DeviceIndex: 0, StepIndex: 0, StepID: "step-a", LeaseToken: lease.Token,
		Status:  string(model.RunStepStatusSucceeded),
		Payload: json.RawMessage(`{"advance":true}`),
	})
	require.Equal(t, http.StatusOK, w.Code)

	st, err = store.GetRunDeviceState(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Equal(t, 1, st.CurrentStepIndex)
	require.Equal(t, model.DeviceRunStatusRunning, st.Status)

	released, err := store.GetLeaseByToken(ctx, lease.Token)
	require.NoError(t, err)
	require.Nil(t, released)
}

func TestIngestDuplicateEventIsNoOp(t *testing.T) {
	store := storage.NewMockStore()
	lease := seedLeased(t, store, "run-1")
	h := NewHandler(store)
	ctx := context.Background()

	event := &model.CallbackEvent{
		Type: model.EventArtifactCreated, RunID: "run-1", NodeID: "node-1",
		DeviceIndex: 0, StepIndex: 0, StepID: "step-a", LeaseToken: lease.Token,
		Payload: json.RawMessage(`{"path":"runs/run-1/devices/0/steps/0.png","size":1}`),
	}

	w := postEvent(t, h, event)
	require.Equal(t, http.StatusOK, w.Code)

	// 网络重试：同一逻辑事件重发
	w = postEvent(t, h, event)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "duplicate", resp["status"])

	// 迁移只应用一次
	artifacts, err := store.ListArtifacts(ctx, "run-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
}

func TestIngestUnknownLeaseRejected(t *testing.T) {
	store := storage.NewMockStore()
	seedLeased(t, store, "run-1")
	h := NewHandler(store)

	w := postEvent(t, h, &model.CallbackEvent{
		Type: model.EventTaskStarted, RunID: "run-1", NodeID: "node-1",
		DeviceIndex: 0, StepIndex: 0, StepID: "step-a", LeaseToken: "bogus-token",
	})
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestIngestFinishedFailedRollsUpRun(t *testing.T) {
	store := storage.NewMockStore()
	lease := seedLeased(t, store, "run-1")
	h := NewHandler(store)
	ctx := context.Background()

	w := postEvent(t, h, &model.CallbackEvent{
		Type: model.EventTaskFinished, RunID: "run-1", NodeID: "node-1",
		DeviceIndex: 0, StepIndex: 0, StepID: "step-a", LeaseToken: lease.Token,
		Status: string(model.RunStepStatusFailed), Error: "adb: device offline",
	})
	require.Equal(t, http.StatusOK, w.Code)

	st, err := store.GetRunDeviceState(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Equal(t, model.DeviceRunStatusFailed, st.Status)
	require.Equal(t, "adb: device offline", st.LastError)

	// 唯一设备失败：Run 终态为 failed
	r, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, model.RunStatusFailed, r.Status)
}

func TestIngestFinishedStopped(t *testing.T) {
	store := storage.NewMockStore()
	lease := seedLeased(t, store, "run-1")
	h := NewHandler(store)
	ctx := context.Background()

	require.NoError(t, store.RequestRunStop(ctx, "run-1", time.Now()))

	w := postEvent(t, h, &model.CallbackEvent{
		Type: model.EventTaskFinished, RunID: "run-1", NodeID: "node-1",
		DeviceIndex: 0, StepIndex: 0, StepID: "step-a", LeaseToken: lease.Token,
		Status: string(model.DeviceRunStatusStopped),
	})
	require.Equal(t, http.StatusOK, w.Code)

	r, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, model.RunStatusStopped, r.Status)
}
