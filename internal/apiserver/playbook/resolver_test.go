package playbook

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"devicefarm-admin/internal/shared/model"
	"devicefarm-admin/internal/shared/storage"
)

func seedPlaybook(t *testing.T, store *storage.MockStore) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.CreateCommandAsset(ctx, &model.CommandAsset{
		ID: "cmd-swipe", Kind: model.CommandKindADB, Title: "上滑浏览", Script: "input swipe 500 1500 500 500",
	}))
	require.NoError(t, store.CreateCommandAsset(ctx, &model.CommandAsset{
		ID: "cmd-screen", Kind: model.CommandKindVendor, Title: "截图",
	}))
	require.NoError(t, store.CreatePlaybook(ctx, &model.Playbook{
		ID: "pb-1", Name: "浏览并截图",
		Steps: []model.PlaybookStep{
			{ID: "step-b", PlaybookID: "pb-1", CommandID: "cmd-screen", SortOrder: 2, Probability: 0.5},
			{ID: "step-a", PlaybookID: "pb-1", CommandID: "cmd-swipe", SortOrder: 1, TimeoutMs: 8000, OnFailure: model.OnFailureRetry, RetryCount: 2, Probability: 1},
		},
	}))
}

func TestResolvePlaybookStep(t *testing.T) {
	store := storage.NewMockStore()
	seedPlaybook(t, store)
	r := NewResolver(store)

	pbID := "pb-1"
	run := &model.Run{ID: "run-1", PlaybookID: &pbID}

	// 步骤按 sort_order 排序：index 0 是 step-a
	step, err := r.Resolve(context.Background(), run, 0)
	require.NoError(t, err)
	require.Equal(t, "step-a", step.StepID)
	require.Equal(t, model.CommandKindADB, step.Kind)
	require.Equal(t, "input swipe 500 1500 500 500", step.Script)
	require.Equal(t, 8000, step.TimeoutMs)
	require.Equal(t, model.OnFailureRetry, step.OnFailure)
	require.Equal(t, 2, step.RetryCount)

	// index 1 是 step-b：未配置超时取默认值，概率保留
	step, err = r.Resolve(context.Background(), run, 1)
	require.NoError(t, err)
	require.Equal(t, "step-b", step.StepID)
	require.Equal(t, model.CommandKindVendor, step.Kind)
	require.Equal(t, model.DefaultStepTimeoutMs, step.TimeoutMs)
	require.Equal(t, 0.5, step.Probability)

	// 越过末尾
	_, err = r.Resolve(context.Background(), run, 2)
	require.ErrorIs(t, err, ErrNoMoreSteps)
}

func TestResolveTimeoutOverrideAndClamp(t *testing.T) {
	store := storage.NewMockStore()
	seedPlaybook(t, store)
	r := NewResolver(store)

	pbID := "pb-1"
	run := &model.Run{
		ID:         "run-2",
		PlaybookID: &pbID,
		// 覆盖值超出上限，应被钳位
		StepTimeoutOverrides: map[int]int{0: 3_600_000, 1: 1},
	}

	step, err := r.Resolve(context.Background(), run, 0)
	require.NoError(t, err)
	require.Equal(t, model.MaxStepTimeoutMs, step.TimeoutMs)

	step, err = r.Resolve(context.Background(), run, 1)
	require.NoError(t, err)
	require.Equal(t, model.MinStepTimeoutMs, step.TimeoutMs)
}

func TestResolveWorkflowStep(t *testing.T) {
	store := storage.NewMockStore()
	r := NewResolver(store)

	doc := `{"steps":[
		{"kind":"adb","script":"input keyevent 26"},
		{"kind":"vendor","action":"screen","timeout_ms":10000},
		{"kind":"upload","on_failure":"retry","retry_count":1},
		{"kind":"js","script":"tap(1,2)"}
	]}`
	require.NoError(t, store.CreateWorkflow(context.Background(), &model.Workflow{
		ID: "wf-1", Name: "旧版流程", Document: json.RawMessage(doc),
	}))

	wfID := "wf-1"
	run := &model.Run{ID: "run-3", WorkflowID: &wfID}

	step, err := r.Resolve(context.Background(), run, 1)
	require.NoError(t, err)
	require.Equal(t, "wf-1#1", step.StepID)
	require.Equal(t, model.CommandKindVendor, step.Kind)
	require.Equal(t, "screen", step.Action)
	require.Equal(t, 10000, step.TimeoutMs)
	// 工作流步骤总是执行
	require.Equal(t, float64(1), step.Probability)

	step, err = r.Resolve(context.Background(), run, 2)
	require.NoError(t, err)
	require.Equal(t, model.CommandKindUpload, step.Kind)
	require.Equal(t, 1, step.RetryCount)

	_, err = r.Resolve(context.Background(), run, 4)
	require.ErrorIs(t, err, ErrNoMoreSteps)
}

func TestResolveMissingSource(t *testing.T) {
	store := storage.NewMockStore()
	r := NewResolver(store)

	_, err := r.Resolve(context.Background(), &model.Run{ID: "run-4"}, 0)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrNoMoreSteps))
}
