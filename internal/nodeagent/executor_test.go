package nodeagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"devicefarm-admin/internal/shared/model"
)

// captureSink 记录执行器发出的所有事件
type captureSink struct {
	events []*model.CallbackEvent
}

func (s *captureSink) Emit(event *model.CallbackEvent) {
	s.events = append(s.events, event)
}

func (s *captureSink) types() []model.CallbackEventType {
	out := make([]model.CallbackEventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func (s *captureSink) last() *model.CallbackEvent {
	if len(s.events) == 0 {
		return nil
	}
	return s.events[len(s.events)-1]
}

// fakeHandler 可编程的步骤处理器
type fakeHandler struct {
	calls   int
	failN   int // 前 failN 次调用返回错误
	err     error
	result  *StepResult
	sleep   time.Duration
	lastCtx context.Context
}

func (h *fakeHandler) Execute(ctx context.Context, job *model.Job, sc *StepContext) (*StepResult, error) {
	h.calls++
	h.lastCtx = ctx
	if h.sleep > 0 {
		select {
		case <-time.After(h.sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if h.calls <= h.failN {
		err := h.err
		if err == nil {
			err = errors.New("injected failure")
		}
		return nil, err
	}
	if h.err != nil && h.failN == 0 {
		return nil, h.err
	}
	if h.result != nil {
		return h.result, nil
	}
	return &StepResult{}, nil
}

func newTestExecutor(handler StepHandler) (*Executor, *captureSink) {
	sink := &captureSink{}
	handlers := map[model.CommandKind]StepHandler{
		model.CommandKindADB: handler,
	}
	return NewExecutor("node-1", handlers, sink), sink
}

func baseJob() *model.Job {
	return &model.Job{
		RunID:        "run-exec",
		DeviceIndex:  0,
		DeviceSerial: "emulator-5554",
		StepIndex:    2,
		StepID:       "step-x",
		Kind:         model.CommandKindADB,
		Script:       "input keyevent HOME",
		TimeoutMs:    30000,
		OnFailure:    model.OnFailureStop,
		Decision:     model.DecisionExecuted,
		LeaseToken:   "lease-token-1",
	}
}

func decodeAdvance(t *testing.T, event *model.CallbackEvent) bool {
	t.Helper()
	var p finishedPayload
	require.NoError(t, json.Unmarshal(event.Payload, &p))
	return p.Advance
}

func TestExecuteSuccess(t *testing.T) {
	handler := &fakeHandler{}
	exec, sink := newTestExecutor(handler)

	exec.Execute(context.Background(), baseJob())

	require.Equal(t, []model.CallbackEventType{
		model.EventTaskStarted,
		model.EventRunStepUpdate,
		model.EventTaskFinished,
	}, sink.types())
	require.Equal(t, 1, handler.calls)

	update := sink.events[1]
	require.Equal(t, string(model.RunStepStatusSucceeded), update.Status)

	finished := sink.last()
	require.Equal(t, string(model.RunStepStatusSucceeded), finished.Status)
	require.True(t, decodeAdvance(t, finished))
	require.Equal(t, "lease-token-1", finished.LeaseToken)
	require.NotEmpty(t, finished.EventID)
}

func TestExecuteSkippedDecision(t *testing.T) {
	handler := &fakeHandler{}
	exec, sink := newTestExecutor(handler)

	job := baseJob()
	job.Decision = model.DecisionSkipped
	exec.Execute(context.Background(), job)

	// 跳过的步骤不碰设备：直接上报跳过，没有 task_started
	require.Equal(t, 0, handler.calls)
	require.Equal(t, []model.CallbackEventType{
		model.EventRunStepUpdate,
		model.EventTaskFinished,
	}, sink.types())
	require.Equal(t, string(model.RunStepStatusSkipped), sink.events[0].Status)

	finished := sink.last()
	require.Equal(t, string(model.RunStepStatusSkipped), finished.Status)
	require.True(t, decodeAdvance(t, finished))
}

func TestExecuteStopRequested(t *testing.T) {
	handler := &fakeHandler{}
	exec, sink := newTestExecutor(handler)

	job := baseJob()
	job.StopRequested = true
	exec.Execute(context.Background(), job)

	// 停止确认只有一条 task_finished，没有 task_started
	require.Equal(t, 0, handler.calls)
	require.Equal(t, []model.CallbackEventType{model.EventTaskFinished}, sink.types())

	finished := sink.last()
	require.Equal(t, string(model.DeviceRunStatusStopped), finished.Status)
	require.False(t, decodeAdvance(t, finished))
}

func TestExecuteRetryPolicy(t *testing.T) {
	handler := &fakeHandler{failN: 10}
	exec, sink := newTestExecutor(handler)

	job := baseJob()
	job.OnFailure = model.OnFailureRetry
	job.RetryCount = 2
	exec.Execute(context.Background(), job)

	// 1 次初始 + 2 次重试
	require.Equal(t, 3, handler.calls)

	require.Equal(t, []model.CallbackEventType{
		model.EventTaskStarted,
		model.EventRunStepUpdate,
		model.EventTaskStarted,
		model.EventRunStepUpdate,
		model.EventTaskStarted,
		model.EventRunStepUpdate,
		model.EventTaskFinished,
	}, sink.types())

	// 每次尝试的 attempt 递增，事件 ID 互不相同
	seen := map[string]bool{}
	for _, e := range sink.events {
		require.False(t, seen[e.EventID], "duplicate event id %s", e.EventID)
		seen[e.EventID] = true
	}
	require.Equal(t, 2, sink.events[4].Attempt)

	finished := sink.last()
	require.Equal(t, string(model.RunStepStatusFailed), finished.Status)
	require.False(t, decodeAdvance(t, finished))
}

func TestExecuteRetrySucceedsMidway(t *testing.T) {
	handler := &fakeHandler{failN: 1}
	exec, sink := newTestExecutor(handler)

	job := baseJob()
	job.OnFailure = model.OnFailureRetry
	job.RetryCount = 2
	exec.Execute(context.Background(), job)

	require.Equal(t, 2, handler.calls)
	finished := sink.last()
	require.Equal(t, string(model.RunStepStatusSucceeded), finished.Status)
	require.True(t, decodeAdvance(t, finished))
}

func TestExecuteContinuePolicy(t *testing.T) {
	handler := &fakeHandler{err: errors.New("boom"), failN: 1}
	exec, sink := newTestExecutor(handler)

	job := baseJob()
	job.OnFailure = model.OnFailureContinue
	exec.Execute(context.Background(), job)

	// continue 策略：记录失败但推进游标
	finished := sink.last()
	require.Equal(t, model.EventTaskFinished, finished.Type)
	require.Equal(t, string(model.RunStepStatusFailed), finished.Status)
	require.Equal(t, "boom", finished.Error)
	require.True(t, decodeAdvance(t, finished))
}

func TestExecuteStopPolicy(t *testing.T) {
	handler := &fakeHandler{err: errors.New("boom"), failN: 1}
	exec, sink := newTestExecutor(handler)

	exec.Execute(context.Background(), baseJob())

	finished := sink.last()
	require.Equal(t, string(model.RunStepStatusFailed), finished.Status)
	require.False(t, decodeAdvance(t, finished))
}

func TestExecuteUnknownKind(t *testing.T) {
	exec, sink := newTestExecutor(&fakeHandler{})

	job := baseJob()
	job.Kind = model.CommandKind("teleport")
	exec.Execute(context.Background(), job)

	finished := sink.last()
	require.Equal(t, model.EventTaskFinished, finished.Type)
	require.Contains(t, finished.Error, "no handler")
	require.False(t, decodeAdvance(t, finished))
}

func TestExecuteStepTimeout(t *testing.T) {
	handler := &fakeHandler{sleep: 200 * time.Millisecond}
	exec, sink := newTestExecutor(handler)

	job := baseJob()
	job.TimeoutMs = 50
	exec.Execute(context.Background(), job)

	finished := sink.last()
	require.Equal(t, string(model.RunStepStatusFailed), finished.Status)
	require.Contains(t, finished.Error, "timed out")
	require.False(t, decodeAdvance(t, finished))
}

func TestExecuteArtifactEvent(t *testing.T) {
	handler := &fakeHandler{result: &StepResult{Artifact: &ArtifactInfo{
		Path:        "runs/run-exec/devices/0/steps/2.png",
		Size:        1024,
		ContentType: "image/png",
	}}}
	exec, sink := newTestExecutor(handler)

	exec.Execute(context.Background(), baseJob())

	require.Equal(t, []model.CallbackEventType{
		model.EventTaskStarted,
		model.EventRunStepUpdate,
		model.EventArtifactCreated,
		model.EventTaskFinished,
	}, sink.types())

	var info ArtifactInfo
	require.NoError(t, json.Unmarshal(sink.events[2].Payload, &info))
	require.Equal(t, "runs/run-exec/devices/0/steps/2.png", info.Path)
	require.EqualValues(t, 1024, info.Size)
}

func TestExecutePanicRecovery(t *testing.T) {
	exec, sink := newTestExecutor(panicHandler{})

	require.NotPanics(t, func() {
		exec.Execute(context.Background(), baseJob())
	})

	finished := sink.last()
	require.Equal(t, model.EventTaskFinished, finished.Type)
	require.Contains(t, finished.Error, "panic")
	require.False(t, decodeAdvance(t, finished))
}

type panicHandler struct{}

func (panicHandler) Execute(ctx context.Context, job *model.Job, sc *StepContext) (*StepResult, error) {
	panic("handler exploded")
}

// screenshotFake 模拟 vendor screenshot：把截图路径写入共享上下文
type screenshotFake struct{}

func (screenshotFake) Execute(ctx context.Context, job *model.Job, sc *StepContext) (*StepResult, error) {
	sc.LastScreenshotPath = fmt.Sprintf("%s-%d-%d.png", job.RunID, job.DeviceIndex, job.StepIndex)
	return &StepResult{}, nil
}

// uploadFake 模拟 upload：从共享上下文取截图路径
type uploadFake struct {
	uploaded string
}

func (h *uploadFake) Execute(ctx context.Context, job *model.Job, sc *StepContext) (*StepResult, error) {
	if sc.LastScreenshotPath == "" {
		return nil, errors.New("no screenshot to upload, run a screenshot step first")
	}
	h.uploaded = sc.LastScreenshotPath
	return &StepResult{Artifact: &ArtifactInfo{Path: sc.LastScreenshotPath, ContentType: "image/png"}}, nil
}

func TestStepContextCarriedAcrossJobs(t *testing.T) {
	upload := &uploadFake{}
	sink := &captureSink{}
	exec := NewExecutor("node-1", map[model.CommandKind]StepHandler{
		model.CommandKindVendor: screenshotFake{},
		model.CommandKindUpload: upload,
	}, sink)

	// 任务按步骤逐个拉取：截图与上传是两次独立的 Execute
	shot := baseJob()
	shot.StepIndex = 0
	shot.StepID = "step-shot"
	shot.Kind = model.CommandKindVendor
	exec.Execute(context.Background(), shot)

	up := baseJob()
	up.StepIndex = 1
	up.StepID = "step-upload"
	up.Kind = model.CommandKindUpload
	exec.Execute(context.Background(), up)

	require.Equal(t, "run-exec-0-0.png", upload.uploaded)

	finished := sink.last()
	require.Equal(t, model.EventTaskFinished, finished.Type)
	require.Equal(t, string(model.RunStepStatusSucceeded), finished.Status)
	require.True(t, decodeAdvance(t, finished))

	// 上传步骤产出 artifact_created
	var artifact *model.CallbackEvent
	for _, e := range sink.events {
		if e.Type == model.EventArtifactCreated {
			artifact = e
		}
	}
	require.NotNil(t, artifact)
	var info ArtifactInfo
	require.NoError(t, json.Unmarshal(artifact.Payload, &info))
	require.Equal(t, "run-exec-0-0.png", info.Path)
}

func TestStepContextDroppedAfterTerminal(t *testing.T) {
	upload := &uploadFake{}
	sink := &captureSink{}
	exec := NewExecutor("node-1", map[model.CommandKind]StepHandler{
		model.CommandKindVendor: screenshotFake{},
		model.CommandKindUpload: upload,
		model.CommandKindADB:    &fakeHandler{err: errors.New("boom"), failN: 1},
	}, sink)

	shot := baseJob()
	shot.Kind = model.CommandKindVendor
	exec.Execute(context.Background(), shot)

	// stop 策略下的失败把设备迁入终态，上下文随之清理
	fail := baseJob()
	fail.StepIndex = 3
	exec.Execute(context.Background(), fail)

	up := baseJob()
	up.StepIndex = 4
	up.Kind = model.CommandKindUpload
	exec.Execute(context.Background(), up)

	finished := sink.last()
	require.Equal(t, string(model.RunStepStatusFailed), finished.Status)
	require.Contains(t, finished.Error, "no screenshot")
	require.Empty(t, upload.uploaded)
}
