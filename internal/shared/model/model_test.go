package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestClampStepTimeoutMs(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want int
	}{
		{"零值使用默认超时", 0, DefaultStepTimeoutMs},
		{"负值使用默认超时", -1, DefaultStepTimeoutMs},
		{"低于下限钳位到下限", 1000, MinStepTimeoutMs},
		{"高于上限钳位到上限", 3_600_000, MaxStepTimeoutMs},
		{"范围内保持不变", 45_000, 45_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClampStepTimeoutMs(tt.in); got != tt.want {
				t.Errorf("ClampStepTimeoutMs(%d) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestPlaybookStepNormalize(t *testing.T) {
	s := PlaybookStep{TimeoutMs: 1000, Probability: 1.5, OnFailure: "bogus", RetryCount: -2}
	n := s.Normalize()

	if n.TimeoutMs != MinStepTimeoutMs {
		t.Errorf("timeout = %d, want %d", n.TimeoutMs, MinStepTimeoutMs)
	}
	if n.Probability != 1 {
		t.Errorf("probability = %v, want 1", n.Probability)
	}
	if n.OnFailure != OnFailureStop {
		t.Errorf("on_failure = %q, want stop", n.OnFailure)
	}
	if n.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0", n.RetryCount)
	}

	// retry 之外的策略不保留重试次数
	s = PlaybookStep{OnFailure: OnFailureContinue, RetryCount: 3}
	if got := s.Normalize().RetryCount; got != 0 {
		t.Errorf("retry_count under continue = %d, want 0", got)
	}
	s = PlaybookStep{OnFailure: OnFailureRetry, RetryCount: 3}
	if got := s.Normalize().RetryCount; got != 3 {
		t.Errorf("retry_count under retry = %d, want 3", got)
	}
}

func TestParseWorkflowSteps(t *testing.T) {
	doc := json.RawMessage(`{"steps":[
		{"kind":"adb","script":"input keyevent 26","timeout_ms":8000},
		{"kind":"vendor","action":"screen"},
		{"kind":"upload","on_failure":"retry","retry_count":2},
		{"kind":"js","script":"tap(100,200)","on_failure":"continue"}
	]}`)

	steps, err := ParseWorkflowSteps(doc)
	if err != nil {
		t.Fatalf("ParseWorkflowSteps: %v", err)
	}
	if len(steps) != 4 {
		t.Fatalf("len(steps) = %d, want 4", len(steps))
	}
	if steps[0].TimeoutMs != 8000 {
		t.Errorf("step 0 timeout = %d, want 8000", steps[0].TimeoutMs)
	}
	if steps[1].TimeoutMs != DefaultStepTimeoutMs {
		t.Errorf("step 1 timeout = %d, want default", steps[1].TimeoutMs)
	}
	if steps[2].RetryCount != 2 {
		t.Errorf("step 2 retry_count = %d, want 2", steps[2].RetryCount)
	}
	if steps[3].OnFailure != OnFailureContinue {
		t.Errorf("step 3 on_failure = %q, want continue", steps[3].OnFailure)
	}

	if _, err := ParseWorkflowSteps(json.RawMessage(`{"steps":[{"kind":"ssh"}]}`)); err == nil {
		t.Error("expected error for unknown step kind")
	}
}

func TestComputeEventID(t *testing.T) {
	a := ComputeEventID(EventTaskFinished, "run-1", 3, 0, "step-a", 0)
	b := ComputeEventID(EventTaskFinished, "run-1", 3, 0, "step-a", 0)
	if a != b {
		t.Errorf("same inputs produced different ids: %s != %s", a, b)
	}

	// 任一坐标变化都应产生不同 ID
	variants := []string{
		ComputeEventID(EventTaskStarted, "run-1", 3, 0, "step-a", 0),
		ComputeEventID(EventTaskFinished, "run-2", 3, 0, "step-a", 0),
		ComputeEventID(EventTaskFinished, "run-1", 4, 0, "step-a", 0),
		ComputeEventID(EventTaskFinished, "run-1", 3, 1, "step-a", 0),
		ComputeEventID(EventTaskFinished, "run-1", 3, 0, "step-b", 0),
		ComputeEventID(EventTaskFinished, "run-1", 3, 0, "step-a", 1),
	}
	for i, v := range variants {
		if v == a {
			t.Errorf("variant %d collided with base id", i)
		}
	}
}

func TestRunRollupStatus(t *testing.T) {
	now := time.Now()
	run := &Run{ID: "run-1", Status: RunStatusRunning}

	st := func(s DeviceRunStatus) *RunDeviceState {
		return &RunDeviceState{RunID: "run-1", Status: s, UpdatedAt: now}
	}

	tests := []struct {
		name   string
		stop   bool
		states []*RunDeviceState
		want   RunStatus
	}{
		{"仍有设备未结束保持现状", false,
			[]*RunDeviceState{st(DeviceRunStatusSucceeded), st(DeviceRunStatusRunning)}, RunStatusRunning},
		{"全部成功", false,
			[]*RunDeviceState{st(DeviceRunStatusSucceeded), st(DeviceRunStatusSucceeded)}, RunStatusCompleted},
		{"全部失败", false,
			[]*RunDeviceState{st(DeviceRunStatusFailed)}, RunStatusFailed},
		{"混合结果", false,
			[]*RunDeviceState{st(DeviceRunStatusSucceeded), st(DeviceRunStatusFailed)}, RunStatusCompletedWithErrors},
		{"停止请求生效", true,
			[]*RunDeviceState{st(DeviceRunStatusStopped), st(DeviceRunStatusSucceeded)}, RunStatusStopped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := *run
			if tt.stop {
				r.StopRequestedAt = &now
			}
			if got := r.RollupStatus(tt.states); got != tt.want {
				t.Errorf("RollupStatus = %q, want %q", got, tt.want)
			}
		})
	}
}
