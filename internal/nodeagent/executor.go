// Package nodeagent 节点代理
//
// executor.go 实现单个任务的执行状态机：
//
//	skipped 判定 -> 直接上报跳过并推进
//	stop 标记    -> 确认停止，不执行
//	executed    -> 按超时执行，按失败策略（stop/continue/retry）收尾
//
// 所有事件只入本地缓冲，由后台发送器投递，执行不被网络阻塞。
package nodeagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"devicefarm-admin/internal/shared/model"
)

// EventSink 接收执行过程产生的回调事件（Agent 用缓冲实现）
type EventSink interface {
	Emit(event *model.CallbackEvent)
}

// Executor 任务执行器
type Executor struct {
	nodeID   string
	handlers map[model.CommandKind]StepHandler
	sink     EventSink
	metrics  *Metrics // 可为 nil

	// contexts 按 (run, device) 索引的执行上下文。任务按步骤逐个
	// 拉取，截图路径等要跨任务带到后续步骤，上下文必须比单次
	// Execute 活得久，设备迁入终态时清理
	mu       sync.Mutex
	contexts map[string]*StepContext
}

// NewExecutor 创建任务执行器
func NewExecutor(nodeID string, handlers map[model.CommandKind]StepHandler, sink EventSink) *Executor {
	return &Executor{
		nodeID:   nodeID,
		handlers: handlers,
		sink:     sink,
		contexts: make(map[string]*StepContext),
	}
}

func contextKey(job *model.Job) string {
	return fmt.Sprintf("%s/%d", job.RunID, job.DeviceIndex)
}

// stepContext 取（必要时创建）同一 (run, device) 的共享执行上下文
func (e *Executor) stepContext(job *model.Job) *StepContext {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := contextKey(job)
	sc, ok := e.contexts[key]
	if !ok {
		sc = &StepContext{}
		e.contexts[key] = sc
	}
	return sc
}

func (e *Executor) dropContext(job *model.Job) {
	e.mu.Lock()
	delete(e.contexts, contextKey(job))
	e.mu.Unlock()
}

// SetMetrics 设置指标实例
func (e *Executor) SetMetrics(m *Metrics) {
	e.metrics = m
}

// finishedPayload task_finished 事件的载荷
//
// Advance 为 true 表示设备应推进到下一步骤（成功结束，或
// continue 策略下的失败）。
type finishedPayload struct {
	Advance bool `json:"advance"`
}

// Execute 执行一个任务直至上报 task_finished
//
// panic 被恢复并转换为失败结束，单个任务的崩溃不拖垮整个代理。
func (e *Executor) Execute(ctx context.Context, job *model.Job) {
	start := time.Now()
	status := "failed"
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[executor.panic] run_id=%s device_index=%d step_index=%d panic=%v\n%s",
				job.RunID, job.DeviceIndex, job.StepIndex, r, debug.Stack())
			e.finish(job, 0, string(model.RunStepStatusFailed), fmt.Sprintf("panic: %v", r), false)
			status = "panic"
		}
		if e.metrics != nil {
			e.metrics.RecordJob(string(job.Kind), status, time.Since(start))
		}
	}()

	// 协作式停止：确认停止，不开始执行
	if job.StopRequested {
		log.Printf("[executor.stop] run_id=%s device_index=%d step_index=%d",
			job.RunID, job.DeviceIndex, job.StepIndex)
		e.finish(job, 0, string(model.DeviceRunStatusStopped), "", false)
		status = "stopped"
		return
	}

	// 判定为跳过的步骤不做任何设备操作：直接上报跳过并推进，
	// 不发 task_started
	if job.Decision == model.DecisionSkipped {
		e.emitStepUpdate(job, 0, model.RunStepStatusSkipped, "")
		e.finish(job, 0, string(model.RunStepStatusSkipped), "", true)
		status = "skipped"
		return
	}

	e.emit(job, 0, model.EventTaskStarted, "", "", nil)

	handler, ok := e.handlers[job.Kind]
	if !ok {
		errMsg := fmt.Sprintf("no handler for command kind %q", job.Kind)
		e.emitStepUpdate(job, 0, model.RunStepStatusFailed, errMsg)
		e.finish(job, 0, string(model.RunStepStatusFailed), errMsg, false)
		return
	}

	// retry 策略允许 RetryCount 次额外的整步重试
	maxAttempts := 1
	if job.OnFailure == model.OnFailureRetry && job.RetryCount > 0 {
		maxAttempts = 1 + job.RetryCount
	}

	sc := e.stepContext(job)
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			// 尝试之间检查取消，停止请求由下一次 pull 感知
			if ctx.Err() != nil {
				e.finish(job, attempt, string(model.RunStepStatusFailed), ctx.Err().Error(), false)
				return
			}
			e.emit(job, attempt, model.EventTaskStarted, "", "", nil)
		}

		result, err := e.attempt(ctx, handler, job, sc)
		if err == nil {
			e.emitStepUpdate(job, attempt, model.RunStepStatusSucceeded, "")
			if result != nil && result.Artifact != nil {
				e.emitArtifact(job, attempt, result.Artifact)
			}
			e.finish(job, attempt, string(model.RunStepStatusSucceeded), "", true)
			status = "succeeded"
			return
		}

		lastErr = err
		e.emitStepUpdate(job, attempt, model.RunStepStatusFailed, err.Error())
		log.Printf("[executor.attempt] run_id=%s device_index=%d step_index=%d attempt=%d err=%v",
			job.RunID, job.DeviceIndex, job.StepIndex, attempt, err)
	}

	finalAttempt := maxAttempts - 1
	switch job.OnFailure {
	case model.OnFailureContinue:
		// 记录失败但照常推进
		e.finish(job, finalAttempt, string(model.RunStepStatusFailed), lastErr.Error(), true)
		status = "continued"
	default:
		// stop 语义：设备失败，不再推进
		e.finish(job, finalAttempt, string(model.RunStepStatusFailed), lastErr.Error(), false)
	}
}

// attempt 执行一次步骤尝试，步骤超时在这里生效
func (e *Executor) attempt(ctx context.Context, handler StepHandler, job *model.Job, sc *StepContext) (*StepResult, error) {
	timeout := time.Duration(job.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(model.DefaultStepTimeoutMs) * time.Millisecond
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := handler.Execute(attemptCtx, job, sc)
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("step timed out after %s", timeout)
	}
	return result, err
}

// emit 构造并入队一条回调事件
func (e *Executor) emit(job *model.Job, attempt int, typ model.CallbackEventType, status, errMsg string, payload json.RawMessage) {
	event := &model.CallbackEvent{
		Type:        typ,
		RunID:       job.RunID,
		NodeID:      e.nodeID,
		DeviceIndex: job.DeviceIndex,
		StepIndex:   job.StepIndex,
		StepID:      job.StepID,
		Attempt:     attempt,
		LeaseToken:  job.LeaseToken,
		Status:      status,
		Error:       errMsg,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
	event.FillEventID()
	e.sink.Emit(event)
}

func (e *Executor) emitStepUpdate(job *model.Job, attempt int, status model.RunStepStatus, errMsg string) {
	e.emit(job, attempt, model.EventRunStepUpdate, string(status), errMsg, nil)
}

func (e *Executor) emitArtifact(job *model.Job, attempt int, artifact *ArtifactInfo) {
	payload, err := json.Marshal(artifact)
	if err != nil {
		log.Printf("[executor.artifact] marshal failed err=%v", err)
		return
	}
	e.emit(job, attempt, model.EventArtifactCreated, "", "", payload)
}

// finish 上报 task_finished
//
// advance 决定服务端是推进游标还是把设备迁入终态；
// status 为 stopped 时设备被标记为已停止。
// 设备迁入终态后该 (run, device) 不再有后续步骤，上下文一并清理。
func (e *Executor) finish(job *model.Job, attempt int, status string, errMsg string, advance bool) {
	if !advance {
		e.dropContext(job)
	}
	payload, _ := json.Marshal(finishedPayload{Advance: advance})
	e.emit(job, attempt, model.EventTaskFinished, status, errMsg, payload)
}
