// Package callback 回调入库 - 幂等的事件处理
//
// 节点回传的事件先按 event_id 落库（主键冲突即重复投递，安全
// 忽略），再按事件类型应用状态迁移：
//   - task_started     设备状态 → running，步骤记录 → running
//   - run_step_update  更新步骤尝试记录的状态
//   - artifact_created 落一条产物元数据
//   - task_finished    推进游标或把设备迁入终态，释放租约，触发汇总
//
// 所有事件都携带签发工作的租约 Token：未知 Token 拒绝（409），
// 已过期但仍有记录的租约视为"迟到但可信"照常入库。
package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"devicefarm-admin/internal/apiserver/run"
	"devicefarm-admin/internal/shared/model"
	"devicefarm-admin/internal/shared/storage"
)

// Notifier 事件通知接口（WebSocket 网关实现）
type Notifier interface {
	PublishRunEvent(event *model.CallbackEvent)
}

// MetricsRecorder 回调指标回调（server 包的 Prometheus 指标实现）
type MetricsRecorder interface {
	RecordCallbackEvent(eventType, outcome string)
	RecordRunCompleted(status string, duration time.Duration)
}

// Handler 回调 HTTP 处理器
type Handler struct {
	store    storage.PersistentStore
	notifier Notifier        // 可选
	metrics  MetricsRecorder // 可选
}

// NewHandler 创建回调处理器
func NewHandler(store storage.PersistentStore) *Handler {
	return &Handler{store: store}
}

// SetNotifier 设置事件通知接口（WebSocket 推送）
func (h *Handler) SetNotifier(n Notifier) {
	h.notifier = n
}

// SetMetrics 设置指标回调
func (h *Handler) SetMetrics(m MetricsRecorder) {
	h.metrics = m
}

func (h *Handler) recordEvent(eventType model.CallbackEventType, outcome string) {
	if h.metrics != nil {
		h.metrics.RecordCallbackEvent(string(eventType), outcome)
	}
}

// RegisterRoutes 注册回调路由
// 这些路由经过节点共享密钥中间件保护（见 server 包）
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/nodes/callback", h.Ingest)
}

// finishedPayload task_finished 事件的载荷
//
// Advance 为 true 表示设备应推进到下一步骤（成功结束，或
// continue 策略下的失败）；为 false 时 Status 决定设备终态。
type finishedPayload struct {
	Advance bool `json:"advance"`
}

// artifactPayload artifact_created 事件的载荷
type artifactPayload struct {
	Path        string `json:"path"`
	URL         string `json:"url,omitempty"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

// Ingest 接收节点回调事件
// POST /api/v1/nodes/callback
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	var event model.CallbackEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if event.RunID == "" || event.NodeID == "" || event.LeaseToken == "" {
		writeError(w, http.StatusBadRequest, "run_id, node_id and lease_token are required")
		return
	}
	event.FillEventID()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	ctx := r.Context()

	// 租约归属校验：Token 必须对应这条 (run, device)。
	// 过期但未被释放的租约仍然可信（节点完成了工作但回调迟到）。
	lease, err := h.store.GetLeaseByToken(ctx, event.LeaseToken)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lease lookup failed")
		return
	}
	if lease == nil || lease.RunID != event.RunID || lease.DeviceIndex != event.DeviceIndex {
		log.Printf("[callback.ingest] unknown lease token run_id=%s device_index=%d type=%s",
			event.RunID, event.DeviceIndex, event.Type)
		h.recordEvent(event.Type, "rejected")
		writeError(w, http.StatusConflict, "unknown lease token")
		return
	}

	// 幂等：event_id 已存在说明是网络重试导致的重复投递
	if err := h.store.InsertCallbackEvent(ctx, &event); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			h.recordEvent(event.Type, "duplicate")
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
		writeError(w, http.StatusInternalServerError, "event insert failed")
		return
	}
	h.recordEvent(event.Type, "applied")

	if err := h.apply(r.Context(), &event); err != nil {
		// 事件已落库，迁移失败只记录：重试会被去重，
		// 不一致由后续事件或租约过期收敛
		log.Printf("[callback.ingest] apply failed event_id=%s type=%s err=%v",
			event.EventID, event.Type, err)
	}

	if h.notifier != nil {
		h.notifier.PublishRunEvent(&event)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// apply 按事件类型应用状态迁移
func (h *Handler) apply(ctx context.Context, event *model.CallbackEvent) error {
	switch event.Type {
	case model.EventTaskStarted:
		return h.applyStarted(ctx, event)
	case model.EventRunStepUpdate:
		return h.applyStepUpdate(ctx, event)
	case model.EventArtifactCreated:
		return h.applyArtifact(ctx, event)
	case model.EventTaskFinished:
		return h.applyFinished(ctx, event)
	default:
		return fmt.Errorf("unknown event type %q", event.Type)
	}
}

func (h *Handler) applyStarted(ctx context.Context, event *model.CallbackEvent) error {
	if err := h.store.UpdateRunDeviceState(ctx, event.RunID, event.DeviceIndex, model.DeviceRunStatusRunning, ""); err != nil {
		return err
	}
	err := h.store.UpdateRunStepStatus(ctx, event.RunID, event.DeviceIndex, event.StepIndex,
		model.RunStepStatusRunning, "", event.Timestamp)
	if errors.Is(err, storage.ErrNotFound) {
		// pull 时的插入失败过，步骤记录缺失不致命
		return nil
	}
	return err
}

func (h *Handler) applyStepUpdate(ctx context.Context, event *model.CallbackEvent) error {
	status := model.RunStepStatus(event.Status)
	switch status {
	case model.RunStepStatusRunning, model.RunStepStatusSucceeded,
		model.RunStepStatusFailed, model.RunStepStatusSkipped:
	default:
		return fmt.Errorf("invalid run step status %q", event.Status)
	}
	err := h.store.UpdateRunStepStatus(ctx, event.RunID, event.DeviceIndex, event.StepIndex,
		status, event.Error, event.Timestamp)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func (h *Handler) applyArtifact(ctx context.Context, event *model.CallbackEvent) error {
	var p artifactPayload
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return fmt.Errorf("decode artifact payload: %w", err)
		}
	}
	if p.Path == "" {
		return fmt.Errorf("artifact payload missing path")
	}
	return h.store.CreateArtifact(ctx, &model.Artifact{
		RunID:       event.RunID,
		DeviceIndex: event.DeviceIndex,
		StepIndex:   event.StepIndex,
		Kind:        model.ArtifactKindScreenshot,
		Path:        p.Path,
		URL:         p.URL,
		Size:        p.Size,
		ContentType: p.ContentType,
		CreatedAt:   event.Timestamp,
	})
}

// applyFinished 处理任务结束：推进游标或迁入终态，释放租约，触发汇总
func (h *Handler) applyFinished(ctx context.Context, event *model.CallbackEvent) error {
	var p finishedPayload
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return fmt.Errorf("decode finished payload: %w", err)
		}
	}

	switch {
	case p.Advance:
		// 成功结束或 continue 策略下的失败：游标推进，设备继续
		if err := h.store.AdvanceRunDeviceStep(ctx, event.RunID, event.DeviceIndex, event.StepIndex+1); err != nil {
			return err
		}
		if err := h.store.UpdateRunDeviceState(ctx, event.RunID, event.DeviceIndex,
			model.DeviceRunStatusRunning, event.Error); err != nil {
			return err
		}
	case event.Status == string(model.DeviceRunStatusStopped):
		if err := h.store.UpdateRunDeviceState(ctx, event.RunID, event.DeviceIndex,
			model.DeviceRunStatusStopped, event.Error); err != nil {
			return err
		}
	default:
		if err := h.store.UpdateRunDeviceState(ctx, event.RunID, event.DeviceIndex,
			model.DeviceRunStatusFailed, event.Error); err != nil {
			return err
		}
	}

	// 租约即刻释放，重新拉取不必等 TTL；过期回收只是崩溃兜底
	if err := h.store.ReleaseLease(ctx, event.LeaseToken); err != nil {
		log.Printf("[callback.ingest] lease release failed token=%s err=%v", event.LeaseToken, err)
	}

	status, err := run.Rollup(ctx, h.store, event.RunID)
	if err != nil {
		return fmt.Errorf("rollup: %w", err)
	}
	if h.metrics != nil && status.IsTerminal() {
		if r, err := h.store.GetRun(ctx, event.RunID); err == nil && r != nil {
			end := event.Timestamp
			if r.FinishedAt != nil {
				end = *r.FinishedAt
			}
			h.metrics.RecordRunCompleted(string(status), end.Sub(r.CreatedAt))
		}
	}
	return nil
}
