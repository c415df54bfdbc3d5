// Package run 执行领域 - HTTP 处理
//
// Run 的生命周期从这里开始：创建时按设备范围展开 RunDeviceState，
// 随后进入 queued 等待节点拉取。停止是协作式的：这里只落停止标记，
// 节点在下一次拉取或步骤间感知并确认。
package run

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"devicefarm-admin/internal/apiserver/playbook"
	"devicefarm-admin/internal/shared/model"
	"devicefarm-admin/internal/shared/storage"
)

// Handler 执行领域 HTTP 处理器
type Handler struct {
	store        storage.PersistentStore
	resolver     *playbook.Resolver
	onlineWindow time.Duration
}

// NewHandler 创建执行处理器
func NewHandler(store storage.PersistentStore, resolver *playbook.Resolver, onlineWindow time.Duration) *Handler {
	if onlineWindow <= 0 {
		onlineWindow = model.DefaultOnlineWindow
	}
	return &Handler{store: store, resolver: resolver, onlineWindow: onlineWindow}
}

// RegisterRoutes 注册执行相关路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/runs", h.Create)
	mux.HandleFunc("GET /api/v1/runs/pending", h.ListPending)
	mux.HandleFunc("GET /api/v1/runs/{id}", h.Get)
	mux.HandleFunc("POST /api/v1/runs/{id}/stop", h.Stop)
}

// createRunRequest 创建 Run 的请求体
type createRunRequest struct {
	PlaybookID           *string         `json:"playbook_id,omitempty"`
	WorkflowID           *string         `json:"workflow_id,omitempty"`
	Scope                model.RunScope  `json:"scope,omitempty"`
	DeviceIndexes        []int           `json:"device_indexes,omitempty"`
	Params               json.RawMessage `json:"params,omitempty"`
	TimeoutSec           int             `json:"timeout_sec,omitempty"`
	StepTimeoutOverrides map[int]int     `json:"step_timeout_overrides,omitempty"`
}

// Create 创建执行请求并展开设备状态
// POST /api/v1/runs
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if (req.PlaybookID == nil) == (req.WorkflowID == nil) {
		writeError(w, http.StatusBadRequest, "exactly one of playbook_id or workflow_id is required")
		return
	}
	if req.Scope == "" {
		req.Scope = model.RunScopeAll
	}
	if req.Scope != model.RunScopeAll && req.Scope != model.RunScopeSubset {
		writeError(w, http.StatusBadRequest, "scope must be all or subset")
		return
	}
	if req.Scope == model.RunScopeSubset && len(req.DeviceIndexes) == 0 {
		writeError(w, http.StatusBadRequest, "device_indexes is required for subset scope")
		return
	}

	ctx := r.Context()

	// 校验步骤来源存在
	if req.PlaybookID != nil {
		pb, err := h.store.GetPlaybook(ctx, *req.PlaybookID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "playbook lookup failed")
			return
		}
		if pb == nil {
			writeError(w, http.StatusNotFound, "playbook not found")
			return
		}
	} else {
		wf, err := h.store.GetWorkflow(ctx, *req.WorkflowID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "workflow lookup failed")
			return
		}
		if wf == nil {
			writeError(w, http.StatusNotFound, "workflow not found")
			return
		}
	}

	// 范围在创建时刻对在线设备快照展开，之后上线的设备不参与
	online, err := h.store.ListOnlineDevices(ctx, h.onlineWindow)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "device lookup failed")
		return
	}
	indexes := scopeIndexes(req.Scope, req.DeviceIndexes, online)
	if len(indexes) == 0 {
		writeError(w, http.StatusConflict, "no online devices in scope")
		return
	}

	now := time.Now().UTC()
	run := &model.Run{
		ID:                   generateID("run"),
		Trigger:              model.RunTriggerManual,
		Scope:                req.Scope,
		DeviceIndexes:        indexes,
		PlaybookID:           req.PlaybookID,
		WorkflowID:           req.WorkflowID,
		Status:               model.RunStatusPending,
		Params:               req.Params,
		TimeoutSec:           req.TimeoutSec,
		StepTimeoutOverrides: req.StepTimeoutOverrides,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := h.store.CreateRun(ctx, run); err != nil {
		log.Printf("[run.create] create failed err=%v", err)
		writeError(w, http.StatusInternalServerError, "failed to create run")
		return
	}

	states := make([]*model.RunDeviceState, 0, len(indexes))
	for _, idx := range indexes {
		states = append(states, &model.RunDeviceState{
			RunID:       run.ID,
			DeviceIndex: idx,
			Status:      model.DeviceRunStatusQueued,
			UpdatedAt:   now,
		})
	}
	if err := h.store.CreateRunDeviceStates(ctx, states); err != nil {
		log.Printf("[run.create] state expansion failed run_id=%s err=%v", run.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to expand device states")
		return
	}

	// 展开完成后才进入可拉取状态
	if err := h.store.UpdateRunStatus(ctx, run.ID, model.RunStatusQueued); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to queue run")
		return
	}
	run.Status = model.RunStatusQueued

	log.Printf("[run.create] run_id=%s scope=%s devices=%d", run.ID, run.Scope, len(indexes))
	writeJSON(w, http.StatusCreated, run)
}

// scopeIndexes 计算范围内的在线设备编号
func scopeIndexes(scope model.RunScope, requested []int, online []*model.Device) []int {
	if scope == model.RunScopeAll {
		indexes := make([]int, 0, len(online))
		for _, d := range online {
			indexes = append(indexes, d.Index)
		}
		return indexes
	}

	onlineSet := make(map[int]bool, len(online))
	for _, d := range online {
		onlineSet[d.Index] = true
	}
	var indexes []int
	for _, idx := range requested {
		if onlineSet[idx] {
			indexes = append(indexes, idx)
		}
	}
	return indexes
}

// deviceDetail Run 详情中的单设备视图
type deviceDetail struct {
	*model.RunDeviceState
	Steps     []*model.RunStep  `json:"steps"`
	Artifacts []*model.Artifact `json:"artifacts"`
}

// Get Run 详情：汇总状态 + 每台设备的游标、最近步骤与产物
// GET /api/v1/runs/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	run, err := h.store.GetRun(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "run lookup failed")
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	states, err := h.store.ListRunDeviceStates(ctx, run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list device states")
		return
	}

	const recentLimit = 20
	details := make([]deviceDetail, 0, len(states))
	for _, st := range states {
		steps, err := h.store.ListRunSteps(ctx, run.ID, st.DeviceIndex, recentLimit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list run steps")
			return
		}
		artifacts, err := h.store.ListArtifacts(ctx, run.ID, st.DeviceIndex, recentLimit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list artifacts")
			return
		}
		details = append(details, deviceDetail{RunDeviceState: st, Steps: steps, Artifacts: artifacts})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run":     run,
		"devices": details,
	})
}

// Stop 请求停止 Run
// POST /api/v1/runs/{id}/stop
//
// 停止是协作式的：这里只落标记。节点在下一次拉取（Job 携带
// stop_requested）或步骤间检查时确认停止并回传 task_finished。
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	run, err := h.store.GetRun(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "run lookup failed")
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if run.Status.IsTerminal() {
		writeError(w, http.StatusConflict, "run already finished")
		return
	}

	if err := h.store.RequestRunStop(ctx, run.ID, time.Now().UTC()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to request stop")
		return
	}
	log.Printf("[run.stop] run_id=%s", run.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stop_requested"})
}

// pendingRunView 待执行 Run 的预览视图
type pendingRunView struct {
	Run       *model.Run             `json:"run"`
	FirstStep *playbook.ResolvedStep `json:"first_step,omitempty"`
}

// ListPending 待执行 Run 列表，附首步骤解析预览
// GET /api/v1/runs/pending
//
// 预览只做解析不签租约，不影响分配。
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runs, err := h.store.ListPendingRuns(ctx, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list pending runs")
		return
	}

	views := make([]pendingRunView, 0, len(runs))
	for _, run := range runs {
		view := pendingRunView{Run: run}
		step, err := h.resolver.Resolve(ctx, run, 0)
		if err != nil && !errors.Is(err, playbook.ErrNoMoreSteps) {
			log.Printf("[run.pending] resolve preview failed run_id=%s err=%v", run.ID, err)
		}
		view.FirstStep = step
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": views})
}
