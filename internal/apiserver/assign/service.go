// Package assign 分配服务 - pull 核心流程
package assign

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"devicefarm-admin/internal/apiserver/playbook"
	"devicefarm-admin/internal/apiserver/run"
	"devicefarm-admin/internal/shared/model"
	"devicefarm-admin/internal/shared/storage"
)

// Service 分配服务
//
// Pull 的原子性由存储层的 AcquireDeviceLease 提供：候选挑选、
// 行级锁定、租约签发在一个事务内完成。租约之后的解析步骤在
// 事务外执行，中途失败不回收租约，等 TTL 自然过期后该
// (run, device) 重新变为候选。
type Service struct {
	store        storage.PersistentStore
	resolver     *playbook.Resolver
	leaseTTL     time.Duration
	onlineWindow time.Duration
}

// NewService 创建分配服务
func NewService(store storage.PersistentStore, resolver *playbook.Resolver, leaseTTL, onlineWindow time.Duration) *Service {
	if leaseTTL <= 0 {
		leaseTTL = model.DefaultLeaseTTL
	}
	if onlineWindow <= 0 {
		onlineWindow = model.DefaultOnlineWindow
	}
	return &Service{store: store, resolver: resolver, leaseTTL: leaseTTL, onlineWindow: onlineWindow}
}

// Pull 为节点拉取一个任务
//
// 没有候选时返回空任务列表，这不是错误。设备的步骤游标越过
// 步骤列表末尾时把设备标记为 succeeded、释放租约并触发汇总，
// 同样返回空（该设备正常跑完）。
func (s *Service) Pull(ctx context.Context, nodeID string) (*model.PullResponse, error) {
	resp := &model.PullResponse{Now: time.Now().UTC(), Jobs: []model.Job{}}

	cand, err := s.store.AcquireDeviceLease(ctx, nodeID, s.onlineWindow, s.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if cand == nil {
		return resp, nil
	}

	r, state, lease := cand.Run, cand.State, cand.Lease

	// 首次拉取：queued → running
	if r.Status == model.RunStatusQueued {
		if err := s.store.MarkRunStarted(ctx, r.ID, resp.Now); err != nil {
			return nil, fmt.Errorf("mark run started: %w", err)
		}
		r.Status = model.RunStatusRunning
	}

	step, err := s.resolver.Resolve(ctx, r, state.CurrentStepIndex)
	if errors.Is(err, playbook.ErrNoMoreSteps) {
		return resp, s.finishDevice(ctx, r, state, lease)
	}
	if err != nil {
		// 租约留给 TTL 过期回收
		return nil, fmt.Errorf("resolve step %d: %w", state.CurrentStepIndex, err)
	}

	decision := Decide(r.ID, state.DeviceIndex, step.StepID, step.Probability)

	// 重复 pull（租约过期重新分配）会命中唯一约束，静默容忍；
	// 其他插入失败记录日志但不影响响应
	err = s.store.InsertRunStep(ctx, &model.RunStep{
		RunID:       r.ID,
		DeviceIndex: state.DeviceIndex,
		StepIndex:   state.CurrentStepIndex,
		StepID:      step.StepID,
		Kind:        step.Kind,
		Status:      model.RunStepStatusQueued,
		Decision:    decision,
		CreatedAt:   resp.Now,
	})
	if err != nil && !errors.Is(err, storage.ErrDuplicate) {
		log.Printf("[assign.pull] run_step insert failed run_id=%s device_index=%d step_index=%d err=%v",
			r.ID, state.DeviceIndex, state.CurrentStepIndex, err)
	}

	resp.Jobs = append(resp.Jobs, model.Job{
		RunID:         r.ID,
		RunParams:     r.Params,
		RunTimeoutSec: r.TimeoutSec,
		StopRequested: r.StopRequested(),
		DeviceIndex:   state.DeviceIndex,
		DeviceSerial:  cand.Device.Serial,
		StepIndex:     state.CurrentStepIndex,
		StepID:        step.StepID,
		Kind:          step.Kind,
		Title:         step.Title,
		Script:        step.Script,
		Action:        step.Action,
		StepParams:    step.Params,
		TimeoutMs:     step.TimeoutMs,
		OnFailure:     step.OnFailure,
		RetryCount:    step.RetryCount,
		Decision:      decision,
		Probability:   step.Probability,
		LeaseToken:    lease.Token,
	})

	log.Printf("[assign.pull] node_id=%s run_id=%s device_index=%d step_index=%d step_id=%s decision=%s",
		nodeID, r.ID, state.DeviceIndex, state.CurrentStepIndex, step.StepID, decision)
	return resp, nil
}

// finishDevice 设备跑完所有步骤：标记成功、释放租约、触发汇总
func (s *Service) finishDevice(ctx context.Context, r *model.Run, state *model.RunDeviceState, lease *model.Lease) error {
	if err := s.store.UpdateRunDeviceState(ctx, r.ID, state.DeviceIndex, model.DeviceRunStatusSucceeded, ""); err != nil {
		return fmt.Errorf("mark device succeeded: %w", err)
	}
	if err := s.store.ReleaseLease(ctx, lease.Token); err != nil {
		log.Printf("[assign.pull] lease release failed token=%s err=%v", lease.Token, err)
	}
	if _, err := run.Rollup(ctx, s.store, r.ID); err != nil {
		log.Printf("[assign.pull] rollup failed run_id=%s err=%v", r.ID, err)
	}
	log.Printf("[assign.pull] device finished run_id=%s device_index=%d", r.ID, state.DeviceIndex)
	return nil
}
