// Package playbook 步骤解析器
//
// 把 Run 引用的步骤来源（Playbook 或旧版 Workflow 文档）解析为
// 可下发的 ResolvedStep：命令内容、超时、失败策略、执行概率。
// Run 级的步骤超时覆盖优先于步骤自身配置，所有超时最终钳位到
// [MinStepTimeoutMs, MaxStepTimeoutMs]。
package playbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"devicefarm-admin/internal/shared/model"
	"devicefarm-admin/internal/shared/storage"
)

// ErrNoMoreSteps 步骤序号越过步骤列表末尾
//
// 这是设备正常跑完所有步骤的信号，不是错误路径：
// 分配服务据此把设备标记为 succeeded。
var ErrNoMoreSteps = errors.New("playbook: no more steps")

// ResolvedStep 解析完成、可直接下发给节点的步骤
type ResolvedStep struct {
	StepID      string
	Kind        model.CommandKind
	Title       string
	Script      string
	Action      string
	TimeoutMs   int
	OnFailure   model.OnFailure
	RetryCount  int
	Probability float64
	Params      json.RawMessage
}

// Resolver 步骤解析器
type Resolver struct {
	store interface {
		storage.PlaybookStore
		storage.WorkflowStore
	}
}

// NewResolver 创建步骤解析器
func NewResolver(store storage.PersistentStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve 解析 Run 在 stepIndex 处的步骤
//
// stepIndex 越过末尾返回 ErrNoMoreSteps。Playbook 与 Workflow
// 二选一，都没有配置视为错误。
func (r *Resolver) Resolve(ctx context.Context, run *model.Run, stepIndex int) (*ResolvedStep, error) {
	switch {
	case run.PlaybookID != nil:
		return r.resolvePlaybookStep(ctx, run, *run.PlaybookID, stepIndex)
	case run.WorkflowID != nil:
		return r.resolveWorkflowStep(ctx, run, *run.WorkflowID, stepIndex)
	default:
		return nil, fmt.Errorf("run %s references neither playbook nor workflow", run.ID)
	}
}

// resolvePlaybookStep 从剧本解析步骤
func (r *Resolver) resolvePlaybookStep(ctx context.Context, run *model.Run, playbookID string, stepIndex int) (*ResolvedStep, error) {
	pb, err := r.store.GetPlaybook(ctx, playbookID)
	if err != nil {
		return nil, fmt.Errorf("get playbook %s: %w", playbookID, err)
	}
	if pb == nil {
		return nil, fmt.Errorf("playbook %s not found", playbookID)
	}
	if stepIndex < 0 || stepIndex >= len(pb.Steps) {
		return nil, ErrNoMoreSteps
	}

	step := pb.Steps[stepIndex].Normalize()

	cmd, err := r.store.GetCommandAsset(ctx, step.CommandID)
	if err != nil {
		return nil, fmt.Errorf("get command %s: %w", step.CommandID, err)
	}
	if cmd == nil {
		return nil, fmt.Errorf("command %s not found", step.CommandID)
	}

	return &ResolvedStep{
		StepID:      step.ID,
		Kind:        cmd.Kind,
		Title:       cmd.Title,
		Script:      cmd.Script,
		TimeoutMs:   effectiveTimeoutMs(run, stepIndex, step.TimeoutMs),
		OnFailure:   step.OnFailure,
		RetryCount:  step.RetryCount,
		Probability: step.Probability,
		Params:      step.Params,
	}, nil
}

// resolveWorkflowStep 从旧版工作流文档解析步骤
//
// 工作流没有独立的步骤 ID，用 "{workflow_id}#{index}" 派生一个
// 稳定标识，保证决策引擎与事件 ID 的确定性。
func (r *Resolver) resolveWorkflowStep(ctx context.Context, run *model.Run, workflowID string, stepIndex int) (*ResolvedStep, error) {
	wf, err := r.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", workflowID, err)
	}
	if wf == nil {
		return nil, fmt.Errorf("workflow %s not found", workflowID)
	}

	steps, err := model.ParseWorkflowSteps(wf.Document)
	if err != nil {
		return nil, err
	}
	if stepIndex < 0 || stepIndex >= len(steps) {
		return nil, ErrNoMoreSteps
	}

	step := steps[stepIndex]

	return &ResolvedStep{
		StepID:      fmt.Sprintf("%s#%d", workflowID, stepIndex),
		Kind:        step.Kind,
		Title:       step.Title,
		Script:      step.Script,
		Action:      step.Action,
		TimeoutMs:   effectiveTimeoutMs(run, stepIndex, step.TimeoutMs),
		OnFailure:   step.OnFailure,
		RetryCount:  step.RetryCount,
		// 工作流步骤没有概率配置，总是执行
		Probability: 1,
		Params:      step.Params,
	}, nil
}

// effectiveTimeoutMs 计算步骤生效超时：Run 级覆盖 > 步骤自身 > 默认，再钳位
func effectiveTimeoutMs(run *model.Run, stepIndex, stepTimeoutMs int) int {
	if override, ok := run.StepTimeoutOverrides[stepIndex]; ok {
		return model.ClampStepTimeoutMs(override)
	}
	return model.ClampStepTimeoutMs(stepTimeoutMs)
}
