// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调用方只依赖接口，不知道具体实现
//   - 具体实现在子包中：postgres/
//   - 初始化时通过依赖注入传入实现
//
// 租约语义是本接口的核心：AcquireDeviceLease 必须提供
// "从多个候选行中原子地选出一行、锁定它、签发限时租约" 的能力。
// PostgreSQL 实现用 SELECT ... FOR UPDATE SKIP LOCKED 达成；
// 测试用的内存实现（mock.go）用互斥锁模拟同等语义。
package storage

import (
	"context"
	"time"

	"devicefarm-admin/internal/shared/model"
)

// ============================================================================
// 持久化存储接口
// ============================================================================

// RunStore Run 存储接口
type RunStore interface {
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListPendingRuns(ctx context.Context, limit int) ([]*model.Run, error)
	// MarkRunStarted 将 queued 状态的 Run 迁移到 running 并记录开始时间。
	// 已处于 running 的 Run 调用无副作用。
	MarkRunStarted(ctx context.Context, id string, now time.Time) error
	UpdateRunStatus(ctx context.Context, id string, status model.RunStatus) error
	RequestRunStop(ctx context.Context, id string, at time.Time) error
}

// DeviceStore 设备存储接口
type DeviceStore interface {
	UpsertDevice(ctx context.Context, device *model.Device) error
	GetDevice(ctx context.Context, index int) (*model.Device, error)
	ListDevicesByNode(ctx context.Context, nodeID string) ([]*model.Device, error)
	ListAllDevices(ctx context.Context) ([]*model.Device, error)
	ListOnlineDevices(ctx context.Context, window time.Duration) ([]*model.Device, error)
	// TouchDevices 批量刷新设备心跳时间（节点心跳代报）
	TouchDevices(ctx context.Context, nodeID string, indexes []int, seenAt time.Time) error
}

// RunDeviceStateStore 设备推进游标存储接口
type RunDeviceStateStore interface {
	CreateRunDeviceStates(ctx context.Context, states []*model.RunDeviceState) error
	GetRunDeviceState(ctx context.Context, runID string, deviceIndex int) (*model.RunDeviceState, error)
	ListRunDeviceStates(ctx context.Context, runID string) ([]*model.RunDeviceState, error)
	// UpdateRunDeviceState 更新状态与最近错误（游标不动）
	UpdateRunDeviceState(ctx context.Context, runID string, deviceIndex int, status model.DeviceRunStatus, lastError string) error
	// AdvanceRunDeviceStep 推进步骤游标，游标只允许单调不减
	AdvanceRunDeviceStep(ctx context.Context, runID string, deviceIndex int, nextStepIndex int) error
}

// LeaseStore 租约存储接口
//
// AcquireDeviceLease 是 pull 的原子核心，在单个事务内完成：
//  1. 选出 nodeID 名下在线（心跳在 onlineWindow 内）的设备
//  2. 在这些设备的 RunDeviceState 中挑一个候选：
//     Run 可拉取（queued/running）、状态非终态、
//     且没有未过期租约 —— 行级锁 + 跳过已锁行防止并发重复分配
//  3. 对选中的 (run, device) 签发 ttl 期限的租约
//
// 没有候选时返回 (nil, nil)，这不是错误。
type LeaseStore interface {
	AcquireDeviceLease(ctx context.Context, nodeID string, onlineWindow, ttl time.Duration) (*model.LeaseCandidate, error)
	GetLeaseByToken(ctx context.Context, token string) (*model.Lease, error)
	// ReleaseLease 显式释放租约（任务结束回调或设备跑完所有步骤时）
	ReleaseLease(ctx context.Context, token string) error
}

// RunStepStore 步骤尝试记录存储接口
type RunStepStore interface {
	// InsertRunStep 插入尝试记录；(run, device, step_index) 冲突返回 ErrDuplicate
	InsertRunStep(ctx context.Context, step *model.RunStep) error
	UpdateRunStepStatus(ctx context.Context, runID string, deviceIndex, stepIndex int, status model.RunStepStatus, errMsg string, at time.Time) error
	ListRunSteps(ctx context.Context, runID string, deviceIndex int, limit int) ([]*model.RunStep, error)
}

// ArtifactStore 产物存储接口
type ArtifactStore interface {
	CreateArtifact(ctx context.Context, artifact *model.Artifact) error
	ListArtifacts(ctx context.Context, runID string, deviceIndex int, limit int) ([]*model.Artifact, error)
}

// NodeStore 节点存储接口
type NodeStore interface {
	UpsertNodeHeartbeat(ctx context.Context, node *model.Node) error
	GetNode(ctx context.Context, id string) (*model.Node, error)
	ListAllNodes(ctx context.Context) ([]*model.Node, error)
}

// EventStore 回调事件存储接口（幂等去重依据）
type EventStore interface {
	// InsertCallbackEvent 插入事件；event_id 已存在返回 ErrDuplicate
	InsertCallbackEvent(ctx context.Context, event *model.CallbackEvent) error
	ListEventsByRun(ctx context.Context, runID string, limit int) ([]*model.CallbackEvent, error)
}

// PlaybookStore 剧本存储接口
type PlaybookStore interface {
	CreatePlaybook(ctx context.Context, pb *model.Playbook) error
	// GetPlaybook 返回剧本及按 sort_order 排序的步骤列表
	GetPlaybook(ctx context.Context, id string) (*model.Playbook, error)
	CreateCommandAsset(ctx context.Context, cmd *model.CommandAsset) error
	GetCommandAsset(ctx context.Context, id string) (*model.CommandAsset, error)
}

// WorkflowStore 旧版工作流存储接口
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, wf *model.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*model.Workflow, error)
}

// ============================================================================
// 组合接口
// ============================================================================

// PersistentStore 持久化存储组合接口
type PersistentStore interface {
	RunStore
	DeviceStore
	RunDeviceStateStore
	LeaseStore
	RunStepStore
	ArtifactStore
	NodeStore
	EventStore
	PlaybookStore
	WorkflowStore
	Close() error
}
