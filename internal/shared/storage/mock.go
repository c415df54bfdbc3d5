// Package storage 存储层内存实现
//
// mock.go 提供用于测试的内存版 PersistentStore。
//
// 租约语义与 postgres 实现对齐：AcquireDeviceLease 在互斥锁内完成
// 候选挑选与租约签发，并发调用不可能对同一 (run, device) 发出两个
// 未过期租约。
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"devicefarm-admin/internal/shared/model"
)

// MockStore 内存存储（测试用）
type MockStore struct {
	mu sync.Mutex

	runs      map[string]*model.Run
	devices   map[int]*model.Device
	states    map[string]*model.RunDeviceState // key: runID|deviceIndex
	leases    map[string]*model.Lease          // key: token
	runSteps  map[string]*model.RunStep        // key: runID|deviceIndex|stepIndex
	stepOrder []string
	artifacts []*model.Artifact
	nodes     map[string]*model.Node
	events    map[string]*model.CallbackEvent
	evOrder   []string
	playbooks map[string]*model.Playbook
	commands  map[string]*model.CommandAsset
	workflows map[string]*model.Workflow

	runStepSeq int64

	// Now 可注入的时钟，零值时使用 time.Now（租约过期测试用）
	Now func() time.Time
}

// NewMockStore 创建内存存储实例
func NewMockStore() *MockStore {
	return &MockStore{
		runs:      make(map[string]*model.Run),
		devices:   make(map[int]*model.Device),
		states:    make(map[string]*model.RunDeviceState),
		leases:    make(map[string]*model.Lease),
		runSteps:  make(map[string]*model.RunStep),
		nodes:     make(map[string]*model.Node),
		events:    make(map[string]*model.CallbackEvent),
		playbooks: make(map[string]*model.Playbook),
		commands:  make(map[string]*model.CommandAsset),
		workflows: make(map[string]*model.Workflow),
	}
}

func (s *MockStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func stateKey(runID string, deviceIndex int) string {
	return fmt.Sprintf("%s|%d", runID, deviceIndex)
}

func stepKey(runID string, deviceIndex, stepIndex int) string {
	return fmt.Sprintf("%s|%d|%d", runID, deviceIndex, stepIndex)
}

// Close 关闭存储
func (s *MockStore) Close() error { return nil }

// ============================================================================
// RunStore
// ============================================================================

func (s *MockStore) CreateRun(ctx context.Context, run *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return ErrDuplicate
	}
	c := *run
	s.runs[run.ID] = &c
	return nil
}

func (s *MockStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, nil
	}
	c := *run
	return &c, nil
}

func (s *MockStore) ListPendingRuns(ctx context.Context, limit int) ([]*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Run
	for _, run := range s.runs {
		if run.Status == model.RunStatusPending || run.Status == model.RunStatusQueued {
			c := *run
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MockStore) MarkRunStarted(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	if run.Status == model.RunStatusQueued {
		run.Status = model.RunStatusRunning
		t := now
		run.StartedAt = &t
		run.UpdatedAt = now
	}
	return nil
}

func (s *MockStore) UpdateRunStatus(ctx context.Context, id string, status model.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.Status = status
	now := s.now()
	run.UpdatedAt = now
	if status.IsTerminal() && run.FinishedAt == nil {
		t := now
		run.FinishedAt = &t
	}
	return nil
}

func (s *MockStore) RequestRunStop(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	if run.StopRequestedAt == nil {
		t := at
		run.StopRequestedAt = &t
		run.UpdatedAt = at
	}
	return nil
}

// ============================================================================
// DeviceStore
// ============================================================================

func (s *MockStore) UpsertDevice(ctx context.Context, device *model.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *device
	s.devices[device.Index] = &c
	return nil
}

func (s *MockStore) GetDevice(ctx context.Context, index int) (*model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[index]
	if !ok {
		return nil, nil
	}
	c := *d
	return &c, nil
}

func (s *MockStore) ListDevicesByNode(ctx context.Context, nodeID string) ([]*model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Device
	for _, d := range s.devices {
		if d.NodeID == nodeID {
			c := *d
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *MockStore) ListAllDevices(ctx context.Context) ([]*model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Device
	for _, d := range s.devices {
		c := *d
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *MockStore) ListOnlineDevices(ctx context.Context, window time.Duration) ([]*model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []*model.Device
	for _, d := range s.devices {
		if d.IsOnline(now, window) {
			c := *d
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *MockStore) TouchDevices(ctx context.Context, nodeID string, indexes []int, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, idx := range indexes {
		if d, ok := s.devices[idx]; ok && d.NodeID == nodeID {
			t := seenAt
			d.LastSeen = &t
			d.UpdatedAt = seenAt
		}
	}
	return nil
}

// ============================================================================
// RunDeviceStateStore
// ============================================================================

func (s *MockStore) CreateRunDeviceStates(ctx context.Context, states []*model.RunDeviceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range states {
		key := stateKey(st.RunID, st.DeviceIndex)
		if _, ok := s.states[key]; ok {
			return ErrDuplicate
		}
		c := *st
		s.states[key] = &c
	}
	return nil
}

func (s *MockStore) GetRunDeviceState(ctx context.Context, runID string, deviceIndex int) (*model.RunDeviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[stateKey(runID, deviceIndex)]
	if !ok {
		return nil, nil
	}
	c := *st
	return &c, nil
}

func (s *MockStore) ListRunDeviceStates(ctx context.Context, runID string) ([]*model.RunDeviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.RunDeviceState
	for _, st := range s.states {
		if st.RunID == runID {
			c := *st
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceIndex < out[j].DeviceIndex })
	return out, nil
}

func (s *MockStore) UpdateRunDeviceState(ctx context.Context, runID string, deviceIndex int, status model.DeviceRunStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[stateKey(runID, deviceIndex)]
	if !ok {
		return ErrNotFound
	}
	st.Status = status
	st.LastError = lastError
	st.UpdatedAt = s.now()
	return nil
}

func (s *MockStore) AdvanceRunDeviceStep(ctx context.Context, runID string, deviceIndex int, nextStepIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[stateKey(runID, deviceIndex)]
	if !ok {
		return ErrNotFound
	}
	// 游标单调不减
	if nextStepIndex > st.CurrentStepIndex {
		st.CurrentStepIndex = nextStepIndex
		st.UpdatedAt = s.now()
	}
	return nil
}

// ============================================================================
// LeaseStore
// ============================================================================

func (s *MockStore) AcquireDeviceLease(ctx context.Context, nodeID string, onlineWindow, ttl time.Duration) (*model.LeaseCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	// 节点名下的在线设备
	var devices []*model.Device
	for _, d := range s.devices {
		if d.NodeID == nodeID && d.IsOnline(now, onlineWindow) {
			devices = append(devices, d)
		}
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Index < devices[j].Index })

	// 未过期租约索引
	held := make(map[string]bool)
	for _, l := range s.leases {
		if !l.Expired(now) {
			held[stateKey(l.RunID, l.DeviceIndex)] = true
		}
	}

	var keys []string
	for key := range s.states {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, d := range devices {
		for _, key := range keys {
			st := s.states[key]
			if st.DeviceIndex != d.Index || st.Status.IsTerminal() {
				continue
			}
			run, ok := s.runs[st.RunID]
			if !ok || !run.Status.IsPullable() {
				continue
			}
			if held[key] {
				continue
			}

			lease := &model.Lease{
				RunID:       st.RunID,
				DeviceIndex: st.DeviceIndex,
				NodeID:      nodeID,
				Token:       uuid.NewString(),
				ExpiresAt:   now.Add(ttl),
				CreatedAt:   now,
			}
			s.leases[lease.Token] = lease

			rc, dc, sc, lc := *run, *d, *st, *lease
			return &model.LeaseCandidate{Run: &rc, Device: &dc, State: &sc, Lease: &lc}, nil
		}
	}

	return nil, nil
}

func (s *MockStore) GetLeaseByToken(ctx context.Context, token string) (*model.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[token]
	if !ok {
		return nil, nil
	}
	c := *l
	return &c, nil
}

func (s *MockStore) ReleaseLease(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, token)
	return nil
}

// ============================================================================
// RunStepStore
// ============================================================================

func (s *MockStore) InsertRunStep(ctx context.Context, step *model.RunStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stepKey(step.RunID, step.DeviceIndex, step.StepIndex)
	if _, ok := s.runSteps[key]; ok {
		return ErrDuplicate
	}
	s.runStepSeq++
	c := *step
	c.ID = s.runStepSeq
	s.runSteps[key] = &c
	s.stepOrder = append(s.stepOrder, key)
	return nil
}

func (s *MockStore) UpdateRunStepStatus(ctx context.Context, runID string, deviceIndex, stepIndex int, status model.RunStepStatus, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.runSteps[stepKey(runID, deviceIndex, stepIndex)]
	if !ok {
		return ErrNotFound
	}
	step.Status = status
	step.Error = errMsg
	switch status {
	case model.RunStepStatusRunning:
		t := at
		step.StartedAt = &t
	case model.RunStepStatusSucceeded, model.RunStepStatusFailed, model.RunStepStatusSkipped:
		t := at
		step.FinishedAt = &t
	}
	return nil
}

func (s *MockStore) ListRunSteps(ctx context.Context, runID string, deviceIndex int, limit int) ([]*model.RunStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.RunStep
	for i := len(s.stepOrder) - 1; i >= 0; i-- {
		step := s.runSteps[s.stepOrder[i]]
		if step.RunID == runID && step.DeviceIndex == deviceIndex {
			c := *step
			out = append(out, &c)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// ============================================================================
// ArtifactStore
// ============================================================================

func (s *MockStore) CreateArtifact(ctx context.Context, artifact *model.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *artifact
	c.ID = int64(len(s.artifacts) + 1)
	s.artifacts = append(s.artifacts, &c)
	return nil
}

func (s *MockStore) ListArtifacts(ctx context.Context, runID string, deviceIndex int, limit int) ([]*model.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Artifact
	for i := len(s.artifacts) - 1; i >= 0; i-- {
		a := s.artifacts[i]
		if a.RunID == runID && a.DeviceIndex == deviceIndex {
			c := *a
			out = append(out, &c)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// ============================================================================
// NodeStore
// ============================================================================

func (s *MockStore) UpsertNodeHeartbeat(ctx context.Context, node *model.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *node
	if existing, ok := s.nodes[node.ID]; ok {
		c.CreatedAt = existing.CreatedAt
	}
	s.nodes[node.ID] = &c
	return nil
}

func (s *MockStore) GetNode(ctx context.Context, id string) (*model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, nil
	}
	c := *n
	return &c, nil
}

func (s *MockStore) ListAllNodes(ctx context.Context) ([]*model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Node
	for _, n := range s.nodes {
		c := *n
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ============================================================================
// EventStore
// ============================================================================

func (s *MockStore) InsertCallbackEvent(ctx context.Context, event *model.CallbackEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[event.EventID]; ok {
		return ErrDuplicate
	}
	c := *event
	s.events[event.EventID] = &c
	s.evOrder = append(s.evOrder, event.EventID)
	return nil
}

func (s *MockStore) ListEventsByRun(ctx context.Context, runID string, limit int) ([]*model.CallbackEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.CallbackEvent
	for _, id := range s.evOrder {
		ev := s.events[id]
		if ev.RunID == runID {
			c := *ev
			out = append(out, &c)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// ============================================================================
// PlaybookStore / WorkflowStore
// ============================================================================

func (s *MockStore) CreatePlaybook(ctx context.Context, pb *model.Playbook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.playbooks[pb.ID]; ok {
		return ErrDuplicate
	}
	c := *pb
	c.Steps = append([]model.PlaybookStep(nil), pb.Steps...)
	s.playbooks[pb.ID] = &c
	return nil
}

func (s *MockStore) GetPlaybook(ctx context.Context, id string) (*model.Playbook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pb, ok := s.playbooks[id]
	if !ok {
		return nil, nil
	}
	c := *pb
	c.Steps = append([]model.PlaybookStep(nil), pb.Steps...)
	sort.Slice(c.Steps, func(i, j int) bool { return c.Steps[i].SortOrder < c.Steps[j].SortOrder })
	return &c, nil
}

func (s *MockStore) CreateCommandAsset(ctx context.Context, cmd *model.CommandAsset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commands[cmd.ID]; ok {
		return ErrDuplicate
	}
	c := *cmd
	s.commands[cmd.ID] = &c
	return nil
}

func (s *MockStore) GetCommandAsset(ctx context.Context, id string) (*model.CommandAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[id]
	if !ok {
		return nil, nil
	}
	c := *cmd
	return &c, nil
}

func (s *MockStore) CreateWorkflow(ctx context.Context, wf *model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[wf.ID]; ok {
		return ErrDuplicate
	}
	c := *wf
	s.workflows[wf.ID] = &c
	return nil
}

func (s *MockStore) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, nil
	}
	c := *wf
	return &c, nil
}

// 确保 MockStore 实现了 PersistentStore 接口
var _ PersistentStore = (*MockStore)(nil)
