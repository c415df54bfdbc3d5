// Package model 定义核心数据模型
//
// lease.go 包含租约相关的数据模型定义：
//   - Lease：(run, device) 上的限时独占授权
package model

import "time"

// DefaultLeaseTTL 租约默认有效期
//
// 节点崩溃后设备最多在一个 TTL 窗口内不可被重新分配。
const DefaultLeaseTTL = 30 * time.Second

// Lease 表示某节点对 (run, device) 的限时独占授权
//
// 租约在 pull 事务内签发，Token 随任务下发并回传于所有回调事件，
// 服务端据此校验回调归属。过期或已无对应 RunDeviceState 的租约
// 不再阻止新的分配。
type Lease struct {
	RunID       string    `json:"run_id" db:"run_id"`
	DeviceIndex int       `json:"device_index" db:"device_index"`
	NodeID      string    `json:"node_id" db:"node_id"`
	Token       string    `json:"token" db:"token"`
	ExpiresAt   time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Expired 判断租约是否已过期
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// LeaseCandidate 是原子选取的结果：被锁定的候选及其新签租约
//
// Run 与 Device 随候选一并取出，省去 pull 后续步骤的重复查询。
type LeaseCandidate struct {
	Run    *Run
	Device *Device
	State  *RunDeviceState
	Lease  *Lease
}
