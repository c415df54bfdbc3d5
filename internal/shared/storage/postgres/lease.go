// Package postgres 租约签发与释放
//
// AcquireDeviceLease 是 pull 的原子核心：候选挑选、行级锁定、租约
// 签发在同一个事务内完成。并发的 pull 通过 FOR UPDATE SKIP LOCKED
// 互相跳过已被锁定的候选行，同一 (run, device) 不可能同时签出两个
// 未过期租约。
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"devicefarm-admin/internal/shared/model"
)

// AcquireDeviceLease 原子地为 nodeID 选出一个候选并签发租约
//
// 候选条件：
//   - 设备归属该节点且心跳在 onlineWindow 内
//   - Run 可拉取（queued/running）且设备状态非终态
//   - (run, device) 上没有未过期租约
//
// 没有候选时返回 (nil, nil)。
func (s *Store) AcquireDeviceLease(ctx context.Context, nodeID string, onlineWindow, ttl time.Duration) (*model.LeaseCandidate, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// 锁定候选行；已被并发事务锁定的行直接跳过
	var runID string
	var deviceIndex int
	err = tx.QueryRowContext(ctx, `
		SELECT s.run_id, s.device_index
		FROM run_device_states s
		JOIN runs r ON r.id = s.run_id
		JOIN devices d ON d.idx = s.device_index
		WHERE d.node_id = $1
		  AND d.last_seen IS NOT NULL
		  AND d.last_seen >= NOW() - ($2 * interval '1 second')
		  AND r.status IN ('queued', 'running')
		  AND s.status IN ('queued', 'running')
		  AND NOT EXISTS (
			SELECT 1 FROM leases l
			WHERE l.run_id = s.run_id AND l.device_index = s.device_index
			  AND l.expires_at > NOW()
		  )
		ORDER BY r.created_at ASC, s.device_index ASC
		LIMIT 1
		FOR UPDATE OF s SKIP LOCKED
	`, nodeID, onlineWindow.Seconds()).Scan(&runID, &deviceIndex)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// 同一 (run, device) 的过期租约行被新租约覆盖
	lease := &model.Lease{
		RunID:       runID,
		DeviceIndex: deviceIndex,
		NodeID:      nodeID,
		Token:       uuid.NewString(),
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO leases (run_id, device_index, node_id, token, expires_at, created_at)
		VALUES ($1, $2, $3, $4, NOW() + ($5 * interval '1 second'), NOW())
		ON CONFLICT (run_id, device_index) DO UPDATE SET
			node_id = EXCLUDED.node_id,
			token = EXCLUDED.token,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at
		RETURNING expires_at, created_at
	`, lease.RunID, lease.DeviceIndex, lease.NodeID, lease.Token, ttl.Seconds()).
		Scan(&lease.ExpiresAt, &lease.CreatedAt)
	if err != nil {
		return nil, err
	}

	// Run、Device、State 随候选一并取出，省去 pull 后续步骤的重复查询
	run, err := scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, runID))
	if err != nil {
		return nil, err
	}
	device, err := scanDevice(tx.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE idx = $1`, deviceIndex))
	if err != nil {
		return nil, err
	}
	state, err := scanRunDeviceState(tx.QueryRowContext(ctx, `
		SELECT `+stateColumns+` FROM run_device_states
		WHERE run_id = $1 AND device_index = $2
	`, runID, deviceIndex))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &model.LeaseCandidate{Run: run, Device: device, State: state, Lease: lease}, nil
}

// GetLeaseByToken 按 Token 获取租约（回调归属校验）
func (s *Store) GetLeaseByToken(ctx context.Context, token string) (*model.Lease, error) {
	lease := &model.Lease{}
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, device_index, node_id, token, expires_at, created_at
		FROM leases WHERE token = $1
	`, token).Scan(&lease.RunID, &lease.DeviceIndex, &lease.NodeID,
		&lease.Token, &lease.ExpiresAt, &lease.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// ReleaseLease 显式释放租约
// task_finished 回调与步骤跑尽时调用，设备立即可被重新分配
func (s *Store) ReleaseLease(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE token = $1`, token)
	return err
}
