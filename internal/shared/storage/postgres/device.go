// Package postgres 设备与节点的存储操作
package postgres

import (
	"context"
	"database/sql"
	"time"

	"devicefarm-admin/internal/shared/model"
)

const deviceColumns = `idx, serial, node_id, last_seen, created_at, updated_at`

// UpsertDevice 写入或更新设备（心跳携带的设备清单）
func (s *Store) UpsertDevice(ctx context.Context, device *model.Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (idx, serial, node_id, last_seen, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (idx) DO UPDATE SET
			serial = EXCLUDED.serial,
			node_id = EXCLUDED.node_id,
			last_seen = EXCLUDED.last_seen,
			updated_at = NOW()
	`, device.Index, device.Serial, device.NodeID, device.LastSeen)
	return err
}

func scanDevice(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.Device, error) {
	d := &model.Device{}
	err := scanner.Scan(&d.Index, &d.Serial, &d.NodeID, &d.LastSeen, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func scanDevices(rows *sql.Rows) ([]*model.Device, error) {
	var devices []*model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// GetDevice 按编号获取设备
func (s *Store) GetDevice(ctx context.Context, index int) (*model.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE idx = $1`, index)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// ListDevicesByNode 列出节点名下的全部设备
func (s *Store) ListDevicesByNode(ctx context.Context, nodeID string) ([]*model.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deviceColumns+` FROM devices WHERE node_id = $1 ORDER BY idx ASC
	`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDevices(rows)
}

// ListAllDevices 列出全部设备
func (s *Store) ListAllDevices(ctx context.Context) ([]*model.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY idx ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDevices(rows)
}

// ListOnlineDevices 列出心跳在窗口内的设备（按数据库时钟判定）
func (s *Store) ListOnlineDevices(ctx context.Context, window time.Duration) ([]*model.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deviceColumns+` FROM devices
		WHERE last_seen IS NOT NULL AND last_seen >= NOW() - ($1 * interval '1 second')
		ORDER BY idx ASC
	`, window.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDevices(rows)
}

// TouchDevices 批量刷新设备心跳时间（节点心跳代报）
func (s *Store) TouchDevices(ctx context.Context, nodeID string, indexes []int, seenAt time.Time) error {
	if len(indexes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, idx := range indexes {
		if _, err := tx.ExecContext(ctx, `
			UPDATE devices SET last_seen = $3, updated_at = $3
			WHERE idx = $1 AND node_id = $2
		`, idx, nodeID, seenAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ============================================================================
// Node
// ============================================================================

const nodeColumns = `id, status, hostname, version, max_jobs, last_heartbeat, created_at, updated_at`

// UpsertNodeHeartbeat 写入或更新节点心跳
// 维护模式由管理员手动标记，心跳不得把 maintenance 覆盖回 online
func (s *Store) UpsertNodeHeartbeat(ctx context.Context, node *model.Node) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, status, hostname, version, max_jobs, last_heartbeat, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = CASE WHEN nodes.status = 'maintenance' THEN nodes.status ELSE EXCLUDED.status END,
			hostname = EXCLUDED.hostname,
			version = EXCLUDED.version,
			max_jobs = EXCLUDED.max_jobs,
			last_heartbeat = EXCLUDED.last_heartbeat,
			updated_at = NOW()
	`, node.ID, node.Status, node.Hostname, node.Version, node.MaxJobs, node.LastHeartbeat)
	return err
}

func scanNode(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.Node, error) {
	n := &model.Node{}
	var hostname, version sql.NullString
	err := scanner.Scan(&n.ID, &n.Status, &hostname, &version, &n.MaxJobs,
		&n.LastHeartbeat, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	n.Hostname = hostname.String
	n.Version = version.String
	return n, nil
}

// GetNode 获取节点
func (s *Store) GetNode(ctx context.Context, id string) (*model.Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return n, err
}

// ListAllNodes 列出全部节点
func (s *Store) ListAllNodes(ctx context.Context) ([]*model.Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}
