// Package postgres Run 与设备推进游标的存储操作
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"devicefarm-admin/internal/shared/model"
	"devicefarm-admin/internal/shared/storage"
)

const runColumns = `id, trigger, scope, device_indexes, playbook_id, workflow_id, status, params,
	timeout_sec, step_timeout_overrides, stop_requested_at, started_at, finished_at, created_at, updated_at`

// CreateRun 创建 Run
func (s *Store) CreateRun(ctx context.Context, run *model.Run) error {
	indexes, err := jsonArg(run.DeviceIndexes)
	if err != nil {
		return err
	}
	overrides, err := jsonArg(run.StepTimeoutOverrides)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		run.ID, run.Trigger, run.Scope, indexes, run.PlaybookID, run.WorkflowID,
		run.Status, []byte(run.Params), run.TimeoutSec, overrides,
		run.StopRequestedAt, run.StartedAt, run.FinishedAt, run.CreatedAt, run.UpdatedAt)
	return mapDuplicate(err)
}

// scanRun 辅助函数
func scanRun(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.Run, error) {
	run := &model.Run{}
	var indexes, params, overrides nullableJSON
	err := scanner.Scan(
		&run.ID, &run.Trigger, &run.Scope, &indexes.Data, &run.PlaybookID, &run.WorkflowID,
		&run.Status, &params.Data, &run.TimeoutSec, &overrides.Data,
		&run.StopRequestedAt, &run.StartedAt, &run.FinishedAt, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.Params = params.Value()
	if v := indexes.Value(); v != nil {
		if err := json.Unmarshal(v, &run.DeviceIndexes); err != nil {
			return nil, err
		}
	}
	if v := overrides.Value(); v != nil {
		if err := json.Unmarshal(v, &run.StepTimeoutOverrides); err != nil {
			return nil, err
		}
	}
	return run, nil
}

// GetRun 获取 Run
func (s *Store) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListPendingRuns 列出等待执行的 Run（pending/queued，按创建时间升序）
func (s *Store) ListPendingRuns(ctx context.Context, limit int) ([]*model.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE status IN ('pending', 'queued')
		ORDER BY created_at ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// MarkRunStarted 将 queued 状态的 Run 迁移到 running
// 已处于 running 的 Run 调用无副作用（WHERE 条件不命中）
func (s *Store) MarkRunStarted(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = 'running', started_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'queued'
	`, id, now)
	return err
}

// UpdateRunStatus 更新 Run 状态，迁入终态时记录结束时间
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status model.RunStatus) error {
	if status.IsTerminal() {
		_, err := s.db.ExecContext(ctx, `
			UPDATE runs SET status = $2, finished_at = COALESCE(finished_at, NOW()), updated_at = NOW()
			WHERE id = $1
		`, id, status)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	return err
}

// RequestRunStop 记录停止请求时间（已有请求时保持首次时间不变）
func (s *Store) RequestRunStop(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET stop_requested_at = COALESCE(stop_requested_at, $2), updated_at = $2
		WHERE id = $1
	`, id, at)
	return err
}

// ============================================================================
// RunDeviceState
// ============================================================================

const stateColumns = `run_id, device_index, status, current_step_index, last_error, last_seen, updated_at`

// CreateRunDeviceStates 批量创建设备推进游标（Run 展开时调用）
func (s *Store) CreateRunDeviceStates(ctx context.Context, states []*model.RunDeviceState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, st := range states {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO run_device_states (`+stateColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, st.RunID, st.DeviceIndex, st.Status, st.CurrentStepIndex, st.LastError, st.LastSeen, st.UpdatedAt)
		if err != nil {
			return mapDuplicate(err)
		}
	}
	return tx.Commit()
}

func scanRunDeviceState(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.RunDeviceState, error) {
	st := &model.RunDeviceState{}
	var lastError sql.NullString
	err := scanner.Scan(&st.RunID, &st.DeviceIndex, &st.Status, &st.CurrentStepIndex,
		&lastError, &st.LastSeen, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	st.LastError = lastError.String
	return st, nil
}

// GetRunDeviceState 获取单个设备推进游标
func (s *Store) GetRunDeviceState(ctx context.Context, runID string, deviceIndex int) (*model.RunDeviceState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+stateColumns+` FROM run_device_states
		WHERE run_id = $1 AND device_index = $2
	`, runID, deviceIndex)
	st, err := scanRunDeviceState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return st, err
}

// ListRunDeviceStates 列出 Run 的全部设备推进游标
func (s *Store) ListRunDeviceStates(ctx context.Context, runID string) ([]*model.RunDeviceState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stateColumns+` FROM run_device_states
		WHERE run_id = $1 ORDER BY device_index ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*model.RunDeviceState
	for rows.Next() {
		st, err := scanRunDeviceState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// UpdateRunDeviceState 更新设备状态与最近错误（游标不动）
func (s *Store) UpdateRunDeviceState(ctx context.Context, runID string, deviceIndex int, status model.DeviceRunStatus, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_device_states SET status = $3, last_error = $4, last_seen = NOW(), updated_at = NOW()
		WHERE run_id = $1 AND device_index = $2
	`, runID, deviceIndex, status, lastError)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// AdvanceRunDeviceStep 推进步骤游标
// WHERE 条件保证游标单调不减：过期租约持有者的迟到推进会被丢弃
func (s *Store) AdvanceRunDeviceStep(ctx context.Context, runID string, deviceIndex int, nextStepIndex int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE run_device_states SET current_step_index = $3, last_seen = NOW(), updated_at = NOW()
		WHERE run_id = $1 AND device_index = $2 AND current_step_index < $3
	`, runID, deviceIndex, nextStepIndex)
	return err
}
