// Package postgres 步骤尝试记录与产物的存储操作
package postgres

import (
	"context"
	"database/sql"
	"time"

	"devicefarm-admin/internal/shared/model"
	"devicefarm-admin/internal/shared/storage"
)

const runStepColumns = `id, run_id, device_index, step_index, step_id, kind, status, decision, error,
	started_at, finished_at, created_at`

// InsertRunStep 插入步骤尝试记录
// (run_id, device_index, step_index) 唯一约束冲突返回 ErrDuplicate
func (s *Store) InsertRunStep(ctx context.Context, step *model.RunStep) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO run_steps (run_id, device_index, step_index, step_id, kind, status, decision, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, step.RunID, step.DeviceIndex, step.StepIndex, step.StepID, step.Kind,
		step.Status, step.Decision, step.Error, step.CreatedAt).Scan(&step.ID)
	return mapDuplicate(err)
}

// UpdateRunStepStatus 更新步骤尝试状态
// running 记录开始时间，终态记录结束时间
func (s *Store) UpdateRunStepStatus(ctx context.Context, runID string, deviceIndex, stepIndex int, status model.RunStepStatus, errMsg string, at time.Time) error {
	var res sql.Result
	var err error
	if status == model.RunStepStatusRunning {
		res, err = s.db.ExecContext(ctx, `
			UPDATE run_steps SET status = $4, error = $5, started_at = $6
			WHERE run_id = $1 AND device_index = $2 AND step_index = $3
		`, runID, deviceIndex, stepIndex, status, errMsg, at)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE run_steps SET status = $4, error = $5, finished_at = $6
			WHERE run_id = $1 AND device_index = $2 AND step_index = $3
		`, runID, deviceIndex, stepIndex, status, errMsg, at)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListRunSteps 列出某设备在 Run 中的步骤尝试记录（新到旧）
func (s *Store) ListRunSteps(ctx context.Context, runID string, deviceIndex int, limit int) ([]*model.RunStep, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runStepColumns+` FROM run_steps
		WHERE run_id = $1 AND device_index = $2
		ORDER BY step_index DESC LIMIT $3
	`, runID, deviceIndex, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*model.RunStep
	for rows.Next() {
		step := &model.RunStep{}
		var errMsg sql.NullString
		if err := rows.Scan(&step.ID, &step.RunID, &step.DeviceIndex, &step.StepIndex,
			&step.StepID, &step.Kind, &step.Status, &step.Decision, &errMsg,
			&step.StartedAt, &step.FinishedAt, &step.CreatedAt); err != nil {
			return nil, err
		}
		step.Error = errMsg.String
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// ============================================================================
// Artifact
// ============================================================================

// CreateArtifact 记录一条执行产物元数据
func (s *Store) CreateArtifact(ctx context.Context, artifact *model.Artifact) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO artifacts (run_id, device_index, step_index, kind, path, url, size, content_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, artifact.RunID, artifact.DeviceIndex, artifact.StepIndex, artifact.Kind,
		artifact.Path, artifact.URL, artifact.Size, artifact.ContentType, artifact.CreatedAt).
		Scan(&artifact.ID)
	return err
}

// ListArtifacts 列出某设备在 Run 中的产物（新到旧）
func (s *Store) ListArtifacts(ctx context.Context, runID string, deviceIndex int, limit int) ([]*model.Artifact, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, device_index, step_index, kind, path, url, size, content_type, created_at
		FROM artifacts
		WHERE run_id = $1 AND device_index = $2
		ORDER BY id DESC LIMIT $3
	`, runID, deviceIndex, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []*model.Artifact
	for rows.Next() {
		a := &model.Artifact{}
		var url, contentType sql.NullString
		if err := rows.Scan(&a.ID, &a.RunID, &a.DeviceIndex, &a.StepIndex, &a.Kind,
			&a.Path, &url, &a.Size, &contentType, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.URL = url.String
		a.ContentType = contentType.String
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}
