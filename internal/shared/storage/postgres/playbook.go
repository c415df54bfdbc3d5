// Package postgres 剧本、命令资产与旧版工作流的存储操作
package postgres

import (
	"context"
	"database/sql"

	"devicefarm-admin/internal/shared/model"
)

// CreatePlaybook 创建剧本及其步骤
func (s *Store) CreatePlaybook(ctx context.Context, pb *model.Playbook) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO playbooks (id, name) VALUES ($1, $2)
	`, pb.ID, pb.Name); err != nil {
		return mapDuplicate(err)
	}

	for _, step := range pb.Steps {
		params, err := jsonArg(step.Params)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO playbook_steps (id, playbook_id, command_id, sort_order, timeout_ms, on_failure, retry_count, probability, params)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, step.ID, pb.ID, step.CommandID, step.SortOrder, step.TimeoutMs,
			step.OnFailure, step.RetryCount, step.Probability, params); err != nil {
			return mapDuplicate(err)
		}
	}
	return tx.Commit()
}

// GetPlaybook 获取剧本及按 sort_order 排序的步骤列表
func (s *Store) GetPlaybook(ctx context.Context, id string) (*model.Playbook, error) {
	pb := &model.Playbook{}
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM playbooks WHERE id = $1`, id).
		Scan(&pb.ID, &pb.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, playbook_id, command_id, sort_order, timeout_ms, on_failure, retry_count, probability, params
		FROM playbook_steps WHERE playbook_id = $1 ORDER BY sort_order ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var step model.PlaybookStep
		var params nullableJSON
		if err := rows.Scan(&step.ID, &step.PlaybookID, &step.CommandID, &step.SortOrder,
			&step.TimeoutMs, &step.OnFailure, &step.RetryCount, &step.Probability, &params.Data); err != nil {
			return nil, err
		}
		step.Params = params.Value()
		pb.Steps = append(pb.Steps, step)
	}
	return pb, rows.Err()
}

// CreateCommandAsset 创建命令资产
func (s *Store) CreateCommandAsset(ctx context.Context, cmd *model.CommandAsset) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_assets (id, kind, title, script) VALUES ($1, $2, $3, $4)
	`, cmd.ID, cmd.Kind, cmd.Title, cmd.Script)
	return mapDuplicate(err)
}

// GetCommandAsset 获取命令资产
func (s *Store) GetCommandAsset(ctx context.Context, id string) (*model.CommandAsset, error) {
	cmd := &model.CommandAsset{}
	var script sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, title, script FROM command_assets WHERE id = $1
	`, id).Scan(&cmd.ID, &cmd.Kind, &cmd.Title, &script)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cmd.Script = script.String
	return cmd, nil
}

// ============================================================================
// Workflow（旧版）
// ============================================================================

// CreateWorkflow 创建旧版工作流文档
func (s *Store) CreateWorkflow(ctx context.Context, wf *model.Workflow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, document) VALUES ($1, $2, $3)
	`, wf.ID, wf.Name, []byte(wf.Document))
	return mapDuplicate(err)
}

// GetWorkflow 获取旧版工作流文档
func (s *Store) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	wf := &model.Workflow{}
	var document nullableJSON
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, document FROM workflows WHERE id = $1
	`, id).Scan(&wf.ID, &wf.Name, &document.Data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	wf.Document = document.Value()
	return wf, nil
}
