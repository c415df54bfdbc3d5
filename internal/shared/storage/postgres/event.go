// Package postgres 回调事件的存储操作
package postgres

import (
	"context"
	"database/sql"

	"devicefarm-admin/internal/shared/model"
)

const eventColumns = `event_id, type, run_id, node_id, device_index, step_index, step_id, attempt,
	lease_token, status, error, duration_ms, payload, ts`

// InsertCallbackEvent 插入回调事件
// event_id 主键冲突返回 ErrDuplicate，回调处理据此识别重复投递
func (s *Store) InsertCallbackEvent(ctx context.Context, event *model.CallbackEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO callback_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, event.EventID, event.Type, event.RunID, event.NodeID, event.DeviceIndex,
		event.StepIndex, event.StepID, event.Attempt, event.LeaseToken,
		event.Status, event.Error, event.DurationMs, []byte(event.Payload), event.Timestamp)
	return mapDuplicate(err)
}

// ListEventsByRun 列出 Run 的回调事件（旧到新）
func (s *Store) ListEventsByRun(ctx context.Context, runID string, limit int) ([]*model.CallbackEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM callback_events
		WHERE run_id = $1 ORDER BY ts ASC LIMIT $2
	`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.CallbackEvent
	for rows.Next() {
		ev := &model.CallbackEvent{}
		var status, errMsg sql.NullString
		var payload nullableJSON
		if err := rows.Scan(&ev.EventID, &ev.Type, &ev.RunID, &ev.NodeID, &ev.DeviceIndex,
			&ev.StepIndex, &ev.StepID, &ev.Attempt, &ev.LeaseToken,
			&status, &errMsg, &ev.DurationMs, &payload.Data, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Status = status.String
		ev.Error = errMsg.String
		ev.Payload = payload.Value()
		events = append(events, ev)
	}
	return events, rows.Err()
}
