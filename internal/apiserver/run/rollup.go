// Package run Run 状态汇总
package run

import (
	"context"
	"log"

	"devicefarm-admin/internal/shared/model"
	"devicefarm-admin/internal/shared/storage"
)

// Rollup 重算 Run 的汇总状态并在到达终态时落库
//
// 所有设备都到达终态时 Run 才迁入终态；否则保持现状。
// 分配服务（设备跑尽步骤）与回调入库（task_finished）都会调用。
func Rollup(ctx context.Context, store storage.PersistentStore, runID string) (model.RunStatus, error) {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run == nil {
		return "", storage.ErrNotFound
	}
	if run.Status.IsTerminal() {
		return run.Status, nil
	}

	states, err := store.ListRunDeviceStates(ctx, runID)
	if err != nil {
		return run.Status, err
	}

	status := run.RollupStatus(states)
	if status == run.Status || !status.IsTerminal() {
		return run.Status, nil
	}

	if err := store.UpdateRunStatus(ctx, runID, status); err != nil {
		return run.Status, err
	}
	log.Printf("[run.rollup] run_id=%s status=%s devices=%d", runID, status, len(states))
	return status, nil
}
