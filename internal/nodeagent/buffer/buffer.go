// Package buffer 回调事件的本地持久化缓冲
//
// 节点侧产生的回调事件先落本地 SQLite，再由后台发送器投递。
// 进程崩溃或网络中断不丢事件：event_id 是确定性派生的主键，
// 重复入队与重复投递都是幂等的。
package buffer

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Entry 缓冲中的一条待投递事件
type Entry struct {
	EventID   string
	Body      []byte
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// Store 回调缓冲存储
type Store struct {
	db *sql.DB
}

// Open 打开（必要时创建）缓冲数据库
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open buffer db: %w", err)
	}
	// 单写者即可，sqlite 不善于并发连接
	db.SetMaxOpenConns(1)

	stmts := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		`CREATE TABLE IF NOT EXISTS callback_queue (
			event_id   TEXT PRIMARY KEY,
			body       BLOB NOT NULL,
			attempts   INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init buffer db: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close 关闭缓冲数据库
func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue 入队一条事件，event_id 已存在时静默忽略
func (s *Store) Enqueue(ctx context.Context, eventID string, body []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO callback_queue (event_id, body) VALUES (?, ?)
	`, eventID, body)
	return err
}

// Pending 按入队顺序取出待投递事件
//
// 排序必须用 rowid：created_at 的秒级精度区分不了同一次尝试的
// task_started / run_step_update / task_finished，乱序投递会让
// task_finished 先到、提前释放租约，后续事件被 409 拒收。
func (s *Store) Pending(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, body, attempts, last_error, created_at
		FROM callback_queue ORDER BY rowid ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EventID, &e.Body, &e.Attempts, &e.LastError, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Ack 投递成功，移除事件
func (s *Store) Ack(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM callback_queue WHERE event_id = ?`, eventID)
	return err
}

// MarkFailure 记录一次投递失败
func (s *Store) MarkFailure(ctx context.Context, eventID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE callback_queue SET attempts = attempts + 1, last_error = ? WHERE event_id = ?
	`, errMsg, eventID)
	return err
}

// Depth 当前待投递事件数量
func (s *Store) Depth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM callback_queue`).Scan(&n)
	return n, err
}
