// Package postgres PostgreSQL 存储实现
//
// 所有查询通过 database/sql + pgx stdlib 驱动执行。租约签发
// （lease.go）依赖 SELECT ... FOR UPDATE SKIP LOCKED，属于
// PostgreSQL 专有语义，因此本实现不做多方言抽象。
//
// 时间约定：租约过期、在线窗口等比较一律使用数据库时钟（NOW()），
// 节点与服务器之间的时钟偏差不影响正确性。
package postgres

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"devicefarm-admin/internal/shared/storage"
)

// Store PostgreSQL 存储
// 实现了 storage.PersistentStore 接口
type Store struct {
	db *sql.DB
}

var _ storage.PersistentStore = (*Store)(nil)

// NewStore 创建 PostgreSQL 存储
func NewStore(databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreFromDB 从已有的 *sql.DB 创建存储（测试用）
func NewStoreFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	return s.db.Close()
}

// DB 返回底层数据库连接（仅用于测试）
func (s *Store) DB() *sql.DB {
	return s.db
}

// mapDuplicate 将 PG 唯一约束冲突（23505）映射为 storage.ErrDuplicate
func mapDuplicate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return storage.ErrDuplicate
	}
	return err
}

// nullableJSON 安全扫描可能为 NULL 的 JSON 字段
// database/sql 无法直接将 NULL scan 到 json.RawMessage，需要 *[]byte 中间变量
type nullableJSON struct {
	Data *[]byte
}

func (n *nullableJSON) Value() json.RawMessage {
	if n.Data != nil {
		return json.RawMessage(*n.Data)
	}
	return nil
}

// jsonArg 将值序列化为 JSON 入库参数，nil 时入库 NULL
func jsonArg(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
