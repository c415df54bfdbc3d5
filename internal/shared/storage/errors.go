// Package storage 存储层错误定义
package storage

import "errors"

var (
	// ErrDuplicate 唯一约束冲突
	//
	// RunStep 插入与回调事件插入依赖此错误实现幂等：
	// 调用方捕获后按"已存在"处理，不视为失败。
	ErrDuplicate = errors.New("storage: duplicate key")

	// ErrNotFound 记录不存在
	//
	// 查询单条记录时约定返回 (nil, nil)，此错误仅用于
	// 更新/删除目标不存在的场景。
	ErrNotFound = errors.New("storage: not found")
)
