// Package model 定义核心数据模型
//
// artifact.go 包含执行产物相关的数据模型定义：
//   - Artifact：设备侧捕获的结果（截图）
//
// 产物文件本体存放在对象存储（MinIO），Artifact 行只记录元数据。
package model

import "time"

// ArtifactKind 产物类型
type ArtifactKind string

const (
	// ArtifactKindScreenshot 屏幕截图
	ArtifactKindScreenshot ArtifactKind = "screenshot"
)

// Artifact 表示一条执行产物记录
//
// 字段说明：
//   - Path：对象存储 Key（如 runs/{run_id}/devices/{idx}/steps/{n}.png）
//   - URL：可直接访问的下载地址（由存储端点拼出）
type Artifact struct {
	ID          int64        `json:"id" db:"id"`
	RunID       string       `json:"run_id" db:"run_id"`
	DeviceIndex int          `json:"device_index" db:"device_index"`
	StepIndex   int          `json:"step_index" db:"step_index"`
	Kind        ArtifactKind `json:"kind" db:"kind"`
	Path        string       `json:"path" db:"path"`
	URL         string       `json:"url,omitempty" db:"url"`
	Size        int64        `json:"size" db:"size"`
	ContentType string       `json:"content_type,omitempty" db:"content_type"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
}
