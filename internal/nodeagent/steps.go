// Package nodeagent 节点代理
//
// steps.go 定义步骤执行的插件接口与各命令类型的处理器：
//   - adb: 在设备上执行 shell 脚本
//   - vendor: 厂商动作（目前支持 screenshot）
//   - upload: 把最近一次截图上传到对象存储
//   - js: 在宿主机上用 Node.js 执行自动化脚本
package nodeagent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"devicefarm-admin/internal/nodeagent/adb"
	"devicefarm-admin/internal/shared/minio"
	"devicefarm-admin/internal/shared/model"
)

// 厂商动作与上传的内置超时，步骤级超时只约束 adb/js 脚本
const (
	screenshotTimeout = 15 * time.Second
	uploadTimeout     = 30 * time.Second
)

// StepContext 跨同一任务内多次尝试共享的执行上下文
type StepContext struct {
	// LastScreenshotPath 最近一次 vendor screenshot 的本地文件路径，
	// upload 步骤从这里取文件
	LastScreenshotPath string
}

// StepResult 一次步骤尝试的执行结果
type StepResult struct {
	// Artifact 非空时表示本次尝试产出了一个产物（upload 步骤）
	Artifact *ArtifactInfo
}

// ArtifactInfo 产物元数据，随 artifact_created 事件上报
type ArtifactInfo struct {
	Path        string `json:"path"`
	URL         string `json:"url,omitempty"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

// StepHandler 按命令类型执行一次步骤尝试
type StepHandler interface {
	Execute(ctx context.Context, job *model.Job, sc *StepContext) (*StepResult, error)
}

// ============================================================================
// adb
// ============================================================================

// adbHandler 在设备上执行 shell 脚本
type adbHandler struct {
	adb *adb.Client
}

func (h *adbHandler) Execute(ctx context.Context, job *model.Job, sc *StepContext) (*StepResult, error) {
	if strings.TrimSpace(job.Script) == "" {
		return nil, fmt.Errorf("adb step %s has empty script", job.StepID)
	}
	out, err := h.adb.Shell(ctx, job.DeviceSerial, job.Script)
	if err != nil {
		return nil, fmt.Errorf("adb shell: %w", err)
	}
	_ = out
	return &StepResult{}, nil
}

// ============================================================================
// vendor
// ============================================================================

// vendorHandler 厂商动作分发
type vendorHandler struct {
	adb     *adb.Client
	workDir string
}

func (h *vendorHandler) Execute(ctx context.Context, job *model.Job, sc *StepContext) (*StepResult, error) {
	switch job.Action {
	case "screenshot", "":
		return h.screenshot(ctx, job, sc)
	default:
		return nil, fmt.Errorf("unsupported vendor action %q", job.Action)
	}
}

func (h *vendorHandler) screenshot(ctx context.Context, job *model.Job, sc *StepContext) (*StepResult, error) {
	ctx, cancel := context.WithTimeout(ctx, screenshotTimeout)
	defer cancel()

	if err := os.MkdirAll(h.workDir, 0o755); err != nil {
		return nil, fmt.Errorf("workdir: %w", err)
	}
	outPath := filepath.Join(h.workDir,
		fmt.Sprintf("%s-%d-%d.png", job.RunID, job.DeviceIndex, job.StepIndex))
	if err := h.adb.Screencap(ctx, job.DeviceSerial, outPath); err != nil {
		return nil, err
	}
	sc.LastScreenshotPath = outPath
	return &StepResult{}, nil
}

// ============================================================================
// upload
// ============================================================================

// uploadHandler 截图上传到对象存储
type uploadHandler struct {
	objstore *objstore.Client // 未配置对象存储时为 nil
}

func (h *uploadHandler) Execute(ctx context.Context, job *model.Job, sc *StepContext) (*StepResult, error) {
	if h.objstore == nil {
		return nil, fmt.Errorf("object store not configured")
	}
	if sc.LastScreenshotPath == "" {
		return nil, fmt.Errorf("no screenshot to upload, run a screenshot step first")
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	f, err := os.Open(sc.LastScreenshotPath)
	if err != nil {
		return nil, fmt.Errorf("open screenshot: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	key := objstore.ScreenshotKey(job.RunID, job.DeviceIndex, job.StepIndex)
	if err := h.objstore.Upload(ctx, key, f, info.Size(), "image/png"); err != nil {
		return nil, err
	}

	return &StepResult{Artifact: &ArtifactInfo{
		Path:        key,
		URL:         h.objstore.ObjectURL(key),
		Size:        info.Size(),
		ContentType: "image/png",
	}}, nil
}

// ============================================================================
// js
// ============================================================================

// jsHandler 在宿主机上执行 JS 自动化脚本
//
// 脚本通过环境变量拿到目标设备序列号与运行参数，
// 自行选择 adb 或厂商 SDK 驱动设备。
type jsHandler struct {
	nodePath string // node 可执行文件，默认 "node"
}

func (h *jsHandler) Execute(ctx context.Context, job *model.Job, sc *StepContext) (*StepResult, error) {
	if strings.TrimSpace(job.Script) == "" {
		return nil, fmt.Errorf("js step %s has empty script", job.StepID)
	}
	nodePath := h.nodePath
	if nodePath == "" {
		nodePath = "node"
	}

	cmd := exec.CommandContext(ctx, nodePath, "-e", job.Script)
	cmd.Env = append(os.Environ(),
		"DEVICE_SERIAL="+job.DeviceSerial,
		fmt.Sprintf("DEVICE_INDEX=%d", job.DeviceIndex),
		"RUN_ID="+job.RunID,
		"RUN_PARAMS="+string(job.RunParams),
		"STEP_PARAMS="+string(job.StepParams),
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("js script: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return &StepResult{}, nil
}

// newStepHandlers 组装默认的步骤处理器注册表
func newStepHandlers(adbClient *adb.Client, store *objstore.Client, workDir string) map[model.CommandKind]StepHandler {
	return map[model.CommandKind]StepHandler{
		model.CommandKindADB:    &adbHandler{adb: adbClient},
		model.CommandKindVendor: &vendorHandler{adb: adbClient, workDir: workDir},
		model.CommandKindUpload: &uploadHandler{objstore: store},
		model.CommandKindJS:     &jsHandler{},
	}
}
