// Package adb Android Debug Bridge 传输层
//
// 所有设备操作都走 adb 命令行（exec.CommandContext），超时与取消
// 由调用方通过 context 控制。设备编号沿用模拟器控制台端口约定：
// emulator-5554 是 0 号设备，端口每 +2 编号 +1。
package adb

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Client adb 命令行客户端
type Client struct {
	path string
}

// NewClient 创建 adb 客户端，path 为空时使用 PATH 中的 adb
func NewClient(path string) *Client {
	if path == "" {
		path = "adb"
	}
	return &Client{path: path}
}

// DeviceEntry `adb devices` 输出中的一行
type DeviceEntry struct {
	Serial string
	State  string // device / offline / unauthorized
}

// ListDevices 列出 adb 可见的设备
func (c *Client) ListDevices(ctx context.Context) ([]DeviceEntry, error) {
	out, err := c.run(ctx, "devices")
	if err != nil {
		return nil, fmt.Errorf("adb devices: %w", err)
	}
	return parseDevices(out), nil
}

// Shell 在设备上执行 shell 命令，返回合并的标准输出
func (c *Client) Shell(ctx context.Context, serial, script string) (string, error) {
	return c.run(ctx, "-s", serial, "shell", script)
}

// Screencap 截取设备屏幕并写入本地文件
//
// 走 exec-out 避免 shell 对二进制输出的 CRLF 转换。
func (c *Client) Screencap(ctx context.Context, serial, outPath string) error {
	cmd := exec.CommandContext(ctx, c.path, "-s", serial, "exec-out", "screencap", "-p")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("screencap: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return fmt.Errorf("screencap: empty output")
	}
	return os.WriteFile(outPath, stdout.Bytes(), 0o644)
}

// run 执行 adb 子命令
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// parseDevices 解析 `adb devices` 输出
func parseDevices(out string) []DeviceEntry {
	var entries []DeviceEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		entries = append(entries, DeviceEntry{Serial: fields[0], State: fields[1]})
	}
	return entries
}

// DeviceIndexFromSerial 由模拟器序列号推导设备编号
//
// emulator-5554 -> 0，emulator-5556 -> 1，以此类推。
// 非模拟器序列号返回 false，由调用方决定如何处理。
func DeviceIndexFromSerial(serial string) (int, bool) {
	const prefix = "emulator-"
	if !strings.HasPrefix(serial, prefix) {
		return 0, false
	}
	port, err := strconv.Atoi(serial[len(prefix):])
	if err != nil || port < 5554 || port%2 != 0 {
		return 0, false
	}
	return (port - 5554) / 2, true
}
