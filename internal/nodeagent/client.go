// Package nodeagent 节点代理
//
// client.go 实现与 API Server 的 HTTP 通信。所有请求携带共享密钥
// （Authorization: Bearer），节点不直连数据库或消息中间件。
package nodeagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"devicefarm-admin/internal/shared/model"
)

// APIClient API Server 客户端
type APIClient struct {
	baseURL string
	nodeID  string
	secret  string
	http    *http.Client
}

// NewAPIClient 创建 API Server 客户端
func NewAPIClient(baseURL, nodeID, secret string) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		nodeID:  nodeID,
		secret:  secret,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *APIClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Pull 拉取任务
func (c *APIClient) Pull(ctx context.Context) (*model.PullResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/nodes/pull?node_id="+c.nodeID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pull returned status %d", resp.StatusCode)
	}
	var pull model.PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&pull); err != nil {
		return nil, fmt.Errorf("decode pull response: %w", err)
	}
	return &pull, nil
}

// HeartbeatDevice 心跳里的单台设备
type HeartbeatDevice struct {
	Index  int    `json:"index"`
	Serial string `json:"serial"`
}

// Heartbeat 上报节点心跳与设备清单
func (c *APIClient) Heartbeat(ctx context.Context, hostname, version string, maxJobs int, devices []HeartbeatDevice) error {
	payload := map[string]interface{}{
		"node_id":  c.nodeID,
		"hostname": hostname,
		"version":  version,
		"max_jobs": maxJobs,
		"devices":  devices,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/nodes/heartbeat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat returned status %d", resp.StatusCode)
	}
	return nil
}

// PostCallback 投递一条已序列化的回调事件，返回 HTTP 状态码
// 实现 buffer.Poster
func (c *APIClient) PostCallback(ctx context.Context, body []byte) (int, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/nodes/callback", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
