// Package nodeagent 节点代理
//
// Agent 是每台宿主机上的常驻进程，负责：
//   - 周期心跳：上报节点存活与 adb 可见的设备清单
//   - 周期拉取：从分配服务领取任务（带租约）
//   - 任务执行：交给 Executor 状态机，并发度由 max_jobs 限制
//   - 事件投递：执行事件先落本地缓冲，后台发送器可靠投递
//
// HTTP-Only 架构：节点只与 API Server 通信，不直连数据库或
// 消息中间件。
package nodeagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"devicefarm-admin/internal/config"
	"devicefarm-admin/internal/nodeagent/adb"
	"devicefarm-admin/internal/nodeagent/buffer"
	"devicefarm-admin/internal/shared/minio"
	"devicefarm-admin/internal/shared/model"
)

// Agent 节点代理核心结构
type Agent struct {
	cfg config.NodeConfig

	api      *APIClient
	adb      *adb.Client
	buf      *buffer.Store
	sender   *buffer.Sender
	executor *Executor
	metrics  *Metrics

	// sem 限制并发执行的任务数（max_jobs）
	sem chan struct{}
}

// New 创建节点代理
//
// 节点标识与共享密钥是硬性要求，缺失时拒绝启动：
// 匿名节点拉不到任务，只会制造无意义的心跳。
func New(cfg config.NodeConfig, apiServerURL string, store *objstore.Client) (*Agent, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("node id is required (node.id or NODE_ID)")
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("node secret is required (NODE_SECRET)")
	}
	if apiServerURL == "" {
		return nil, fmt.Errorf("api server url is required")
	}

	buf, err := buffer.Open(cfg.BufferPath)
	if err != nil {
		return nil, fmt.Errorf("open callback buffer: %w", err)
	}

	api := NewAPIClient(apiServerURL, cfg.ID, cfg.Secret)
	adbClient := adb.NewClient(cfg.ADBPath)
	metrics := NewMetrics("devicefarm_node")

	a := &Agent{
		cfg:     cfg,
		api:     api,
		adb:     adbClient,
		buf:     buf,
		sender:  buffer.NewSender(buf, api, time.Second),
		metrics: metrics,
		sem:     make(chan struct{}, cfg.MaxJobs),
	}
	a.executor = NewExecutor(cfg.ID, newStepHandlers(adbClient, store, cfg.WorkDir), a)
	a.executor.SetMetrics(metrics)
	return a, nil
}

// Emit 把执行事件写入本地缓冲
// 实现 EventSink；入队失败只记录，执行不因此中断
func (a *Agent) Emit(event *model.CallbackEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		log.Printf("[agent.emit] marshal failed event_id=%s err=%v", event.EventID, err)
		return
	}
	if err := a.buf.Enqueue(context.Background(), event.EventID, body); err != nil {
		log.Printf("[agent.emit] enqueue failed event_id=%s err=%v", event.EventID, err)
	}
}

// Close 释放资源
func (a *Agent) Close() error {
	return a.buf.Close()
}

// Start 启动代理，阻塞直到 ctx 取消
func (a *Agent) Start(ctx context.Context) {
	log.Printf("[agent] started node_id=%s version=%s max_jobs=%d",
		a.cfg.ID, a.cfg.Version, a.cfg.MaxJobs)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.heartbeatLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.pollLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.sender.Run(ctx)
	}()

	wg.Wait()
	log.Printf("[agent] stopped node_id=%s", a.cfg.ID)
}

// heartbeatLoop 周期心跳
func (a *Agent) heartbeatLoop(ctx context.Context) {
	a.sendHeartbeat(ctx)

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendHeartbeat(ctx)
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context) {
	devices := a.discoverDevices(ctx)
	hostname, _ := os.Hostname()

	if err := a.api.Heartbeat(ctx, hostname, a.cfg.Version, a.cfg.MaxJobs, devices); err != nil {
		log.Printf("[agent.heartbeat] failed err=%v", err)
		a.metrics.RecordHeartbeat("error")
		return
	}
	a.metrics.RecordHeartbeat("ok")

	if depth, err := a.buf.Depth(ctx); err == nil {
		a.metrics.BufferDepth.Set(float64(depth))
	}
}

// discoverDevices 枚举 adb 可见且就绪的设备
//
// 设备编号由模拟器序列号约定推导，无法推导的序列号跳过并记录。
func (a *Agent) discoverDevices(ctx context.Context) []HeartbeatDevice {
	entries, err := a.adb.ListDevices(ctx)
	if err != nil {
		log.Printf("[agent.heartbeat] adb devices failed err=%v", err)
		return nil
	}

	devices := make([]HeartbeatDevice, 0, len(entries))
	for _, entry := range entries {
		if entry.State != "device" {
			continue
		}
		idx, ok := adb.DeviceIndexFromSerial(entry.Serial)
		if !ok {
			log.Printf("[agent.heartbeat] unmappable serial skipped serial=%s", entry.Serial)
			continue
		}
		devices = append(devices, HeartbeatDevice{Index: idx, Serial: entry.Serial})
	}
	a.metrics.DevicesVisible.Set(float64(len(devices)))
	return devices
}

// pollLoop 周期拉取任务
func (a *Agent) pollLoop(ctx context.Context) {
	a.poll(ctx)

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.poll(ctx)
		}
	}
}

// poll 拉取一次并分发任务
//
// 单次 pull 至多返回一个任务；有空闲槽位时连续拉取，
// 直到槽位用尽或服务端没有可分配的工作。
func (a *Agent) poll(ctx context.Context) {
	for {
		select {
		case a.sem <- struct{}{}:
		default:
			return // 并发已满
		}

		resp, err := a.api.Pull(ctx)
		if err != nil {
			<-a.sem
			log.Printf("[agent.poll] pull failed err=%v", err)
			a.metrics.RecordPull("error")
			return
		}
		if len(resp.Jobs) == 0 {
			<-a.sem
			a.metrics.RecordPull("empty")
			return
		}
		a.metrics.RecordPull("job")

		job := resp.Jobs[0]
		log.Printf("[agent.poll] job received run_id=%s device_index=%d step_index=%d kind=%s decision=%s",
			job.RunID, job.DeviceIndex, job.StepIndex, job.Kind, job.Decision)

		go func(job model.Job) {
			defer func() { <-a.sem }()
			a.executor.Execute(ctx, &job)
		}(job)
	}
}
