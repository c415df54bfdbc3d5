// Package main Node Agent 入口
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"devicefarm-admin/internal/config"
	"devicefarm-admin/internal/nodeagent"
	objstore "devicefarm-admin/internal/shared/minio"
)

func main() {
	cfg := config.Load()

	log.Printf("Starting Node Agent... [env=%s node_id=%s]", cfg.Env, cfg.Node.ID)

	// 对象存储客户端用于 upload 步骤；初始化失败时代理照常
	// 启动，upload 步骤会在执行时报错
	var store *objstore.Client
	if c, err := objstore.NewClient(cfg.MinIO); err != nil {
		log.Printf("MinIO client init failed, upload steps will fail: %v", err)
	} else {
		store = c
	}

	agent, err := nodeagent.New(cfg.Node, cfg.APIServer.URL, store)
	if err != nil {
		log.Fatalf("Failed to init node agent: %v", err)
	}
	defer agent.Close()

	// 指标端口可选，心跳/拉取/执行指标通过 promhttp 暴露
	if cfg.Node.MetricsPort != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Printf("Node metrics listening on :%s", cfg.Node.MetricsPort)
			if err := http.ListenAndServe(":"+cfg.Node.MetricsPort, mux); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Println("Shutting down node agent...")
		cancel()
	}()

	agent.Start(ctx)
	log.Println("Node agent stopped")
}
