// Package main API Server 入口
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"devicefarm-admin/internal/apiserver/server"
	"devicefarm-admin/internal/config"
	"devicefarm-admin/internal/shared/cache"
	"devicefarm-admin/internal/shared/cache/redis"
	"devicefarm-admin/internal/shared/eventbus"
	eventbusredis "devicefarm-admin/internal/shared/eventbus/redis"
	objstore "devicefarm-admin/internal/shared/minio"
	"devicefarm-admin/internal/shared/storage/postgres"
)

func main() {
	// 加载配置（自动加载 .env，根据 APP_ENV 切换环境）
	cfg := config.Load()

	log.Printf("Starting API Server... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	// 初始化 PostgreSQL（运行、设备态、租约、事件的持久化）
	store, err := postgres.NewStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer store.Close()
	log.Println("Connected to PostgreSQL")

	// 初始化 Redis 心跳缓存；连不上时降级为无缓存运行，
	// 在线判定回退到数据库里的 last_seen
	var heartbeatCache cache.Cache
	if redisCache, err := redis.NewStoreFromURL(cfg.RedisURL); err != nil {
		log.Printf("Redis unavailable, falling back to database-only heartbeats: %v", err)
		heartbeatCache = cache.NewNoOpCache()
	} else {
		defer redisCache.Close()
		heartbeatCache = redisCache
		log.Println("Connected to Redis")
	}

	// 事件总线：Redis Streams 扇出 Run 事件；Redis 不可用时
	// 退化为进程内总线（仅单实例有效）
	var bus eventbus.Bus
	if redisBus, err := eventbusredis.NewBusFromURL(cfg.RedisURL); err != nil {
		log.Printf("Redis event bus unavailable, using in-process bus: %v", err)
		bus = eventbus.NewInProcessBus()
	} else {
		defer redisBus.Close()
		bus = redisBus
	}

	// 初始化 MinIO 并确保 bucket 存在（截图产物）
	objClient, err := objstore.NewClient(cfg.MinIO)
	if err != nil {
		log.Fatalf("Failed to init MinIO client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := objClient.EnsureBucket(ctx); err != nil {
		log.Printf("MinIO bucket check failed (artifact URLs may 404): %v", err)
	}
	cancel()

	h := server.NewHandler(store, heartbeatCache, bus, server.Config{
		NodeSecret:        cfg.NodeSecret,
		LatestNodeVersion: cfg.Node.Version,
		LeaseTTL:          cfg.Assign.LeaseTTL,
		OnlineWindow:      cfg.Assign.OnlineWindow,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      h.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 优雅关闭
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("API Server listening on :%s", cfg.APIPort)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server stopped")
}
