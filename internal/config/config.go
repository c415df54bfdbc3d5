// Package config 配置加载
//
// 配置加载策略：
//  1. 从 .env 加载敏感信息（密码、密钥）和 APP_ENV
//  2. 根据 APP_ENV 加载对应的 configs/{env}.yaml 配置文件
//  3. 环境变量可覆盖 YAML 配置
//
// 使用方式：
//   - 开发环境: APP_ENV=dev (默认)
//   - 测试环境: APP_ENV=test
//   - 生产环境: APP_ENV=prod
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var configPaths = []string{
	"configs",
	"../configs",
	"../../configs",
	"../../../configs",
}

var envPaths = []string{
	".env",
	"../.env",
	"../../.env",
	"../../../.env",
}

// Load 加载配置
// 1. 加载 .env（敏感信息 + APP_ENV）
// 2. 根据 APP_ENV 加载 configs/{env}.yaml
// 3. 构建最终配置
func Load() *Config {
	// 加载 .env
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	// 解析环境
	env := parseEnv(getEnv("APP_ENV", "dev"))

	// 加载 YAML 配置
	yamlCfg := loadYAMLConfig(env)

	// 从环境变量获取敏感信息
	dbPassword := getEnv("DB_PASSWORD", "devicefarm_dev_password")
	yamlCfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	yamlCfg.MinIO.AccessKey = getEnv("MINIO_ROOT_USER", "minioadmin")
	yamlCfg.MinIO.SecretKey = getEnv("MINIO_ROOT_PASSWORD", "minioadmin")
	nodeSecret := os.Getenv("NODE_SECRET")

	// 环境变量覆盖 YAML
	if v := os.Getenv("API_PORT"); v != "" {
		yamlCfg.APIServer.Port = v
	}
	if v := os.Getenv("API_SERVER_URL"); v != "" {
		yamlCfg.APIServer.URL = v
	}
	if v := os.Getenv("NODE_ID"); v != "" {
		yamlCfg.Node.ID = v
	}

	// 构建最终配置
	cfg := &Config{
		Env:         env,
		DatabaseURL: buildDatabaseURL(yamlCfg.Database, dbPassword),
		RedisURL:    buildRedisURL(yamlCfg.Redis),
		APIPort:     yamlCfg.APIServer.Port,
		NodeSecret:  nodeSecret,
		MinIO:       yamlCfg.MinIO,
		Assign:      yamlCfg.Assign,
		APIServer:   yamlCfg.APIServer,
		Node:        yamlCfg.Node,
	}
	cfg.Node.Secret = nodeSecret

	// 验证并填充默认值
	cfg.Assign.validate()
	cfg.Node.validate()

	return cfg
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml
func loadYAMLConfig(env Environment) *YAMLConfig {
	// 1. 初始化默认值
	cfg := &YAMLConfig{
		APIServer: APIServerConfig{Port: "8080", URL: "http://localhost:8080"},
		Database:  DatabaseConfig{Host: "localhost", Port: 5432, User: "devicefarm", Name: "devicefarm", SSLMode: "disable"},
		Redis:     RedisConfig{Host: "localhost", Port: 6379, DB: 0},
		MinIO:     MinIOConfig{Endpoint: "localhost:9000", Bucket: "devicefarm"},
	}

	// 2. 加载 common.yaml（公共配置）
	for _, base := range configPaths {
		path := filepath.Join(base, "common.yaml")
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	// 3. 加载 {env}.yaml（环境特定配置，覆盖公共配置）
	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range configPaths {
		path := filepath.Join(base, filename)
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	return cfg
}

// buildDatabaseURL 构建 PostgreSQL 连接字符串
func buildDatabaseURL(db DatabaseConfig, password string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.User, password, db.Host, db.Port, db.Name, db.SSLMode)
}

// buildRedisURL 构建 Redis 连接字符串
func buildRedisURL(r RedisConfig) string {
	if r.URL != "" {
		return r.URL
	}
	if r.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d", r.Password, r.Host, r.Port, r.DB)
	}
	return fmt.Sprintf("redis://%s:%d/%d", r.Host, r.Port, r.DB)
}

func parseEnv(env string) Environment {
	switch strings.ToLower(env) {
	case "test":
		return EnvTest
	case "prod", "production":
		return EnvProduction
	default:
		return EnvDevelopment
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// IsTest 是否为测试环境
func (c *Config) IsTest() bool {
	return c.Env == EnvTest
}

// String 返回配置摘要（隐藏密码）
func (c *Config) String() string {
	return fmt.Sprintf("Config{Env: %s, DB: %s, Redis: %s}",
		c.Env, maskPassword(c.DatabaseURL), maskPassword(c.RedisURL))
}

// maskPassword 隐藏密码
func maskPassword(url string) string {
	re := regexp.MustCompile(`(://[^:]*:)([^@]+)(@)`)
	return re.ReplaceAllString(url, "${1}***${3}")
}

// validate 验证并填充分配服务默认值
func (a *AssignConfig) validate() {
	if a.LeaseTTL <= 0 {
		a.LeaseTTL = 30 * time.Second
	}
	if a.OnlineWindow <= 0 {
		a.OnlineWindow = 30 * time.Second
	}
}

// validate 验证并填充节点默认值
// ID 与 Secret 的缺失由 Node Agent 启动时检查（此处不致命，
// API Server 加载同一配置文件时不需要节点身份）
func (n *NodeConfig) validate() {
	if n.MaxJobs <= 0 {
		n.MaxJobs = 1
	}
	if n.PollInterval <= 0 {
		n.PollInterval = 3 * time.Second
	}
	if n.HeartbeatInterval <= 0 {
		n.HeartbeatInterval = 10 * time.Second
	}
	if n.ADBPath == "" {
		n.ADBPath = "adb"
	}
	if n.BufferPath == "" {
		n.BufferPath = "callback-buffer.db"
	}
	if n.WorkDir == "" {
		n.WorkDir = os.TempDir()
	}
}
