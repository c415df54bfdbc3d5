// Package config 统一配置管理
//
// 配置文件格式统一：API Server 和 Node Agent 共用同一 YAML schema，
// 通过不同章节（section）区分各组件的配置。
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. YAML 配置文件（{env}.yaml，如 dev.yaml、test.yaml、prod.yaml）
//  3. 代码硬编码默认值
//
// 凭据单一数据源：
//
//	密码/密钥只存在 .env 文件中（YAML 中不存储任何密码）。
//	.env 文件同时被 Docker Compose（--env-file）、Go 应用（godotenv）、
//	systemd（EnvironmentFile=）共用，确保单一数据源。
package config

import "time"

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test" // 测试环境（集成测试 + E2E 共用）
	EnvDevelopment Environment = "dev"
)

// YAMLConfig 统一 YAML 配置文件结构
// API Server 和 Node Agent 共用此格式，通过章节区分
type YAMLConfig struct {
	APIServer APIServerConfig `yaml:"api_server"` // API Server（端口 + URL）
	Database  DatabaseConfig  `yaml:"database"`   // 数据库（API Server）
	Redis     RedisConfig     `yaml:"redis"`      // Redis 心跳缓存（API Server）
	MinIO     MinIOConfig     `yaml:"minio"`      // MinIO 对象存储（截图产物）
	Assign    AssignConfig    `yaml:"assign"`     // 分配服务（API Server）
	Node      NodeConfig      `yaml:"node"`       // 节点配置（Node Agent）
}

// APIServerConfig API Server 配置
type APIServerConfig struct {
	Port string `yaml:"port"` // 监听端口
	URL  string `yaml:"url"`  // API Server 完整 URL（Node Agent 连接用）
}

// DatabaseConfig PostgreSQL 配置
// 注意：Password 只从 DB_PASSWORD 环境变量读取，不存储在 YAML 中
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // 只从 DB_PASSWORD 环境变量读取
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"`   // 只从 REDIS_PASSWORD 环境变量读取
	URL      string `yaml:"url"` // 直接指定 URL（优先于 host/port/db）
}

// MinIOConfig MinIO 对象存储配置
type MinIOConfig struct {
	Endpoint       string `yaml:"endpoint"` // 例如 localhost:9000
	AccessKey      string `yaml:"-"`        // 只从 MINIO_ROOT_USER 环境变量读取
	SecretKey      string `yaml:"-"`        // 只从 MINIO_ROOT_PASSWORD 环境变量读取
	UseSSL         bool   `yaml:"use_ssl"`  // 是否使用 HTTPS
	Bucket         string `yaml:"bucket"`   // 默认 bucket 名称
	PublicEndpoint string `yaml:"public_endpoint"` // 产物下载地址前缀（默认按 endpoint 拼出）
}

// AssignConfig 分配服务配置
type AssignConfig struct {
	LeaseTTL     time.Duration `yaml:"lease_ttl"`     // 租约有效期（默认 30s）
	OnlineWindow time.Duration `yaml:"online_window"` // 设备/节点在线窗口（默认 30s）
}

// NodeConfig 节点配置（Node Agent 使用）
// 注意：Secret 只从 NODE_SECRET 环境变量读取，不存储在 YAML 中
type NodeConfig struct {
	ID                string        `yaml:"id"`                 // 节点标识（必填）
	Secret            string        `yaml:"-"`                  // 只从 NODE_SECRET 环境变量读取（必填）
	MaxJobs           int           `yaml:"max_jobs"`           // 并发任务上限（默认 1）
	PollInterval      time.Duration `yaml:"poll_interval"`      // 拉取间隔（默认 3s）
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // 心跳间隔（默认 10s）
	ADBPath           string        `yaml:"adb_path"`           // adb 可执行文件（默认 "adb"）
	BufferPath        string        `yaml:"buffer_path"`        // 回调缓冲 SQLite 文件路径
	WorkDir           string        `yaml:"work_dir"`           // 截图等临时文件目录
	MetricsPort       string        `yaml:"metrics_port"`       // 指标端口（空则不暴露指标）
	Version           string        `yaml:"version"`            // 节点软件版本（心跳上报）
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env         Environment
	DatabaseURL string
	RedisURL    string
	APIPort     string
	NodeSecret  string // 节点端点共享密钥（两侧进程共用）
	MinIO       MinIOConfig
	Assign      AssignConfig
	APIServer   APIServerConfig
	Node        NodeConfig
}
