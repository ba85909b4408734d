// Package config 提供了桌面自动化工作流引擎的配置管理功能。
// 该包负责从 YAML 配置文件加载配置，并支持通过环境变量覆盖敏感配置项（如数据库密码）。
// 配置包含了服务器、存储、定位器、回放、协调器、调度器、日志、指标和遥测等多个方面的设置。
package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是应用程序的主配置结构体，包含所有子系统的配置。
// 该结构体通过 YAML 标签与配置文件进行映射。
type Config struct {
	// Server 服务器配置，包括 HTTP 端口、指标端口等
	Server ServerConfig `yaml:"server"`
	// Auth 认证配置，包括 API Key 相关设置
	Auth AuthConfig `yaml:"auth"`
	// Storage 存储配置，包括 PostgreSQL 连接信息
	Storage StorageConfig `yaml:"storage"`
	// Automation 桌面操作驱动配置，包括操作间隔节奏
	Automation AutomationConfig `yaml:"automation"`
	// Locator 元素定位器配置，包括置信度阈值和感知分类器时延
	Locator LocatorConfig `yaml:"locator"`
	// Recorder 动作录制器配置
	Recorder RecorderConfig `yaml:"recorder"`
	// Replay 回放执行引擎配置，包括工作线程数和重试策略
	Replay ReplayConfig `yaml:"replay"`
	// Coordinator 后台执行协调器配置
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	// Scheduler 触发器调度器配置
	Scheduler SchedulerConfig `yaml:"scheduler"`
	// Workflow 工作流存储策略配置
	Workflow WorkflowConfig `yaml:"workflow"`
	// Events 事件配置，包括 NATS 消息队列连接信息
	Events EventsConfig `yaml:"events"`
	// Logging 日志配置，包括日志级别和格式
	Logging LoggingConfig `yaml:"logging"`
	// Metrics 指标配置，用于 Prometheus 监控
	Metrics MetricsConfig `yaml:"metrics"`
	// Telemetry 遥测配置，用于分布式追踪
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig 服务器配置结构体。
// 定义了各种服务端口和超时设置。
type ServerConfig struct {
	// HTTPPort HTTP API 服务端口，用于工作流管理 API
	// 默认值：8080
	HTTPPort int `yaml:"http_port"`
	// MetricsPort 指标服务端口，用于 Prometheus 指标暴露
	// 默认值：9090
	MetricsPort int `yaml:"metrics_port"`
	// ShutdownTimeout 优雅关闭超时时间
	// 默认值：30 秒
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig 认证配置结构体。
// 定义了 API Key 认证相关的设置。
type AuthConfig struct {
	// Enabled 是否启用认证
	Enabled bool `yaml:"enabled"`
	// APIKey API 密钥，可通过环境变量 MIMIC_AUTH_API_KEY 或
	// MIMIC_AUTH_API_KEY_FILE（文件路径）覆盖
	APIKey string `yaml:"api_key"`
	// APIKeyHeader API Key 请求头名称
	// 默认值：X-API-Key
	APIKeyHeader string `yaml:"api_key_header"`
}

// StorageConfig 存储配置结构体。
// 包含数据存储后端的配置。
type StorageConfig struct {
	// Backend 存储后端，可选值为 "postgres"（持久化）或 "memory"（仅测试/演示）
	// 默认值：postgres
	Backend string `yaml:"backend"`
	// Postgres PostgreSQL 数据库配置
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig PostgreSQL 数据库配置结构体。
// 定义了数据库连接的相关参数。
type PostgresConfig struct {
	// Host 数据库主机地址
	Host string `yaml:"host"`
	// Port 数据库端口号
	Port int `yaml:"port"`
	// Database 数据库名称
	Database string `yaml:"database"`
	// User 数据库用户名
	User string `yaml:"user"`
	// Password 数据库密码，可通过环境变量 MIMIC_POSTGRES_PASSWORD 或
	// MIMIC_POSTGRES_PASSWORD_FILE（文件路径）覆盖
	Password string `yaml:"password"`
	// SSLMode 连接的 SSL 模式（如 disable、require）
	// 默认值：disable
	SSLMode string `yaml:"ssl_mode"`
	// MaxConnections 最大连接数
	MaxConnections int `yaml:"max_connections"`
}

// AutomationConfig 桌面操作驱动配置结构体。
// 定义了合成输入的节奏，避免操作过快导致目标应用丢事件。
type AutomationConfig struct {
	// DefaultDelay 每个操作之后的基础间隔
	// 默认值：100ms
	DefaultDelay time.Duration `yaml:"default_delay"`
	// ClickDelay 点击操作之后的额外间隔
	// 默认值：200ms
	ClickDelay time.Duration `yaml:"click_delay"`
	// TypeDelay 文本输入时相邻字符之间的间隔
	// 默认值：30ms
	TypeDelay time.Duration `yaml:"type_delay"`
	// LaunchWait 启动应用后等待其就绪的时间
	// 默认值：2s
	LaunchWait time.Duration `yaml:"launch_wait"`
	// AppPaths 应用名称到可执行文件路径的映射表，覆盖内置表
	AppPaths map[string]string `yaml:"app_paths,omitempty"`
	// AppAliases 应用别名到规范名称的映射表，覆盖内置表
	AppAliases map[string]string `yaml:"app_aliases,omitempty"`
}

// LocatorConfig 元素定位器配置结构体。
// 定义了分层感知匹配的阈值与时延上限。
type LocatorConfig struct {
	// Threshold 匹配置信度阈值，范围 0.0 到 1.0，低于该值视为未找到
	// 默认值：0.6
	Threshold float64 `yaml:"threshold"`
	// OracleTimeout 感知分类器单次调用的时延上限，超时按未找到处理
	// 默认值：2s
	OracleTimeout time.Duration `yaml:"oracle_timeout"`
	// SearchRadius 围绕最近已知位置的初始搜索半径（像素）
	// 默认值：120
	SearchRadius int `yaml:"search_radius"`
	// MaxRadiusDoublings 搜索半径翻倍的最大次数，之后退化为全屏扫描
	// 默认值：3
	MaxRadiusDoublings int `yaml:"max_radius_doublings"`
}

// RecorderConfig 动作录制器配置结构体。
type RecorderConfig struct {
	// CoalesceWindow 相邻键入事件合并为一个 type-text 步骤的时间窗口
	// 默认值：1s
	CoalesceWindow time.Duration `yaml:"coalesce_window"`
	// MaxSteps 单次录制允许的最大步骤数
	// 默认值：500
	MaxSteps int `yaml:"max_steps"`
}

// ReplayConfig 回放执行引擎配置结构体。
// 定义了 Worker Pool 与每步重试策略。
type ReplayConfig struct {
	// Workers Worker Pool 的工作线程数
	// 默认值：4
	Workers int `yaml:"workers"`
	// QueueSize 执行队列大小
	// 默认值：64
	QueueSize int `yaml:"queue_size"`
	// MaxAttempts 单个步骤的最大尝试次数（含首次）
	// 默认值：3
	MaxAttempts int `yaml:"max_attempts"`
	// RetryInterval 首次重试前的等待时间
	// 默认值：500ms
	RetryInterval time.Duration `yaml:"retry_interval"`
	// BackoffRate 重试间隔的指数退避倍率
	// 默认值：2.0
	BackoffRate float64 `yaml:"backoff_rate"`
	// StepTimeout 单个步骤的默认超时（覆盖定位、执行与校验）
	// 默认值：30s
	StepTimeout time.Duration `yaml:"step_timeout"`
	// RecoveryEnabled 是否在启动时将残留的 running 记录标记为 aborted
	// 默认值：true
	RecoveryEnabled bool `yaml:"recovery_enabled"`
}

// CoordinatorConfig 后台执行协调器配置结构体。
// 定义了前台执行的输入安静窗口与锁等待上限。
type CoordinatorConfig struct {
	// QuiescenceWindow 前台执行要求的输入安静窗口
	// 默认值：2s
	QuiescenceWindow time.Duration `yaml:"quiescence_window"`
	// FocusTimeout 等待输入安静的上限，超过后报告焦点不可用
	// 默认值：10s
	FocusTimeout time.Duration `yaml:"focus_timeout"`
	// AcquireTimeout 等待执行上下文锁的上限（死锁保护）
	// 默认值：5 分钟
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	// BackgroundEnabled 是否尝试后台（独立桌面表面）执行
	// 默认值：false（退化为前台执行）
	BackgroundEnabled bool `yaml:"background_enabled"`
}

// SchedulerConfig 触发器调度器配置结构体。
type SchedulerConfig struct {
	// TickInterval 到期检查间隔
	// 默认值：1s
	TickInterval time.Duration `yaml:"tick_interval"`
	// CatchUpEnabled 引擎离线期间错过的触发是否补发一次
	// 默认值：true
	CatchUpEnabled bool `yaml:"catch_up_enabled"`
}

// WorkflowConfig 工作流存储策略配置结构体。
type WorkflowConfig struct {
	// MaxWorkflows 允许保存的最大工作流数量
	// 默认值：200
	MaxWorkflows int `yaml:"max_workflows"`
}

// EventsConfig 事件配置结构体。
// 定义了事件消息队列的连接信息。
type EventsConfig struct {
	// Enabled 是否启用事件总线（发布运行事件、订阅远程触发）
	Enabled bool `yaml:"enabled"`
	// NatsURL NATS 消息服务器 URL，如 "nats://localhost:4222"
	NatsURL string `yaml:"nats_url"`
}

// LoggingConfig 日志配置结构体。
// 定义了日志输出的级别和格式。
type LoggingConfig struct {
	// Level 日志级别，可选值：debug、info、warn、error
	Level string `yaml:"level"`
	// Format 日志格式，可选值：json、text
	Format string `yaml:"format"`
}

// MetricsConfig 指标配置结构体。
// 定义了 Prometheus 指标收集的相关设置。
type MetricsConfig struct {
	// Enabled 是否启用指标收集
	Enabled bool `yaml:"enabled"`
	// Namespace 指标命名空间前缀
	Namespace string `yaml:"namespace"`
}

// TelemetryConfig 遥测配置结构体。
// 定义了分布式追踪的相关设置，支持 OpenTelemetry 协议。
type TelemetryConfig struct {
	// Enabled 是否启用遥测
	Enabled bool `yaml:"enabled"`
	// Endpoint OTLP 端点地址（如 "tempo:4317"）
	// 默认值：tempo:4317
	Endpoint string `yaml:"endpoint"`
	// ServiceName 服务名称，用于追踪标识
	// 默认值：mimic-daemon
	ServiceName string `yaml:"service_name"`
	// SampleRate 采样率，范围 0.0 到 1.0
	// 默认值：0.1（10% 采样）
	SampleRate float64 `yaml:"sample_rate"`
	// Environment 环境标识（如 production、staging、development）
	// 默认值：development
	Environment string `yaml:"environment"`
}

// Load 从指定路径加载配置文件。
// 该函数会读取 YAML 配置文件，应用默认值，并处理环境变量覆盖。
//
// 参数：
//   - path: 配置文件的路径
//
// 返回值：
//   - *Config: 加载并处理后的配置对象
//   - error: 如果读取或解析失败则返回错误
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := newConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg, nil
}

// Default 返回一份填充了全部默认值的配置。
// 用于无配置文件启动以及测试。
func Default() *Config {
	cfg := newConfig()
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg
}

// newConfig 返回预置了布尔默认值的空配置。
// 布尔项的默认值必须在反序列化之前写入：applyDefaults 无法区分
// “配置文件显式写 false” 和 “配置文件没写”。
func newConfig() *Config {
	cfg := &Config{}
	cfg.Replay.RecoveryEnabled = true
	cfg.Scheduler.CatchUpEnabled = true
	return cfg
}

// applyEnvOverrides 应用环境变量覆盖。
// 该方法允许通过环境变量覆盖敏感配置项，支持两种方式：
// 1. 直接设置环境变量（如 MIMIC_POSTGRES_PASSWORD）
// 2. 通过 _FILE 后缀指定包含密钥的文件路径（如 MIMIC_POSTGRES_PASSWORD_FILE）
// _FILE 方式优先级更高，适用于 Docker Secrets 等场景。
func (c *Config) applyEnvOverrides() {
	// 敏感配置项：支持通过 *_FILE（推荐）或直接环境变量设置

	if v := readEnvOrFile("MIMIC_POSTGRES_PASSWORD", "MIMIC_POSTGRES_PASSWORD_FILE"); v != "" {
		c.Storage.Postgres.Password = v
	}
	if v := readEnvOrFile("MIMIC_AUTH_API_KEY", "MIMIC_AUTH_API_KEY_FILE"); v != "" {
		c.Auth.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("MIMIC_NATS_URL")); v != "" {
		c.Events.NatsURL = v
	}
}

// readEnvOrFile 从环境变量或文件读取配置值。
// 优先从 fileKey 指定的文件路径读取，如果文件不存在或读取失败，
// 则从 envKey 指定的环境变量读取。
//
// 参数：
//   - envKey: 直接存储值的环境变量名
//   - fileKey: 存储文件路径的环境变量名
//
// 返回值：
//   - string: 读取到的配置值，如果都未设置则返回空字符串
func readEnvOrFile(envKey, fileKey string) string {
	if filePath := strings.TrimSpace(os.Getenv(fileKey)); filePath != "" {
		if b, err := os.ReadFile(filePath); err == nil {
			return strings.TrimSpace(string(b))
		}
	}

	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		return v
	}

	return ""
}

// applyDefaults 应用默认配置值。
// 该方法为未设置的配置项填充合理的默认值，确保应用可以正常运行。
func (c *Config) applyDefaults() {
	// HTTP 端口默认为 8080
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}
	// 指标端口默认为 9090
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
	// 优雅关闭超时默认为 30 秒
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	// API Key 请求头默认为 X-API-Key
	if c.Auth.APIKeyHeader == "" {
		c.Auth.APIKeyHeader = "X-API-Key"
	}
	// 存储后端默认为 postgres
	if c.Storage.Backend == "" {
		c.Storage.Backend = "postgres"
	}
	// SSL 模式默认为 disable（本机部署）
	if c.Storage.Postgres.SSLMode == "" {
		c.Storage.Postgres.SSLMode = "disable"
	}
	// 最大连接数默认为 10
	if c.Storage.Postgres.MaxConnections == 0 {
		c.Storage.Postgres.MaxConnections = 10
	}
	// 基础操作间隔默认为 100ms
	if c.Automation.DefaultDelay == 0 {
		c.Automation.DefaultDelay = 100 * time.Millisecond
	}
	// 点击后间隔默认为 200ms
	if c.Automation.ClickDelay == 0 {
		c.Automation.ClickDelay = 200 * time.Millisecond
	}
	// 键入字符间隔默认为 30ms
	if c.Automation.TypeDelay == 0 {
		c.Automation.TypeDelay = 30 * time.Millisecond
	}
	// 应用启动等待默认为 2 秒
	if c.Automation.LaunchWait == 0 {
		c.Automation.LaunchWait = 2 * time.Second
	}
	// 匹配阈值默认为 0.6
	if c.Locator.Threshold == 0 {
		c.Locator.Threshold = 0.6
	}
	// 感知分类器时延上限默认为 2 秒
	if c.Locator.OracleTimeout == 0 {
		c.Locator.OracleTimeout = 2 * time.Second
	}
	// 初始搜索半径默认为 120 像素
	if c.Locator.SearchRadius == 0 {
		c.Locator.SearchRadius = 120
	}
	// 半径翻倍次数默认为 3
	if c.Locator.MaxRadiusDoublings == 0 {
		c.Locator.MaxRadiusDoublings = 3
	}
	// 键入合并窗口默认为 1 秒
	if c.Recorder.CoalesceWindow == 0 {
		c.Recorder.CoalesceWindow = time.Second
	}
	// 单次录制最大步骤数默认为 500
	if c.Recorder.MaxSteps == 0 {
		c.Recorder.MaxSteps = 500
	}
	// 回放工作线程数默认为 4
	if c.Replay.Workers == 0 {
		c.Replay.Workers = 4
	}
	// 执行队列大小默认为 64
	if c.Replay.QueueSize == 0 {
		c.Replay.QueueSize = 64
	}
	// 单步最大尝试次数默认为 3
	if c.Replay.MaxAttempts == 0 {
		c.Replay.MaxAttempts = 3
	}
	// 首次重试间隔默认为 500ms
	if c.Replay.RetryInterval == 0 {
		c.Replay.RetryInterval = 500 * time.Millisecond
	}
	// 退避倍率默认为 2.0
	if c.Replay.BackoffRate == 0 {
		c.Replay.BackoffRate = 2.0
	}
	// 单步超时默认为 30 秒
	if c.Replay.StepTimeout == 0 {
		c.Replay.StepTimeout = 30 * time.Second
	}
	// 输入安静窗口默认为 2 秒
	if c.Coordinator.QuiescenceWindow == 0 {
		c.Coordinator.QuiescenceWindow = 2 * time.Second
	}
	// 等待输入安静的上限默认为 10 秒
	if c.Coordinator.FocusTimeout == 0 {
		c.Coordinator.FocusTimeout = 10 * time.Second
	}
	// 锁等待上限默认为 5 分钟
	if c.Coordinator.AcquireTimeout == 0 {
		c.Coordinator.AcquireTimeout = 5 * time.Minute
	}
	// 到期检查间隔默认为 1 秒
	if c.Scheduler.TickInterval == 0 {
		c.Scheduler.TickInterval = time.Second
	}
	// 工作流数量上限默认为 200
	if c.Workflow.MaxWorkflows == 0 {
		c.Workflow.MaxWorkflows = 200
	}
	// 遥测服务名称默认为 mimic-daemon
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "mimic-daemon"
	}
	// OTLP 端点默认为 tempo:4317
	if c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = "tempo:4317"
	}
	// 采样率默认为 10%
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 0.1
	}
	// 环境标识默认为 development
	if c.Telemetry.Environment == "" {
		c.Telemetry.Environment = "development"
	}
}
