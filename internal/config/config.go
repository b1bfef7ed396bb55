package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 vaultd 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Storage    StorageConfig    `json:"storage"`
	KillSwitch KillSwitchConfig `json:"kill_switch"`
	Events     EventsConfig     `json:"events"`
	Chain      ChainConfig      `json:"chain"`
	Keystore   KeystoreConfig   `json:"keystore"`
	Pipeline   PipelineConfig   `json:"pipeline"`
	Logging    LoggingConfig    `json:"logging"`
	Runtime    RuntimeConfig    `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 描述各实体存储的驱动与连接信息。
type StorageConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// KillSwitchConfig 指定紧急开关状态的持久化后端。
type KillSwitchConfig struct {
	Driver string           `json:"driver"`
	Redis  RedisStateConfig `json:"redis"`
}

// RedisStateConfig 描述 Redis 连接参数。
type RedisStateConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
}

// EventsConfig 指定状态变更事件总线的驱动。
type EventsConfig struct {
	Driver   string         `json:"driver"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 事件发布的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// ChainConfig 指定链适配器的配置来源与确认参数。
type ChainConfig struct {
	ChainConfig            string `json:"chain_config"`
	DefaultChain           string `json:"default_chain"`
	ConfirmTimeoutSeconds  int    `json:"confirm_timeout_seconds"`
	ConfirmIntervalSeconds int    `json:"confirm_interval_seconds"`
}

// KeystoreConfig 指定加密私钥文件的存放目录。
type KeystoreConfig struct {
	Dir string `json:"dir"`
}

// PipelineConfig 控制流水线中等待类阶段的时间参数。
type PipelineConfig struct {
	ApprovalTTLSeconds   int `json:"approval_ttl_seconds"`
	ApprovalSweepSeconds int `json:"approval_sweep_seconds"`
	DefaultDelaySeconds  int `json:"default_delay_seconds"`
}

// LoggingConfig 控制应用日志与审计日志输出。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志的滚动输出。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.KillSwitch.Driver == "" {
		c.KillSwitch.Driver = "memory"
	}
	if c.KillSwitch.Redis.Key == "" {
		c.KillSwitch.Redis.Key = "vault:killswitch"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.RabbitMQ.Queue == "" {
		c.Events.RabbitMQ.Queue = "vault.events"
	}

	if c.Chain.ConfirmTimeoutSeconds <= 0 {
		c.Chain.ConfirmTimeoutSeconds = 120
	}
	if c.Chain.ConfirmIntervalSeconds <= 0 {
		c.Chain.ConfirmIntervalSeconds = 2
	}
	if c.Chain.ChainConfig != "" && !filepath.IsAbs(c.Chain.ChainConfig) {
		c.Chain.ChainConfig = filepath.Join(baseDir, c.Chain.ChainConfig)
	}

	if c.Keystore.Dir == "" {
		c.Keystore.Dir = filepath.Join(baseDir, "keystore")
	} else if !filepath.IsAbs(c.Keystore.Dir) {
		c.Keystore.Dir = filepath.Join(baseDir, c.Keystore.Dir)
	}

	if c.Pipeline.ApprovalTTLSeconds <= 0 {
		c.Pipeline.ApprovalTTLSeconds = 3600
	}
	if c.Pipeline.ApprovalSweepSeconds <= 0 {
		c.Pipeline.ApprovalSweepSeconds = 30
	}
	if c.Pipeline.DefaultDelaySeconds <= 0 {
		c.Pipeline.DefaultDelaySeconds = 300
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

// ConfirmTimeout 返回链上确认的最长等待时间。
func (c ChainConfig) ConfirmTimeout() time.Duration {
	return time.Duration(c.ConfirmTimeoutSeconds) * time.Second
}

// ConfirmInterval 返回链上确认的轮询间隔。
func (c ChainConfig) ConfirmInterval() time.Duration {
	return time.Duration(c.ConfirmIntervalSeconds) * time.Second
}

// ApprovalTTL 返回审批单的有效期。
func (p PipelineConfig) ApprovalTTL() time.Duration {
	return time.Duration(p.ApprovalTTLSeconds) * time.Second
}

// ApprovalSweepInterval 返回过期审批清理的轮询间隔。
func (p PipelineConfig) ApprovalSweepInterval() time.Duration {
	return time.Duration(p.ApprovalSweepSeconds) * time.Second
}

// DefaultDelay 返回 DELAY 档位在规则未指定时的默认等待时长。
func (p PipelineConfig) DefaultDelay() time.Duration {
	return time.Duration(p.DefaultDelaySeconds) * time.Second
}
