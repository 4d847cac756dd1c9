package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 应用配置
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Storage     StorageConfig     `yaml:"storage"`
	Crypto      CryptoConfig      `yaml:"crypto"`
	Pool        PoolConfig        `yaml:"pool"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	HealthCheck HealthCheckConfig `yaml:"health_check"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
	Keys        []string          `yaml:"keys"` // 启动时导入的 key（经过格式校验）
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	APIKey      string `yaml:"api_key"`
	AdminAPIKey string `yaml:"admin_api_key"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig 凭据存储后端
type StorageConfig struct {
	Backend string      `yaml:"backend"` // sqlite | redis
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// CryptoConfig 静态加密配置，passphrase 为空时明文存储
type CryptoConfig struct {
	Passphrase string `yaml:"passphrase"`
}

// PoolConfig key 池配置
type PoolConfig struct {
	KeyPrefix             string `yaml:"key_prefix"`
	MinKeyLength          int    `yaml:"min_key_length"`
	RequestsPerMinute     int    `yaml:"requests_per_minute"`     // 每个 key 的出站限速，0 不限
	PlainRotationCooldown int    `yaml:"plain_rotation_cooldown"` // 秒
	BatchRotationCooldown int    `yaml:"batch_rotation_cooldown"` // 秒
}

// DispatchConfig 请求分发配置
type DispatchConfig struct {
	UpstreamURL      string `yaml:"upstream_url"`
	ProxyURL         string `yaml:"proxy_url"`
	ProxyAuthKey     string `yaml:"proxy_auth_key"`
	LightModel       string `yaml:"light_model"`
	HeavyModel       string `yaml:"heavy_model"`
	FastResponseCap  int    `yaml:"fast_response_cap"`
	CallTimeout      int    `yaml:"call_timeout"`      // 秒
	ProbeTTL         int    `yaml:"probe_ttl"`         // 秒
	BreakerThreshold int    `yaml:"breaker_threshold"` // 窗口内失败次数
	BreakerWindow    int    `yaml:"breaker_window"`    // 秒
	BreakerCooldown  int    `yaml:"breaker_cooldown"`  // 秒
}

// HealthCheckConfig 健康检查配置
type HealthCheckConfig struct {
	Enabled  bool `yaml:"enabled"`
	Interval int  `yaml:"interval"` // 秒
	Timeout  int  `yaml:"timeout"`  // 秒
}

// MetricsConfig Prometheus 配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"` // json | console
	RetentionDays int    `yaml:"retention_days"`
}

var (
	globalConfig *Config
	configMu     sync.RWMutex
)

// Load 从文件加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	// 支持通过 "auto" 自动生成 API Key（首次加载后落盘）
	if maybeGenerateKeys(cfg) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	configMu.Lock()
	globalConfig = cfg
	configMu.Unlock()

	return cfg, nil
}

// Parse 解析 YAML，展开 ${ENV} 并填充默认值
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查配置取值
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("storage.backend must be sqlite or redis, got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "redis" && c.Storage.Redis.Addr == "" {
		return fmt.Errorf("storage.redis.addr is required for redis backend")
	}
	if c.Pool.MinKeyLength < len(c.Pool.KeyPrefix) {
		return fmt.Errorf("pool.min_key_length (%d) shorter than key prefix", c.Pool.MinKeyLength)
	}
	if c.Pool.RequestsPerMinute < 0 {
		return fmt.Errorf("pool.requests_per_minute must be >= 0")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

func maybeGenerateKeys(cfg *Config) bool {
	changed := false

	if strings.EqualFold(strings.TrimSpace(cfg.Server.APIKey), "auto") {
		cfg.Server.APIKey = generateAPIKey("keyrelay-user")
		changed = true
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Server.AdminAPIKey), "auto") {
		cfg.Server.AdminAPIKey = generateAPIKey("keyrelay-admin")
		changed = true
	}

	return changed
}

func generateAPIKey(prefix string) string {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return prefix + "-fallback-key"
	}
	return prefix + "-" + hex.EncodeToString(b)
}

// Get 获取全局配置
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 18090
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/keyrelay.db"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
	if cfg.Storage.Redis.KeyPrefix == "" {
		cfg.Storage.Redis.KeyPrefix = "keyrelay:"
	}
	if cfg.Pool.KeyPrefix == "" {
		cfg.Pool.KeyPrefix = "xai-"
	}
	if cfg.Pool.MinKeyLength == 0 {
		cfg.Pool.MinKeyLength = 20
	}
	if cfg.Pool.PlainRotationCooldown == 0 {
		cfg.Pool.PlainRotationCooldown = 30
	}
	if cfg.Pool.BatchRotationCooldown == 0 {
		cfg.Pool.BatchRotationCooldown = 10
	}
	if cfg.Dispatch.UpstreamURL == "" {
		cfg.Dispatch.UpstreamURL = "https://api.x.ai"
	}
	if cfg.Dispatch.LightModel == "" {
		cfg.Dispatch.LightModel = "grok-3-mini-beta"
	}
	if cfg.Dispatch.HeavyModel == "" {
		cfg.Dispatch.HeavyModel = "grok-3-beta"
	}
	if cfg.Dispatch.FastResponseCap == 0 {
		cfg.Dispatch.FastResponseCap = 3000
	}
	if cfg.Dispatch.CallTimeout == 0 {
		cfg.Dispatch.CallTimeout = 120
	}
	if cfg.Dispatch.ProbeTTL == 0 {
		cfg.Dispatch.ProbeTTL = 30
	}
	if cfg.Dispatch.BreakerThreshold == 0 {
		cfg.Dispatch.BreakerThreshold = 3
	}
	if cfg.Dispatch.BreakerWindow == 0 {
		cfg.Dispatch.BreakerWindow = 300
	}
	if cfg.Dispatch.BreakerCooldown == 0 {
		cfg.Dispatch.BreakerCooldown = 30
	}
	if cfg.HealthCheck.Interval == 0 {
		cfg.HealthCheck.Interval = 60
	}
	if cfg.HealthCheck.Timeout == 0 {
		cfg.HealthCheck.Timeout = 10
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.RetentionDays == 0 {
		cfg.Logging.RetentionDays = 7
	}
}

// Seconds 把配置里的秒数转成 time.Duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Save 保存配置到文件
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
