// Package config provides configuration loading, defaults, and validation.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Log            LogConfig            `mapstructure:"log"`
	Gateway        GatewayConfig        `mapstructure:"gateway"`
	Gemini         GeminiConfig         `mapstructure:"gemini"`
	Antigravity    AntigravityConfig    `mapstructure:"antigravity"`
	GeminiBusiness GeminiBusinessConfig `mapstructure:"gemini_business"`
	Kiro           KiroConfig           `mapstructure:"kiro"`
	RequestLog     RequestLogConfig     `mapstructure:"request_log"`
	Timezone       string               `mapstructure:"timezone"` // e.g. "Asia/Shanghai", "UTC"
}

type ServerConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	Mode              string `mapstructure:"mode"` // gin mode: debug/release/test
	ReadHeaderTimeout int    `mapstructure:"read_header_timeout"`
	IdleTimeout       int    `mapstructure:"idle_timeout"`
}

type LogConfig struct {
	Level    string            `mapstructure:"level"`
	Format   string            `mapstructure:"format"`
	Caller   bool              `mapstructure:"caller"`
	Output   LogOutputConfig   `mapstructure:"output"`
	Rotation LogRotationConfig `mapstructure:"rotation"`
}

type LogOutputConfig struct {
	ToStdout bool   `mapstructure:"to_stdout"`
	ToFile   bool   `mapstructure:"to_file"`
	FilePath string `mapstructure:"file_path"`
}

type LogRotationConfig struct {
	MaxSizeMB  int `mapstructure:"max_size_mb"`
	MaxBackups int `mapstructure:"max_backups"`
	MaxAgeDays int `mapstructure:"max_age_days"`
}

// GatewayConfig 转发层通用配置
type GatewayConfig struct {
	// StreamDataIntervalTimeout 流式转发时上游相邻数据块的最大间隔（秒），0 表示不启用
	StreamDataIntervalTimeout int `mapstructure:"stream_data_interval_timeout"`
	// StickySessionTTLMinutes 会话粘性缓存 TTL（分钟），滑动续期
	StickySessionTTLMinutes int `mapstructure:"sticky_session_ttl_minutes"`
	// AccountsFile 账号池 JSON 文件路径
	AccountsFile string `mapstructure:"accounts_file"`
}

type GeminiConfig struct {
	// CodeAssistEndpoint CodeAssist API base，默认官方地址
	CodeAssistEndpoint string `mapstructure:"code_assist_endpoint"`
}

type AntigravityConfig struct {
	// ReturnThoughts 是否把 thought part 作为 thinking 块返回给客户端
	ReturnThoughts bool `mapstructure:"return_thoughts"`
	// UpstreamURL 主地址；请求失败时回退到 FallbackURL
	UpstreamURL string `mapstructure:"upstream_url"`
	FallbackURL string `mapstructure:"fallback_url"`
}

type GeminiBusinessConfig struct {
	// BaseURL 业务版 widget 服务地址
	BaseURL string `mapstructure:"base_url"`
	// JWTKey 与前端 widget 约定的 HMAC 密钥
	JWTKey string `mapstructure:"jwt_key"`
	// JWTTTLSeconds 签发的 JWT 有效期（秒）
	JWTTTLSeconds int `mapstructure:"jwt_ttl_seconds"`
	// JWTCacheSeconds 进程内 JWT 缓存时长（秒），需小于 TTL
	JWTCacheSeconds int `mapstructure:"jwt_cache_seconds"`
	// UserAgent 覆盖发往业务版接口的 UA；为空时用内置浏览器 UA
	UserAgent       string                      `mapstructure:"user_agent"`
	ImageGeneration GeminiBizImageGenConfig     `mapstructure:"image_generation"`
	ContextFiles    GeminiBizContextFilesConfig `mapstructure:"context_files"`
}

type GeminiBizImageGenConfig struct {
	// Enabled 对支持的模型附带图像生成工具
	Enabled bool `mapstructure:"enabled"`
}

type GeminiBizContextFilesConfig struct {
	// MaxBytes 单文件上传上限
	MaxBytes int64 `mapstructure:"max_bytes"`
	// DownloadTimeoutSeconds 拉取外部文件的超时
	DownloadTimeoutSeconds int `mapstructure:"download_timeout_seconds"`
}

type KiroConfig struct {
	// MaxContextTokens 信用额度折算 token 时使用的上下文窗口上限
	MaxContextTokens int `mapstructure:"max_context_tokens"`
}

type RequestLogConfig struct {
	// RetentionDays 内存请求日志保留天数，cron 定期清理
	RetentionDays int `mapstructure:"retention_days"`
	// MaxEntries 环形缓冲上限
	MaxEntries int `mapstructure:"max_entries"`
	// CleanupCron 清理任务 cron 表达式
	CleanupCron string `mapstructure:"cleanup_cron"`
}

// Load 加载配置：config.yaml + 环境变量覆盖
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if dataDir := os.Getenv("RELAYGATE_DATA_DIR"); dataDir != "" {
		viper.AddConfigPath(dataDir)
	}
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/relaygate")

	viper.SetEnvPrefix("GATEWAY")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// 找不到配置文件时按默认值 + 环境变量运行
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("server.read_header_timeout", 30)
	viper.SetDefault("server.idle_timeout", 120)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.caller", false)
	viper.SetDefault("log.output.to_stdout", true)
	viper.SetDefault("log.output.to_file", false)
	viper.SetDefault("log.output.file_path", "logs/relaygate.log")
	viper.SetDefault("log.rotation.max_size_mb", 100)
	viper.SetDefault("log.rotation.max_backups", 5)
	viper.SetDefault("log.rotation.max_age_days", 30)

	viper.SetDefault("gateway.stream_data_interval_timeout", 180)
	viper.SetDefault("gateway.sticky_session_ttl_minutes", 60)
	viper.SetDefault("gateway.accounts_file", "accounts.json")

	viper.SetDefault("gemini.code_assist_endpoint", "https://cloudcode-pa.googleapis.com")

	viper.SetDefault("antigravity.return_thoughts", true)
	viper.SetDefault("antigravity.upstream_url", "https://cloudcode-pa.googleapis.com")
	viper.SetDefault("antigravity.fallback_url", "https://daily-cloudcode-pa.sandbox.googleapis.com")

	viper.SetDefault("gemini_business.base_url", "https://biz-api.gstatic-eu.com")
	viper.SetDefault("gemini_business.jwt_ttl_seconds", 300)
	viper.SetDefault("gemini_business.jwt_cache_seconds", 270)
	viper.SetDefault("gemini_business.image_generation.enabled", true)
	viper.SetDefault("gemini_business.context_files.max_bytes", 100*1024*1024)
	viper.SetDefault("gemini_business.context_files.download_timeout_seconds", 30)

	viper.SetDefault("kiro.max_context_tokens", 172500)

	viper.SetDefault("request_log.retention_days", 7)
	viper.SetDefault("request_log.max_entries", 10000)
	viper.SetDefault("request_log.cleanup_cron", "0 0 3 * * *")
}

// Validate 校验关键字段
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if c.Gateway.StickySessionTTLMinutes <= 0 {
		return fmt.Errorf("gateway.sticky_session_ttl_minutes must be positive")
	}
	if c.GeminiBusiness.JWTCacheSeconds >= c.GeminiBusiness.JWTTTLSeconds {
		return fmt.Errorf("gemini_business.jwt_cache_seconds must be less than jwt_ttl_seconds")
	}
	if c.Kiro.MaxContextTokens <= 0 {
		return fmt.Errorf("kiro.max_context_tokens must be positive")
	}
	return nil
}

// SkipTLSValidate Antigravity 通道是否跳过上游证书校验（仅限调试环境）
func SkipTLSValidate() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("ANTIGRAVITY_SKIP_TLS_VALIDATE")))
	return v == "1" || v == "true" || v == "yes"
}
