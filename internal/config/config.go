package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 应用配置结构
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Auth      AuthConfig      `json:"auth"`
	OAuth     OAuthConfig     `json:"oauth"`
	Logging   LoggingConfig   `json:"logging"`
	Secret    SecretConfig    `json:"-"`
	Proxy     ProxyConfig     `json:"proxy"`
	Sync      SyncConfig      `json:"sync"`
	GC        GCConfig        `json:"gc"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host string `json:"host"`
	Port string `json:"port"`
	Env  string `json:"env"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Path   string `json:"path"`
	PureGo bool   `json:"pure_go"`
}

// AuthConfig 状态API认证配置
type AuthConfig struct {
	JWTSecret string        `json:"-"`
	JWTExpiry time.Duration `json:"jwt_expiry"`
}

// OAuthConfig OAuth2配置
type OAuthConfig struct {
	Gmail OAuthProviderConfig `json:"gmail"`
}

// OAuthProviderConfig OAuth2提供商配置
type OAuthProviderConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"-"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// SecretConfig 凭据加密配置
type SecretConfig struct {
	Key string // 32字节hex编码
}

// ProxyConfig 默认IMAP代理，账户未配置代理时使用
type ProxyConfig struct {
	Type     string `json:"type"` // none, http, socks5
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
}

// SyncConfig 同步引擎配置
type SyncConfig struct {
	PollFrequency    time.Duration `json:"poll_frequency"`
	RefreshFrequency time.Duration `json:"refresh_frequency"`
	HeartbeatPeriod  time.Duration `json:"heartbeat_period"`
	RefreshFlagsMax  int           `json:"refresh_flags_max"`
	IdleTimeout      time.Duration `json:"idle_timeout"`
	ThrottleWait     time.Duration `json:"throttle_wait"`
	ChangeQueueSize  int           `json:"change_queue_size"`
	PoolSize         int           `json:"pool_size"`
	StatusEvery      int           `json:"status_every"`
	DownloadRate     float64       `json:"download_rate"`
	DownloadBurst    int           `json:"download_burst"`
	FetchChunk       int           `json:"fetch_chunk"`
	MaxThreadLength  int           `json:"max_thread_length"`
	RetryBaseDelay   time.Duration `json:"retry_base_delay"`
	RetryMaxDelay    time.Duration `json:"retry_max_delay"`
	DialTimeout      time.Duration `json:"dial_timeout"`
	IOTimeout        time.Duration `json:"io_timeout"`
}

// GCConfig 删除回收配置
type GCConfig struct {
	Interval time.Duration `json:"interval"`
	Grace    time.Duration `json:"grace"`
}

// HeartbeatConfig 心跳状态配置
type HeartbeatConfig struct {
	SilentAfter time.Duration `json:"silent_after"`
}

// Load 加载配置
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host: getEnv("HOST", "localhost"),
			Port: getEnv("PORT", "8080"),
			Env:  getEnv("ENV", "development"),
		},
		Database: DatabaseConfig{
			Path:   getEnv("DB_PATH", "./mailsync.db"),
			PureGo: parseBool(getEnv("DB_PURE_GO", "false")),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "your-secret-key"),
			JWTExpiry: parseDurationDefault(getEnv("JWT_EXPIRY", "24h"), 24*time.Hour),
		},
		OAuth: OAuthConfig{
			Gmail: OAuthProviderConfig{
				ClientID:     getEnv("GMAIL_CLIENT_ID", ""),
				ClientSecret: getEnv("GMAIL_CLIENT_SECRET", ""),
			},
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Secret: SecretConfig{
			Key: getEnv("SECRET_KEY", ""),
		},
		Proxy: ProxyConfig{
			Type:     getEnv("IMAP_PROXY_TYPE", "none"),
			Host:     getEnv("IMAP_PROXY_HOST", ""),
			Port:     parseInt(getEnv("IMAP_PROXY_PORT", "0"), 0),
			Username: getEnv("IMAP_PROXY_USERNAME", ""),
			Password: getEnv("IMAP_PROXY_PASSWORD", ""),
		},
		Sync: SyncConfig{
			PollFrequency:    parseDurationDefault(getEnv("SYNC_POLL_FREQUENCY", "30s"), 30*time.Second),
			RefreshFrequency: parseDurationDefault(getEnv("SYNC_REFRESH_FREQUENCY", "30s"), 30*time.Second),
			HeartbeatPeriod:  parseDurationDefault(getEnv("SYNC_HEARTBEAT", "1s"), time.Second),
			RefreshFlagsMax:  parseInt(getEnv("SYNC_REFRESH_FLAGS_MAX", "2000"), 2000),
			IdleTimeout:      parseDurationDefault(getEnv("SYNC_IDLE_TIMEOUT", "30s"), 30*time.Second),
			ThrottleWait:     parseDurationDefault(getEnv("SYNC_THROTTLE_WAIT", "60s"), 60*time.Second),
			ChangeQueueSize:  parseInt(getEnv("SYNC_CHANGE_QUEUE_SIZE", "4"), 4),
			PoolSize:         parseInt(getEnv("SYNC_POOL_SIZE", "4"), 4),
			StatusEvery:      parseInt(getEnv("SYNC_STATUS_EVERY", "10"), 10),
			DownloadRate:     parseFloat(getEnv("SYNC_DOWNLOAD_RATE", "10"), 10),
			DownloadBurst:    parseInt(getEnv("SYNC_DOWNLOAD_BURST", "50"), 50),
			FetchChunk:       parseInt(getEnv("SYNC_FETCH_CHUNK", "100"), 100),
			MaxThreadLength:  parseInt(getEnv("SYNC_MAX_THREAD_LENGTH", "500"), 500),
			RetryBaseDelay:   parseDurationDefault(getEnv("SYNC_RETRY_BASE_DELAY", "2s"), 2*time.Second),
			RetryMaxDelay:    parseDurationDefault(getEnv("SYNC_RETRY_MAX_DELAY", "2m"), 2*time.Minute),
			DialTimeout:      parseDurationDefault(getEnv("SYNC_DIAL_TIMEOUT", "30s"), 30*time.Second),
			IOTimeout:        parseDurationDefault(getEnv("SYNC_IO_TIMEOUT", "5m"), 5*time.Minute),
		},
		GC: GCConfig{
			Interval: parseDurationDefault(getEnv("GC_INTERVAL", "5m"), 5*time.Minute),
			Grace:    parseDurationDefault(getEnv("GC_GRACE", "1h"), time.Hour),
		},
		Heartbeat: HeartbeatConfig{
			SilentAfter: parseDurationDefault(getEnv("HEARTBEAT_SILENT_AFTER", "5m"), 5*time.Minute),
		},
	}
}

// IsProduction 是否为生产环境
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Env, "production")
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDurationDefault 解析时间间隔，非法或非正值时返回默认值
func parseDurationDefault(s string, defaultValue time.Duration) time.Duration {
	duration, err := time.ParseDuration(s)
	if err != nil || duration <= 0 {
		return defaultValue
	}
	return duration
}

// parseBool 解析布尔值
func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false
	}
	return b
}

// parseInt 解析整数
func parseInt(s string, defaultValue int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return i
}

// parseFloat 解析浮点数
func parseFloat(s string, defaultValue float64) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return defaultValue
	}
	return f
}
