package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server ServerConfig
	Relay  RelayConfig
	Mongo  MongoConfig
	Redis  RedisConfig
	Auth   AuthConfig
	Log    LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	relay, err := loadRelayConfig()
	if err != nil {
		return nil, err
	}

	mongo, err := loadMongoConfig()
	if err != nil {
		return nil, err
	}

	redis, err := loadRedisConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: server,
		Relay:  relay,
		Mongo:  mongo,
		Redis:  redis,
		Auth:   AuthConfig{JWTSecret: strings.TrimSpace(os.Getenv("AUTH_JWT_SECRET"))},
		Log: LogConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "console"),
		},
	}, nil
}

// ServerConfig 描述 HTTP / WebSocket 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
	MaxMessageSize int64
	SendBufferSize int
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	addr := port
	if !strings.Contains(port, ":") {
		if strings.Contains(port, " ") {
			return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
		}
		addr = ":" + port
	}

	maxSize, err := parseIntEnv("MAX_MESSAGE_SIZE", 64*1024)
	if err != nil {
		return ServerConfig{}, err
	}

	sendBuffer, err := parseIntEnv("SEND_BUFFER_SIZE", 256)
	if err != nil {
		return ServerConfig{}, err
	}

	return ServerConfig{
		Addr:           addr,
		AllowedOrigins: parseList(os.Getenv("ALLOWED_ORIGINS"), []string{"*"}),
		MaxMessageSize: int64(maxSize),
		SendBufferSize: sendBuffer,
	}, nil
}

// RelayConfig 描述消息中继与心跳配置。
type RelayConfig struct {
	HeartbeatInterval time.Duration
	PersistTimeout    time.Duration
}

func loadRelayConfig() (RelayConfig, error) {
	heartbeat, err := parseDurationEnv("HEARTBEAT_INTERVAL", 30*time.Second)
	if err != nil {
		return RelayConfig{}, err
	}

	persist, err := parseDurationEnv("PERSIST_TIMEOUT", 5*time.Second)
	if err != nil {
		return RelayConfig{}, err
	}

	return RelayConfig{HeartbeatInterval: heartbeat, PersistTimeout: persist}, nil
}

// MongoConfig 描述持久化存储配置，URI 为空时使用内存仓库。
type MongoConfig struct {
	URI         string
	Database    string
	MaxPoolSize uint64
}

// Enabled 表示是否配置了 Mongo 部署。
func (c MongoConfig) Enabled() bool {
	return c.URI != ""
}

func loadMongoConfig() (MongoConfig, error) {
	pool, err := parseIntEnv("MONGO_MAX_POOL_SIZE", 50)
	if err != nil {
		return MongoConfig{}, err
	}

	return MongoConfig{
		URI:         strings.TrimSpace(os.Getenv("MONGO_URI")),
		Database:    getEnvOrDefault("MONGO_DATABASE", "relay"),
		MaxPoolSize: uint64(pool),
	}, nil
}

// RedisConfig 描述在线状态镜像配置，Addr 为空时关闭镜像。
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	PresenceTTL time.Duration
}

// Enabled 表示是否启用在线状态镜像。
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

func loadRedisConfig() (RedisConfig, error) {
	db, err := parseIntEnv("REDIS_DB", 0)
	if err != nil {
		return RedisConfig{}, err
	}

	ttl, err := parseDurationEnv("PRESENCE_TTL", 2*time.Minute)
	if err != nil {
		return RedisConfig{}, err
	}

	return RedisConfig{
		Addr:        strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		Password:    os.Getenv("REDIS_PASSWORD"),
		DB:          db,
		PresenceTTL: ttl,
	}, nil
}

// AuthConfig 描述握手凭证校验配置。
type AuthConfig struct {
	JWTSecret string
}

// LogConfig 描述日志级别与输出格式。
type LogConfig struct {
	Level  string
	Format string
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
	}
	return val, nil
}

// parseDurationEnv 同时接受 Go 时长 ("30s") 与纯秒数 ("30")。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
		}
		return time.Duration(seconds) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}

func parseList(raw string, defaultValue []string) []string {
	if strings.TrimSpace(raw) == "" {
		return defaultValue
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
