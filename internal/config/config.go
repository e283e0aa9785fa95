package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const defaultSessionSecret = "dev-secret-change-me"

// 存储后端：redis 支持多进程部署，memory 仅用于单进程开发与测试。
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Config struct {
	Port     string
	Env      string
	LogLevel string

	StoreBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	CookieName    string
	SessionSecret string

	SessionTTLSeconds   int
	PresenceTTLSeconds  int
	PingIntervalSeconds int
	PongTimeoutSeconds  int

	HistorySize      int
	MaxMessageLength int
	BackplaneChannel string
	WebDir           string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getenvInt 解析正整数，非法值回退到默认值。
func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, strconv.Itoa(def)))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func Load() Config {
	env := getenv("APP_ENV", "dev")
	backend := BackendRedis
	if env == "dev" {
		backend = BackendMemory
	}
	redisDB, err := strconv.Atoi(getenv("REDIS_DB", "0"))
	if err != nil || redisDB < 0 {
		redisDB = 0
	}
	return Config{
		Port:                getenv("APP_PORT", "8080"),
		Env:                 env,
		LogLevel:            getenv("LOG_LEVEL", "info"),
		StoreBackend:        getenv("STORE_BACKEND", backend),
		RedisAddr:           getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             redisDB,
		CookieName:          getenv("SESSION_COOKIE_NAME", "chat.sid"),
		SessionSecret:       getenv("SESSION_SECRET", defaultSessionSecret),
		SessionTTLSeconds:   getenvInt("SESSION_TTL_SECONDS", 15),
		PresenceTTLSeconds:  getenvInt("PRESENCE_TTL_SECONDS", 100),
		PingIntervalSeconds: getenvInt("PING_INTERVAL_SECONDS", 10),
		PongTimeoutSeconds:  getenvInt("PONG_TIMEOUT_SECONDS", 5),
		HistorySize:         getenvInt("HISTORY_SIZE", 3),
		MaxMessageLength:    getenvInt("MAX_MESSAGE_LENGTH", 1000),
		BackplaneChannel:    getenv("BACKPLANE_CHANNEL", "chat:backplane"),
		WebDir:              getenv("WEB_DIR", "./web"),
	}
}

// Validate 检查配置是否可用于启动服务。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT must not be empty")
	}
	switch cfg.StoreBackend {
	case BackendRedis:
		if cfg.RedisAddr == "" {
			return errors.New("REDIS_ADDR must not be empty for the redis backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
	if cfg.CookieName == "" {
		return errors.New("SESSION_COOKIE_NAME must not be empty")
	}
	if cfg.SessionSecret == "" {
		return errors.New("SESSION_SECRET must not be empty")
	}
	if cfg.Env != "dev" && cfg.SessionSecret == defaultSessionSecret {
		return errors.New("SESSION_SECRET must be changed outside dev")
	}
	if cfg.SessionTTLSeconds <= 0 || cfg.PresenceTTLSeconds <= 0 || cfg.PingIntervalSeconds <= 0 || cfg.PongTimeoutSeconds <= 0 {
		return errors.New("ttl and keep-alive settings must be positive")
	}
	// 在线标记必须比心跳间隔活得更久，否则空闲连接会被误判离线。
	if cfg.PresenceTTLSeconds <= cfg.PingIntervalSeconds {
		return errors.New("PRESENCE_TTL_SECONDS must exceed PING_INTERVAL_SECONDS")
	}
	if cfg.HistorySize <= 0 || cfg.MaxMessageLength <= 0 {
		return errors.New("HISTORY_SIZE and MAX_MESSAGE_LENGTH must be positive")
	}
	if cfg.BackplaneChannel == "" {
		return errors.New("BACKPLANE_CHANNEL must not be empty")
	}
	return nil
}

func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

func (c Config) PresenceTTL() time.Duration {
	return time.Duration(c.PresenceTTLSeconds) * time.Second
}

func (c Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

func (c Config) PongTimeout() time.Duration {
	return time.Duration(c.PongTimeoutSeconds) * time.Second
}
