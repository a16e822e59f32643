package config

import (
	"errors"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port        string `envconfig:"APP_PORT" default:"8080"`
	DatabaseDSN string `envconfig:"DATABASE_DSN" default:"host=localhost user=postgres password=postgres dbname=tripplanner port=5432 sslmode=disable TimeZone=UTC"`
	JWTSecret   string `envconfig:"JWT_SECRET" default:"dev-secret-change-me"`
	Env         string `envconfig:"APP_ENV" default:"dev"`

	HeartbeatTimeout  time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"90s"`
	PresenceSweep     time.Duration `envconfig:"PRESENCE_SWEEP_INTERVAL" default:"15s"`
	TypingTimeout     time.Duration `envconfig:"TYPING_TIMEOUT" default:"1s"`
	RoomIdleTTL       time.Duration `envconfig:"ROOM_IDLE_TTL" default:"60s"`
	AccessCacheTTL    time.Duration `envconfig:"ACCESS_CACHE_TTL" default:"30s"`
	InviteTTL         time.Duration `envconfig:"INVITE_TTL" default:"168h"`
	RecentWindow      int           `envconfig:"RECENT_MESSAGE_WINDOW" default:"100"`
	OutboundQueueSize int           `envconfig:"OUTBOUND_QUEUE_SIZE" default:"256"`
}

// Load 从环境变量加载配置。
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 检查配置是否适合启动，prod 环境禁止默认密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("port must not be empty")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("database dsn must not be empty")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == "dev-secret-change-me" {
		return errors.New("default jwt secret is not allowed outside dev")
	}
	if cfg.HeartbeatTimeout <= 0 || cfg.TypingTimeout <= 0 || cfg.RoomIdleTTL <= 0 {
		return errors.New("timeouts must be positive")
	}
	if cfg.RecentWindow <= 0 || cfg.OutboundQueueSize <= 0 {
		return errors.New("window and queue sizes must be positive")
	}
	return nil
}
